/*
Copyright (C) 2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/
package persistence

import "context"

/*

blob interface

durashard stores all bulk payloads (batch parts, state rollups) as immutable
objects in a content-addressed blob store. Keys are hierarchical strings of
the form <shard>/<kind>/<hash> where kind is "batch_part" or "rollup".

A blob engine must implement the following operations:
 - get an object (nil when absent)
 - set an object (last write wins, but all writes carry identical bytes
   because keys are content addressed)
 - delete an object
 - list all keys under a prefix

*/

type Blob interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, f func(key string)) error
}
