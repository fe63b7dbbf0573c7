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

// VersionedData is one record in the per-shard consensus chain.
type VersionedData struct {
	SeqNo uint64
	Data  []byte
}

/*

consensus interface

A linearizable store holding, per shard, an append-only chain of versioned
records. The head is the record with the highest sequence number. Sequence
numbers start at 1; an expected sequence of 0 in CompareAndSet means "the
shard must not exist yet".

 - Head: current head record, nil when the shard was never written
 - CompareAndSet: append (expected+1, data) iff head sequence == expected;
   on mismatch, returns the actual head so the caller can catch up
 - Scan: all live records with sequence >= from, in sequence order
 - Truncate: drop records with sequence < before (the record at `before`
   must remain)

*/

type Consensus interface {
	Head(ctx context.Context, shard string) (*VersionedData, error)
	CompareAndSet(ctx context.Context, shard string, expected uint64, data []byte) (bool, *VersionedData, error)
	Scan(ctx context.Context, shard string, from uint64) ([]VersionedData, error)
	Truncate(ctx context.Context, shard string, before uint64) error
}
