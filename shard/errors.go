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
package shard

import "fmt"

/*

error taxonomy

 - InvalidUsage: permanent caller bugs, surfaced immediately, never retried.
 - UpperMismatch: not an error, returned as data so callers can re-stage
   without try/fail discipline.
 - external Blob/Consensus failures: retried internally with backoff, never
   surfaced; the operation just takes longer.
 - corruption (unparseable diff, missing referenced rollup): panic. The
   process must not continue with inconsistent assumptions.

*/

// InvalidUsage marks permanent caller errors.
type InvalidUsage interface {
	error
	invalidUsage()
}

// CodecMismatch: the shard was initialized with different codecs.
type CodecMismatch struct {
	Requested CodecNames
	Actual    CodecNames
}

func (e *CodecMismatch) Error() string {
	return fmt.Sprintf("codec mismatch: requested %s but shard was initialized with %s",
		e.Requested, e.Actual)
}

func (e *CodecMismatch) invalidUsage() {}

// InvalidBounds: lower > upper.
type InvalidBounds struct {
	Lower, Upper string
}

func (e *InvalidBounds) Error() string {
	return fmt.Sprintf("invalid bounds: lower %s is beyond upper %s", e.Lower, e.Upper)
}

func (e *InvalidBounds) invalidUsage() {}

// InvalidEmptyTimeInterval: lower == upper with non-empty updates.
type InvalidEmptyTimeInterval struct {
	Lower, Upper string
	Updates      int
}

func (e *InvalidEmptyTimeInterval) Error() string {
	return fmt.Sprintf("invalid empty time interval [%s, %s) with %d updates",
		e.Lower, e.Upper, e.Updates)
}

func (e *InvalidEmptyTimeInterval) invalidUsage() {}

// UpdateNotBeyondLower: an update's timestamp is before the advertised lower.
type UpdateNotBeyondLower struct {
	Ts, Lower string
}

func (e *UpdateNotBeyondLower) Error() string {
	return fmt.Sprintf("update timestamp %s is not beyond lower %s", e.Ts, e.Lower)
}

func (e *UpdateNotBeyondLower) invalidUsage() {}

// UpdateBeyondUpper: an update's timestamp is at or past the advertised upper.
type UpdateBeyondUpper struct {
	MaxTs, ExpectedUpper string
}

func (e *UpdateBeyondUpper) Error() string {
	return fmt.Sprintf("update timestamp %s is beyond expected upper %s", e.MaxTs, e.ExpectedUpper)
}

func (e *UpdateBeyondUpper) invalidUsage() {}

// InvalidBatchBounds: a batch committed with bounds not equal to the append's.
type InvalidBatchBounds struct {
	BatchLower, BatchUpper   string
	AppendLower, AppendUpper string
}

func (e *InvalidBatchBounds) Error() string {
	return fmt.Sprintf("batch bounds [%s, %s) do not match append bounds [%s, %s)",
		e.BatchLower, e.BatchUpper, e.AppendLower, e.AppendUpper)
}

func (e *InvalidBatchBounds) invalidUsage() {}

// BatchNotFromThisShard: a batch or a leased part of one shard was handed to
// a handle of another shard.
type BatchNotFromThisShard struct {
	BatchShard, HandleShard ShardId
}

func (e *BatchNotFromThisShard) Error() string {
	return fmt.Sprintf("batch from shard %s handed to handle for shard %s",
		e.BatchShard, e.HandleShard)
}

func (e *BatchNotFromThisShard) invalidUsage() {}

// SnapshotSince: the requested as_of is before the shard since; the history
// needed to answer the read has been compacted away.
type SnapshotSince struct {
	AsOf, Since string
}

func (e *SnapshotSince) Error() string {
	return fmt.Sprintf("snapshot as_of %s is before since %s", e.AsOf, e.Since)
}

func (e *SnapshotSince) invalidUsage() {}

// UpperMismatch is the optimistic-concurrency outcome of an append: the
// shard upper was not what the caller expected. It is data, not an error.
type UpperMismatch[T any] struct {
	// the actual shard upper at the time of the attempt
	Actual Antichain[T]
}
