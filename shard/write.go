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

import (
	"context"
	"fmt"

	"github.com/launix-de/durashard/persistence"
)

// WriteHandle is the writer-facing API of one shard. All mutations flow
// through the machine; the handle only caches the upper it last observed
// and its own heartbeat bookkeeping. A handle is owned by one goroutine.
type WriteHandle[K, V, T, D any] struct {
	cfg       *Config
	codecs    Codecs[K, V, T, D]
	machine   *Machine[T]
	gc        *GarbageCollector[T]
	compactor *Compactor[K, V, T, D] // nil when compaction is disabled
	blob      persistence.Blob

	writerID      WriterId
	upper         Antichain[T]
	lastHeartbeat uint64
	expired       bool
}

func (h *WriteHandle[K, V, T, D]) WriterID() WriterId { return h.writerID }
func (h *WriteHandle[K, V, T, D]) ShardID() ShardId   { return h.machine.shardID }

// Upper is the cached shard upper as of the last successful or failed
// operation on this handle; pure accessor, no I/O.
func (h *WriteHandle[K, V, T, D]) Upper() Antichain[T] { return h.upper }

// validateBounds applies the usage checks shared by all append paths.
func (h *WriteHandle[K, V, T, D]) validateBounds(lower, upper Antichain[T], updates int) error {
	l := h.codecs.Ts
	if !FrontierLessEqual(l, lower, upper) {
		return &InvalidBounds{
			Lower: fmt.Sprintf("%v", lower.Elements()),
			Upper: fmt.Sprintf("%v", upper.Elements()),
		}
	}
	if FrontierEqual(l, lower, upper) && updates > 0 {
		return &InvalidEmptyTimeInterval{
			Lower:   fmt.Sprintf("%v", lower.Elements()),
			Upper:   fmt.Sprintf("%v", upper.Elements()),
			Updates: updates,
		}
	}
	return nil
}

// NewBatchBuilder streams a batch: Add accumulates, parts spill to blob at
// the target size, Finish seals.
func (h *WriteHandle[K, V, T, D]) NewBatchBuilder(lower Antichain[T]) *BatchBuilder[K, V, T, D] {
	return newBatchBuilder(h.cfg, h.codecs, h.machine.shardID, h.blob, lower, h.machine.cached().since)
}

// BatchFromUpdates builds a batch without committing it to the trace, so
// the caller may commit it later with AppendBatch.
func (h *WriteHandle[K, V, T, D]) BatchFromUpdates(ctx context.Context, updates []Update[K, V, T, D], lower, upper Antichain[T]) (*Batch[T], error) {
	if err := h.validateBounds(lower, upper, len(updates)); err != nil {
		return nil, err
	}
	b := h.NewBatchBuilder(lower)
	for _, u := range updates {
		if err := b.Add(ctx, u.Key, u.Val, u.Ts, u.Diff); err != nil {
			return nil, err
		}
	}
	// the part Finish spills from the leftover buffer is not a full one
	tail := 0
	if len(b.buffered) > 0 {
		tail = 1
	}
	batch, err := b.Finish(ctx, upper)
	if err != nil {
		return nil, err
	}
	// building a large batch is work; count it as liveness once at least
	// one full part went to blob
	if b.PartsSpilled-tail >= 1 {
		h.maybeHeartbeat(ctx)
	}
	return batch, nil
}

// Append is the best-effort variant: as long as the actual shard upper
// stays within [lower, upper), the write is re-staged at the actual upper,
// dropping updates whose timestamps are already past it. Only an actual
// upper outside those bounds is reported as a mismatch, and the cached
// upper advances so the caller can re-stage.
func (h *WriteHandle[K, V, T, D]) Append(ctx context.Context, updates []Update[K, V, T, D], lower, upper Antichain[T]) (*UpperMismatch[T], error) {
	l := h.codecs.Ts
	effLower := lower
	for attempt := 0; ; attempt++ {
		staged := updates
		if attempt > 0 {
			// writes at times before the observed upper are already past
			staged = nil
			for _, u := range updates {
				if effLower.LessEqualT(l, u.Ts) {
					staged = append(staged, u)
				}
			}
		}
		batch, err := h.BatchFromUpdates(ctx, staged, effLower, upper)
		if err != nil {
			return nil, err
		}
		mismatch, err := h.AppendBatch(ctx, batch, effLower, upper)
		if err != nil {
			return nil, err
		}
		if mismatch == nil {
			return nil, nil
		}
		actual := mismatch.Actual
		if FrontierLessEqual(l, upper, actual) {
			return mismatch, nil // nothing left to write below the actual upper
		}
		if !FrontierLessEqual(l, lower, actual) {
			return mismatch, nil // non-contiguous: the shard has not reached our lower
		}
		effLower = actual
	}
}

// CompareAndAppend is the strict optimistic-concurrency append: applied
// iff the shard upper equals lower.
func (h *WriteHandle[K, V, T, D]) CompareAndAppend(ctx context.Context, updates []Update[K, V, T, D], lower, upper Antichain[T]) (*UpperMismatch[T], error) {
	batch, err := h.BatchFromUpdates(ctx, updates, lower, upper)
	if err != nil {
		return nil, err
	}
	mismatch, err := h.AppendBatch(ctx, batch, lower, upper)
	return mismatch, err
}

// AppendBatch commits a previously built batch.
func (h *WriteHandle[K, V, T, D]) AppendBatch(ctx context.Context, batch *Batch[T], lower, upper Antichain[T]) (*UpperMismatch[T], error) {
	if h.expired {
		panic(fmt.Sprintf("writer %s used after expire", h.writerID))
	}
	l := h.codecs.Ts
	if batch.shardID != h.machine.shardID {
		return nil, &BatchNotFromThisShard{BatchShard: batch.shardID, HandleShard: h.machine.shardID}
	}
	if !FrontierEqual(l, batch.desc.Lower, lower) || !FrontierEqual(l, batch.desc.Upper, upper) {
		return nil, &InvalidBatchBounds{
			BatchLower:  fmt.Sprintf("%v", batch.desc.Lower.Elements()),
			BatchUpper:  fmt.Sprintf("%v", batch.desc.Upper.Elements()),
			AppendLower: fmt.Sprintf("%v", lower.Elements()),
			AppendUpper: fmt.Sprintf("%v", upper.Elements()),
		}
	}

	now := h.cfg.Now()
	mismatch, maint, err := h.machine.CompareAndAppend(ctx, h.writerID, batch.desc, now)
	if err != nil {
		return nil, err
	}
	if mismatch != nil {
		h.upper = mismatch.Actual
		// a failed append still proves the writer is alive; do not let a
		// stuck caller be expired out from under itself
		h.heartbeat(ctx)
		return mismatch, nil
	}
	h.upper = upper
	h.lastHeartbeat = now
	h.machine.PerformMaintenance(ctx, maint, h.gc)
	if h.compactor != nil {
		state := h.machine.cached()
		h.compactor.Maybe(CompactReq[T]{Inputs: state.batches(), Since: state.since})
	}
	return nil, nil
}

// heartbeat unconditionally extends the writer lease.
func (h *WriteHandle[K, V, T, D]) heartbeat(ctx context.Context) {
	now := h.cfg.Now()
	maint, err := h.machine.HeartbeatWriter(ctx, h.writerID, now)
	if err != nil {
		fmt.Printf("writer %s heartbeat: %v\n", h.writerID, err)
		return
	}
	h.lastHeartbeat = now
	h.machine.PerformMaintenance(ctx, maint, h.gc)
}

// MaybeHeartbeat extends the lease once at least half of it elapsed since
// the last heartbeat; cheap to call often.
func (h *WriteHandle[K, V, T, D]) MaybeHeartbeat(ctx context.Context) {
	h.maybeHeartbeat(ctx)
}

func (h *WriteHandle[K, V, T, D]) maybeHeartbeat(ctx context.Context) {
	if h.expired {
		panic(fmt.Sprintf("writer %s used after expire", h.writerID))
	}
	now := h.cfg.Now()
	if now-h.lastHeartbeat < h.cfg.writerLeaseMillis()/2 {
		return
	}
	h.heartbeat(ctx)
}

// Expire deregisters the writer; the handle is unusable afterwards.
func (h *WriteHandle[K, V, T, D]) Expire(ctx context.Context) {
	if h.expired {
		return
	}
	h.expired = true
	if h.compactor != nil {
		h.compactor.Close()
	}
	maint, err := h.machine.ExpireWriter(ctx, h.writerID)
	if err != nil {
		fmt.Printf("writer %s expire: %v\n", h.writerID, err)
		return
	}
	h.machine.PerformMaintenance(ctx, maint, h.gc)
}
