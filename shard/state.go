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
	"fmt"

	"github.com/google/btree"
)

/*

shard state

The authoritative per-shard record, versioned by seqno. All transitions are
pure: the machine clones the current state, applies one mutating method to
the clone, and persists the diff via consensus CAS. Transitions never do
I/O.

Invariants after every successful CAS:
 1. since <= upper componentwise
 2. the trace tiles [T.minimum, upper) with no gaps and no overlaps
 3. since is the meet of all capabilities, floored at the compaction frontier
 4. codecs are immutable after the first write
 5. seqno strictly increases by one per persisted version
 6. registrations are only removed on expiry or explicit deregistration

*/

type WriterState struct {
	LastHeartbeat uint64 // millis
	LeaseDeadline uint64 // millis
}

type LeasedReaderState[T any] struct {
	Since         Antichain[T]
	LastHeartbeat uint64
	LeaseDeadline uint64
}

type CriticalReaderState[T any] struct {
	Since  Antichain[T]
	Opaque [8]byte // holder-controlled token for CAS on downgrades
}

// PartDesc points at one immutable blob object of a batch.
type PartDesc struct {
	Key              string `json:"key"`
	EncodedSizeBytes int    `json:"encoded_size_bytes"`
}

// BatchDesc describes one batch in the trace: the half-open interval
// [Lower, Upper) it covers, the since at which it was (possibly) compacted,
// its parts and aggregate statistics.
type BatchDesc[T any] struct {
	Lower Antichain[T]
	Upper Antichain[T]
	Since Antichain[T]
	Parts []PartDesc
	Len   uint64 // update count
}

func (b *BatchDesc[T]) encodedSizeBytes() int {
	n := 0
	for _, p := range b.Parts {
		n += p.EncodedSizeBytes
	}
	return n
}

type State[T any] struct {
	latt    Lattice[T]
	shardID ShardId
	seqno   uint64
	since   Antichain[T]
	upper   Antichain[T]
	// the trace, keyed by canonical lower frontier
	trace           *btree.BTreeG[*BatchDesc[T]]
	leasedReaders   map[LeasedReaderId]LeasedReaderState[T]
	criticalReaders map[CriticalReaderId]CriticalReaderState[T]
	writers         map[WriterId]WriterState
	codecs          CodecNames
	lastRollupSeqno uint64
	rollups         map[uint64]string // seqno -> rollup blob key
}

func newTrace[T any](latt Lattice[T]) *btree.BTreeG[*BatchDesc[T]] {
	return btree.NewG[*BatchDesc[T]](8, func(a, b *BatchDesc[T]) bool {
		return frontierKey(latt, a.Lower) < frontierKey(latt, b.Lower)
	})
}

// newState is the state written by whichever participant initializes the
// shard: seqno 1, both frontiers at the minimum, empty trace.
func newState[T any](latt Lattice[T], shardID ShardId, codecs CodecNames) *State[T] {
	min := AntichainOf(latt, latt.Minimum())
	return &State[T]{
		latt:            latt,
		shardID:         shardID,
		seqno:           1,
		since:           min,
		upper:           min,
		trace:           newTrace(latt),
		leasedReaders:   make(map[LeasedReaderId]LeasedReaderState[T]),
		criticalReaders: make(map[CriticalReaderId]CriticalReaderState[T]),
		writers:         make(map[WriterId]WriterState),
		codecs:          codecs,
		lastRollupSeqno: 0,
		rollups:         make(map[uint64]string),
	}
}

// clone is a cheap copy: maps are shallow-copied, the trace is a
// copy-on-write btree clone.
func (s *State[T]) clone() *State[T] {
	out := &State[T]{
		latt:            s.latt,
		shardID:         s.shardID,
		seqno:           s.seqno,
		since:           s.since,
		upper:           s.upper,
		trace:           s.trace.Clone(),
		leasedReaders:   make(map[LeasedReaderId]LeasedReaderState[T], len(s.leasedReaders)),
		criticalReaders: make(map[CriticalReaderId]CriticalReaderState[T], len(s.criticalReaders)),
		writers:         make(map[WriterId]WriterState, len(s.writers)),
		codecs:          s.codecs,
		lastRollupSeqno: s.lastRollupSeqno,
		rollups:         make(map[uint64]string, len(s.rollups)),
	}
	for k, v := range s.leasedReaders {
		out.leasedReaders[k] = v
	}
	for k, v := range s.criticalReaders {
		out.criticalReaders[k] = v
	}
	for k, v := range s.writers {
		out.writers[k] = v
	}
	for k, v := range s.rollups {
		out.rollups[k] = v
	}
	return out
}

func (s *State[T]) Since() Antichain[T] { return s.since }
func (s *State[T]) Upper() Antichain[T] { return s.upper }
func (s *State[T]) SeqNo() uint64       { return s.seqno }

// batches returns the trace in lower order.
func (s *State[T]) batches() []*BatchDesc[T] {
	out := make([]*BatchDesc[T], 0, s.trace.Len())
	s.trace.Ascend(func(b *BatchDesc[T]) bool {
		out = append(out, b)
		return true
	})
	return out
}

func (s *State[T]) updateCount() uint64 {
	var n uint64
	s.trace.Ascend(func(b *BatchDesc[T]) bool {
		n += b.Len
		return true
	})
	return n
}

func (s *State[T]) partCount() int {
	n := 0
	s.trace.Ascend(func(b *BatchDesc[T]) bool {
		n += len(b.Parts)
		return true
	})
	return n
}

// recomputeSince implements invariant 3: the shard since is the meet of all
// reader capabilities, floored at the current compaction frontier so that a
// vanished reader never regresses it.
func (s *State[T]) recomputeSince() {
	var candidate Antichain[T]
	have := false
	for _, r := range s.leasedReaders {
		if !have {
			candidate, have = r.Since, true
		} else {
			candidate = FrontierMeet(s.latt, candidate, r.Since)
		}
	}
	for _, r := range s.criticalReaders {
		if !have {
			candidate, have = r.Since, true
		} else {
			candidate = FrontierMeet(s.latt, candidate, r.Since)
		}
	}
	if !have {
		return // no capabilities, since stays pinned where it is
	}
	s.since = FrontierJoin(s.latt, s.since, candidate)
}

// -------------------- transitions --------------------

// registerWriter inserts or refreshes the writer. Re-registration with the
// same id is a no-op on identity, it only extends the lease.
func (s *State[T]) registerWriter(id WriterId, leaseMillis uint64, now uint64) Antichain[T] {
	s.writers[id] = WriterState{LastHeartbeat: now, LeaseDeadline: now + leaseMillis}
	return s.upper
}

// registerLeasedReader inserts or refreshes the reader. The returned read
// capability carries the current shard since; it does not change for this
// reader until it downgrades.
func (s *State[T]) registerLeasedReader(id LeasedReaderId, leaseMillis uint64, now uint64) LeasedReaderState[T] {
	r, ok := s.leasedReaders[id]
	if !ok {
		r = LeasedReaderState[T]{Since: s.since}
	}
	r.LastHeartbeat = now
	r.LeaseDeadline = now + leaseMillis
	s.leasedReaders[id] = r
	return r
}

// registerCriticalReader is idempotent: the first registration pins the
// current shard since with the default opaque; later ones observe only.
func (s *State[T]) registerCriticalReader(id CriticalReaderId) (CriticalReaderState[T], bool) {
	if r, ok := s.criticalReaders[id]; ok {
		return r, false
	}
	r := CriticalReaderState[T]{Since: s.since}
	s.criticalReaders[id] = r
	return r, true
}

func (s *State[T]) heartbeatWriter(id WriterId, leaseMillis uint64, now uint64) bool {
	w, ok := s.writers[id]
	if !ok {
		return false
	}
	w.LastHeartbeat = now
	w.LeaseDeadline = now + leaseMillis
	s.writers[id] = w
	return true
}

func (s *State[T]) heartbeatLeasedReader(id LeasedReaderId, leaseMillis uint64, now uint64) bool {
	r, ok := s.leasedReaders[id]
	if !ok {
		return false
	}
	r.LastHeartbeat = now
	r.LeaseDeadline = now + leaseMillis
	s.leasedReaders[id] = r
	return true
}

type appendOutcome int

const (
	appendApplied appendOutcome = iota
	appendUpperMismatch
	appendWriterUnknown
)

// compareAndAppend admits the batch iff the shard upper equals the batch
// lower. On apply the batch joins the trace, upper advances to the batch
// upper and the writer is heartbeated.
func (s *State[T]) compareAndAppend(id WriterId, b *BatchDesc[T], leaseMillis uint64, now uint64) (appendOutcome, Antichain[T]) {
	if _, ok := s.writers[id]; !ok {
		return appendWriterUnknown, s.upper
	}
	if !FrontierEqual(s.latt, s.upper, b.Lower) {
		return appendUpperMismatch, s.upper
	}
	if b.Len > 0 || len(b.Parts) > 0 {
		s.trace.ReplaceOrInsert(b)
	} else if !FrontierEqual(s.latt, b.Lower, b.Upper) {
		// empty batch advancing the upper still has to keep the tiling
		s.trace.ReplaceOrInsert(b)
	}
	s.upper = b.Upper
	s.heartbeatWriter(id, leaseMillis, now)
	return appendApplied, s.upper
}

// downgradeSince moves this reader's capability forward; requests that are
// not >= the current capability are silently clamped (downgrades are
// monotonic). The shard since is recomputed as the meet of all caps.
func (s *State[T]) downgradeSince(id LeasedReaderId, newSince Antichain[T], leaseMillis uint64, now uint64) (Antichain[T], bool) {
	r, ok := s.leasedReaders[id]
	if !ok {
		return Antichain[T]{}, false
	}
	r.Since = FrontierJoin(s.latt, r.Since, newSince)
	r.LastHeartbeat = now
	r.LeaseDeadline = now + leaseMillis
	s.leasedReaders[id] = r
	s.recomputeSince()
	return r.Since, true
}

// compareAndDowngradeSince serializes concurrent controllers by CAS on the
// holder-controlled opaque token.
func (s *State[T]) compareAndDowngradeSince(id CriticalReaderId, expectedOpaque [8]byte, newOpaque [8]byte, newSince Antichain[T]) (bool, [8]byte, Antichain[T]) {
	r, ok := s.criticalReaders[id]
	if !ok {
		panic(fmt.Sprintf("critical reader %s unknown; critical handles never expire on their own", id))
	}
	if r.Opaque != expectedOpaque {
		return false, r.Opaque, r.Since
	}
	r.Opaque = newOpaque
	r.Since = FrontierJoin(s.latt, r.Since, newSince)
	s.criticalReaders[id] = r
	s.recomputeSince()
	return true, newOpaque, r.Since
}

// expireWriter removes the registration; used both for clean shutdown and
// by peers observing an expired lease. Idempotent.
func (s *State[T]) expireWriter(id WriterId) bool {
	if _, ok := s.writers[id]; !ok {
		return false
	}
	delete(s.writers, id)
	return true
}

func (s *State[T]) expireLeasedReader(id LeasedReaderId) bool {
	if _, ok := s.leasedReaders[id]; !ok {
		return false
	}
	delete(s.leasedReaders, id)
	s.recomputeSince()
	return true
}

func (s *State[T]) expireCriticalReader(id CriticalReaderId) bool {
	if _, ok := s.criticalReaders[id]; !ok {
		return false
	}
	delete(s.criticalReaders, id)
	s.recomputeSince()
	return true
}

// applyMergeRes replaces the contiguous run of trace batches covering
// exactly [output.Lower, output.Upper) with the single output batch.
// Rejected when the inputs are no longer in the trace (lost race against
// another compactor).
func (s *State[T]) applyMergeRes(output *BatchDesc[T]) bool {
	var run []*BatchDesc[T]
	start := frontierKey(s.latt, output.Lower)
	end := frontierKey(s.latt, output.Upper)
	found := false
	s.trace.Ascend(func(b *BatchDesc[T]) bool {
		k := frontierKey(s.latt, b.Lower)
		if k < start {
			return true
		}
		if !found && k != start {
			return false // no batch starts exactly at output.Lower
		}
		found = true
		if len(run) > 0 && frontierKey(s.latt, run[len(run)-1].Upper) != k {
			run = nil
			return false // gap, not contiguous
		}
		run = append(run, b)
		return frontierKey(s.latt, b.Upper) != end
	})
	if len(run) == 0 || !FrontierEqual(s.latt, run[0].Lower, output.Lower) ||
		!FrontierEqual(s.latt, run[len(run)-1].Upper, output.Upper) {
		return false
	}
	for _, b := range run {
		s.trace.Delete(b)
	}
	s.trace.ReplaceOrInsert(output)
	return true
}

// addRollup records a durable rollup blob for the given seqno.
func (s *State[T]) addRollup(seqno uint64, key string) bool {
	if _, ok := s.rollups[seqno]; ok {
		return false
	}
	s.rollups[seqno] = key
	if seqno > s.lastRollupSeqno {
		s.lastRollupSeqno = seqno
	}
	return true
}

// removeRollups drops rollup references older than the given seqno so that
// GC can delete their blobs once the diffs recording the removal are
// durable.
func (s *State[T]) removeRollups(before uint64) bool {
	changed := false
	for seqno := range s.rollups {
		if seqno < before {
			delete(s.rollups, seqno)
			changed = true
		}
	}
	return changed
}

// expiredAt lists registrations whose lease deadline has passed.
func (s *State[T]) expiredAt(now uint64) ([]WriterId, []LeasedReaderId) {
	var writers []WriterId
	var readers []LeasedReaderId
	for id, w := range s.writers {
		if w.LeaseDeadline < now {
			writers = append(writers, id)
		}
	}
	for id, r := range s.leasedReaders {
		if r.LeaseDeadline < now {
			readers = append(readers, id)
		}
	}
	return writers, readers
}
