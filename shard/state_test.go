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

import "testing"

func testState(t *testing.T) *State[uint64] {
	t.Helper()
	return newState[uint64](u64, NewShardId(), CodecNames{Key: "String", Val: "String", Ts: "u64", Diff: "i64"})
}

func desc(lower, upper uint64, count uint64) *BatchDesc[uint64] {
	return &BatchDesc[uint64]{
		Lower: ac(lower),
		Upper: ac(upper),
		Since: ac(0),
		Parts: []PartDesc{{Key: "k", EncodedSizeBytes: 1}},
		Len:   count,
	}
}

// checkInvariants verifies the documented state invariants.
func checkInvariants(t *testing.T, s *State[uint64]) {
	t.Helper()
	if !FrontierLessEqual(u64, s.since, s.upper) && !s.upper.IsEmpty() {
		t.Fatalf("since %v is beyond upper %v", s.since.Elements(), s.upper.Elements())
	}
	// the trace tiles [minimum, upper) exactly
	frontier := ac(u64.Minimum())
	for _, b := range s.batches() {
		if !FrontierEqual(u64, b.Lower, frontier) {
			t.Fatalf("trace gap or overlap: expected lower %v, got %v", frontier.Elements(), b.Lower.Elements())
		}
		frontier = b.Upper
	}
	if !FrontierEqual(u64, frontier, s.upper) {
		t.Fatalf("trace ends at %v but upper is %v", frontier.Elements(), s.upper.Elements())
	}
}

func TestCompareAndAppendTiles(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)

	outcome, _ := s.compareAndAppend(w, desc(0, 3, 2), 1000, 0)
	if outcome != appendApplied {
		t.Fatalf("first append outcome %v", outcome)
	}
	checkInvariants(t, s)

	// a non-contiguous append is rejected with the actual upper
	outcome, actual := s.compareAndAppend(w, desc(5, 6, 1), 1000, 0)
	if outcome != appendUpperMismatch || !FrontierEqual(u64, actual, ac(3)) {
		t.Fatalf("outcome %v actual %v", outcome, actual.Elements())
	}
	checkInvariants(t, s)

	outcome, _ = s.compareAndAppend(w, desc(3, 6, 1), 1000, 0)
	if outcome != appendApplied {
		t.Fatalf("contiguous append outcome %v", outcome)
	}
	if !FrontierEqual(u64, s.upper, ac(6)) {
		t.Fatalf("upper %v", s.upper.Elements())
	}
	checkInvariants(t, s)
}

func TestAppendUnknownWriter(t *testing.T) {
	s := testState(t)
	outcome, _ := s.compareAndAppend(NewWriterId(), desc(0, 3, 1), 1000, 0)
	if outcome != appendWriterUnknown {
		t.Fatalf("outcome %v", outcome)
	}
}

func TestRegisterLeasedReaderIdempotent(t *testing.T) {
	s := testState(t)
	id := NewLeasedReaderId()
	r1 := s.registerLeasedReader(id, 1000, 0)
	// re-registration is a no-op on identity, only the lease refreshes
	r2 := s.registerLeasedReader(id, 1000, 500)
	if len(s.leasedReaders) != 1 {
		t.Fatalf("expected one reader, got %d", len(s.leasedReaders))
	}
	if !FrontierEqual(u64, r1.Since, r2.Since) {
		t.Fatalf("capability moved on re-registration: %v vs %v", r1.Since.Elements(), r2.Since.Elements())
	}
	if r2.LeaseDeadline != 1500 {
		t.Fatalf("lease deadline %d", r2.LeaseDeadline)
	}
}

func TestDowngradeSinceMonotone(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	s.compareAndAppend(w, desc(0, 10, 1), 1000, 0)
	id := NewLeasedReaderId()
	s.registerLeasedReader(id, 1000, 0)

	since, ok := s.downgradeSince(id, ac(5), 1000, 0)
	if !ok || !FrontierEqual(u64, since, ac(5)) {
		t.Fatalf("downgrade to {5}: %v", since.Elements())
	}
	if !FrontierEqual(u64, s.since, ac(5)) {
		t.Fatalf("shard since %v", s.since.Elements())
	}
	// a regressing downgrade is silently clamped
	since, _ = s.downgradeSince(id, ac(3), 1000, 0)
	if !FrontierEqual(u64, since, ac(5)) {
		t.Fatalf("capability regressed to %v", since.Elements())
	}
	checkInvariants(t, s)
}

func TestCriticalReaderOpaqueCAS(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	s.compareAndAppend(w, desc(0, 10, 1), 1000, 0)

	id := ControllerCriticalSince
	st, created := s.registerCriticalReader(id)
	if !created || st.Opaque != [8]byte{} {
		t.Fatalf("first registration: created=%v opaque=%v", created, st.Opaque)
	}
	if _, created = s.registerCriticalReader(id); created {
		t.Fatal("second registration should be idempotent")
	}

	next := [8]byte{1}
	ok, _, since := s.compareAndDowngradeSince(id, [8]byte{}, next, ac(5))
	if !ok || !FrontierEqual(u64, since, ac(5)) {
		t.Fatalf("downgrade failed: ok=%v since=%v", ok, since.Elements())
	}
	// a stale opaque loses the race and observes the actual token
	ok, actual, _ := s.compareAndDowngradeSince(id, [8]byte{}, [8]byte{2}, ac(7))
	if ok || actual != next {
		t.Fatalf("stale opaque: ok=%v actual=%v", ok, actual)
	}
}

func TestCriticalSincePinsAfterReaderExpiry(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	s.compareAndAppend(w, desc(0, 10, 1), 1000, 0)
	rid := NewLeasedReaderId()
	s.registerLeasedReader(rid, 1000, 0)
	s.registerCriticalReader(ControllerCriticalSince)
	s.compareAndDowngradeSince(ControllerCriticalSince, [8]byte{}, [8]byte{1}, ac(5))

	// the leased reader cap at {0} holds the shard since down
	if !FrontierEqual(u64, s.since, ac(0)) {
		t.Fatalf("since %v", s.since.Elements())
	}
	s.expireLeasedReader(rid)
	// only the critical holder remains
	if !FrontierEqual(u64, s.since, ac(5)) {
		t.Fatalf("since after expiry %v", s.since.Elements())
	}
	s.expireCriticalReader(ControllerCriticalSince)
	// nothing drives the since anymore; it stays pinned
	if !FrontierEqual(u64, s.since, ac(5)) {
		t.Fatalf("since after critical expiry %v", s.since.Elements())
	}
}

func TestApplyMergeRes(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	b1, b2, b3 := desc(0, 3, 1), desc(3, 5, 1), desc(5, 6, 1)
	s.compareAndAppend(w, b1, 1000, 0)
	s.compareAndAppend(w, b2, 1000, 0)
	s.compareAndAppend(w, b3, 1000, 0)

	output := desc(0, 5, 2)
	output.Parts = []PartDesc{{Key: "merged", EncodedSizeBytes: 2}}
	if !s.applyMergeRes(output) {
		t.Fatal("merge of [0,3)+[3,5) should apply")
	}
	checkInvariants(t, s)
	if s.trace.Len() != 2 {
		t.Fatalf("trace len %d", s.trace.Len())
	}

	// replaying the same merge loses: the inputs are gone
	if s.applyMergeRes(desc(0, 3, 1)) {
		t.Fatal("stale merge should be rejected")
	}
	// a merge spanning a boundary that no longer exists is rejected
	if s.applyMergeRes(desc(3, 6, 2)) {
		t.Fatal("merge with missing inputs should be rejected")
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	if !s.expireWriter(w) {
		t.Fatal("first expire should change state")
	}
	if s.expireWriter(w) {
		t.Fatal("second expire should be a no-op")
	}
}

func TestExpiredAt(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	r := NewLeasedReaderId()
	s.registerWriter(w, 1000, 0)
	s.registerLeasedReader(r, 500, 0)
	ws, rs := s.expiredAt(400)
	if len(ws) != 0 || len(rs) != 0 {
		t.Fatalf("nothing should be expired at 400: %v %v", ws, rs)
	}
	ws, rs = s.expiredAt(1001)
	if len(ws) != 1 || len(rs) != 1 {
		t.Fatalf("both should be expired at 1001: %v %v", ws, rs)
	}
}

func TestDiffRoundtrip(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)

	// drive a few transitions, applying each diff to a follower state
	follower := s.clone()
	step := func(f func(*State[uint64])) {
		old := s.clone()
		f(s)
		s.seqno = old.seqno + 1
		d := decodeDiff(encodeDiff(diffStates(old, s)))
		applyDiff(follower, d)
	}
	step(func(s *State[uint64]) { s.compareAndAppend(w, desc(0, 3, 2), 1000, 0) })
	step(func(s *State[uint64]) { s.registerLeasedReader(NewLeasedReaderId(), 1000, 0) })
	step(func(s *State[uint64]) { s.compareAndAppend(w, desc(3, 6, 1), 1000, 0) })
	step(func(s *State[uint64]) { s.registerCriticalReader(ControllerCriticalSince) })
	step(func(s *State[uint64]) { s.addRollup(3, "some/rollup/key") })

	if follower.seqno != s.seqno {
		t.Fatalf("seqno %d vs %d", follower.seqno, s.seqno)
	}
	if !FrontierEqual(u64, follower.upper, s.upper) || !FrontierEqual(u64, follower.since, s.since) {
		t.Fatal("frontier divergence after diff replay")
	}
	if follower.trace.Len() != s.trace.Len() {
		t.Fatalf("trace %d vs %d", follower.trace.Len(), s.trace.Len())
	}
	if len(follower.leasedReaders) != 1 || len(follower.criticalReaders) != 1 || len(follower.writers) != 1 {
		t.Fatal("registration divergence after diff replay")
	}
	if follower.rollups[3] != "some/rollup/key" || follower.lastRollupSeqno != 3 {
		t.Fatal("rollup divergence after diff replay")
	}
	checkInvariants(t, follower)
}

func TestRollupRoundtrip(t *testing.T) {
	s := testState(t)
	w := NewWriterId()
	s.registerWriter(w, 1000, 0)
	s.compareAndAppend(w, desc(0, 3, 2), 1000, 0)
	s.registerCriticalReader(ControllerCriticalSince)
	s.rollups[1] = "r1"
	s.lastRollupSeqno = 1

	back := decodeRollup(u64, encodeRollup(s))
	if back.seqno != s.seqno || back.codecs != s.codecs || back.shardID != s.shardID {
		t.Fatal("header divergence after rollup roundtrip")
	}
	if back.trace.Len() != s.trace.Len() || len(back.writers) != 1 || len(back.criticalReaders) != 1 {
		t.Fatal("content divergence after rollup roundtrip")
	}
	if back.rollups[1] != "r1" {
		t.Fatal("rollup refs lost")
	}
	checkInvariants(t, back)
}
