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
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/launix-de/durashard/persistence"
)

// newTestClient builds a client on fresh mem:// engines with an
// aggressively small blob target size so part spilling gets coverage, and
// a test-controlled clock.
func newTestClient(t *testing.T, now *uint64) *Client {
	t.Helper()
	cfg := NewConfig()
	cfg.Now = func() uint64 { return atomic.LoadUint64(now) }
	cfg.BlobTargetSize = 64
	cfg.CompactionMemoryBoundBytes = 1024 * 1024
	cfg.BatchBuilderMaxOutstandingParts = 1
	cfg.CompactionEnabled = true
	loc := persistence.Location{
		BlobURI:      "mem://blob/" + t.Name(),
		ConsensusURI: "mem://consensus/" + t.Name(),
	}
	client, err := Open(loc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func upd(key, val string, ts uint64, diff int64) Update[string, string, uint64, int64] {
	return Update[string, string, uint64, int64]{Key: key, Val: val, Ts: ts, Diff: diff}
}

// allOk mirrors what a snapshot at asOf returns: times folded to asOf,
// consolidated, sorted.
func allOk(updates []Update[string, string, uint64, int64], asOf uint64) []Update[string, string, uint64, int64] {
	var out []Update[string, string, uint64, int64]
	for _, u := range updates {
		if u.Ts > asOf {
			continue
		}
		u.Ts = asOf
		out = append(out, u)
	}
	return consolidate(testCodecs(), out)
}

// readUntil drains listen events until progress reaches target, returning
// all updates seen and the final progress frontier.
func readUntil(t *testing.T, li *Listen[string, string, uint64, int64], target uint64) ([]Update[string, string, uint64, int64], Antichain[uint64]) {
	t.Helper()
	ctx := context.Background()
	var updates []Update[string, string, uint64, int64]
	for {
		events, err := li.Next(ctx)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range events {
			updates = append(updates, e.Updates...)
			if e.Progress != nil && FrontierLessEqual(u64, ac(target), *e.Progress) {
				return updates, *e.Progress
			}
		}
	}
}

// scenario: basic write / snapshot / listen
func TestWriteSnapshotListen(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, r, err := OpenPair(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Expire(ctx)
	defer w.Expire(ctx)

	data := []Update[string, string, uint64, int64]{
		upd("1", "one", 1, 1),
		upd("2", "two", 2, 1),
	}
	mismatch, err := w.CompareAndAppend(ctx, data, ac(0), ac(3))
	if err != nil || mismatch != nil {
		t.Fatalf("append: %v %v", mismatch, err)
	}
	if !FrontierEqual(u64, w.Upper(), ac(3)) {
		t.Fatalf("writer upper %v", w.Upper().Elements())
	}

	snap, err := r.SnapshotAndFetch(ctx, ac(1))
	if err != nil {
		t.Fatal(err)
	}
	want := []Update[string, string, uint64, int64]{upd("1", "one", 1, 1)}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot(1) = %v, want %v", snap, want)
	}

	li, err := r.Listen(ctx, ac(1))
	if err != nil {
		t.Fatal(err)
	}
	mismatch, err = w.CompareAndAppend(ctx,
		[]Update[string, string, uint64, int64]{upd("3", "three", 3, 1)}, ac(3), ac(4))
	if err != nil || mismatch != nil {
		t.Fatalf("append: %v %v", mismatch, err)
	}

	got, progress := readUntil(t, li, 4)
	wantListen := []Update[string, string, uint64, int64]{
		upd("2", "two", 2, 1),
		upd("3", "three", 3, 1),
	}
	if !reflect.DeepEqual(got, wantListen) {
		t.Fatalf("listen updates %v, want %v", got, wantListen)
	}
	if !FrontierEqual(u64, progress, ac(4)) {
		t.Fatalf("final progress %v", progress.Elements())
	}
}

// scenario: compare-and-append race between two writers
func TestCompareAndAppendRace(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	wa, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	wb, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer wa.Expire(ctx)
	defer wb.Expire(ctx)

	data := []Update[string, string, uint64, int64]{upd("1", "one", 1, 1)}

	mismatch, err := wa.CompareAndAppend(ctx, data, ac(0), ac(3))
	if err != nil || mismatch != nil {
		t.Fatalf("writer A: %v %v", mismatch, err)
	}

	// writer B still believes the upper is {0}
	mismatch, err = wb.CompareAndAppend(ctx, data, ac(0), ac(3))
	if err != nil {
		t.Fatal(err)
	}
	if mismatch == nil || !FrontierEqual(u64, mismatch.Actual, ac(3)) {
		t.Fatalf("writer B should observe UpperMismatch({3}), got %v", mismatch)
	}
	if !FrontierEqual(u64, wb.Upper(), ac(3)) {
		t.Fatalf("writer B cached upper %v", wb.Upper().Elements())
	}
}

// scenario: overlapping appends by two writers extend the tile; already
// past times are dropped, not duplicated
func TestOverlappingAppend(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	data := []Update[string, string, uint64, int64]{
		upd("1", "one", 1, 1),
		upd("2", "two", 2, 1),
		upd("3", "three", 3, 1),
		upd("4", "vier", 4, 1),
		upd("5", "cinque", 5, 1),
	}

	w1, r, err := OpenPair(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	w2, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Expire(ctx)
	defer w1.Expire(ctx)
	defer w2.Expire(ctx)

	li, err := r.Listen(ctx, ac(0))
	if err != nil {
		t.Fatal(err)
	}

	if mm, err := w1.Append(ctx, data[:2], w1.Upper(), ac(3)); err != nil || mm != nil {
		t.Fatalf("w1 [0,3): %v %v", mm, err)
	}
	if mm, err := w2.Append(ctx, data[:4], w2.Upper(), ac(5)); err != nil || mm != nil {
		t.Fatalf("w2 [0,5): %v %v", mm, err)
	}
	if !FrontierEqual(u64, w2.Upper(), ac(5)) {
		t.Fatalf("w2 upper %v", w2.Upper().Elements())
	}
	if mm, err := w1.Append(ctx, data[2:5], w1.Upper(), ac(6)); err != nil || mm != nil {
		t.Fatalf("w1 [3,6): %v %v", mm, err)
	}
	if !FrontierEqual(u64, w1.Upper(), ac(6)) {
		t.Fatalf("w1 upper %v", w1.Upper().Elements())
	}

	snap, err := r.SnapshotAndFetch(ctx, ac(5))
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(snap, allOk(data, 5)) {
		t.Fatalf("snapshot(5) = %v, want %v", snap, allOk(data, 5))
	}

	got, progress := readUntil(t, li, 6)
	if !reflect.DeepEqual(got, consolidate(testCodecs(), data)) {
		t.Fatalf("listen saw %v, want %v", got, data)
	}
	if !FrontierEqual(u64, progress, ac(6)) {
		t.Fatalf("final progress %v", progress.Elements())
	}
}

// scenario: a non-contiguous append from a single writer fails
func TestNonContiguousAppend(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Expire(ctx)

	if mm, err := w.Append(ctx,
		[]Update[string, string, uint64, int64]{upd("1", "one", 1, 1)}, ac(0), ac(3)); err != nil || mm != nil {
		t.Fatalf("first append: %v %v", mm, err)
	}

	mm, err := w.Append(ctx,
		[]Update[string, string, uint64, int64]{upd("5", "cinque", 5, 1)}, ac(5), ac(6))
	if err != nil {
		t.Fatal(err)
	}
	if mm == nil || !FrontierEqual(u64, mm.Actual, ac(3)) {
		t.Fatalf("expected UpperMismatch({3}), got %v", mm)
	}
	if !FrontierEqual(u64, w.Upper(), ac(3)) {
		t.Fatalf("cached upper %v", w.Upper().Elements())
	}
}

// scenario: writer heartbeats and peer-driven expiry
func TestWriterHeartbeatAndExpiry(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}

	leaseMillis := client.cfg.writerLeaseMillis()

	// just before the half-lease mark the heartbeat is a no-op
	atomic.StoreUint64(&now, leaseMillis/2-1)
	w.MaybeHeartbeat(ctx)
	if hb := w.machine.cached().writers[w.writerID].LastHeartbeat; hb != 0 {
		t.Fatalf("heartbeat advanced early: %d", hb)
	}

	// at the half-lease mark it fires
	atomic.StoreUint64(&now, leaseMillis/2)
	w.MaybeHeartbeat(ctx)
	if hb := w.machine.cached().writers[w.writerID].LastHeartbeat; hb != leaseMillis/2 {
		t.Fatalf("heartbeat did not advance: %d", hb)
	}

	// much later, a peer's maintenance expires the writer
	atomic.StoreUint64(&now, 2*leaseMillis)
	peer, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer peer.Expire(ctx)
	if _, ok := peer.machine.cached().writers[w.writerID]; ok {
		t.Fatal("peer maintenance should have expired the stale writer")
	}

	// the next heartbeat on the expired handle fails loudly
	func() {
		defer func() {
			if recover() == nil {
				t.Error("heartbeat on an expired writer should panic")
			}
		}()
		w.MaybeHeartbeat(ctx)
	}()
}

// scenario: a critical since holder pins the shard since across reader
// churn until it is explicitly expired
func TestCriticalSincePin(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, r, err := OpenPair(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Expire(ctx)

	since, err := OpenCriticalSince(ctx, client, shardID, ControllerCriticalSince, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	if since.Opaque() != [8]byte{} {
		t.Fatalf("fresh critical handle opaque %v", since.Opaque())
	}

	data := []Update[string, string, uint64, int64]{
		upd("1", "one", 1, 1), upd("5", "cinque", 5, 1),
	}
	if mm, err := w.CompareAndAppend(ctx, data, ac(0), ac(6)); err != nil || mm != nil {
		t.Fatalf("append: %v %v", mm, err)
	}

	next := [8]byte{1}
	_, lost, err := since.CompareAndDowngradeSince(ctx, [8]byte{}, next, ac(5))
	if err != nil || lost != nil {
		t.Fatalf("downgrade: lost=%v err=%v", lost, err)
	}

	// drop all leased readers; the critical hold keeps since at {5}
	r.Expire(ctx)
	state, err := since.machine.FetchLatest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !FrontierEqual(u64, state.since, ac(5)) {
		t.Fatalf("shard since %v, want {5}", state.since.Elements())
	}

	// reads below the since fail permanently
	r2, err := OpenLeasedReader(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer r2.Expire(ctx)
	_, err = r2.Snapshot(ctx, ac(3))
	var sinceErr *SnapshotSince
	if !errors.As(err, &sinceErr) {
		t.Fatalf("expected SnapshotSince, got %v", err)
	}

	since.Expire(ctx)
}

// an opener with different codecs is rejected permanently
func TestCodecMismatch(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Expire(ctx)

	other := Codecs[string, string, uint64, int64]{
		Key:  renamedCodec{name: "Bytes"},
		Val:  StringCodec{},
		Ts:   U64Lattice{},
		Diff: I64Codec{},
	}
	_, err = OpenWriter(ctx, client, shardID, other)
	var mismatch *CodecMismatch
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected CodecMismatch, got %v", err)
	}
	if mismatch.Requested.Key != "Bytes" || mismatch.Actual.Key != "String" {
		t.Fatalf("mismatch carries %v / %v", mismatch.Requested, mismatch.Actual)
	}
}

// codec identity is by name, not by behavior
type renamedCodec struct{ name string }

func (c renamedCodec) Name() string                  { return c.name }
func (c renamedCodec) Encode(s string) []byte        { return []byte(s) }
func (c renamedCodec) Decode(b []byte) (string, error) { return string(b), nil }

// many appends cross the rollup threshold: history gets truncated, old
// state stays reconstructible, data stays intact
func TestRollupAndTruncate(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)
	shardID := NewShardId()

	w, err := OpenWriter(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Expire(ctx)

	n := uint64(needRollupThreshold + 10)
	for i := uint64(0); i < n; i++ {
		data := []Update[string, string, uint64, int64]{
			upd(fmt.Sprintf("%04d", i), "v", i, 1),
		}
		if mm, err := w.CompareAndAppend(ctx, data, ac(i), ac(i+1)); err != nil || mm != nil {
			t.Fatalf("append %d: %v %v", i, mm, err)
		}
	}

	// the diff chain must have been truncated below the rollup
	recs, err := client.consensus.Scan(ctx, shardID.String(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) == 0 {
		t.Fatal("no live consensus records")
	}
	if recs[0].SeqNo == 1 {
		t.Fatalf("history was never truncated, %d live records", len(recs))
	}

	// a fresh opener replays rollup + remaining diffs and sees everything
	r, err := OpenLeasedReader(ctx, client, shardID, testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer r.Expire(ctx)
	snap, err := r.SnapshotAndFetch(ctx, ac(n-1))
	if err != nil {
		t.Fatal(err)
	}
	if len(snap) != int(n) {
		t.Fatalf("snapshot has %d rows, want %d", len(snap), n)
	}
}

// batches built for one shard cannot be appended to another
func TestBatchNotFromThisShard(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)

	w1, err := OpenWriter(ctx, client, NewShardId(), testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	w2, err := OpenWriter(ctx, client, NewShardId(), testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w1.Expire(ctx)
	defer w2.Expire(ctx)

	batch, err := w1.BatchFromUpdates(ctx,
		[]Update[string, string, uint64, int64]{upd("1", "one", 1, 1)}, ac(0), ac(3))
	if err != nil {
		t.Fatal(err)
	}
	_, err = w2.AppendBatch(ctx, batch, ac(0), ac(3))
	var wrongShard *BatchNotFromThisShard
	if !errors.As(err, &wrongShard) {
		t.Fatalf("expected BatchNotFromThisShard, got %v", err)
	}
}

// a batch committed with different bounds than the append call is rejected
func TestInvalidBatchBounds(t *testing.T) {
	ctx := context.Background()
	now := uint64(0)
	client := newTestClient(t, &now)

	w, err := OpenWriter(ctx, client, NewShardId(), testCodecs())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Expire(ctx)

	batch, err := w.BatchFromUpdates(ctx,
		[]Update[string, string, uint64, int64]{upd("1", "one", 1, 1)}, ac(0), ac(3))
	if err != nil {
		t.Fatal(err)
	}
	_, err = w.AppendBatch(ctx, batch, ac(0), ac(4))
	var bounds *InvalidBatchBounds
	if !errors.As(err, &bounds) {
		t.Fatalf("expected InvalidBatchBounds, got %v", err)
	}
}
