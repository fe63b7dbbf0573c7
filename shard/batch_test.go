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
	"testing"

	"github.com/launix-de/durashard/persistence"
)

func testCodecs() Codecs[string, string, uint64, int64] {
	return Codecs[string, string, uint64, int64]{
		Key:  StringCodec{},
		Val:  StringCodec{},
		Ts:   U64Lattice{},
		Diff: I64Codec{},
	}
}

func TestPartRoundtrip(t *testing.T) {
	in := []rawUpdate{
		{key: []byte("1"), val: []byte("one"), ts: u64.Encode(1), diff: I64Codec{}.Encode(1)},
		{key: []byte("2"), val: []byte("two"), ts: u64.Encode(2), diff: I64Codec{}.Encode(-1)},
		{key: []byte(""), val: []byte(""), ts: u64.Encode(0), diff: I64Codec{}.Encode(1)},
	}
	out, err := decodePart(encodePart(in))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d updates, want %d", len(out), len(in))
	}
	for i := range in {
		if string(out[i].key) != string(in[i].key) || string(out[i].val) != string(in[i].val) {
			t.Fatalf("update %d diverged", i)
		}
	}
}

func TestDecodePartRejectsGarbage(t *testing.T) {
	if _, err := decodePart([]byte("not lz4 at all")); err == nil {
		t.Fatal("garbage should not decode")
	}
}

func testBuilder(t *testing.T, targetSize int, lower Antichain[uint64]) *BatchBuilder[string, string, uint64, int64] {
	t.Helper()
	cfg := NewConfig()
	cfg.Now = func() uint64 { return 0 }
	cfg.BlobTargetSize = targetSize
	cfg.CompactionMemoryBoundBytes = 4 * targetSize
	return newBatchBuilder(cfg, testCodecs(), NewShardId(), persistence.NewMemBlob(), lower, ac(0))
}

func TestBatchBuilderSpillsParts(t *testing.T) {
	ctx := context.Background()
	b := testBuilder(t, 32, ac(0))
	for i := uint64(0); i < 10; i++ {
		if err := b.Add(ctx, "key", "some longer value", i, 1); err != nil {
			t.Fatal(err)
		}
	}
	batch, err := b.Finish(ctx, ac(10))
	if err != nil {
		t.Fatal(err)
	}
	if len(batch.desc.Parts) < 2 {
		t.Fatalf("expected multiple parts at a 32 byte target, got %d", len(batch.desc.Parts))
	}
	if batch.desc.Len != 10 {
		t.Fatalf("update count %d", batch.desc.Len)
	}
}

func TestBatchBuilderBoundsChecks(t *testing.T) {
	ctx := context.Background()

	// update before lower
	b := testBuilder(t, 1024, ac(5))
	err := b.Add(ctx, "k", "v", 3, 1)
	var notBeyond *UpdateNotBeyondLower
	if !errors.As(err, &notBeyond) {
		t.Fatalf("expected UpdateNotBeyondLower, got %v", err)
	}

	// update at or past upper
	b = testBuilder(t, 1024, ac(0))
	if err := b.Add(ctx, "k", "v", 7, 1); err != nil {
		t.Fatal(err)
	}
	_, err = b.Finish(ctx, ac(5))
	var beyond *UpdateBeyondUpper
	if !errors.As(err, &beyond) {
		t.Fatalf("expected UpdateBeyondUpper, got %v", err)
	}

	// inverted bounds
	b = testBuilder(t, 1024, ac(5))
	_, err = b.Finish(ctx, ac(3))
	var invalid *InvalidBounds
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidBounds, got %v", err)
	}

	// empty interval with updates
	b = testBuilder(t, 1024, ac(5))
	if err := b.Add(ctx, "k", "v", 5, 1); err != nil {
		t.Fatal(err)
	}
	_, err = b.Finish(ctx, ac(5))
	var emptyIv *InvalidEmptyTimeInterval
	if !errors.As(err, &emptyIv) {
		t.Fatalf("expected InvalidEmptyTimeInterval, got %v", err)
	}
}
