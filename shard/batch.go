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
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/pierrec/lz4/v4"

	"github.com/launix-de/durashard/persistence"
)

/*

batches

A batch is an immutable set of updates covering [lower, upper), stored as
one or more blob parts. A part payload is a length-framed sequence of
(key, val, ts, diff) tuples, lz4-compressed as a whole. Parts are content
addressed; writing the same updates twice produces the same key.

*/

// Update is one (key, value, timestamp, diff) tuple.
type Update[K, V, T, D any] struct {
	Key  K
	Val  V
	Ts   T
	Diff D
}

// rawUpdate is the encoded form that flows through parts and compaction.
type rawUpdate struct {
	key  []byte
	val  []byte
	ts   []byte
	diff []byte
}

func encodePart(updates []rawUpdate) []byte {
	var plain bytes.Buffer
	var n [4]byte
	writeField := func(b []byte) {
		binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
		plain.Write(n[:])
		plain.Write(b)
	}
	for _, u := range updates {
		writeField(u.key)
		writeField(u.val)
		writeField(u.ts)
		writeField(u.diff)
	}

	var out bytes.Buffer
	zw := lz4.NewWriter(&out)
	if _, err := zw.Write(plain.Bytes()); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return out.Bytes()
}

func decodePart(payload []byte) ([]rawUpdate, error) {
	zr := lz4.NewReader(bytes.NewReader(payload))
	plain, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	var out []rawUpdate
	i := 0
	readField := func() ([]byte, error) {
		if i+4 > len(plain) {
			return nil, fmt.Errorf("truncated part payload at offset %d", i)
		}
		n := int(binary.LittleEndian.Uint32(plain[i : i+4]))
		i += 4
		if i+n > len(plain) {
			return nil, fmt.Errorf("truncated part payload at offset %d", i)
		}
		f := plain[i : i+n]
		i += n
		return f, nil
	}
	for i < len(plain) {
		var u rawUpdate
		if u.key, err = readField(); err != nil {
			return nil, err
		}
		if u.val, err = readField(); err != nil {
			return nil, err
		}
		if u.ts, err = readField(); err != nil {
			return nil, err
		}
		if u.diff, err = readField(); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// Batch is a writer-built batch that has its parts uploaded but is not yet
// admitted into the trace. The caller either appends it or deletes it.
type Batch[T any] struct {
	shardID ShardId
	desc    *BatchDesc[T]
	blob    persistence.Blob
}

func (b *Batch[T]) Lower() Antichain[T] { return b.desc.Lower }
func (b *Batch[T]) Upper() Antichain[T] { return b.desc.Upper }

// Delete removes the batch's parts from blob storage; for batches that
// will never be appended (abandoned staging).
func (b *Batch[T]) Delete(ctx context.Context) error {
	for _, p := range b.desc.Parts {
		err := persistence.RetryExternal(ctx, "blob delete part", func() error {
			return b.blob.Delete(ctx, p.Key)
		})
		if err != nil {
			return err
		}
	}
	b.desc.Parts = nil
	return nil
}

// BatchBuilder accumulates updates and spills parts to blob whenever the
// buffered payload exceeds the blob target size. Up to
// BatchBuilderMaxOutstandingParts uploads are pipelined; Add backpressures
// on earlier uploads finishing beyond that.
type BatchBuilder[K, V, T, D any] struct {
	cfg     *Config
	codecs  Codecs[K, V, T, D]
	shardID ShardId
	blob    persistence.Blob
	lower   Antichain[T]
	since   Antichain[T]

	buffered     []rawUpdate
	bufferedSize int
	count        uint64
	// maximal timestamps staged so far, for the upper check at Finish
	maxTs Antichain[T]

	mu          sync.Mutex
	parts       []PartDesc
	uploadErr   error
	outstanding chan struct{}
	wg          sync.WaitGroup

	// number of parts fully spilled, including the partial part Finish
	// spills; writers only heartbeat while building once at least one full
	// part went out
	PartsSpilled int
}

func newBatchBuilder[K, V, T, D any](cfg *Config, codecs Codecs[K, V, T, D], shardID ShardId, blob persistence.Blob, lower Antichain[T], since Antichain[T]) *BatchBuilder[K, V, T, D] {
	return &BatchBuilder[K, V, T, D]{
		cfg:         cfg,
		codecs:      codecs,
		shardID:     shardID,
		blob:        blob,
		lower:       lower,
		since:       since,
		outstanding: make(chan struct{}, cfg.BatchBuilderMaxOutstandingParts),
	}
}

// Add stages one update. The timestamp must be beyond the builder's lower;
// the upper bound is validated at Finish.
func (b *BatchBuilder[K, V, T, D]) Add(ctx context.Context, key K, val V, ts T, diff D) error {
	l := b.codecs.Ts
	if !b.lower.LessEqualT(l, ts) {
		return &UpdateNotBeyondLower{
			Ts:    fmt.Sprint(ts),
			Lower: fmt.Sprintf("%v", b.lower.Elements()),
		}
	}
	u := rawUpdate{
		key:  b.codecs.Key.Encode(key),
		val:  b.codecs.Val.Encode(val),
		ts:   l.Encode(ts),
		diff: b.codecs.Diff.Encode(diff),
	}
	b.buffered = append(b.buffered, u)
	b.bufferedSize += len(u.key) + len(u.val) + len(u.ts) + len(u.diff) + 16
	b.count++
	b.maxTs = insertMaximal(l, b.maxTs, ts)
	if b.bufferedSize >= b.cfg.BlobTargetSize {
		return b.spill(ctx)
	}
	return nil
}

// spill uploads the buffered updates as one part, pipelined behind at most
// the configured number of outstanding uploads.
func (b *BatchBuilder[K, V, T, D]) spill(ctx context.Context) error {
	if len(b.buffered) == 0 {
		return nil
	}
	payload := encodePart(b.buffered)
	key := blobKey(b.shardID, "batch_part", payload)
	b.buffered = nil
	b.bufferedSize = 0

	select {
	case b.outstanding <- struct{}{}: // backpressure
	case <-ctx.Done():
		return ctx.Err()
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() { <-b.outstanding }()
		err := persistence.RetryExternal(ctx, "blob set part", func() error {
			return b.blob.Set(ctx, key, payload)
		})
		b.mu.Lock()
		if err != nil && b.uploadErr == nil {
			b.uploadErr = err
		}
		b.parts = append(b.parts, PartDesc{Key: key, EncodedSizeBytes: len(payload)})
		b.PartsSpilled++
		b.mu.Unlock()
	}()
	return nil
}

// Finish seals the batch at the given upper, waiting for outstanding
// uploads.
func (b *BatchBuilder[K, V, T, D]) Finish(ctx context.Context, upper Antichain[T]) (*Batch[T], error) {
	l := b.codecs.Ts
	if !FrontierLessEqual(l, b.lower, upper) {
		return nil, &InvalidBounds{
			Lower: fmt.Sprintf("%v", b.lower.Elements()),
			Upper: fmt.Sprintf("%v", upper.Elements()),
		}
	}
	if FrontierEqual(l, b.lower, upper) && b.count > 0 {
		return nil, &InvalidEmptyTimeInterval{
			Lower:   fmt.Sprintf("%v", b.lower.Elements()),
			Upper:   fmt.Sprintf("%v", upper.Elements()),
			Updates: int(b.count),
		}
	}
	// every staged timestamp must be before upper
	for _, ts := range b.maxTs.Elements() {
		if upper.LessEqualT(l, ts) {
			return nil, &UpdateBeyondUpper{
				MaxTs:         fmt.Sprint(ts),
				ExpectedUpper: fmt.Sprintf("%v", upper.Elements()),
			}
		}
	}
	if err := b.spill(ctx); err != nil {
		return nil, err
	}
	b.wg.Wait()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return nil, b.uploadErr
	}
	desc := &BatchDesc[T]{
		Lower: b.lower,
		Upper: upper,
		Since: b.since,
		Parts: b.parts,
		Len:   b.count,
	}
	return &Batch[T]{shardID: b.shardID, desc: desc, blob: b.blob}, nil
}
