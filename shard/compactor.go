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
	"fmt"
	"sort"
	"time"

	"sync"

	"github.com/launix-de/durashard/persistence"
)

/*

compaction

Rewrites a contiguous run of trace batches into one consolidated batch:
decode the inputs, advance timestamps to the shard since so that values at
times before it fold together, consolidate with the user semigroup, spill
the output, and submit the swap through the machine. A compaction that
loses the race (or times out) deletes its own output parts; it still holds
their keys and the losing outcome is unambiguous.

*/

// CompactReq asks for the given run of batches to be consolidated at since.
type CompactReq[T any] struct {
	Inputs []*BatchDesc[T]
	Since  Antichain[T]
}

type Compactor[K, V, T, D any] struct {
	cfg     *Config
	codecs  Codecs[K, V, T, D]
	machine *Machine[T]
	blob    persistence.Blob

	queue chan CompactReq[T]
	stop  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
}

func newCompactor[K, V, T, D any](cfg *Config, codecs Codecs[K, V, T, D], machine *Machine[T], blob persistence.Blob) *Compactor[K, V, T, D] {
	c := &Compactor[K, V, T, D]{
		cfg:     cfg,
		codecs:  codecs,
		machine: machine,
		blob:    blob,
		queue:   make(chan CompactReq[T], cfg.CompactionQueueSize),
		stop:    make(chan struct{}),
	}
	// a fixed-size worker pool bounds concurrent compactions per writer
	// handle; every writer handle starts its own pool
	for i := 0; i < cfg.CompactionConcurrencyLimit; i++ {
		c.wg.Add(1)
		go c.worker()
	}
	return c
}

// Maybe enqueues a compaction when any of the heuristic criteria are met
// (they are OR'd). Requests beyond the queue size are dropped, loudly.
func (c *Compactor[K, V, T, D]) Maybe(req CompactReq[T]) {
	if len(req.Inputs) < 2 {
		return
	}
	parts := 0
	var updates uint64
	for _, b := range req.Inputs {
		parts += len(b.Parts)
		updates += b.Len
	}
	if len(req.Inputs) < c.cfg.CompactionHeuristicMinInputs &&
		parts < c.cfg.CompactionHeuristicMinParts &&
		updates < uint64(c.cfg.CompactionHeuristicMinUpdates) {
		return
	}
	select {
	case c.queue <- req:
	default:
		fmt.Printf("compaction queue full for shard %s, dropping request with %d inputs\n",
			c.machine.shardID, len(req.Inputs))
	}
}

func (c *Compactor[K, V, T, D]) worker() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case req := <-c.queue:
			c.runOne(req)
		}
	}
}

func (c *Compactor[K, V, T, D]) timeout(req CompactReq[T]) time.Duration {
	total := 0
	for _, b := range req.Inputs {
		total += b.encodedSizeBytes()
	}
	t := c.cfg.CompactionMinimumTimeout
	// scale with input size so huge runs get proportionally longer
	scaled := time.Duration(total/c.cfg.BlobTargetSize) * c.cfg.CompactionMinimumTimeout
	if scaled > t {
		t = scaled
	}
	return t
}

func (c *Compactor[K, V, T, D]) runOne(req CompactReq[T]) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout(req))
	defer cancel()
	if err := c.compactAndApply(ctx, req); err != nil {
		fmt.Printf("compaction on shard %s: %v\n", c.machine.shardID, err)
	}
}

func (c *Compactor[K, V, T, D]) compactAndApply(ctx context.Context, req CompactReq[T]) error {
	l := c.codecs.Ts

	// bound the inputs so decoded memory stays under the configured cap
	inputs := req.Inputs
	budget := c.cfg.CompactionMemoryBoundBytes
	total := 0
	for i, b := range inputs {
		total += b.encodedSizeBytes()
		if total > budget && i > 0 {
			inputs = inputs[:i]
			fmt.Printf("compaction on shard %s bounded to %d of %d inputs by memory\n",
				c.machine.shardID, i, len(req.Inputs))
			break
		}
	}
	if len(inputs) < 2 {
		return nil
	}

	var raw []rawUpdate
	var count uint64
	for _, b := range inputs {
		for _, p := range b.Parts {
			var payload []byte
			err := persistence.RetryExternal(ctx, "blob get part", func() error {
				var err error
				payload, err = c.blob.Get(ctx, p.Key)
				return err
			})
			if err != nil {
				return err
			}
			if payload == nil {
				// the run lost a race already; another compactor removed it
				return nil
			}
			decoded, err := decodePart(payload)
			if err != nil {
				panic(fmt.Sprintf("shard %s: corrupt batch part %s: %v", c.machine.shardID, p.Key, err))
			}
			raw = append(raw, decoded...)
		}
	}

	// advance timestamps to since, then consolidate in encoded order
	for i := range raw {
		ts, err := l.Decode(raw[i].ts)
		if err != nil {
			panic(fmt.Sprintf("shard %s: corrupt timestamp: %v", c.machine.shardID, err))
		}
		raw[i].ts = l.Encode(advanceTo(l, ts, req.Since))
	}
	sort.SliceStable(raw, func(i, j int) bool {
		if cmp := bytes.Compare(raw[i].key, raw[j].key); cmp != 0 {
			return cmp < 0
		}
		if cmp := bytes.Compare(raw[i].val, raw[j].val); cmp != 0 {
			return cmp < 0
		}
		return bytes.Compare(raw[i].ts, raw[j].ts) < 0
	})
	var consolidated []rawUpdate
	for i := 0; i < len(raw); {
		j := i + 1
		acc, err := c.codecs.Diff.Decode(raw[i].diff)
		if err != nil {
			panic(fmt.Sprintf("shard %s: corrupt diff: %v", c.machine.shardID, err))
		}
		for j < len(raw) && bytes.Equal(raw[i].key, raw[j].key) &&
			bytes.Equal(raw[i].val, raw[j].val) && bytes.Equal(raw[i].ts, raw[j].ts) {
			d, err := c.codecs.Diff.Decode(raw[j].diff)
			if err != nil {
				panic(fmt.Sprintf("shard %s: corrupt diff: %v", c.machine.shardID, err))
			}
			acc = c.codecs.Diff.Add(acc, d)
			j++
		}
		if !c.codecs.Diff.IsZero(acc) {
			u := raw[i]
			u.diff = c.codecs.Diff.Encode(acc)
			consolidated = append(consolidated, u)
			count++
		}
		i = j
	}

	// spill the output, one part per blob target size
	var parts []PartDesc
	deleteParts := func() {
		for _, p := range parts {
			_ = c.blob.Delete(context.Background(), p.Key)
		}
	}
	var chunk []rawUpdate
	chunkSize := 0
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		payload := encodePart(chunk)
		key := blobKey(c.machine.shardID, "batch_part", payload)
		err := persistence.RetryExternal(ctx, "blob set part", func() error {
			return c.blob.Set(ctx, key, payload)
		})
		if err != nil {
			return err
		}
		parts = append(parts, PartDesc{Key: key, EncodedSizeBytes: len(payload)})
		chunk = nil
		chunkSize = 0
		return nil
	}
	for _, u := range consolidated {
		chunk = append(chunk, u)
		chunkSize += len(u.key) + len(u.val) + len(u.ts) + len(u.diff) + 16
		if chunkSize >= c.cfg.BlobTargetSize {
			if err := flush(); err != nil {
				deleteParts()
				return err
			}
		}
	}
	if err := flush(); err != nil {
		deleteParts()
		return err
	}

	output := &BatchDesc[T]{
		Lower: inputs[0].Lower,
		Upper: inputs[len(inputs)-1].Upper,
		Since: req.Since,
		Parts: parts,
		Len:   count,
	}
	applied, maint, err := c.machine.ApplyMergeRes(ctx, output)
	if err != nil {
		deleteParts()
		return err
	}
	if !applied {
		// lost the race against another compactor; our output is orphaned
		deleteParts()
		return nil
	}
	c.machine.PerformMaintenance(ctx, maint, nil)
	fmt.Printf("compacted %d batches into 1 on shard %s (%d updates)\n",
		len(inputs), c.machine.shardID, count)
	return nil
}

// Close drains the workers; pending queue entries are dropped.
func (c *Compactor[K, V, T, D]) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}
