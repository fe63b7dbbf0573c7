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

	"github.com/launix-de/durashard/persistence"
)

/*

garbage collection

Blobs are deleted only after the state version that dereferenced them is
durably superseded AND every earlier version that still referenced them has
been truncated from consensus. Concretely: a batch part removed from the
trace by a diff at seqno k becomes deletable once consensus is truncated
past k, so that the diff at k itself is gone. The truncation point is always the latest durable rollup, which
trails the head by up to the rollup threshold; that lag doubles as a grace
window for readers holding leased parts.

A crash anywhere in this sequence only leaves garbage (leaked blobs, extra
diffs), never dangling references; the next GC pass picks it up.

*/

type GarbageCollector[T any] struct {
	machine *Machine[T]
	blob    persistence.Blob
}

func NewGarbageCollector[T any](machine *Machine[T], blob persistence.Blob) *GarbageCollector[T] {
	return &GarbageCollector[T]{machine: machine, blob: blob}
}

// WriteRollupAndTruncate is the steady-state GC pass:
//  1. write a rollup of the current state (speculative until referenced)
//  2. commit the addRollup transition referencing it
//  3. collect blobs dereferenced by diffs below the new truncation point
//  4. truncate those diffs from consensus
//  5. delete the collected blobs
func (gc *GarbageCollector[T]) WriteRollupAndTruncate(ctx context.Context) error {
	m := gc.machine
	state, err := m.FetchLatest(ctx)
	if err != nil {
		return err
	}
	rollupSeqno := state.seqno
	key, err := m.sv.WriteRollup(ctx, state)
	if err != nil {
		return err
	}
	oldRollupKeys, _, err := m.AddRollup(ctx, rollupSeqno, key)
	if err != nil {
		return err
	}

	// everything below the new rollup is now replay-irrelevant
	diffs, err := m.sv.ScanDiffs(ctx, m.shardID, rollupSeqno)
	if err != nil {
		return err
	}
	var dead []string
	for _, d := range diffs {
		for _, b := range d.BatchesRemoved {
			for _, p := range b.Parts {
				dead = append(dead, p.Key)
			}
		}
	}
	dead = append(dead, oldRollupKeys...)

	if err := m.sv.TruncateDiffs(ctx, m.shardID, rollupSeqno); err != nil {
		return err
	}
	for _, k := range dead {
		err := persistence.RetryExternal(ctx, "blob delete", func() error {
			return gc.blob.Delete(ctx, k)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
