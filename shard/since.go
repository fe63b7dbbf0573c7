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
)

// SinceHandle holds a critical, non-leased since capability. Unlike a
// ReadHandle it never expires: losing the handle leaves the shard since
// pinned forever, so callers should durably record the CriticalReaderId
// before registering. Downgrades CAS on an 8-byte opaque token the holder
// controls, which lets multiple controllers detect races.
type SinceHandle[K, V, T, D any] struct {
	cfg     *Config
	codecs  Codecs[K, V, T, D]
	machine *Machine[T]
	gc      *GarbageCollector[T]

	readerID CriticalReaderId
	since    Antichain[T]
	opaque   [8]byte
	expired  bool
}

func (h *SinceHandle[K, V, T, D]) ReaderID() CriticalReaderId { return h.readerID }
func (h *SinceHandle[K, V, T, D]) ShardID() ShardId           { return h.machine.shardID }

// Since is the cached capability; pure accessor.
func (h *SinceHandle[K, V, T, D]) Since() Antichain[T] { return h.since }

// Opaque is the cached token; pure accessor.
func (h *SinceHandle[K, V, T, D]) Opaque() [8]byte { return h.opaque }

// CompareAndDowngradeSince moves the capability forward iff the stored
// opaque token equals expectedOpaque, swapping it for newOpaque. On a
// token mismatch the actual token is returned and nothing changes; the
// caller lost a race against another controller.
func (h *SinceHandle[K, V, T, D]) CompareAndDowngradeSince(ctx context.Context, expectedOpaque, newOpaque [8]byte, newSince Antichain[T]) (Antichain[T], *[8]byte, error) {
	if h.expired {
		panic(fmt.Sprintf("critical reader %s used after expire", h.readerID))
	}
	ok, actual, since, maint, err := h.machine.CompareAndDowngradeSince(ctx, h.readerID, expectedOpaque, newOpaque, newSince)
	if err != nil {
		return Antichain[T]{}, nil, err
	}
	if !ok {
		return since, &actual, nil
	}
	h.since = since
	h.opaque = newOpaque
	h.machine.PerformMaintenance(ctx, maint, h.gc)
	return since, nil, nil
}

// Expire releases the capability. This is the only way a critical since
// hold ever goes away.
func (h *SinceHandle[K, V, T, D]) Expire(ctx context.Context) {
	if h.expired {
		return
	}
	h.expired = true
	maint, err := h.machine.ExpireCriticalReader(ctx, h.readerID)
	if err != nil {
		fmt.Printf("critical reader %s expire: %v\n", h.readerID, err)
		return
	}
	h.machine.PerformMaintenance(ctx, maint, h.gc)
}
