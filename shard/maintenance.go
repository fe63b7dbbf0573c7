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

// Maintenance is the explicit output of every transition: work that should
// happen after the commit, returned to the caller so background executors
// can batch it. Keeping it a return value keeps the transitions pure and
// the side-effect ordering observable in tests.
type Maintenance struct {
	ExpiredWriters []WriterId
	ExpiredReaders []LeasedReaderId
	WriteRollup    bool
}

func (m Maintenance) IsEmpty() bool {
	return len(m.ExpiredWriters) == 0 && len(m.ExpiredReaders) == 0 && !m.WriteRollup
}

// maintenanceOf inspects a freshly committed state for follow-up work.
func maintenanceOf[T any](s *State[T], cfg *Config) Maintenance {
	var m Maintenance
	m.ExpiredWriters, m.ExpiredReaders = s.expiredAt(cfg.Now())
	m.WriteRollup = s.seqno >= s.lastRollupSeqno+needRollupThreshold
	return m
}

// PerformMaintenance executes maintenance in the caller's goroutine; the
// handles call it inline right after the transition that returned it. Lease expiry is submitted as ordinary
// transitions; a rollup write triggers the GC pass that truncates history.
func (m *Machine[T]) PerformMaintenance(ctx context.Context, maint Maintenance, gc *GarbageCollector[T]) {
	for _, id := range maint.ExpiredWriters {
		if _, err := m.ExpireWriter(ctx, id); err != nil {
			fmt.Printf("maintenance: expire writer %s: %v\n", id, err)
		}
	}
	for _, id := range maint.ExpiredReaders {
		if _, err := m.ExpireLeasedReader(ctx, id); err != nil {
			fmt.Printf("maintenance: expire reader %s: %v\n", id, err)
		}
	}
	if maint.WriteRollup && gc != nil {
		if err := gc.WriteRollupAndTruncate(ctx); err != nil {
			fmt.Printf("maintenance: rollup %s: %v\n", m.shardID, err)
		}
	}
}
