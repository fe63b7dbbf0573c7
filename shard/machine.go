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
	"sync"
)

/*

machine

The single choke point for all shard mutations. Every operation is a retry
loop around consensus CAS: clone the current state, apply a pure transition,
commit the diff, reload and retry when superseded. Blob writes precede the
commits that reference them; blob deletes follow the commits that
dereference them.

*/

type Machine[T any] struct {
	cfg     *Config
	shardID ShardId
	sv      *StateVersions[T]

	mu    sync.Mutex
	state *State[T]
}

// openMachine fetches or initializes the shard and verifies codec identity.
func openMachine[T any](ctx context.Context, cfg *Config, shardID ShardId, sv *StateVersions[T], codecs CodecNames) (*Machine[T], error) {
	state, err := sv.MaybeInit(ctx, shardID, codecs)
	if err != nil {
		return nil, err
	}
	if state.codecs != codecs {
		return nil, &CodecMismatch{Requested: codecs, Actual: state.codecs}
	}
	return &Machine[T]{cfg: cfg, shardID: shardID, sv: sv, state: state}, nil
}

func (m *Machine[T]) cached() *State[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine[T]) store(s *State[T]) {
	m.mu.Lock()
	// a concurrent handle may have stored a newer version already
	if s.seqno > m.state.seqno {
		m.state = s
	}
	m.mu.Unlock()
}

// FetchLatest refreshes the cached state from consensus.
func (m *Machine[T]) FetchLatest(ctx context.Context) (*State[T], error) {
	state, err := m.sv.Fetch(ctx, m.shardID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		panic(fmt.Sprintf("shard %s: state disappeared mid-operation", m.shardID))
	}
	m.store(state)
	return state, nil
}

// runCAS drives one pure transition through the retry loop. fn mutates the
// clone it is given and reports whether anything changed; a no-change
// outcome short-circuits without a consensus write.
func runCAS[T, R any](ctx context.Context, m *Machine[T], fn func(s *State[T]) (R, bool)) (R, *State[T], Maintenance, error) {
	cur := m.cached()
	for {
		next := cur.clone()
		result, changed := fn(next)
		if !changed {
			return result, cur, Maintenance{}, nil
		}
		next.seqno = cur.seqno + 1
		committed, latest, err := m.sv.Commit(ctx, cur, next)
		if err != nil {
			var zero R
			return zero, nil, Maintenance{}, err
		}
		if committed {
			m.store(next)
			return result, next, maintenanceOf(next, m.cfg), nil
		}
		m.store(latest)
		cur = latest
	}
}

// -------------------- mutating operations --------------------

func (m *Machine[T]) RegisterWriter(ctx context.Context, id WriterId, now uint64) (Antichain[T], Maintenance, error) {
	upper, _, maint, err := runCAS(ctx, m, func(s *State[T]) (Antichain[T], bool) {
		return s.registerWriter(id, m.cfg.writerLeaseMillis(), now), true
	})
	return upper, maint, err
}

func (m *Machine[T]) RegisterLeasedReader(ctx context.Context, id LeasedReaderId, now uint64) (LeasedReaderState[T], Maintenance, error) {
	r, _, maint, err := runCAS(ctx, m, func(s *State[T]) (LeasedReaderState[T], bool) {
		return s.registerLeasedReader(id, m.cfg.readerLeaseMillis(), now), true
	})
	return r, maint, err
}

func (m *Machine[T]) RegisterCriticalReader(ctx context.Context, id CriticalReaderId) (CriticalReaderState[T], Maintenance, error) {
	r, _, maint, err := runCAS(ctx, m, func(s *State[T]) (CriticalReaderState[T], bool) {
		return s.registerCriticalReader(id)
	})
	return r, maint, err
}

func (m *Machine[T]) HeartbeatWriter(ctx context.Context, id WriterId, now uint64) (Maintenance, error) {
	alive, _, maint, err := runCAS(ctx, m, func(s *State[T]) (bool, bool) {
		ok := s.heartbeatWriter(id, m.cfg.writerLeaseMillis(), now)
		return ok, ok
	})
	if err != nil {
		return Maintenance{}, err
	}
	if !alive {
		panic(fmt.Sprintf("writer %s was expired due to inactivity; lease duration is %s",
			id, m.cfg.WriterLeaseDuration))
	}
	return maint, nil
}

func (m *Machine[T]) HeartbeatLeasedReader(ctx context.Context, id LeasedReaderId, now uint64) (Maintenance, error) {
	alive, _, maint, err := runCAS(ctx, m, func(s *State[T]) (bool, bool) {
		ok := s.heartbeatLeasedReader(id, m.cfg.readerLeaseMillis(), now)
		return ok, ok
	})
	if err != nil {
		return Maintenance{}, err
	}
	if !alive {
		panic(fmt.Sprintf("reader %s was expired due to inactivity; lease duration is %s",
			id, m.cfg.ReaderLeaseDuration))
	}
	return maint, nil
}

// CompareAndAppend admits the batch into the trace iff the shard upper
// still equals the batch lower. The mismatch outcome is data, not an error.
func (m *Machine[T]) CompareAndAppend(ctx context.Context, id WriterId, b *BatchDesc[T], now uint64) (*UpperMismatch[T], Maintenance, error) {
	type res struct {
		outcome appendOutcome
		actual  Antichain[T]
	}
	r, _, maint, err := runCAS(ctx, m, func(s *State[T]) (res, bool) {
		outcome, actual := s.compareAndAppend(id, b, m.cfg.writerLeaseMillis(), now)
		return res{outcome, actual}, outcome == appendApplied
	})
	if err != nil {
		return nil, Maintenance{}, err
	}
	switch r.outcome {
	case appendApplied:
		return nil, maint, nil
	case appendWriterUnknown:
		panic(fmt.Sprintf("writer %s was expired due to inactivity; lease duration is %s",
			id, m.cfg.WriterLeaseDuration))
	default:
		return &UpperMismatch[T]{Actual: r.actual}, maint, nil
	}
}

func (m *Machine[T]) DowngradeSince(ctx context.Context, id LeasedReaderId, newSince Antichain[T], now uint64) (Antichain[T], Maintenance, error) {
	type res struct {
		since Antichain[T]
		alive bool
	}
	r, _, maint, err := runCAS(ctx, m, func(s *State[T]) (res, bool) {
		since, ok := s.downgradeSince(id, newSince, m.cfg.readerLeaseMillis(), now)
		return res{since, ok}, ok
	})
	if err != nil {
		return Antichain[T]{}, Maintenance{}, err
	}
	if !r.alive {
		panic(fmt.Sprintf("reader %s was expired due to inactivity; lease duration is %s",
			id, m.cfg.ReaderLeaseDuration))
	}
	return r.since, maint, nil
}

func (m *Machine[T]) CompareAndDowngradeSince(ctx context.Context, id CriticalReaderId, expectedOpaque, newOpaque [8]byte, newSince Antichain[T]) (bool, [8]byte, Antichain[T], Maintenance, error) {
	type res struct {
		ok     bool
		opaque [8]byte
		since  Antichain[T]
	}
	r, _, maint, err := runCAS(ctx, m, func(s *State[T]) (res, bool) {
		ok, opaque, since := s.compareAndDowngradeSince(id, expectedOpaque, newOpaque, newSince)
		return res{ok, opaque, since}, ok
	})
	if err != nil {
		return false, [8]byte{}, Antichain[T]{}, Maintenance{}, err
	}
	return r.ok, r.opaque, r.since, maint, err
}

func (m *Machine[T]) ExpireWriter(ctx context.Context, id WriterId) (Maintenance, error) {
	_, _, maint, err := runCAS(ctx, m, func(s *State[T]) (struct{}, bool) {
		return struct{}{}, s.expireWriter(id)
	})
	return maint, err
}

func (m *Machine[T]) ExpireLeasedReader(ctx context.Context, id LeasedReaderId) (Maintenance, error) {
	_, _, maint, err := runCAS(ctx, m, func(s *State[T]) (struct{}, bool) {
		return struct{}{}, s.expireLeasedReader(id)
	})
	return maint, err
}

func (m *Machine[T]) ExpireCriticalReader(ctx context.Context, id CriticalReaderId) (Maintenance, error) {
	_, _, maint, err := runCAS(ctx, m, func(s *State[T]) (struct{}, bool) {
		return struct{}{}, s.expireCriticalReader(id)
	})
	return maint, err
}

// ApplyMergeRes swaps compaction inputs for the consolidated output.
// Returns false when another compactor won the race.
func (m *Machine[T]) ApplyMergeRes(ctx context.Context, output *BatchDesc[T]) (bool, Maintenance, error) {
	applied, _, maint, err := runCAS(ctx, m, func(s *State[T]) (bool, bool) {
		ok := s.applyMergeRes(output)
		return ok, ok
	})
	return applied, maint, err
}

// AddRollup records a durable rollup and drops references to the ones it
// supersedes. Returns the superseded rollup keys for the GC sweep.
func (m *Machine[T]) AddRollup(ctx context.Context, seqno uint64, key string) ([]string, Maintenance, error) {
	removed, _, maint, err := runCAS(ctx, m, func(s *State[T]) ([]string, bool) {
		changed := s.addRollup(seqno, key)
		var removedKeys []string
		for old, k := range s.rollups {
			if old < seqno {
				removedKeys = append(removedKeys, k)
			}
		}
		if s.removeRollups(seqno) {
			changed = true
		}
		return removedKeys, changed
	})
	return removed, maint, err
}
