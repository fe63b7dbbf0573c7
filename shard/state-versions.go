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
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ulikunitz/xz"

	"github.com/launix-de/durashard/persistence"
)

/*

state versions

The bridge between in-memory State and durable storage. Consensus holds, per
shard, a chain of JSON state diffs. Blob holds rollups: xz-compressed full
state snapshots under content-addressed keys. A fetch locates the rollup the
head diff references, then replays the diffs after it in seqno order.

External failures are retried with backoff until success; only proven shard
non-existence is reported.

*/

type StateVersions[T any] struct {
	cfg       *Config
	latt      Lattice[T]
	blob      persistence.Blob
	consensus persistence.Consensus
}

func newStateVersions[T any](cfg *Config, latt Lattice[T], blob persistence.Blob, consensus persistence.Consensus) *StateVersions[T] {
	return &StateVersions[T]{cfg: cfg, latt: latt, blob: blob, consensus: consensus}
}

func blobKey(shardID ShardId, kind string, payload []byte) string {
	hash := sha256.Sum256(payload)
	return fmt.Sprintf("%s/%s/%x", shardID, kind, hash[:16])
}

// encState is the rollup wire form: a full snapshot of one state version.
type encState struct {
	ShardID         string                       `json:"shard_id"`
	SeqNo           uint64                       `json:"seqno"`
	Codecs          CodecNames                   `json:"codecs"`
	Since           [][]byte                     `json:"since"`
	Upper           [][]byte                     `json:"upper"`
	Trace           []encBatch                   `json:"trace"`
	Writers         map[string]WriterState       `json:"writers"`
	LeasedReaders   map[string]encLeasedReader   `json:"leased_readers"`
	CriticalReaders map[string]encCriticalReader `json:"critical_readers"`
	LastRollupSeqno uint64                       `json:"last_rollup_seqno"`
	Rollups         map[uint64]string            `json:"rollups"`
}

func encodeRollup[T any](s *State[T]) []byte {
	l := s.latt
	e := encState{
		ShardID:         s.shardID.String(),
		SeqNo:           s.seqno,
		Codecs:          s.codecs,
		Since:           encodeFrontier(l, s.since),
		Upper:           encodeFrontier(l, s.upper),
		Writers:         make(map[string]WriterState, len(s.writers)),
		LeasedReaders:   make(map[string]encLeasedReader, len(s.leasedReaders)),
		CriticalReaders: make(map[string]encCriticalReader, len(s.criticalReaders)),
		LastRollupSeqno: s.lastRollupSeqno,
		Rollups:         make(map[uint64]string, len(s.rollups)),
	}
	for _, b := range s.batches() {
		e.Trace = append(e.Trace, encodeBatch(l, b))
	}
	for id, w := range s.writers {
		e.Writers[id.String()] = w
	}
	for id, r := range s.leasedReaders {
		e.LeasedReaders[id.String()] = encLeasedReader{
			Since:         encodeFrontier(l, r.Since),
			LastHeartbeat: r.LastHeartbeat,
			LeaseDeadline: r.LeaseDeadline,
		}
	}
	for id, r := range s.criticalReaders {
		e.CriticalReaders[id.String()] = encCriticalReader{
			Since:  encodeFrontier(l, r.Since),
			Opaque: append([]byte(nil), r.Opaque[:]...),
		}
	}
	for seqno, key := range s.rollups {
		e.Rollups[seqno] = key
	}

	raw, err := json.Marshal(e)
	if err != nil {
		panic(err)
	}
	var buf bytes.Buffer
	zw, err := xz.NewWriter(&buf)
	if err != nil {
		panic(err)
	}
	if _, err := zw.Write(raw); err != nil {
		panic(err)
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeRollup[T any](latt Lattice[T], payload []byte) *State[T] {
	zr, err := xz.NewReader(bytes.NewReader(payload))
	if err != nil {
		panic(fmt.Sprintf("unparseable rollup: %v", err))
	}
	raw, err := io.ReadAll(zr)
	if err != nil {
		panic(fmt.Sprintf("unparseable rollup: %v", err))
	}
	var e encState
	if err := json.Unmarshal(raw, &e); err != nil {
		panic(fmt.Sprintf("unparseable rollup: %v", err))
	}

	shardID, err := ParseShardId(e.ShardID)
	if err != nil {
		panic(err)
	}
	s := newState(latt, shardID, e.Codecs)
	s.seqno = e.SeqNo
	s.since, err = decodeFrontier(latt, e.Since)
	if err != nil {
		panic(err)
	}
	s.upper, err = decodeFrontier(latt, e.Upper)
	if err != nil {
		panic(err)
	}
	for _, eb := range e.Trace {
		b, err := decodeBatch(latt, eb)
		if err != nil {
			panic(err)
		}
		s.trace.ReplaceOrInsert(b)
	}
	for idStr, w := range e.Writers {
		id, err := ParseWriterId(idStr)
		if err != nil {
			panic(err)
		}
		s.writers[id] = w
	}
	for idStr, er := range e.LeasedReaders {
		id, err := ParseLeasedReaderId(idStr)
		if err != nil {
			panic(err)
		}
		since, err := decodeFrontier(latt, er.Since)
		if err != nil {
			panic(err)
		}
		s.leasedReaders[id] = LeasedReaderState[T]{
			Since: since, LastHeartbeat: er.LastHeartbeat, LeaseDeadline: er.LeaseDeadline,
		}
	}
	for idStr, er := range e.CriticalReaders {
		id, err := ParseCriticalReaderId(idStr)
		if err != nil {
			panic(err)
		}
		since, err := decodeFrontier(latt, er.Since)
		if err != nil {
			panic(err)
		}
		var opaque [8]byte
		copy(opaque[:], er.Opaque)
		s.criticalReaders[id] = CriticalReaderState[T]{Since: since, Opaque: opaque}
	}
	s.lastRollupSeqno = e.LastRollupSeqno
	for seqno, key := range e.Rollups {
		s.rollups[seqno] = key
	}
	return s
}

// Fetch materializes the current state of the shard, or nil if the shard
// was never initialized.
func (sv *StateVersions[T]) Fetch(ctx context.Context, shardID ShardId) (*State[T], error) {
	var headDiff *StateDiff
	var rollupBytes []byte
	for {
		var head *persistence.VersionedData
		err := persistence.RetryExternal(ctx, "consensus head", func() error {
			var err error
			head, err = sv.consensus.Head(ctx, shardID.String())
			return err
		})
		if err != nil {
			return nil, err
		}
		if head == nil {
			return nil, nil
		}
		headDiff = decodeDiff(head.Data)
		if headDiff.RollupKey == "" {
			panic(fmt.Sprintf("shard %s: head diff %d references no rollup", shardID, headDiff.SeqNo))
		}

		err = persistence.RetryExternal(ctx, "blob get rollup", func() error {
			var err error
			rollupBytes, err = sv.blob.Get(ctx, headDiff.RollupKey)
			return err
		})
		if err != nil {
			return nil, err
		}
		if rollupBytes != nil {
			break
		}
		// the rollup may have been superseded and collected between the
		// head read and the blob read; only an unchanged head is corrupt
		var again *persistence.VersionedData
		err = persistence.RetryExternal(ctx, "consensus head", func() error {
			var err error
			again, err = sv.consensus.Head(ctx, shardID.String())
			return err
		})
		if err != nil {
			return nil, err
		}
		if again != nil && again.SeqNo == head.SeqNo {
			panic(fmt.Sprintf("shard %s: missing rollup %s referenced by state version %d",
				shardID, headDiff.RollupKey, headDiff.SeqNo))
		}
	}
	state := decodeRollup(sv.latt, rollupBytes)
	// a rollup cannot record its own key; restore the reference the head
	// diff carries for it so that diffs written from this state keep it
	if _, ok := state.rollups[headDiff.RollupSeqno]; !ok {
		state.rollups[headDiff.RollupSeqno] = headDiff.RollupKey
		if headDiff.RollupSeqno > state.lastRollupSeqno {
			state.lastRollupSeqno = headDiff.RollupSeqno
		}
	}

	var diffs []persistence.VersionedData
	err := persistence.RetryExternal(ctx, "consensus scan", func() error {
		var err error
		diffs, err = sv.consensus.Scan(ctx, shardID.String(), state.seqno+1)
		return err
	})
	if err != nil {
		return nil, err
	}
	for _, vd := range diffs {
		applyDiff(state, decodeDiff(vd.Data))
	}
	return state, nil
}

// MaybeInit initializes the shard with the proposed codecs if it does not
// exist yet, racing against other openers. Returns the current state either
// way.
func (sv *StateVersions[T]) MaybeInit(ctx context.Context, shardID ShardId, codecs CodecNames) (*State[T], error) {
	for {
		state, err := sv.Fetch(ctx, shardID)
		if err != nil {
			return nil, err
		}
		if state != nil {
			return state, nil
		}

		// rollup first, then the creation diff that references it; a crash
		// in between leaks only the rollup blob
		initial := newState(sv.latt, shardID, codecs)
		payload := encodeRollup(initial)
		key := blobKey(shardID, "rollup", payload)
		initial.rollups[1] = key
		initial.lastRollupSeqno = 1
		err = persistence.RetryExternal(ctx, "blob set rollup", func() error {
			return sv.blob.Set(ctx, key, payload)
		})
		if err != nil {
			return nil, err
		}

		diff := diffStates(nil, initial)
		var committed bool
		err = persistence.RetryExternal(ctx, "consensus cas", func() error {
			var err error
			committed, _, err = sv.consensus.CompareAndSet(ctx, shardID.String(), 0, encodeDiff(diff))
			return err
		})
		if err != nil {
			return nil, err
		}
		if committed {
			fmt.Println("initialized shard", shardID.String(), "with codecs", codecs.String())
			return initial, nil
		}
		// lost the creation race; loop and fetch the winner's state
	}
}

// Commit submits the diff from old to next via CAS. On success returns
// (true, next); on being superseded returns (false, freshly fetched head).
func (sv *StateVersions[T]) Commit(ctx context.Context, old, next *State[T]) (bool, *State[T], error) {
	diff := diffStates(old, next)
	var committed bool
	err := persistence.RetryExternal(ctx, "consensus cas", func() error {
		var err error
		committed, _, err = sv.consensus.CompareAndSet(ctx, old.shardID.String(), old.seqno, encodeDiff(diff))
		return err
	})
	if err != nil {
		return false, nil, err
	}
	if committed {
		return true, next, nil
	}
	// never merge optimistically against a stale view: reload fully
	state, err := sv.Fetch(ctx, old.shardID)
	if err != nil {
		return false, nil, err
	}
	if state == nil {
		panic(fmt.Sprintf("shard %s: state disappeared mid-operation", old.shardID))
	}
	return false, state, nil
}

// WriteRollup persists a full snapshot of the given state version to blob
// and returns its key. The caller is responsible for referencing it via an
// addRollup transition; until then the blob is speculative.
func (sv *StateVersions[T]) WriteRollup(ctx context.Context, s *State[T]) (string, error) {
	payload := encodeRollup(s)
	key := blobKey(s.shardID, "rollup", payload)
	err := persistence.RetryExternal(ctx, "blob set rollup", func() error {
		return sv.blob.Set(ctx, key, payload)
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// TruncateDiffs drops consensus records before the given seqno.
func (sv *StateVersions[T]) TruncateDiffs(ctx context.Context, shardID ShardId, before uint64) error {
	return persistence.RetryExternal(ctx, "consensus truncate", func() error {
		return sv.consensus.Truncate(ctx, shardID.String(), before)
	})
}

// ScanDiffs returns the live diffs with seqno < before, oldest first. GC
// uses these to learn which blobs the truncated history dereferenced.
func (sv *StateVersions[T]) ScanDiffs(ctx context.Context, shardID ShardId, before uint64) ([]*StateDiff, error) {
	var recs []persistence.VersionedData
	err := persistence.RetryExternal(ctx, "consensus scan", func() error {
		var err error
		recs, err = sv.consensus.Scan(ctx, shardID.String(), 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	var out []*StateDiff
	for _, vd := range recs {
		if vd.SeqNo >= before {
			break
		}
		out = append(out, decodeDiff(vd.Data))
	}
	return out, nil
}
