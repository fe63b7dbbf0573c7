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
	"encoding/json"
	"fmt"
)

/*

state diffs

A StateDiff is the delta between two consecutive states; one diff is
written to consensus per transition. It is small: typically one or two
trace edits and one registration change. Every diff also carries the
latest rollup pointer so that a fetch starting from any live diff knows
where to begin replay.

*/

type encBatch struct {
	Lower [][]byte   `json:"lower"`
	Upper [][]byte   `json:"upper"`
	Since [][]byte   `json:"since"`
	Parts []PartDesc `json:"parts"`
	Len   uint64     `json:"len"`
}

type encLeasedReader struct {
	Since         [][]byte `json:"since"`
	LastHeartbeat uint64   `json:"last_heartbeat"`
	LeaseDeadline uint64   `json:"lease_deadline"`
}

type encCriticalReader struct {
	Since  [][]byte `json:"since"`
	Opaque []byte   `json:"opaque"`
}

type StateDiff struct {
	SeqNo   uint64     `json:"seqno"`
	ShardID string     `json:"shard_id"`
	Codecs  CodecNames `json:"codecs"`

	Since [][]byte `json:"since"`
	Upper [][]byte `json:"upper"`

	BatchesAdded   []encBatch `json:"batches_added,omitempty"`
	BatchesRemoved []encBatch `json:"batches_removed,omitempty"`

	WritersUpserted  map[string]WriterState       `json:"writers_upserted,omitempty"`
	WritersRemoved   []string                     `json:"writers_removed,omitempty"`
	LeasedUpserted   map[string]encLeasedReader   `json:"leased_upserted,omitempty"`
	LeasedRemoved    []string                     `json:"leased_removed,omitempty"`
	CriticalUpserted map[string]encCriticalReader `json:"critical_upserted,omitempty"`
	CriticalRemoved  []string                     `json:"critical_removed,omitempty"`

	RollupsAdded   map[uint64]string `json:"rollups_added,omitempty"`
	RollupsRemoved []uint64          `json:"rollups_removed,omitempty"`

	// latest rollup as of this diff; replay starts here
	RollupSeqno uint64 `json:"rollup_seqno"`
	RollupKey   string `json:"rollup_key"`
}

func encodeBatch[T any](l Lattice[T], b *BatchDesc[T]) encBatch {
	return encBatch{
		Lower: encodeFrontier(l, b.Lower),
		Upper: encodeFrontier(l, b.Upper),
		Since: encodeFrontier(l, b.Since),
		Parts: b.Parts,
		Len:   b.Len,
	}
}

func decodeBatch[T any](l Lattice[T], e encBatch) (*BatchDesc[T], error) {
	lower, err := decodeFrontier(l, e.Lower)
	if err != nil {
		return nil, err
	}
	upper, err := decodeFrontier(l, e.Upper)
	if err != nil {
		return nil, err
	}
	since, err := decodeFrontier(l, e.Since)
	if err != nil {
		return nil, err
	}
	return &BatchDesc[T]{Lower: lower, Upper: upper, Since: since, Parts: e.Parts, Len: e.Len}, nil
}

// diffStates computes the delta from old to new. old may be nil for the
// shard-creation diff, in which case everything in new is an addition.
func diffStates[T any](old, new *State[T]) *StateDiff {
	l := new.latt
	d := &StateDiff{
		SeqNo:   new.seqno,
		ShardID: new.shardID.String(),
		Codecs:  new.codecs,
		Since:   encodeFrontier(l, new.since),
		Upper:   encodeFrontier(l, new.upper),
	}

	oldBatches := make(map[string]*BatchDesc[T])
	oldWriters := make(map[WriterId]WriterState)
	oldLeased := make(map[LeasedReaderId]LeasedReaderState[T])
	oldCritical := make(map[CriticalReaderId]CriticalReaderState[T])
	oldRollups := make(map[uint64]string)
	if old != nil {
		for _, b := range old.batches() {
			oldBatches[frontierKey(l, b.Lower)] = b
		}
		oldWriters = old.writers
		oldLeased = old.leasedReaders
		oldCritical = old.criticalReaders
		oldRollups = old.rollups
	}

	newBatches := make(map[string]*BatchDesc[T])
	for _, b := range new.batches() {
		k := frontierKey(l, b.Lower)
		newBatches[k] = b
		if ob, ok := oldBatches[k]; !ok || ob != b {
			d.BatchesAdded = append(d.BatchesAdded, encodeBatch(l, b))
		}
	}
	for k, b := range oldBatches {
		if nb, ok := newBatches[k]; !ok || nb != b {
			d.BatchesRemoved = append(d.BatchesRemoved, encodeBatch(l, b))
		}
	}

	for id, w := range new.writers {
		if ow, ok := oldWriters[id]; !ok || ow != w {
			if d.WritersUpserted == nil {
				d.WritersUpserted = make(map[string]WriterState)
			}
			d.WritersUpserted[id.String()] = w
		}
	}
	for id := range oldWriters {
		if _, ok := new.writers[id]; !ok {
			d.WritersRemoved = append(d.WritersRemoved, id.String())
		}
	}

	for id, r := range new.leasedReaders {
		or, ok := oldLeased[id]
		if !ok || or.LastHeartbeat != r.LastHeartbeat || or.LeaseDeadline != r.LeaseDeadline ||
			!FrontierEqual(l, or.Since, r.Since) {
			if d.LeasedUpserted == nil {
				d.LeasedUpserted = make(map[string]encLeasedReader)
			}
			d.LeasedUpserted[id.String()] = encLeasedReader{
				Since:         encodeFrontier(l, r.Since),
				LastHeartbeat: r.LastHeartbeat,
				LeaseDeadline: r.LeaseDeadline,
			}
		}
	}
	for id := range oldLeased {
		if _, ok := new.leasedReaders[id]; !ok {
			d.LeasedRemoved = append(d.LeasedRemoved, id.String())
		}
	}

	for id, r := range new.criticalReaders {
		or, ok := oldCritical[id]
		if !ok || or.Opaque != r.Opaque || !FrontierEqual(l, or.Since, r.Since) {
			if d.CriticalUpserted == nil {
				d.CriticalUpserted = make(map[string]encCriticalReader)
			}
			d.CriticalUpserted[id.String()] = encCriticalReader{
				Since:  encodeFrontier(l, r.Since),
				Opaque: append([]byte(nil), r.Opaque[:]...),
			}
		}
	}
	for id := range oldCritical {
		if _, ok := new.criticalReaders[id]; !ok {
			d.CriticalRemoved = append(d.CriticalRemoved, id.String())
		}
	}

	for seqno, key := range new.rollups {
		if _, ok := oldRollups[seqno]; !ok {
			if d.RollupsAdded == nil {
				d.RollupsAdded = make(map[uint64]string)
			}
			d.RollupsAdded[seqno] = key
		}
	}
	for seqno := range oldRollups {
		if _, ok := new.rollups[seqno]; !ok {
			d.RollupsRemoved = append(d.RollupsRemoved, seqno)
		}
	}

	d.RollupSeqno = new.lastRollupSeqno
	if key, ok := new.rollups[new.lastRollupSeqno]; ok {
		d.RollupKey = key
	}
	return d
}

// applyDiff advances the state in place to the version the diff records.
// Corrupt diffs (bad chain, undecodable frontiers) panic: continuing with
// inconsistent assumptions is worse than halting.
func applyDiff[T any](s *State[T], d *StateDiff) {
	if d.SeqNo != s.seqno+1 {
		panic(fmt.Sprintf("shard %s: diff seqno %d does not follow state seqno %d",
			s.shardID, d.SeqNo, s.seqno))
	}
	l := s.latt
	since, err := decodeFrontier(l, d.Since)
	if err != nil {
		panic(fmt.Sprintf("shard %s: unparseable since in diff %d: %v", s.shardID, d.SeqNo, err))
	}
	upper, err := decodeFrontier(l, d.Upper)
	if err != nil {
		panic(fmt.Sprintf("shard %s: unparseable upper in diff %d: %v", s.shardID, d.SeqNo, err))
	}
	s.seqno = d.SeqNo
	s.since = since
	s.upper = upper

	for _, e := range d.BatchesRemoved {
		b, err := decodeBatch(l, e)
		if err != nil {
			panic(fmt.Sprintf("shard %s: unparseable batch in diff %d: %v", s.shardID, d.SeqNo, err))
		}
		s.trace.Delete(b)
	}
	for _, e := range d.BatchesAdded {
		b, err := decodeBatch(l, e)
		if err != nil {
			panic(fmt.Sprintf("shard %s: unparseable batch in diff %d: %v", s.shardID, d.SeqNo, err))
		}
		s.trace.ReplaceOrInsert(b)
	}

	for idStr, w := range d.WritersUpserted {
		id, err := ParseWriterId(idStr)
		if err != nil {
			panic(err)
		}
		s.writers[id] = w
	}
	for _, idStr := range d.WritersRemoved {
		id, err := ParseWriterId(idStr)
		if err != nil {
			panic(err)
		}
		delete(s.writers, id)
	}

	for idStr, e := range d.LeasedUpserted {
		id, err := ParseLeasedReaderId(idStr)
		if err != nil {
			panic(err)
		}
		rs, err := decodeFrontier(l, e.Since)
		if err != nil {
			panic(err)
		}
		s.leasedReaders[id] = LeasedReaderState[T]{
			Since: rs, LastHeartbeat: e.LastHeartbeat, LeaseDeadline: e.LeaseDeadline,
		}
	}
	for _, idStr := range d.LeasedRemoved {
		id, err := ParseLeasedReaderId(idStr)
		if err != nil {
			panic(err)
		}
		delete(s.leasedReaders, id)
	}

	for idStr, e := range d.CriticalUpserted {
		id, err := ParseCriticalReaderId(idStr)
		if err != nil {
			panic(err)
		}
		rs, err := decodeFrontier(l, e.Since)
		if err != nil {
			panic(err)
		}
		var opaque [8]byte
		copy(opaque[:], e.Opaque)
		s.criticalReaders[id] = CriticalReaderState[T]{Since: rs, Opaque: opaque}
	}
	for _, idStr := range d.CriticalRemoved {
		id, err := ParseCriticalReaderId(idStr)
		if err != nil {
			panic(err)
		}
		delete(s.criticalReaders, id)
	}

	for seqno, key := range d.RollupsAdded {
		s.rollups[seqno] = key
		if seqno > s.lastRollupSeqno {
			s.lastRollupSeqno = seqno
		}
	}
	for _, seqno := range d.RollupsRemoved {
		delete(s.rollups, seqno)
	}
}

func encodeDiff(d *StateDiff) []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		panic(err)
	}
	return raw
}

func decodeDiff(raw []byte) *StateDiff {
	var d StateDiff
	if err := json.Unmarshal(raw, &d); err != nil {
		panic(fmt.Sprintf("unparseable state diff: %v", err))
	}
	return &d
}
