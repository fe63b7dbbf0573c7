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

// Package health writes component status transitions into a durable shard.
// It is a user of the shard core, not part of it: every status change is an
// ordinary compare-and-append, retried on upper mismatches against
// concurrent writers.
package health

import (
	"context"
	"fmt"

	"github.com/launix-de/durashard/shard"
)

// Status is one point in the component lifecycle. Any status may follow
// any other except a repeat of itself; a failed component can only be
// dropped, a dropped one is terminal.
type Status interface {
	Name() string
	ErrorMessage() string
}

type statusBase struct{ name, err string }

func (s statusBase) Name() string         { return s.name }
func (s statusBase) ErrorMessage() string { return s.err }

func Setup() Status    { return statusBase{name: "setup"} }
func Starting() Status { return statusBase{name: "starting"} }
func Running() Status  { return statusBase{name: "running"} }
func Stalled(msg string) Status {
	return statusBase{name: "stalled", err: msg}
}
func Failed(msg string) Status {
	return statusBase{name: "failed", err: msg}
}
func Dropped() Status { return statusBase{name: "dropped"} }

// canTransition encodes the transition rules. Repeats are rejected so
// that redundant updates write no new state versions.
func canTransition(old, new Status) bool {
	if old == nil {
		return true
	}
	switch old.Name() {
	case "dropped":
		return false
	case "failed":
		return new.Name() == "dropped"
	default:
		return old.Name() != new.Name()
	}
}

// Healthchecker reports statuses of one component into a status shard.
type Healthchecker struct {
	write   *shard.WriteHandle[string, string, uint64, int64]
	current Status
}

// New opens the status shard and starts in the setup state without writing.
func New(ctx context.Context, client *shard.Client, statusShard shard.ShardId) (*Healthchecker, error) {
	codecs := shard.Codecs[string, string, uint64, int64]{
		Key:  shard.StringCodec{},
		Val:  shard.StringCodec{},
		Ts:   shard.U64Lattice{},
		Diff: shard.I64Codec{},
	}
	w, err := shard.OpenWriter(ctx, client, statusShard, codecs)
	if err != nil {
		return nil, err
	}
	return &Healthchecker{write: w, current: Setup()}, nil
}

func (h *Healthchecker) Current() Status { return h.current }

// UpdateStatus appends a status row iff the transition is legal. The write
// races other writers on the shard upper; a mismatch re-stages at the
// actual upper and retries.
func (h *Healthchecker) UpdateStatus(ctx context.Context, status Status) error {
	if !canTransition(h.current, status) {
		return nil
	}
	latt := shard.U64Lattice{}
	row := status.Name()
	if msg := status.ErrorMessage(); msg != "" {
		row = row + ": " + msg
	}
	upper := h.write.Upper()
	for {
		var ts uint64
		for _, e := range upper.Elements() {
			if e > ts {
				ts = e
			}
		}
		updates := []shard.Update[string, string, uint64, int64]{
			{Key: h.write.WriterID().String(), Val: row, Ts: ts, Diff: 1},
		}
		mismatch, err := h.write.CompareAndAppend(ctx, updates,
			upper, shard.AntichainOf[uint64](latt, ts+1))
		if err != nil {
			return err
		}
		if mismatch == nil {
			h.current = status
			return nil
		}
		upper = mismatch.Actual
	}
}

// ReportStallAndPanic reports a stalled status and then halts with the
// same message.
func (h *Healthchecker) ReportStallAndPanic(ctx context.Context, msg string) {
	_ = h.UpdateStatus(ctx, Stalled(msg))
	panic(fmt.Sprintf("stalled: %s", msg))
}

// Expire releases the writer registration.
func (h *Healthchecker) Expire(ctx context.Context) {
	h.write.Expire(ctx)
}
