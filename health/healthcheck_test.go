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
package health

import (
	"context"
	"testing"

	"github.com/launix-de/durashard/persistence"
	"github.com/launix-de/durashard/shard"
)

func newTestClient(t *testing.T) *shard.Client {
	t.Helper()
	cfg := shard.NewConfig()
	cfg.Now = func() uint64 { return 0 }
	loc := persistence.Location{
		BlobURI:      "mem://blob/" + t.Name(),
		ConsensusURI: "mem://consensus/" + t.Name(),
	}
	client, err := shard.Open(loc, cfg)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

func TestStatusTransitions(t *testing.T) {
	ctx := context.Background()
	hc, err := New(ctx, newTestClient(t), shard.NewShardId())
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Expire(ctx)

	if hc.Current().Name() != "setup" {
		t.Fatalf("fresh healthchecker is %q", hc.Current().Name())
	}

	for _, s := range []Status{Running(), Failed("boom"), Dropped()} {
		if err := hc.UpdateStatus(ctx, s); err != nil {
			t.Fatal(err)
		}
		if hc.Current().Name() != s.Name() {
			t.Fatalf("after update, current is %q, want %q", hc.Current().Name(), s.Name())
		}
	}
}

func TestFailedToRunningIsRejectedSilently(t *testing.T) {
	ctx := context.Background()
	hc, err := New(ctx, newTestClient(t), shard.NewShardId())
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Expire(ctx)

	if err := hc.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if err := hc.UpdateStatus(ctx, Failed("boom")); err != nil {
		t.Fatal(err)
	}

	upperBefore := hc.write.Upper()
	// failed -> running is illegal: rejected silently, no new state version
	if err := hc.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if hc.Current().Name() != "failed" {
		t.Fatalf("status moved to %q", hc.Current().Name())
	}
	if !frontierEq(hc.write.Upper(), upperBefore) {
		t.Fatal("rejected transition wrote a state version")
	}

	// failed -> dropped is legal, dropped is terminal
	if err := hc.UpdateStatus(ctx, Dropped()); err != nil {
		t.Fatal(err)
	}
	upperBefore = hc.write.Upper()
	if err := hc.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if hc.Current().Name() != "dropped" || !frontierEq(hc.write.Upper(), upperBefore) {
		t.Fatal("dropped is not terminal")
	}
}

func TestRedundantUpdateWritesNothing(t *testing.T) {
	ctx := context.Background()
	hc, err := New(ctx, newTestClient(t), shard.NewShardId())
	if err != nil {
		t.Fatal(err)
	}
	defer hc.Expire(ctx)

	if err := hc.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	upperBefore := hc.write.Upper()
	if err := hc.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if !frontierEq(hc.write.Upper(), upperBefore) {
		t.Fatal("redundant update wrote a state version")
	}
}

// racing status writers on one shard: the retry loop absorbs mismatches
func TestStatusRace(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)
	shardID := shard.NewShardId()

	a, err := New(ctx, client, shardID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := New(ctx, client, shardID)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Expire(ctx)
	defer b.Expire(ctx)

	// both write without seeing each other's appends; the CAS retry loop
	// re-stages at the observed upper
	if err := a.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if err := b.UpdateStatus(ctx, Running()); err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateStatus(ctx, Failed("boom")); err != nil {
		t.Fatal(err)
	}
	if a.Current().Name() != "failed" || b.Current().Name() != "running" {
		t.Fatalf("statuses %q / %q", a.Current().Name(), b.Current().Name())
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		old, new Status
		want     bool
	}{
		{nil, Setup(), true},
		{Setup(), Running(), true},
		{Running(), Running(), false},
		{Running(), Stalled("x"), true},
		{Stalled("x"), Running(), true},
		{Failed("x"), Running(), false},
		{Failed("x"), Dropped(), true},
		{Dropped(), Running(), false},
		{Dropped(), Dropped(), false},
	}
	for _, c := range cases {
		if got := canTransition(c.old, c.new); got != c.want {
			oldName := "nil"
			if c.old != nil {
				oldName = c.old.Name()
			}
			t.Errorf("canTransition(%s, %s) = %v, want %v", oldName, c.new.Name(), got, c.want)
		}
	}
}

func frontierEq(a, b shard.Antichain[uint64]) bool {
	return shard.FrontierEqual[uint64](shard.U64Lattice{}, a, b)
}
