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
	"sync"
	"time"

	"github.com/launix-de/durashard/persistence"
)

// how long to wait between state polls while blocking on an upper advance
const listenPollInterval = 10 * time.Millisecond

// ReadHandle holds a leased since capability on one shard. A background
// heartbeat task keeps the lease alive until Expire, which joins it
// cleanly. Peers may expire the registration once the lease deadline has
// passed.
type ReadHandle[K, V, T, D any] struct {
	cfg     *Config
	codecs  Codecs[K, V, T, D]
	machine *Machine[T]
	gc      *GarbageCollector[T]
	blob    persistence.Blob

	readerID      LeasedReaderId
	since         Antichain[T]
	lastHeartbeat uint64
	expired       bool

	// outstanding part leases, counted per part key; the count is only
	// reported at Expire and does not hold back the since or DowngradeSince
	leaseMu sync.Mutex
	leases  map[string]int

	hbStop chan struct{}
	hbWg   sync.WaitGroup
}

func (r *ReadHandle[K, V, T, D]) ReaderID() LeasedReaderId { return r.readerID }
func (r *ReadHandle[K, V, T, D]) ShardID() ShardId         { return r.machine.shardID }

// Since is the cached capability; pure accessor.
func (r *ReadHandle[K, V, T, D]) Since() Antichain[T] { return r.since }

// startHeartbeatTask spawns the periodic lease refresh.
func (r *ReadHandle[K, V, T, D]) startHeartbeatTask() {
	r.hbStop = make(chan struct{})
	r.hbWg.Add(1)
	interval := r.cfg.ReaderLeaseDuration / 2
	go func() {
		defer r.hbWg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-r.hbStop:
				return
			case <-ticker.C:
				r.maybeHeartbeat(context.Background())
			}
		}
	}()
}

func (r *ReadHandle[K, V, T, D]) maybeHeartbeat(ctx context.Context) {
	now := r.cfg.Now()
	if now-r.lastHeartbeat < r.cfg.readerLeaseMillis()/2 {
		return
	}
	maint, err := r.machine.HeartbeatLeasedReader(ctx, r.readerID, now)
	if err != nil {
		fmt.Printf("reader %s heartbeat: %v\n", r.readerID, err)
		return
	}
	r.lastHeartbeat = now
	r.machine.PerformMaintenance(ctx, maint, r.gc)
}

// tsLessEqualFrontier: t <= f, i.e. t is not beyond the frontier.
func tsLessEqualFrontier[T any](l Lattice[T], t T, f Antichain[T]) bool {
	for _, e := range f.Elements() {
		if l.LessEqual(t, e) {
			return true
		}
	}
	return false
}

// LeasedBatchPart is one blob part handed out by a snapshot. It must be
// given back via ReturnLeasedPart when the caller is done with it.
type LeasedBatchPart[T any] struct {
	shardID ShardId
	key     string
	size    int
	// inclusion cutoff when advance is set: only updates with ts <= asOf
	// are decoded
	asOf Antichain[T]
	// snapshot reads fold timestamps forward to asOf; listen keeps them
	advance bool
}

func (p *LeasedBatchPart[T]) Key() string { return p.key }

// Snapshot blocks until the shard upper is beyond asOf, then returns leased
// parts covering the history up to asOf. The read linearizes after any
// append that advanced the upper past asOf and was durable at completion.
func (r *ReadHandle[K, V, T, D]) Snapshot(ctx context.Context, asOf Antichain[T]) ([]*LeasedBatchPart[T], error) {
	if r.expired {
		panic(fmt.Sprintf("reader %s used after expire", r.readerID))
	}
	l := r.codecs.Ts
	state := r.machine.cached()
	for {
		if !FrontierLessEqual(l, state.since, asOf) {
			return nil, &SnapshotSince{
				AsOf:  fmt.Sprintf("%v", asOf.Elements()),
				Since: fmt.Sprintf("%v", state.since.Elements()),
			}
		}
		ready := true
		for _, e := range asOf.Elements() {
			if state.upper.LessEqualT(l, e) {
				ready = false
				break
			}
		}
		if ready {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(listenPollInterval):
		}
		var err error
		state, err = r.machine.FetchLatest(ctx)
		if err != nil {
			return nil, err
		}
	}

	var parts []*LeasedBatchPart[T]
	for _, b := range state.batches() {
		// only batches containing some time <= asOf contribute
		contributes := false
		for _, e := range asOf.Elements() {
			if b.Lower.LessEqualT(l, e) {
				contributes = true
				break
			}
		}
		if !contributes {
			continue
		}
		for _, p := range b.Parts {
			parts = append(parts, r.leasePart(p, asOf))
		}
	}
	r.maybeHeartbeat(ctx)
	return parts, nil
}

func (r *ReadHandle[K, V, T, D]) leasePart(p PartDesc, asOf Antichain[T]) *LeasedBatchPart[T] {
	r.leaseMu.Lock()
	r.leases[p.Key]++
	r.leaseMu.Unlock()
	return &LeasedBatchPart[T]{shardID: r.machine.shardID, key: p.Key, size: p.EncodedSizeBytes, asOf: asOf, advance: true}
}

// ReturnLeasedPart drops a fetched part from this reader's count of
// outstanding leases; the count does not affect the reader's capability.
func (r *ReadHandle[K, V, T, D]) ReturnLeasedPart(p *LeasedBatchPart[T]) {
	r.leaseMu.Lock()
	if n := r.leases[p.key]; n > 1 {
		r.leases[p.key] = n - 1
	} else {
		delete(r.leases, p.key)
	}
	r.leaseMu.Unlock()
}

func (r *ReadHandle[K, V, T, D]) outstandingLeases() int {
	r.leaseMu.Lock()
	defer r.leaseMu.Unlock()
	n := 0
	for _, c := range r.leases {
		n += c
	}
	return n
}

// FetchLeasedPart reads and decodes one leased part. For snapshot parts it
// keeps only updates at or before the part's as_of and advances their
// timestamps to it so that values before it fold together; listen parts
// keep every update with its own timestamp.
func FetchLeasedPart[K, V, T, D any](ctx context.Context, r *ReadHandle[K, V, T, D], part *LeasedBatchPart[T]) ([]Update[K, V, T, D], error) {
	if part.shardID != r.machine.shardID {
		return nil, &BatchNotFromThisShard{BatchShard: part.shardID, HandleShard: r.machine.shardID}
	}
	var payload []byte
	err := persistence.RetryExternal(ctx, "blob get part", func() error {
		var err error
		payload, err = r.blob.Get(ctx, part.key)
		return err
	})
	if err != nil {
		return nil, err
	}
	if payload == nil {
		panic(fmt.Sprintf("shard %s: missing batch part %s", r.machine.shardID, part.key))
	}
	raw, err := decodePart(payload)
	if err != nil {
		panic(fmt.Sprintf("shard %s: corrupt batch part %s: %v", r.machine.shardID, part.key, err))
	}
	l := r.codecs.Ts
	var out []Update[K, V, T, D]
	for _, u := range raw {
		ts, err := l.Decode(u.ts)
		if err != nil {
			panic(fmt.Sprintf("shard %s: corrupt timestamp in part %s: %v", r.machine.shardID, part.key, err))
		}
		if part.advance && !tsLessEqualFrontier(l, ts, part.asOf) {
			continue
		}
		key, err := r.codecs.Key.Decode(u.key)
		if err != nil {
			return nil, err
		}
		val, err := r.codecs.Val.Decode(u.val)
		if err != nil {
			return nil, err
		}
		diff, err := r.codecs.Diff.Decode(u.diff)
		if err != nil {
			return nil, err
		}
		if part.advance {
			ts = advanceTo(l, ts, part.asOf)
		}
		out = append(out, Update[K, V, T, D]{Key: key, Val: val, Ts: ts, Diff: diff})
	}
	return out, nil
}

// SnapshotAndFetch is the convenience read: snapshot, fetch every part,
// return all leases, consolidate.
func (r *ReadHandle[K, V, T, D]) SnapshotAndFetch(ctx context.Context, asOf Antichain[T]) ([]Update[K, V, T, D], error) {
	parts, err := r.Snapshot(ctx, asOf)
	if err != nil {
		return nil, err
	}
	var all []Update[K, V, T, D]
	for _, p := range parts {
		updates, err := FetchLeasedPart(ctx, r, p)
		r.ReturnLeasedPart(p)
		if err != nil {
			return nil, err
		}
		all = append(all, updates...)
	}
	return consolidate(r.codecs, all), nil
}

// consolidate sorts by (key, val, ts) in encoded order and sums diffs with
// the semigroup, dropping zeros.
func consolidate[K, V, T, D any](codecs Codecs[K, V, T, D], updates []Update[K, V, T, D]) []Update[K, V, T, D] {
	type keyed struct {
		u   Update[K, V, T, D]
		k   []byte
		v   []byte
		t   []byte
	}
	ks := make([]keyed, 0, len(updates))
	for _, u := range updates {
		ks = append(ks, keyed{
			u: u,
			k: codecs.Key.Encode(u.Key),
			v: codecs.Val.Encode(u.Val),
			t: codecs.Ts.Encode(u.Ts),
		})
	}
	sort.SliceStable(ks, func(i, j int) bool {
		if c := bytes.Compare(ks[i].k, ks[j].k); c != 0 {
			return c < 0
		}
		if c := bytes.Compare(ks[i].v, ks[j].v); c != 0 {
			return c < 0
		}
		return bytes.Compare(ks[i].t, ks[j].t) < 0
	})
	var out []Update[K, V, T, D]
	for i := 0; i < len(ks); {
		j := i + 1
		acc := ks[i].u.Diff
		for j < len(ks) && bytes.Equal(ks[i].k, ks[j].k) && bytes.Equal(ks[i].v, ks[j].v) && bytes.Equal(ks[i].t, ks[j].t) {
			acc = codecs.Diff.Add(acc, ks[j].u.Diff)
			j++
		}
		if !codecs.Diff.IsZero(acc) {
			u := ks[i].u
			u.Diff = acc
			out = append(out, u)
		}
		i = j
	}
	return out
}

// DowngradeSince moves the capability forward; a request that is not >= the
// current capability is silently clamped, downgrades are monotonic.
func (r *ReadHandle[K, V, T, D]) DowngradeSince(ctx context.Context, newSince Antichain[T]) (Antichain[T], error) {
	if r.expired {
		panic(fmt.Sprintf("reader %s used after expire", r.readerID))
	}
	now := r.cfg.Now()
	since, maint, err := r.machine.DowngradeSince(ctx, r.readerID, newSince, now)
	if err != nil {
		return Antichain[T]{}, err
	}
	r.since = since
	r.lastHeartbeat = now
	r.machine.PerformMaintenance(ctx, maint, r.gc)
	return since, nil
}

// Expire deregisters the reader and joins the heartbeat task. The handle
// is unusable afterwards.
func (r *ReadHandle[K, V, T, D]) Expire(ctx context.Context) {
	if r.expired {
		return
	}
	r.expired = true
	close(r.hbStop)
	r.hbWg.Wait()
	if n := r.outstandingLeases(); n > 0 {
		fmt.Printf("reader %s expired with %d outstanding leased parts\n", r.readerID, n)
	}
	maint, err := r.machine.ExpireLeasedReader(ctx, r.readerID)
	if err != nil {
		fmt.Printf("reader %s expire: %v\n", r.readerID, err)
		return
	}
	r.machine.PerformMaintenance(ctx, maint, r.gc)
}

// -------------------- listen --------------------

// ListenEvent is either a bundle of updates or a progress announcement;
// events arrive in monotonic order.
type ListenEvent[K, V, T, D any] struct {
	Updates  []Update[K, V, T, D]
	Progress *Antichain[T] // non-nil for progress events
}

// Listen is an ordered stream of updates beyond asOf and upper advances.
type Listen[K, V, T, D any] struct {
	handle   *ReadHandle[K, V, T, D]
	asOf     Antichain[T]
	frontier Antichain[T]
}

// Listen starts a stream at asOf: updates with times beyond asOf, followed
// by a progress event per upper advance.
func (r *ReadHandle[K, V, T, D]) Listen(ctx context.Context, asOf Antichain[T]) (*Listen[K, V, T, D], error) {
	l := r.codecs.Ts
	state := r.machine.cached()
	if !FrontierLessEqual(l, state.since, asOf) {
		return nil, &SnapshotSince{
			AsOf:  fmt.Sprintf("%v", asOf.Elements()),
			Since: fmt.Sprintf("%v", state.since.Elements()),
		}
	}
	return &Listen[K, V, T, D]{
		handle:   r,
		asOf:     asOf,
		frontier: AntichainOf(l, l.Minimum()),
	}, nil
}

// Next drives the machine to fetch newer state and returns the events of
// the next batch: its updates beyond asOf, then progress to its upper.
func (li *Listen[K, V, T, D]) Next(ctx context.Context) ([]ListenEvent[K, V, T, D], error) {
	r := li.handle
	l := r.codecs.Ts
	for {
		state := r.machine.cached()
		next := li.nextBatch(state)
		if next == nil {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(listenPollInterval):
			}
			var err error
			if _, err = r.machine.FetchLatest(ctx); err != nil {
				return nil, err
			}
			continue
		}

		var updates []Update[K, V, T, D]
		for _, p := range next.Parts {
			part := r.leasePart(p, next.Upper)
			// beyond-asOf events keep their own timestamps
			part.advance = false
			decoded, err := FetchLeasedPart(ctx, r, part)
			r.ReturnLeasedPart(part)
			if err != nil {
				return nil, err
			}
			for _, u := range decoded {
				if tsLessEqualFrontier(l, u.Ts, li.asOf) {
					continue // already covered by a snapshot at asOf
				}
				if !li.frontier.LessEqualT(l, u.Ts) {
					continue // re-emitted by a compacted batch, already seen
				}
				updates = append(updates, u)
			}
		}
		li.frontier = next.Upper
		r.maybeHeartbeat(ctx)

		var events []ListenEvent[K, V, T, D]
		if len(updates) > 0 {
			events = append(events, ListenEvent[K, V, T, D]{Updates: consolidate(r.codecs, updates)})
		}
		progress := next.Upper
		events = append(events, ListenEvent[K, V, T, D]{Progress: &progress})
		return events, nil
	}
}

// nextBatch finds the trace batch containing the listen frontier, if the
// shard has progressed past it.
func (li *Listen[K, V, T, D]) nextBatch(state *State[T]) *BatchDesc[T] {
	l := li.handle.codecs.Ts
	// nothing new while the upper has not moved past the frontier
	progressed := false
	for _, e := range li.frontier.Elements() {
		if !state.upper.LessEqualT(l, e) {
			progressed = true
			break
		}
	}
	if !progressed {
		return nil
	}
	var found *BatchDesc[T]
	state.trace.Ascend(func(b *BatchDesc[T]) bool {
		if !FrontierLessEqual(l, b.Lower, li.frontier) {
			return false
		}
		if FrontierLess(l, li.frontier, b.Upper) {
			found = b
			return false
		}
		return true
	})
	return found
}
