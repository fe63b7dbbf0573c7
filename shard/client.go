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
	"sync"

	"github.com/dc0d/onexit"

	"github.com/launix-de/durashard/persistence"
)

// Client is a handle on the set of shards made durable at one location.
// All methods retry external failures for as long as they are able; wrap
// calls with a context deadline for timeouts.
type Client struct {
	cfg       *Config
	blob      persistence.Blob
	consensus persistence.Consensus
}

// NewClient wires a client to already-opened engines.
func NewClient(cfg *Config, blob persistence.Blob, consensus persistence.Consensus) *Client {
	cfg.validate()
	return &Client{cfg: cfg, blob: blob, consensus: consensus}
}

// Open resolves a location's URIs against the scheme registries.
func Open(loc persistence.Location, cfg *Config) (*Client, error) {
	cfg.validate()
	persistence.MaxConnections = cfg.ConsensusConnectionPoolMaxSize
	blob, consensus, err := loc.Open()
	if err != nil {
		return nil, err
	}
	return NewClient(cfg, blob, consensus), nil
}

func (c *Client) Config() *Config { return c.cfg }

func openShared[K, V, T, D any](ctx context.Context, c *Client, shardID ShardId, codecs Codecs[K, V, T, D]) (*Machine[T], *GarbageCollector[T], error) {
	sv := newStateVersions(c.cfg, codecs.Ts, c.blob, c.consensus)
	machine, err := openMachine(ctx, c.cfg, shardID, sv, codecs.Names())
	if err != nil {
		return nil, nil, err
	}
	return machine, NewGarbageCollector(machine, c.blob), nil
}

// OpenWriter registers a new writer on the shard, initializing the shard
// with the given codecs if it has never been used before.
func OpenWriter[K, V, T, D any](ctx context.Context, c *Client, shardID ShardId, codecs Codecs[K, V, T, D]) (*WriteHandle[K, V, T, D], error) {
	machine, gc, err := openShared(ctx, c, shardID, codecs)
	if err != nil {
		return nil, err
	}
	var compactor *Compactor[K, V, T, D]
	if c.cfg.CompactionEnabled {
		compactor = newCompactor(c.cfg, codecs, machine, c.blob)
	}
	writerID := NewWriterId()
	now := c.cfg.Now()
	upper, maint, err := machine.RegisterWriter(ctx, writerID, now)
	if err != nil {
		return nil, err
	}
	h := &WriteHandle[K, V, T, D]{
		cfg:           c.cfg,
		codecs:        codecs,
		machine:       machine,
		gc:            gc,
		compactor:     compactor,
		blob:          c.blob,
		writerID:      writerID,
		upper:         upper,
		lastHeartbeat: now,
	}
	machine.PerformMaintenance(ctx, maint, gc)
	return h, nil
}

// OpenLeasedReader registers a new leased reader on the shard.
func OpenLeasedReader[K, V, T, D any](ctx context.Context, c *Client, shardID ShardId, codecs Codecs[K, V, T, D]) (*ReadHandle[K, V, T, D], error) {
	machine, gc, err := openShared(ctx, c, shardID, codecs)
	if err != nil {
		return nil, err
	}
	readerID := NewLeasedReaderId()
	now := c.cfg.Now()
	readCap, maint, err := machine.RegisterLeasedReader(ctx, readerID, now)
	if err != nil {
		return nil, err
	}
	r := &ReadHandle[K, V, T, D]{
		cfg:           c.cfg,
		codecs:        codecs,
		machine:       machine,
		gc:            gc,
		blob:          c.blob,
		readerID:      readerID,
		since:         readCap.Since,
		lastHeartbeat: now,
		leases:        make(map[string]int),
	}
	r.startHeartbeatTask()
	machine.PerformMaintenance(ctx, maint, gc)
	return r, nil
}

// OpenCriticalSince registers (idempotently) a critical since holder.
func OpenCriticalSince[K, V, T, D any](ctx context.Context, c *Client, shardID ShardId, readerID CriticalReaderId, codecs Codecs[K, V, T, D]) (*SinceHandle[K, V, T, D], error) {
	machine, gc, err := openShared(ctx, c, shardID, codecs)
	if err != nil {
		return nil, err
	}
	state, maint, err := machine.RegisterCriticalReader(ctx, readerID)
	if err != nil {
		return nil, err
	}
	h := &SinceHandle[K, V, T, D]{
		cfg:      c.cfg,
		codecs:   codecs,
		machine:  machine,
		gc:       gc,
		readerID: readerID,
		since:    state.Since,
		opaque:   state.Opaque,
	}
	machine.PerformMaintenance(ctx, maint, gc)
	return h, nil
}

// OpenPair opens a writer and a leased reader in one call.
func OpenPair[K, V, T, D any](ctx context.Context, c *Client, shardID ShardId, codecs Codecs[K, V, T, D]) (*WriteHandle[K, V, T, D], *ReadHandle[K, V, T, D], error) {
	w, err := OpenWriter(ctx, c, shardID, codecs)
	if err != nil {
		return nil, nil, err
	}
	r, err := OpenLeasedReader(ctx, c, shardID, codecs)
	if err != nil {
		w.Expire(ctx)
		return nil, nil, err
	}
	return w, r, nil
}

// Cache deduplicates clients per location; opening the same location twice
// shares engines and connection pools.
type Cache struct {
	cfg *Config

	mu      sync.Mutex
	clients map[persistence.Location]*Client
}

func NewCache(cfg *Config) *Cache {
	c := &Cache{cfg: cfg, clients: make(map[persistence.Location]*Client)}
	onexit.Register(c.Clear) // drop engine references on process exit
	return c
}

// Clear forgets all cached clients; their engines are garbage collected
// once the handles on them are gone.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.clients = make(map[persistence.Location]*Client)
	c.mu.Unlock()
}

func (c *Cache) Open(loc persistence.Location) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[loc]; ok {
		return client, nil
	}
	client, err := Open(loc, c.cfg)
	if err != nil {
		return nil, err
	}
	c.clients[loc] = client
	return client, nil
}
