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
package persistence

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemBlob is an in-process blob engine for tests and `mem://` locations.
type MemBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewMemBlob() *MemBlob {
	return &MemBlob{objects: make(map[string][]byte)}
}

func (b *MemBlob) Get(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.objects[key]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (b *MemBlob) Set(ctx context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	b.objects[key] = cp
	return nil
}

func (b *MemBlob) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	return nil
}

func (b *MemBlob) List(ctx context.Context, prefix string, f func(key string)) error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	b.mu.Unlock()
	sort.Strings(keys)
	for _, k := range keys {
		f(k)
	}
	return nil
}

// MemConsensus is an in-process consensus engine. CompareAndSet is atomic
// under the engine mutex, which is all the linearizability a single process
// needs.
type MemConsensus struct {
	mu     sync.Mutex
	shards map[string][]VersionedData
}

func NewMemConsensus() *MemConsensus {
	return &MemConsensus{shards: make(map[string][]VersionedData)}
}

func (c *MemConsensus) Head(ctx context.Context, shard string) (*VersionedData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.shards[shard]
	if len(chain) == 0 {
		return nil, nil
	}
	head := chain[len(chain)-1]
	return &head, nil
}

func (c *MemConsensus) CompareAndSet(ctx context.Context, shard string, expected uint64, data []byte) (bool, *VersionedData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.shards[shard]
	var headSeq uint64
	if len(chain) > 0 {
		headSeq = chain[len(chain)-1].SeqNo
	}
	if headSeq != expected {
		if len(chain) == 0 {
			return false, nil, nil
		}
		head := chain[len(chain)-1]
		return false, &head, nil
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.shards[shard] = append(chain, VersionedData{SeqNo: expected + 1, Data: cp})
	return true, nil, nil
}

func (c *MemConsensus) Scan(ctx context.Context, shard string, from uint64) ([]VersionedData, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []VersionedData
	for _, v := range c.shards[shard] {
		if v.SeqNo >= from {
			out = append(out, v)
		}
	}
	return out, nil
}

func (c *MemConsensus) Truncate(ctx context.Context, shard string, before uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	chain := c.shards[shard]
	i := 0
	for i < len(chain) && chain[i].SeqNo < before {
		i++
	}
	c.shards[shard] = chain[i:]
	return nil
}
