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
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
)

// FileConsensus keeps, per shard, a directory of records named by zero-padded
// sequence number. The head is the highest sequence present. CompareAndSet
// takes an exclusive flock on the shard directory so that multiple processes
// on one machine linearize correctly. A fsnotify watcher invalidates the
// cached head so that repeated Head() polls by readers do not hit the disk.
type FileConsensus struct {
	basepath string

	mu      sync.Mutex
	heads   map[string]*VersionedData // cached heads, invalidated by watcher
	watcher *fsnotify.Watcher
	watched map[string]struct{}
}

func NewFileConsensus(basepath string) *FileConsensus {
	return &FileConsensus{
		basepath: basepath,
		heads:    make(map[string]*VersionedData),
		watched:  make(map[string]struct{}),
	}
}

func init() {
	RegisterConsensusScheme("file", func(u *url.URL) (Consensus, error) {
		return NewFileConsensus(filepath.Join(u.Host, u.Path)), nil
	})
}

func (c *FileConsensus) shardDir(shard string) string {
	return filepath.Join(c.basepath, shard)
}

func recordName(seqno uint64) string {
	return fmt.Sprintf("%020d", seqno)
}

// watchShard registers the shard dir with the fsnotify watcher; any event
// below it drops the cached head. Callers hold c.mu.
func (c *FileConsensus) watchShard(dir string, shard string) {
	if _, ok := c.watched[shard]; ok {
		return
	}
	if c.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return // fall back to uncached heads
		}
		c.watcher = w
		go func() {
			for {
				select {
				case ev, ok := <-w.Events:
					if !ok {
						return
					}
					c.mu.Lock()
					delete(c.heads, filepath.Base(filepath.Dir(ev.Name)))
					c.mu.Unlock()
				case _, ok := <-w.Errors:
					if !ok {
						return
					}
				}
			}
		}()
	}
	if err := c.watcher.Add(dir); err == nil {
		c.watched[shard] = struct{}{}
	}
}

// scanDir lists all record seqnos in a shard dir, sorted ascending.
func (c *FileConsensus) scanDir(shard string) ([]uint64, error) {
	entries, err := os.ReadDir(c.shardDir(shard))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var seqnos []uint64
	for _, e := range entries {
		if e.IsDir() || e.Name() == "lock" {
			continue
		}
		n, err := strconv.ParseUint(e.Name(), 10, 64)
		if err != nil {
			continue
		}
		seqnos = append(seqnos, n)
	}
	sort.Slice(seqnos, func(i, j int) bool { return seqnos[i] < seqnos[j] })
	return seqnos, nil
}

func (c *FileConsensus) readRecord(shard string, seqno uint64) (*VersionedData, error) {
	data, err := os.ReadFile(filepath.Join(c.shardDir(shard), recordName(seqno)))
	if err != nil {
		return nil, err
	}
	return &VersionedData{SeqNo: seqno, Data: data}, nil
}

func (c *FileConsensus) headUncached(shard string) (*VersionedData, error) {
	seqnos, err := c.scanDir(shard)
	if err != nil || len(seqnos) == 0 {
		return nil, err
	}
	return c.readRecord(shard, seqnos[len(seqnos)-1])
}

func (c *FileConsensus) Head(ctx context.Context, shard string) (*VersionedData, error) {
	c.mu.Lock()
	if h, ok := c.heads[shard]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()
	h, err := c.headUncached(shard)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if h != nil {
		c.heads[shard] = h
		c.watchShard(c.shardDir(shard), shard)
	}
	c.mu.Unlock()
	return h, nil
}

func (c *FileConsensus) CompareAndSet(ctx context.Context, shard string, expected uint64, data []byte) (bool, *VersionedData, error) {
	dir := c.shardDir(shard)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return false, nil, err
	}
	lock := flock.New(filepath.Join(dir, "lock"))
	if err := lock.Lock(); err != nil {
		return false, nil, err
	}
	defer lock.Unlock()

	head, err := c.headUncached(shard)
	if err != nil {
		return false, nil, err
	}
	var headSeq uint64
	if head != nil {
		headSeq = head.SeqNo
	}
	if headSeq != expected {
		c.mu.Lock()
		delete(c.heads, shard)
		c.mu.Unlock()
		return false, head, nil
	}

	next := expected + 1
	p := filepath.Join(dir, recordName(next))
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0640); err != nil {
		return false, nil, err
	}
	if err := os.Rename(tmp, p); err != nil {
		return false, nil, err
	}
	c.mu.Lock()
	c.heads[shard] = &VersionedData{SeqNo: next, Data: data}
	c.watchShard(dir, shard)
	c.mu.Unlock()
	return true, nil, nil
}

func (c *FileConsensus) Scan(ctx context.Context, shard string, from uint64) ([]VersionedData, error) {
	seqnos, err := c.scanDir(shard)
	if err != nil {
		return nil, err
	}
	var out []VersionedData
	for _, n := range seqnos {
		if n < from {
			continue
		}
		rec, err := c.readRecord(shard, n)
		if err != nil {
			if os.IsNotExist(err) {
				continue // concurrently truncated
			}
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (c *FileConsensus) Truncate(ctx context.Context, shard string, before uint64) error {
	seqnos, err := c.scanDir(shard)
	if err != nil {
		return err
	}
	for _, n := range seqnos {
		if n >= before {
			break
		}
		if err := os.Remove(filepath.Join(c.shardDir(shard), recordName(n))); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
