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
	"fmt"
	"net/url"
	"sync"
)

// Location identifies where a set of shards is made durable: a blob URI and
// a consensus URI. It can be written down and handed to other processes.
type Location struct {
	BlobURI      string `json:"blob_uri"`
	ConsensusURI string `json:"consensus_uri"`
}

type BlobFactory func(u *url.URL) (Blob, error)
type ConsensusFactory func(u *url.URL) (Consensus, error)

var (
	registryMu         sync.Mutex
	blobFactories      = make(map[string]BlobFactory)
	consensusFactories = make(map[string]ConsensusFactory)

	// mem:// engines are shared per URI so that two opens of the same
	// location inside one process observe the same data
	memBlobs      = make(map[string]*MemBlob)
	memConsensuss = make(map[string]*MemConsensus)
)

func RegisterBlobScheme(scheme string, f BlobFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	blobFactories[scheme] = f
}

func RegisterConsensusScheme(scheme string, f ConsensusFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	consensusFactories[scheme] = f
}

func init() {
	RegisterBlobScheme("mem", func(u *url.URL) (Blob, error) {
		registryMu.Lock()
		defer registryMu.Unlock()
		b, ok := memBlobs[u.String()]
		if !ok {
			b = NewMemBlob()
			memBlobs[u.String()] = b
		}
		return b, nil
	})
	RegisterConsensusScheme("mem", func(u *url.URL) (Consensus, error) {
		registryMu.Lock()
		defer registryMu.Unlock()
		c, ok := memConsensuss[u.String()]
		if !ok {
			c = NewMemConsensus()
			memConsensuss[u.String()] = c
		}
		return c, nil
	})
}

// OpenBlob resolves a blob URI against the scheme registry.
func OpenBlob(uri string) (Blob, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid blob uri %q: %w", uri, err)
	}
	registryMu.Lock()
	f, ok := blobFactories[u.Scheme]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown blob scheme %q", u.Scheme)
	}
	return f(u)
}

// OpenConsensus resolves a consensus URI against the scheme registry.
func OpenConsensus(uri string) (Consensus, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid consensus uri %q: %w", uri, err)
	}
	registryMu.Lock()
	f, ok := consensusFactories[u.Scheme]
	registryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown consensus scheme %q", u.Scheme)
	}
	return f(u)
}

// Open resolves both halves of a location.
func (l Location) Open() (Blob, Consensus, error) {
	blob, err := OpenBlob(l.BlobURI)
	if err != nil {
		return nil, nil, err
	}
	consensus, err := OpenConsensus(l.ConsensusURI)
	if err != nil {
		return nil, nil, err
	}
	return blob, consensus, nil
}
