//go:build ceph

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
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/ceph/go-ceph/rados"
)

// Ceph/RADOS layout
//  - object:   <prefix>/<blob key>
//
// RADOS object names are flat; the hierarchical blob key becomes part of the
// object name. ceph://pool/prefix?user=client.admin&cluster=ceph&conf=/etc/ceph.conf

type CephFactory struct {
	UserName    string // e.g. "client.admin" or "client.durashard"
	ClusterName string // often "ceph"
	ConfFile    string // optional
	Pool        string
	Prefix      string
}

type CephBlob struct {
	factory *CephFactory
	prefix  string

	mu     sync.Mutex
	conn   *rados.Conn
	ioctx  *rados.IOContext
	opened bool
}

func NewCephBlob(f *CephFactory) *CephBlob {
	return &CephBlob{factory: f, prefix: strings.Trim(f.Prefix, "/")}
}

func init() {
	RegisterBlobScheme("ceph", func(u *url.URL) (Blob, error) {
		f := &CephFactory{
			Pool:        u.Host,
			Prefix:      u.Path,
			UserName:    u.Query().Get("user"),
			ClusterName: u.Query().Get("cluster"),
			ConfFile:    u.Query().Get("conf"),
		}
		if f.ClusterName == "" {
			f.ClusterName = "ceph"
		}
		return NewCephBlob(f), nil
	})
}

func (b *CephBlob) ensureOpen() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return nil
	}

	conn, err := rados.NewConnWithClusterAndUser(b.factory.ClusterName, b.factory.UserName)
	if err != nil {
		return err
	}
	if b.factory.ConfFile != "" {
		if err := conn.ReadConfigFile(b.factory.ConfFile); err != nil {
			return err
		}
	} else {
		// caller must have CEPH_ARGS/CEPH_CONF env or defaults
		_ = conn.ReadDefaultConfigFile()
	}
	if err := conn.Connect(); err != nil {
		return err
	}
	ioctx, err := conn.OpenIOContext(b.factory.Pool)
	if err != nil {
		conn.Shutdown()
		return err
	}
	b.conn = conn
	b.ioctx = ioctx
	b.opened = true
	return nil
}

func (b *CephBlob) obj(key string) string {
	return path.Join(b.prefix, key)
}

func (b *CephBlob) Get(ctx context.Context, key string) ([]byte, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, err
	}
	obj := b.obj(key)
	stat, err := b.ioctx.Stat(obj)
	if err != nil {
		if err == rados.ErrNotFound {
			return nil, nil
		}
		return nil, err
	}
	data := make([]byte, stat.Size)
	n, err := b.ioctx.Read(obj, data, 0)
	if err != nil {
		return nil, err
	}
	return data[:n], nil
}

func (b *CephBlob) Set(ctx context.Context, key string, value []byte) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	return b.ioctx.WriteFull(b.obj(key), value)
}

func (b *CephBlob) Delete(ctx context.Context, key string) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	err := b.ioctx.Delete(b.obj(key))
	if err == rados.ErrNotFound {
		return nil
	}
	return err
}

func (b *CephBlob) List(ctx context.Context, prefix string, f func(key string)) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	iter, err := b.ioctx.Iter()
	if err != nil {
		return err
	}
	defer iter.Close()
	full := b.obj(prefix)
	for iter.Next() {
		name := iter.Value()
		if !strings.HasPrefix(name, full) {
			continue
		}
		key := name
		if b.prefix != "" {
			key = strings.TrimPrefix(name, b.prefix+"/")
		}
		f(key)
	}
	return iter.Err()
}
