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
	"os"
	"path/filepath"
	"strings"
)

// FileBlob stores objects as files below a base path. Blob keys contain
// slashes; they map directly to directories.
type FileBlob struct {
	basepath string
}

func NewFileBlob(basepath string) *FileBlob {
	return &FileBlob{basepath: basepath}
}

func init() {
	RegisterBlobScheme("file", func(u *url.URL) (Blob, error) {
		return NewFileBlob(filepath.Join(u.Host, u.Path)), nil
	})
}

func (b *FileBlob) path(key string) string {
	return filepath.Join(b.basepath, filepath.FromSlash(key))
}

func (b *FileBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		// file does not exist -> no data available
		return nil, nil
	}
	return data, err
}

func (b *FileBlob) Set(ctx context.Context, key string, value []byte) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
		return err
	}
	// write-then-rename so readers never observe a torn object
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, value, 0640); err != nil {
		return err
	}
	return os.Rename(tmp, p)
}

func (b *FileBlob) Delete(ctx context.Context, key string) error {
	err := os.Remove(b.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (b *FileBlob) List(ctx context.Context, prefix string, f func(key string)) error {
	return filepath.Walk(b.basepath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(b.basepath, path)
		if err != nil {
			return nil
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			f(key)
		}
		return nil
	})
}
