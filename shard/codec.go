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
	"encoding/binary"
	"fmt"
)

// Codec encodes keys and values. Codec identity is structural-by-name: two
// codecs with identical bytes but different names are incompatible. This is
// deliberate, it prevents accidental schema aliasing.
type Codec[A any] interface {
	Name() string
	Encode(a A) []byte
	Decode(b []byte) (A, error)
}

// DiffCodec additionally carries the semigroup of the diff type.
type DiffCodec[D any] interface {
	Codec[D]
	Add(a, b D) D
	IsZero(d D) bool
}

// CodecNames is the 4-tuple pinned into shard state at creation.
type CodecNames struct {
	Key  string `json:"key"`
	Val  string `json:"val"`
	Ts   string `json:"ts"`
	Diff string `json:"diff"`
}

func (c CodecNames) String() string {
	return fmt.Sprintf("(%s, %s, %s, %s)", c.Key, c.Val, c.Ts, c.Diff)
}

// Codecs bundles the full set a handle needs.
type Codecs[K, V, T, D any] struct {
	Key  Codec[K]
	Val  Codec[V]
	Ts   Lattice[T]
	Diff DiffCodec[D]
}

func (c Codecs[K, V, T, D]) Names() CodecNames {
	return CodecNames{Key: c.Key.Name(), Val: c.Val.Name(), Ts: c.Ts.Name(), Diff: c.Diff.Name()}
}

// StringCodec is the standard codec for string keys and values.
type StringCodec struct{}

func (StringCodec) Name() string { return "String" }

func (StringCodec) Encode(s string) []byte { return []byte(s) }

func (StringCodec) Decode(b []byte) (string, error) { return string(b), nil }

// I64Codec is the standard diff codec: signed counts under addition.
type I64Codec struct{}

func (I64Codec) Name() string { return "i64" }

func (I64Codec) Encode(d int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(d))
	return b[:]
}

func (I64Codec) Decode(b []byte) (int64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid i64 diff of %d bytes", len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

func (I64Codec) Add(a, b int64) int64 { return a + b }

func (I64Codec) IsZero(d int64) bool { return d == 0 }
