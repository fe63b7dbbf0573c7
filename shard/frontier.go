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
	"encoding/binary"
	"fmt"
	"sort"
)

/*

frontiers

Timestamps form a lattice under a componentwise partial order; a frontier is
an antichain of mutually incomparable timestamps. upper is exclusive-above,
since is inclusive-below. For integer timestamps antichains degenerate to a
single element, but nothing here assumes that.

*/

// Lattice bundles the partial order, lattice operations and the wire codec
// of a timestamp type. The codec name participates in shard codec identity.
type Lattice[T any] interface {
	Name() string
	Minimum() T
	LessEqual(a, b T) bool
	Join(a, b T) T
	Meet(a, b T) T
	Encode(t T) []byte
	Decode(b []byte) (T, error)
}

// Antichain is a set of mutually incomparable timestamps. The empty
// antichain is the maximal frontier ("closed forever").
type Antichain[T any] struct {
	elems []T
}

// AntichainOf builds an antichain from the minimal elements of elems.
func AntichainOf[T any](l Lattice[T], elems ...T) Antichain[T] {
	var a Antichain[T]
	for _, e := range elems {
		a = a.Insert(l, e)
	}
	return a
}

func (a Antichain[T]) Elements() []T { return a.elems }

func (a Antichain[T]) IsEmpty() bool { return len(a.elems) == 0 }

// Insert adds t unless some element is already <= t, and drops elements >= t.
func (a Antichain[T]) Insert(l Lattice[T], t T) Antichain[T] {
	for _, e := range a.elems {
		if l.LessEqual(e, t) {
			return a
		}
	}
	out := Antichain[T]{}
	for _, e := range a.elems {
		if !l.LessEqual(t, e) {
			out.elems = append(out.elems, e)
		}
	}
	out.elems = append(out.elems, t)
	return out
}

// LessEqualT reports whether the antichain is <= t, i.e. some element is <= t.
func (a Antichain[T]) LessEqualT(l Lattice[T], t T) bool {
	for _, e := range a.elems {
		if l.LessEqual(e, t) {
			return true
		}
	}
	return false
}

// FrontierLessEqual is the frontier partial order: a <= b iff every element
// of b is >= some element of a.
func FrontierLessEqual[T any](l Lattice[T], a, b Antichain[T]) bool {
	for _, be := range b.elems {
		if !a.LessEqualT(l, be) {
			return false
		}
	}
	return true
}

func FrontierEqual[T any](l Lattice[T], a, b Antichain[T]) bool {
	return FrontierLessEqual(l, a, b) && FrontierLessEqual(l, b, a)
}

// FrontierLess reports a strictly before b: a <= b and a != b.
func FrontierLess[T any](l Lattice[T], a, b Antichain[T]) bool {
	return FrontierLessEqual(l, a, b) && !FrontierLessEqual(l, b, a)
}

// FrontierMeet is the greatest lower bound: the minimal elements of the union.
func FrontierMeet[T any](l Lattice[T], a, b Antichain[T]) Antichain[T] {
	out := a
	for _, e := range b.elems {
		out = out.Insert(l, e)
	}
	return out
}

// FrontierJoin is the least upper bound: the minimal pairwise joins.
func FrontierJoin[T any](l Lattice[T], a, b Antichain[T]) Antichain[T] {
	if a.IsEmpty() || b.IsEmpty() {
		return Antichain[T]{}
	}
	var out Antichain[T]
	for _, ae := range a.elems {
		for _, be := range b.elems {
			out = out.Insert(l, l.Join(ae, be))
		}
	}
	return out
}

// advanceTo folds a timestamp forward to the frontier: the result is the
// meet of join(t, e) over the frontier elements. Updates before since all
// collapse onto since this way.
func advanceTo[T any](l Lattice[T], t T, frontier Antichain[T]) T {
	if len(frontier.elems) == 0 {
		return t
	}
	out := l.Join(t, frontier.elems[0])
	for _, e := range frontier.elems[1:] {
		out = l.Meet(out, l.Join(t, e))
	}
	return out
}

// insertMaximal maintains the dual of Insert: the maximal elements seen.
func insertMaximal[T any](l Lattice[T], a Antichain[T], t T) Antichain[T] {
	for _, e := range a.elems {
		if l.LessEqual(t, e) {
			return a
		}
	}
	out := Antichain[T]{}
	for _, e := range a.elems {
		if !l.LessEqual(e, t) {
			out.elems = append(out.elems, e)
		}
	}
	out.elems = append(out.elems, t)
	return out
}

// encodeFrontier / decodeFrontier are the wire form of an antichain.
func encodeFrontier[T any](l Lattice[T], a Antichain[T]) [][]byte {
	out := make([][]byte, 0, len(a.elems))
	for _, e := range a.elems {
		out = append(out, l.Encode(e))
	}
	return out
}

func decodeFrontier[T any](l Lattice[T], raw [][]byte) (Antichain[T], error) {
	var a Antichain[T]
	for _, b := range raw {
		t, err := l.Decode(b)
		if err != nil {
			return a, err
		}
		a = a.Insert(l, t)
	}
	return a, nil
}

// frontierKey is a canonical, totally ordered string form used to key the
// trace b-tree and to compare frontiers for diffing.
func frontierKey[T any](l Lattice[T], a Antichain[T]) string {
	enc := encodeFrontier(l, a)
	sort.Slice(enc, func(i, j int) bool { return bytes.Compare(enc[i], enc[j]) < 0 })
	var buf bytes.Buffer
	for _, e := range enc {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(e)))
		buf.Write(n[:])
		buf.Write(e)
	}
	return buf.String()
}

// U64Lattice is the standard totally ordered timestamp instance.
type U64Lattice struct{}

func (U64Lattice) Name() string { return "u64" }

func (U64Lattice) Minimum() uint64 { return 0 }

func (U64Lattice) LessEqual(a, b uint64) bool { return a <= b }

func (U64Lattice) Join(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func (U64Lattice) Meet(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func (U64Lattice) Encode(t uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], t)
	return b[:]
}

func (U64Lattice) Decode(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid u64 timestamp of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
