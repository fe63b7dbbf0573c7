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
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Participant ids are a one-character kind prefix followed by a canonical
// hyphenated UUID, 37 characters total. The string form is the interchange
// format; it round-trips through parse.

type ShardId [16]byte
type WriterId [16]byte
type LeasedReaderId [16]byte
type CriticalReaderId [16]byte

// ControllerCriticalSince is the conventional critical reader id for a
// central controller, so it does not have to durably record its own.
// It prints as something that is not 0 but is visually recognizable:
// c00000000-1111-2222-3333-444444444444
var ControllerCriticalSince = CriticalReaderId{0, 0, 0, 0, 0x11, 0x11, 0x22, 0x22, 0x33, 0x33, 0x44, 0x44, 0x44, 0x44, 0x44, 0x44}

var uuidCounter uint64 = uint64(time.Now().UnixNano())

// newUUID returns a UUIDv4-like value without relying on crypto/rand.
// It is not suitable for cryptographic use but avoids startup stalls on
// low-entropy systems.
func newUUID() [16]byte {
	ctr := atomic.AddUint64(&uuidCounter, 1)
	now := uint64(time.Now().UnixNano())
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:8], ctr)
	binary.LittleEndian.PutUint64(b[8:16], ctr^now^(now<<17))
	// RFC4122 variant + version 4
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return b
}

func parseId(prefix byte, kind string, s string) ([16]byte, error) {
	var zero [16]byte
	if len(s) != 37 || s[0] != prefix {
		return zero, fmt.Errorf("invalid %s %q", kind, s)
	}
	u, err := uuid.Parse(s[1:])
	if err != nil {
		return zero, fmt.Errorf("invalid %s %q: %v", kind, s, err)
	}
	return u, nil
}

func NewShardId() ShardId                 { return newUUID() }
func NewWriterId() WriterId               { return newUUID() }
func NewLeasedReaderId() LeasedReaderId   { return newUUID() }
func NewCriticalReaderId() CriticalReaderId { return newUUID() }

func (id ShardId) String() string { return "s" + uuid.UUID(id).String() }

func ParseShardId(s string) (ShardId, error) {
	b, err := parseId('s', "ShardId", s)
	return ShardId(b), err
}

func (id ShardId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *ShardId) UnmarshalText(text []byte) error {
	parsed, err := ParseShardId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id WriterId) String() string { return "w" + uuid.UUID(id).String() }

func ParseWriterId(s string) (WriterId, error) {
	b, err := parseId('w', "WriterId", s)
	return WriterId(b), err
}

func (id WriterId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *WriterId) UnmarshalText(text []byte) error {
	parsed, err := ParseWriterId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id LeasedReaderId) String() string { return "r" + uuid.UUID(id).String() }

func ParseLeasedReaderId(s string) (LeasedReaderId, error) {
	b, err := parseId('r', "LeasedReaderId", s)
	return LeasedReaderId(b), err
}

func (id LeasedReaderId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *LeasedReaderId) UnmarshalText(text []byte) error {
	parsed, err := ParseLeasedReaderId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id CriticalReaderId) String() string { return "c" + uuid.UUID(id).String() }

func ParseCriticalReaderId(s string) (CriticalReaderId, error) {
	b, err := parseId('c', "CriticalReaderId", s)
	return CriticalReaderId(b), err
}

func (id CriticalReaderId) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

func (id *CriticalReaderId) UnmarshalText(text []byte) error {
	parsed, err := ParseCriticalReaderId(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
