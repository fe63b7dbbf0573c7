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
	"encoding/json"
	"testing"
)

func TestShardIdRoundtrip(t *testing.T) {
	for i := 0; i < 100; i++ {
		id := NewShardId()
		s := id.String()
		if len(s) != 37 || s[0] != 's' {
			t.Fatalf("bad shard id format %q", s)
		}
		parsed, err := ParseShardId(s)
		if err != nil {
			t.Fatal(err)
		}
		if parsed != id {
			t.Fatalf("roundtrip mismatch: %s vs %s", parsed, id)
		}
	}
}

func TestShardIdRejects(t *testing.T) {
	bad := []string{
		"",
		"s",
		"x12345678-1234-1234-1234-123456789012",
		"s12345678-1234-1234-1234-12345678901",   // too short
		"s12345678-1234-1234-1234-1234567890123", // too long
		"w12345678-1234-1234-1234-123456789012",  // writer prefix
	}
	for _, s := range bad {
		if _, err := ParseShardId(s); err == nil {
			t.Errorf("ParseShardId(%q) should fail", s)
		}
	}
}

func TestIdJSONRoundtrip(t *testing.T) {
	id := NewShardId()
	raw, err := json.Marshal(id)
	if err != nil {
		t.Fatal(err)
	}
	var back ShardId
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatal(err)
	}
	if back != id {
		t.Fatalf("json roundtrip mismatch: %s vs %s", back, id)
	}
}

func TestControllerCriticalSinceFormat(t *testing.T) {
	got := ControllerCriticalSince.String()
	// not 0, but visually recognizable
	if got != "c00000000-1111-2222-3333-444444444444" {
		t.Fatalf("controller id prints as %q", got)
	}
}

func TestWriterReaderIdPrefixes(t *testing.T) {
	if s := NewWriterId().String(); s[0] != 'w' {
		t.Errorf("writer id %q", s)
	}
	if s := NewLeasedReaderId().String(); s[0] != 'r' {
		t.Errorf("reader id %q", s)
	}
	if s := NewCriticalReaderId().String(); s[0] != 'c' {
		t.Errorf("critical reader id %q", s)
	}
}
