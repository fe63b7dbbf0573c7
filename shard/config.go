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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/go-units"
)

const MB = 1024 * 1024

// a rollup is written every this many diffs
const needRollupThreshold = 128

// NowFn supplies wall clock milliseconds; swapped out in tests.
type NowFn func() uint64

func NowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Config is the tunable knobs. Zero values are never valid; start from
// NewConfig and override.
type Config struct {
	Now NowFn

	// target maximum size of blob payloads; bigger batches are split
	BlobTargetSize int
	// parts a BatchBuilder pipelines before backpressuring Add
	BatchBuilderMaxOutstandingParts int

	CompactionEnabled             bool
	CompactionMemoryBoundBytes    int // must be >= 4*BlobTargetSize
	CompactionHeuristicMinInputs  int
	CompactionHeuristicMinParts   int
	CompactionHeuristicMinUpdates int
	CompactionConcurrencyLimit    int
	CompactionQueueSize           int
	CompactionMinimumTimeout      time.Duration

	ConsensusConnectionPoolMaxSize int

	WriterLeaseDuration       time.Duration
	ReaderLeaseDuration       time.Duration
	CriticalDowngradeInterval time.Duration
}

// NewConfig returns the default tuning, with environment overrides applied:
// DURASHARD_COMPACTION_DISABLED (truthy) and DURASHARD_BLOB_TARGET_SIZE
// (a size like "128MiB").
func NewConfig() *Config {
	cfg := &Config{
		Now:                             NowMillis,
		BlobTargetSize:                  128 * MB,
		BatchBuilderMaxOutstandingParts: 2,
		CompactionEnabled:               !envTruthy("DURASHARD_COMPACTION_DISABLED"),
		CompactionMemoryBoundBytes:      1024 * MB,
		CompactionHeuristicMinInputs:    8,
		CompactionHeuristicMinParts:     8,
		CompactionHeuristicMinUpdates:   1024,
		CompactionConcurrencyLimit:      5,
		CompactionQueueSize:             20,
		CompactionMinimumTimeout:        90 * time.Second,
		ConsensusConnectionPoolMaxSize:  50,
		WriterLeaseDuration:             60 * time.Minute,
		ReaderLeaseDuration:             15 * time.Minute,
		CriticalDowngradeInterval:       30 * time.Second,
	}
	if v := os.Getenv("DURASHARD_BLOB_TARGET_SIZE"); v != "" {
		n, err := units.RAMInBytes(v)
		if err != nil {
			panic(fmt.Sprintf("DURASHARD_BLOB_TARGET_SIZE: %v", err))
		}
		cfg.BlobTargetSize = int(n)
	}
	return cfg
}

func envTruthy(name string) bool {
	switch strings.ToLower(os.Getenv(name)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}

// validate panics on impossible tunings; these are programmer errors.
func (c *Config) validate() {
	if c.CompactionMemoryBoundBytes < 4*c.BlobTargetSize {
		panic(fmt.Sprintf("compaction memory bound %d must be >= 4*blob target size %d",
			c.CompactionMemoryBoundBytes, c.BlobTargetSize))
	}
}

func (c *Config) writerLeaseMillis() uint64 {
	return uint64(c.WriterLeaseDuration / time.Millisecond)
}

func (c *Config) readerLeaseMillis() uint64 {
	return uint64(c.ReaderLeaseDuration / time.Millisecond)
}
