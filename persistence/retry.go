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
	"math/rand"
	"time"
)

const (
	retryInitialBackoff = 4 * time.Millisecond
	retryMaxBackoff     = 1 * time.Second
)

// RetryExternal runs f until it succeeds or the context is cancelled.
// External engines fail transiently (network, 5xx); those failures never
// surface to callers of the core, the operation just takes longer.
func RetryExternal(ctx context.Context, name string, f func() error) error {
	backoff := retryInitialBackoff
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}
		if attempt == 0 {
			fmt.Printf("retrying external operation %s: %v\n", name, err)
		}
		// full jitter: sleep a uniform fraction of the current backoff
		sleep := time.Duration(rand.Int63n(int64(backoff) + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > retryMaxBackoff {
			backoff = retryMaxBackoff
		}
	}
}
