// File: hybridpool/ratelimiter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Rate-limited warning path for the "falls back to the local allocator"
// case (spec §4.4/§7): logging every fallback would flood the log under
// sustained budget pressure, so this trims a sliding window of recent
// timestamps and only logs when the window is under its cap.

package hybridpool

import (
	"sync"
	"time"

	"github.com/eapache/queue"
)

type rateLimiter struct {
	mu     sync.Mutex
	window time.Duration
	max    int
	times  *queue.Queue
}

func newRateLimiter(window time.Duration, max int) *rateLimiter {
	return &rateLimiter{window: window, max: max, times: queue.New()}
}

// allow reports whether a log line may be emitted now. Only allowed
// attempts are recorded in the window; refused ones are not.
func (r *rateLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.window)
	for r.times.Length() > 0 {
		oldest := r.times.Peek().(time.Time)
		if oldest.After(cutoff) {
			break
		}
		r.times.Remove()
	}

	if r.times.Length() >= r.max {
		return false
	}
	r.times.Add(now)
	return true
}
