package signal

import (
	"sync"
	"time"

	"github.com/dkeye/Office/internal/domain"
)

// MoveLimiter is a sliding window limiter keyed by participant.
type MoveLimiter struct {
	mu       sync.Mutex
	history  map[domain.PeerID][]time.Time
	limit    int
	interval time.Duration
	now      func() time.Time
}

func NewMoveLimiter(limit int, interval time.Duration) *MoveLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MoveLimiter{
		history:  make(map[domain.PeerID][]time.Time),
		limit:    limit,
		interval: interval,
		now:      time.Now,
	}
}

// NewMoveLimiterRate allows burst moves in any window of burst/rate seconds.
func NewMoveLimiterRate(rate float64, burst int) *MoveLimiter {
	if rate <= 0 || burst <= 0 {
		return NewMoveLimiter(burst, 0)
	}
	return NewMoveLimiter(burst, time.Duration(float64(burst)/rate*float64(time.Second)))
}

func (rl *MoveLimiter) Allow(id domain.PeerID) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.interval <= 0 {
		return true
	}
	now := rl.now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[id]
	fresh := attempts[:0]
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}
	if len(fresh) >= rl.limit {
		rl.history[id] = fresh
		return false
	}
	rl.history[id] = append(fresh, now)
	return true
}

func (rl *MoveLimiter) Forget(id domain.PeerID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.history, id)
}
