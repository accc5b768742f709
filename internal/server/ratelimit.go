package server

import (
	"sync"
	"time"

	"github.com/roulette-chat/roulette/internal/domain"
)

// PairRateLimiter bounds how often one identity may request a new partner
// inside a sliding window.
type PairRateLimiter struct {
	mu       sync.Mutex
	history  map[domain.Identity][]time.Time
	limit    int
	interval time.Duration
}

func NewPairRateLimiter(limit int, interval time.Duration) *PairRateLimiter {
	return &PairRateLimiter{
		history:  make(map[domain.Identity][]time.Time),
		limit:    limit,
		interval: interval,
	}
}

func (rl *PairRateLimiter) Allow(user domain.Identity) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-rl.interval)

	attempts := rl.history[user]

	fresh := make([]time.Time, 0, len(attempts))
	for _, t := range attempts {
		if t.After(windowStart) {
			fresh = append(fresh, t)
		}
	}

	if len(fresh) >= rl.limit {
		rl.history[user] = fresh
		return false
	}

	fresh = append(fresh, now)
	rl.history[user] = fresh

	return true
}

// Forget drops the history of a departed identity.
func (rl *PairRateLimiter) Forget(user domain.Identity) {
	rl.mu.Lock()
	delete(rl.history, user)
	rl.mu.Unlock()
}
