package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/mooose/corrector/internal/clock"
)

// MemoryLimiter keeps per-key hit timestamps in process memory.
// It is only correct for single-instance deployments; multi-instance
// setups must use the Redis limiter.
type MemoryLimiter struct {
	mu    sync.Mutex
	hits  map[string][]time.Time
	clock clock.Clock
}

func NewMemoryLimiter(clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.System()
	}
	return &MemoryLimiter{
		hits:  make(map[string][]time.Time),
		clock: clk,
	}
}

func (l *MemoryLimiter) Hit(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	kept := l.prune(key, now, window)
	kept = append(kept, now)
	l.hits[key] = kept
	return len(kept) <= limit, nil
}

func (l *MemoryLimiter) prune(key string, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	existing := l.hits[key]
	kept := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}

var _ Limiter = (*MemoryLimiter)(nil)
