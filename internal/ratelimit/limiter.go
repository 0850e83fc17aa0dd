// Package ratelimit provides sliding-window request limiting.
package ratelimit

import (
	"context"
	"time"
)

// Limiter counts hits per key over a sliding window.
type Limiter interface {
	// Hit records one hit and reports whether the key stays within limit.
	Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}
