package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryLimiter is an in-process token-bucket limiter, used when no Redis
// URL is configured. One bucket per key, refilled continuously rather than
// windowed, so Remaining is approximated from the bucket's current token
// count and Reset is reported as one full window from the request.
type MemoryLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	requests int
	window   time.Duration
}

// NewMemoryLimiter creates an in-memory limiter allowing requests per
// window, per key.
func NewMemoryLimiter(requests int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		buckets:  make(map[string]*rate.Limiter),
		requests: requests,
		window:   window,
	}
}

func (l *MemoryLimiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		refillPerSecond := float64(l.requests) / l.window.Seconds()
		b = rate.NewLimiter(rate.Limit(refillPerSecond), l.requests)
		l.buckets[key] = b
	}
	return b
}

// Allow checks if a request is allowed for the given key.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, Info, error) {
	b := l.bucket(key)
	allowed := b.Allow()

	remaining := int(b.Tokens())
	if remaining < 0 {
		remaining = 0
	}

	info := Info{
		Limit:     l.requests,
		Remaining: remaining,
		Reset:     time.Now().Add(l.window),
	}
	return allowed, info, nil
}
