// Package ratelimit holds the in-process redemption limiter.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"command-codes/internal/domain/ports/adapter"
)

var _ adapter.RateLimiter = (*MemoryLimiter)(nil)

// MemoryLimiter is a fixed-window counter per key. Each window starts at the
// key's first event and expires with its cache entry.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	cache  *ttlcache.Cache[string, int]
}

// NewMemoryLimiter starts the cache's cleanup goroutine; call Close to stop it.
func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	cache := ttlcache.New(
		ttlcache.WithTTL[string, int](window),
		ttlcache.WithDisableTouchOnHit[string, int](),
	)
	go cache.Start()
	return &MemoryLimiter{limit: limit, window: window, cache: cache}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := m.cache.Get(key)
	var left time.Duration
	if item != nil {
		left = time.Until(item.ExpiresAt())
	}
	if left <= 0 {
		m.cache.Set(key, 1, ttlcache.DefaultTTL)
		return m.limit >= 1, nil
	}
	n := item.Value() + 1
	// keep the window's original expiry
	m.cache.Set(key, n, left)
	return n <= m.limit, nil
}

func (m *MemoryLimiter) Close() error {
	m.cache.Stop()
	return nil
}

// Nop allows everything.
type Nop struct{}

func (Nop) Allow(context.Context, string) (bool, error) { return true, nil }
