package adapter

import "context"

// RateLimiter reports whether one more event for key fits in the current window.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}
