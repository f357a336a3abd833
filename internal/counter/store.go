// Package counter provides the keyed, time-windowed counter store shared by
// the anomaly engine and the rate limiter. Two backends exist: an in-process
// mutex-guarded map and a Redis-backed store for multi-instance deployments.
package counter

import (
	"context"
	"errors"
	"time"
)

var ErrStoreUnavailable = errors.New("counter store unavailable")

// Store is the concurrency-safe counter abstraction. Incr must be atomic
// (increment plus expiry in one step) so concurrent requests from the same
// client never undercount.
type Store interface {
	// Incr atomically increments the counter at key, setting its TTL on
	// first touch, and returns the new value.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Get returns the current counter value, or 0 if the key is absent
	// or expired.
	Get(ctx context.Context, key string) (int64, error)

	// AddToWindow appends a member to a rolling window, evicting expired
	// members and trimming the window to max entries. It returns the
	// resulting window length.
	AddToWindow(ctx context.Context, key, member string, ttl time.Duration, max int) (int, error)

	// Window returns the live members of a rolling window, oldest first.
	Window(ctx context.Context, key string) ([]string, error)

	// SetValue stores a small string value with a TTL.
	SetValue(ctx context.Context, key, value string, ttl time.Duration) error

	// GetValue returns a stored string value, or "" if absent or expired.
	GetValue(ctx context.Context, key string) (string, error)

	// Delete removes a key of any kind.
	Delete(ctx context.Context, key string) error

	Close() error
}
