// Package counter provides the shared atomic counter store consumed by the
// lockout guard and the abuse scorer. The primary backend is Redis; an
// in-process store serves as a degraded fallback when Redis is unreachable.
package counter

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when no backend could serve a call.
var ErrUnavailable = errors.New("counter store unavailable")

// ErrNotInteger is returned by Incr when the key holds a non-integer value.
var ErrNotInteger = errors.New("counter value is not an integer")

// Store defines the operations the shared counter store must provide.
// Implementations must be safe for concurrent use and must never lose an
// increment under concurrent callers.
type Store interface {
	// Incr atomically increments key and returns the new value.
	// The expiry is set to window only when the increment creates the key,
	// so the window is anchored to the first increment and does not slide.
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)

	// Get returns the value stored at key. The boolean is false when the key
	// does not exist or has expired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value at key with the given time-to-live (0 = no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Del removes the given keys. Missing keys are ignored.
	Del(ctx context.Context, keys ...string) error

	// TTL returns the remaining time-to-live of key, or 0 when the key does
	// not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)
}
