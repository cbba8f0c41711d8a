// Package store defines the atomic key/value primitives the lock manager is
// built on, together with Redis and in-memory implementations. A backing
// store only needs per-key atomicity and TTL support; it does not need any
// locking of its own.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a store cannot be reached (network error,
// timeout). It is distinct from a logical false result: callers use it to
// decide between retrying and treating a lease as contended or lost.
var ErrUnavailable = errors.New("dlock: store unavailable")

// Store exposes the atomic primitives a lease lock needs from a backing
// key/value store. All operations are atomic with respect to other calls on
// the same key. Implementations must wrap transport failures with
// ErrUnavailable and never report them as a logical false.
type Store interface {
	// TrySet creates key with the given token and TTL only if the key is
	// absent. It returns true if this call created the record.
	TrySet(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// CompareDelete deletes key only if its current value equals token.
	// It returns true if the record was deleted.
	CompareDelete(ctx context.Context, key, token string) (bool, error)

	// CompareExtend resets key's TTL to ttl only if its current value equals
	// token. It returns true if the TTL was reset.
	CompareExtend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)

	// Get reads the current token for key. The boolean reports whether the
	// key exists. Get is a diagnostic read and makes no atomicity promise
	// relative to concurrent TrySet/CompareDelete/CompareExtend calls.
	Get(ctx context.Context, key string) (string, bool, error)
}
