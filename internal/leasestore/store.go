// Package leasestore defines the shared key-value store that coordinates
// job leases and execution journals across service instances.
package leasestore

import (
	"context"
	"errors"
	"time"
)

// NoExpiry is returned by TTL for keys that exist without an expiration.
const NoExpiry time.Duration = -1

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("key not found")
	// ErrUnavailable is returned when the store cannot be reached.
	// Callers acquiring leases must treat it as "not acquired".
	ErrUnavailable = errors.New("lease store unavailable")
	// ErrWrongType is returned when a list operation targets a plain value or vice versa.
	ErrWrongType = errors.New("operation against a key holding the wrong kind of value")
	// ErrInvalidArgument is returned for malformed keys, patterns or durations.
	ErrInvalidArgument = errors.New("invalid argument")
)

// Store is the protocol the lock manager, journal and introspection service
// consume. Every operation touches a single key and is atomic on its own;
// no multi-key transactions are required.
// Implementations must be safe for concurrent use.
type Store interface {
	// SetIfAbsent stores value under key with the given TTL only if the key
	// does not exist. Returns true if the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete deletes key only if its current value equals expected.
	// Returns true if the key was deleted.
	CompareAndDelete(ctx context.Context, key, expected string) (bool, error)

	// CompareAndExpire resets the TTL of key only if its current value equals expected.
	// Returns true if the TTL was applied.
	CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error)

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set unconditionally stores value under key. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes the given keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int64, error)

	// TTL returns the remaining time to live of key, NoExpiry for persistent
	// keys, or ErrNotFound.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// PushFront prepends value to the list under key, trims the list to
	// maxLen entries (maxLen <= 0 disables trimming) and, when ttl > 0, sets
	// the list's TTL. All three happen atomically. Returns the list length.
	PushFront(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error)

	// Range returns list entries between start and stop inclusive. Negative
	// indexes count from the end, as in Redis LRANGE.
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)

	// Expire sets the TTL of an existing key. Returns false if the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Keys returns every key matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Ping checks that the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}
