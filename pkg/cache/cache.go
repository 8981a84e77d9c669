// Package cache provides the shared distributed cache used for session
// records, active-session markers, and distributed locks. All replicas of
// the service see the same cache, which is the only state shared between
// them.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned by Get when the key does not exist.
var ErrCacheMiss = errors.New("cache: key not found")

// ErrUnavailable wraps transport-level failures talking to the cache
// backend. Callers that must fail closed check for it with errors.Is.
var ErrUnavailable = errors.New("cache: backend unavailable")

// Cache is the shared cache contract. Every operation takes a context and
// returns an error; there is no silent in-process fallback, because a
// replica that degrades to local state stops agreeing with its peers.
type Cache interface {
	// Get returns the value stored at key, or ErrCacheMiss.
	Get(ctx context.Context, key string) (string, error)

	// Set stores value at key with a TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX stores value at key only if the key is absent. Returns true
	// when the write happened. Implements lock acquisition.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndDelete removes key only if its current value equals
	// expect. Returns true when the key was deleted. Implements lock
	// release conditioned on still holding the token.
	CompareAndDelete(ctx context.Context, key, expect string) (bool, error)

	// SAdd adds members to the set at key.
	SAdd(ctx context.Context, key string, members ...string) error

	// SRem removes members from the set at key.
	SRem(ctx context.Context, key string, members ...string) error

	// SMembers returns all members of the set at key. A missing set is
	// an empty slice, not an error.
	SMembers(ctx context.Context, key string) ([]string, error)

	// Expire resets the TTL of an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Ping checks backend reachability.
	Ping(ctx context.Context) error

	// Close releases backend connections.
	Close() error
}
