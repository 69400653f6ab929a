// Package cache implements the read-through response cache and its invalidation.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrMissingStore indicates that a cache component was constructed without a backing store.
var ErrMissingStore = errors.New("cache: store is required")

// Entry is one cached response payload together with its validator.
type Entry struct {
	Key      string
	Payload  []byte
	ETag     string
	StoredAt time.Time
	MaxAge   time.Duration
}

// ExpiresAt returns the instant after which the entry is stale.
func (e Entry) ExpiresAt() time.Time {
	return e.StoredAt.Add(e.MaxAge)
}

// Live reports whether the entry is still fresh at now.
func (e Entry) Live(now time.Time) bool {
	return e.MaxAge > 0 && now.Before(e.ExpiresAt())
}

// Remaining returns the freshness left at now, never negative.
func (e Entry) Remaining(now time.Time) time.Duration {
	remaining := e.ExpiresAt().Sub(now)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Matches evaluates an If-None-Match header value against the entry's validator.
// Weak comparison is used, so W/"x" and "x" are equivalent.
func (e Entry) Matches(ifNoneMatch string) bool {
	if e.ETag == "" {
		return false
	}
	own := stripWeak(e.ETag)
	for _, candidate := range strings.Split(ifNoneMatch, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if candidate == "*" || stripWeak(candidate) == own {
			return true
		}
	}
	return false
}

func stripWeak(tag string) string {
	return strings.TrimPrefix(tag, "W/")
}

// Store is the key/value boundary the cache layer writes through.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry under key. A missing or expired entry reports false.
	Get(ctx context.Context, key string) (Entry, bool, error)
	// Set stores the entry under entry.Key for ttl.
	Set(ctx context.Context, entry Entry, ttl time.Duration) error
	// Delete removes the exact keys and returns how many existed.
	Delete(ctx context.Context, keys ...string) (int, error)
	// DeleteMatching removes every key beginning with prefix and returns how many were removed.
	DeleteMatching(ctx context.Context, prefix string) (int, error)
}
