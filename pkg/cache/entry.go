package cache

import (
	"encoding/json"
	"time"
)

// Entry is one local-tier cache entry. The value is kept in its
// marshaled form so a local hit decodes exactly like a Redis hit.
type Entry struct {
	// Key is the full storage key including namespace prefix.
	Key string

	// Value is the marshaled cached value.
	Value json.RawMessage

	// Tags are the invalidation labels attached at Set time.
	Tags []string

	// StoredAt is when the entry was written.
	StoredAt time.Time

	// ExpiresAt is the authoritative expiry carried over from the Redis
	// tier. The local tier never outlives it.
	ExpiresAt time.Time

	// LastAccess is refreshed on every local hit and drives eviction.
	LastAccess time.Time

	// Size is the marshaled value size in bytes.
	Size int
}

// Expired reports whether the entry is stale at the given instant.
func (e *Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// TTL returns the time until expiry, 0 when already expired.
func (e *Entry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}

// envelope is the JSON document stored in the Redis tier. ExpiresAt is
// redundant with the Redis TTL but lets the local tier inherit the
// authoritative expiry when populated from a Redis hit.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	Tags      []string        `json:"tags,omitempty"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}
