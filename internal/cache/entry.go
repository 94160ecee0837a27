package cache

import "time"

// Entry is a stored cache record. The value is opaque to the cache; the
// key is kept on the entry so eviction bookkeeping can reach the index
// given only a list node.
type Entry struct {
	// Key is the entry's own cache key.
	Key string

	// Value is the cached payload.
	Value any

	// CreatedAt is when the entry was stored.
	CreatedAt time.Time

	// ExpiresAt is CreatedAt plus the entry's TTL.
	ExpiresAt time.Time

	// CacheControl carries opaque response directives, echoed to the
	// caller on a hit.
	CacheControl CacheControl
}

func newEntry(key string, value any, ttl time.Duration, directives CacheControl) *Entry {
	now := time.Now()
	return &Entry{
		Key:          key,
		Value:        value,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		CacheControl: directives,
	}
}

// IsExpired reports whether the entry is past its expiry time. An
// expired entry is logically absent regardless of storage occupancy.
func (e *Entry) IsExpired() bool {
	return e.expiredAt(time.Now())
}

func (e *Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

// Age returns the time elapsed since the entry was stored. Callers use
// it to populate response metadata on a hit.
func (e *Entry) Age() time.Duration {
	return time.Since(e.CreatedAt)
}

// TTL returns the remaining time-to-live, or zero if expired.
func (e *Entry) TTL() time.Duration {
	ttl := time.Until(e.ExpiresAt)
	if ttl < 0 {
		return 0
	}
	return ttl
}
