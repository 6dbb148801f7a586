package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Entry is a persistent KV record. A zero ExpiresAt means the entry never
// expires; expiry is enforced by readers, not by the store.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
	Tags      []string
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}
