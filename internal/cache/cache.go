// Package cache is the TTL and tag aware cache used by the verification
// engine and the classifier. Values are JSON encoded and persisted through a
// KV backend; expiry is checked lazily on read.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/taskcheck/internal/storage"
)

// Tags used to invalidate entries in bulk.
const (
	TagVerification   = "verification"
	TagClassification = "classification"
)

// ResultKey is the cache key of the verification result for an item.
func ResultKey(itemID string) string { return "result:" + itemID }

// CategoryKey is the cache key of the resolved category for an item.
func CategoryKey(itemID string) string { return "category:" + itemID }

// KV is the persistent backend. *storage.Store satisfies it.
type KV interface {
	GetEntry(key string) (storage.Entry, error)
	PutEntry(e storage.Entry) error
	DeleteEntry(key string) error
	RemoveByTags(tags ...string) (int, error)
}

// Cache reads and writes JSON values against a KV backend.
type Cache struct {
	kv     KV
	now    func() time.Time
	logger *slog.Logger
}

// New creates a Cache over kv.
func New(kv KV) *Cache {
	return &Cache{kv: kv, now: time.Now, logger: slog.Default()}
}

// WithClock replaces the clock used for expiry checks. Intended for tests.
func (c *Cache) WithClock(now func() time.Time) *Cache {
	c.now = now
	return c
}

// Get decodes the value stored under key into dst. It reports false when the
// key is missing or expired; expired entries are deleted on the way out.
func (c *Cache) Get(key string, dst any) (bool, error) {
	e, err := c.kv.GetEntry(key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading cache entry %s: %w", key, err)
	}

	if e.Expired(c.now()) {
		if err := c.kv.DeleteEntry(key); err != nil {
			c.logger.Warn("failed to delete expired cache entry", "key", key, "error", err)
		}
		return false, nil
	}

	if err := json.Unmarshal(e.Value, dst); err != nil {
		return false, fmt.Errorf("decoding cache entry %s: %w", key, err)
	}
	return true, nil
}

// Set stores v under key. A ttl of zero or less stores the entry without
// expiry.
func (c *Cache) Set(key string, v any, ttl time.Duration, tags ...string) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache entry %s: %w", key, err)
	}

	e := storage.Entry{Key: key, Value: b, Tags: tags}
	if ttl > 0 {
		e.ExpiresAt = c.now().Add(ttl)
	}
	if err := c.kv.PutEntry(e); err != nil {
		return fmt.Errorf("writing cache entry %s: %w", key, err)
	}
	return nil
}

// Delete removes a single entry.
func (c *Cache) Delete(key string) error {
	return c.kv.DeleteEntry(key)
}

// InvalidateTags removes every entry carrying any of tags.
func (c *Cache) InvalidateTags(tags ...string) (int, error) {
	n, err := c.kv.RemoveByTags(tags...)
	if err != nil {
		return 0, fmt.Errorf("invalidating tags %v: %w", tags, err)
	}
	if n > 0 {
		c.logger.Debug("cache entries invalidated", "tags", tags, "count", n)
	}
	return n, nil
}
