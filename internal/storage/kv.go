package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// --- KV entries ---

// GetEntry returns the entry stored under key, including expired ones.
func (s *Store) GetEntry(key string) (Entry, error) {
	var e Entry
	var expiresAt sql.NullString
	err := s.db.QueryRow(`SELECT key, value, expires_at FROM kv_entries WHERE key = ?`, key).
		Scan(&e.Key, &e.Value, &expiresAt)
	if err == sql.ErrNoRows {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	if e.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return Entry{}, fmt.Errorf("parsing expires_at for %s: %w", key, err)
	}

	rows, err := s.db.Query(`SELECT tag FROM kv_tags WHERE key = ? ORDER BY tag`, key)
	if err != nil {
		return Entry{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return Entry{}, err
		}
		e.Tags = append(e.Tags, tag)
	}
	return e, rows.Err()
}

// PutEntry inserts or replaces an entry and its tags.
func (s *Store) PutEntry(e Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning put transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Format(timeLayout)
	if _, err := tx.Exec(`
		INSERT INTO kv_entries (key, value, expires_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at, updated_at = excluded.updated_at`,
		e.Key, e.Value, formatTime(e.ExpiresAt), now,
	); err != nil {
		return fmt.Errorf("writing entry %s: %w", e.Key, err)
	}

	if _, err := tx.Exec(`DELETE FROM kv_tags WHERE key = ?`, e.Key); err != nil {
		return fmt.Errorf("clearing tags for %s: %w", e.Key, err)
	}
	for _, tag := range e.Tags {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO kv_tags (key, tag) VALUES (?, ?)`, e.Key, tag); err != nil {
			return fmt.Errorf("tagging %s with %s: %w", e.Key, tag, err)
		}
	}

	return tx.Commit()
}

// DeleteEntry removes an entry. Deleting a missing key is not an error.
func (s *Store) DeleteEntry(key string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM kv_tags WHERE key = ?`, key); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM kv_entries WHERE key = ?`, key); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveByTags deletes every entry carrying at least one of tags and returns
// how many entries were removed.
func (s *Store) RemoveByTags(tags ...string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}

	placeholders := "?" + strings.Repeat(",?", len(tags)-1)
	args := make([]interface{}, len(tags))
	for i, t := range tags {
		args[i] = t
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning tag removal: %w", err)
	}
	defer tx.Rollback()

	keySelect := `SELECT DISTINCT key FROM kv_tags WHERE tag IN (` + placeholders + `)`
	res, err := tx.Exec(`DELETE FROM kv_entries WHERE key IN (`+keySelect+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("removing entries by tag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM kv_tags WHERE key NOT IN (SELECT key FROM kv_entries)`); err != nil {
		return 0, fmt.Errorf("removing orphaned tags: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing tag removal: %w", err)
	}
	return int(n), nil
}

// PurgeExpired deletes entries whose expiry is at or before now.
func (s *Store) PurgeExpired(now time.Time) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("beginning purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		now.UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purging expired entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(`DELETE FROM kv_tags WHERE key NOT IN (SELECT key FROM kv_entries)`); err != nil {
		return 0, fmt.Errorf("removing orphaned tags: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}
