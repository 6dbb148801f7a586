package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kalambet/taskcheck/internal/task"
)

const itemColumns = `id, category, title, action, url, starts_at, ends_at, completion_limit, completions,
	target, reward_kind, reward_amount, partner_id, tracking_id, network, metadata`

// --- Items ---

// SaveItem inserts or replaces an item definition.
func (s *Store) SaveItem(it task.Item) error {
	if it.ID == "" {
		return fmt.Errorf("item id is required")
	}
	meta := "{}"
	if len(it.Metadata) > 0 {
		b, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("marshaling metadata: %w", err)
		}
		meta = string(b)
	}
	var rewardKind string
	var rewardAmount int
	if it.Reward != nil {
		rewardKind, rewardAmount = it.Reward.Kind, it.Reward.Amount
	}

	now := time.Now().UTC().Format(timeLayout)
	_, err := s.db.Exec(`
		INSERT INTO items (`+itemColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category, title = excluded.title, action = excluded.action,
			url = excluded.url, starts_at = excluded.starts_at, ends_at = excluded.ends_at,
			completion_limit = excluded.completion_limit, completions = excluded.completions,
			target = excluded.target, reward_kind = excluded.reward_kind,
			reward_amount = excluded.reward_amount, partner_id = excluded.partner_id,
			tracking_id = excluded.tracking_id, network = excluded.network,
			metadata = excluded.metadata, updated_at = excluded.updated_at`,
		it.ID, string(it.Category), it.Title, it.Action, it.URL,
		formatTime(it.StartsAt), formatTime(it.EndsAt), it.CompletionLimit, it.Completions,
		it.Target, rewardKind, rewardAmount, it.PartnerID, it.TrackingID, it.Network,
		meta, now, now,
	)
	return err
}

// FindByID returns the item with the given id or ErrNotFound.
func (s *Store) FindByID(id string) (*task.Item, error) {
	row := s.db.QueryRow(`SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return it, nil
}

// ListItems returns up to limit items ordered by id.
func (s *Store) ListItems(limit int) ([]task.Item, error) {
	rows, err := s.db.Query(`SELECT `+itemColumns+` FROM items ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []task.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

// IncrementCompletions bumps the completion counter used by quota checks.
func (s *Store) IncrementCompletions(id string) error {
	res, err := s.db.Exec(`UPDATE items SET completions = completions + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*task.Item, error) {
	var it task.Item
	var category, meta, rewardKind string
	var rewardAmount int
	var startsAt, endsAt sql.NullString
	if err := r.Scan(&it.ID, &category, &it.Title, &it.Action, &it.URL, &startsAt, &endsAt,
		&it.CompletionLimit, &it.Completions, &it.Target, &rewardKind, &rewardAmount,
		&it.PartnerID, &it.TrackingID, &it.Network, &meta); err != nil {
		return nil, err
	}

	it.Category = task.Category(category)
	if rewardKind != "" || rewardAmount != 0 {
		it.Reward = &task.Reward{Kind: rewardKind, Amount: rewardAmount}
	}

	var err error
	if it.StartsAt, err = parseTime(startsAt); err != nil {
		return nil, fmt.Errorf("parsing starts_at for %s: %w", it.ID, err)
	}
	if it.EndsAt, err = parseTime(endsAt); err != nil {
		return nil, fmt.Errorf("parsing ends_at for %s: %w", it.ID, err)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &it.Metadata); err != nil {
			return nil, fmt.Errorf("parsing metadata for %s: %w", it.ID, err)
		}
	}
	return &it, nil
}

// --- Progress ---

// GetProgress returns the progress record for an item or ErrNotFound.
func (s *Store) GetProgress(itemID string) (task.Progress, error) {
	var p task.Progress
	var updatedAt string
	err := s.db.QueryRow(`SELECT item_id, status, value, target, updated_at FROM progress WHERE item_id = ?`, itemID).
		Scan(&p.ItemID, &p.Status, &p.Value, &p.Target, &updatedAt)
	if err == sql.ErrNoRows {
		return task.Progress{}, ErrNotFound
	}
	if err != nil {
		return task.Progress{}, err
	}
	t, err := time.Parse(timeLayout, updatedAt)
	if err != nil {
		return task.Progress{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	p.UpdatedAt = t
	return p, nil
}

// SetProgress inserts or replaces the progress record for p.ItemID.
func (s *Store) SetProgress(p task.Progress) error {
	updated := p.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.Exec(`
		INSERT INTO progress (item_id, status, value, target, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(item_id) DO UPDATE SET status = excluded.status, value = excluded.value,
			target = excluded.target, updated_at = excluded.updated_at`,
		p.ItemID, p.Status, p.Value, p.Target, updated.UTC().Format(timeLayout),
	)
	return err
}
