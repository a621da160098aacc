package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetProcessedItem looks up the durable processed-state for a work item.
// The second return is false when the key has never been processed.
func (s *Store) GetProcessedItem(key string) (ProcessedItem, bool, error) {
	var item ProcessedItem
	var sec int64
	err := s.db.QueryRow(`
		SELECT key, last_changed_mark, last_processed_at
		FROM processed_items WHERE key = ?
	`, key).Scan(&item.Key, &item.LastChangedMark, &sec)
	if errors.Is(err, sql.ErrNoRows) {
		return ProcessedItem{}, false, nil
	}
	if err != nil {
		return ProcessedItem{}, false, fmt.Errorf("store: processed item %s: %w", key, err)
	}
	item.LastProcessedAt = timeOrZero(sec)
	return item, true, nil
}

// UpsertProcessedItem records that a work item version was handled.
// Durable by design: the predecessor of this table was an in-memory map
// that reprocessed everything after every restart.
func (s *Store) UpsertProcessedItem(key, changedMark string, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO processed_items (key, last_changed_mark, last_processed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_changed_mark = excluded.last_changed_mark,
			last_processed_at = excluded.last_processed_at
	`, key, changedMark, unixOrZero(at))
	if err != nil {
		return fmt.Errorf("store: upsert processed item %s: %w", key, err)
	}
	return nil
}
