package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SyncStateStore tracks the per-entity pull watermark: the server updated_at
// we have fully applied locally.
type SyncStateStore struct {
	db *sql.DB
}

func NewSyncStateStore(db *sql.DB) *SyncStateStore {
	return &SyncStateStore{db: db}
}

// LastSyncedAt returns the watermark for an entity type. A zero time means
// never synced.
func (s *SyncStateStore) LastSyncedAt(entityType string) (time.Time, error) {
	var t time.Time
	err := s.db.QueryRow(
		`SELECT last_synced_at FROM sync_state WHERE entity_type = ?`, entityType,
	).Scan(&t)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get sync state: %w", err)
	}
	return t, nil
}

// SetLastSyncedAt advances (or initializes) the watermark.
func (s *SyncStateStore) SetLastSyncedAt(entityType string, t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO sync_state (entity_type, last_synced_at) VALUES (?, ?)
		 ON CONFLICT (entity_type) DO UPDATE SET last_synced_at = excluded.last_synced_at`,
		entityType, t.UTC(),
	)
	if err != nil {
		return fmt.Errorf("set sync state: %w", err)
	}
	return nil
}

// DeleteAll resets every watermark. Used on sign-out.
func (s *SyncStateStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("clear sync state: %w", err)
	}
	return nil
}
