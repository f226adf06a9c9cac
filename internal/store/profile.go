package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/roadlog/internal/model"
)

// ProfileStore caches profile rows pulled from the server.
type ProfileStore struct {
	db *sql.DB
}

func NewProfileStore(db *sql.DB) *ProfileStore {
	return &ProfileStore{db: db}
}

const profileCols = `id, email, full_name, subscription_type, subscription_expires_at,
	billing_anchor_day, created_at, updated_at, version`

func scanProfile(scanner interface{ Scan(...any) error }) (*model.Profile, error) {
	var p model.Profile
	var expires sql.NullTime
	err := scanner.Scan(
		&p.ID, &p.Email, &p.FullName, &p.SubscriptionType, &expires,
		&p.BillingAnchorDay, &p.CreatedAt, &p.UpdatedAt, &p.Version,
	)
	if err != nil {
		return nil, err
	}
	if expires.Valid {
		p.SubscriptionExpiresAt = &expires.Time
	}
	return &p, nil
}

// Upsert replaces the cached row for a profile.
func (s *ProfileStore) Upsert(p *model.Profile) error {
	_, err := s.db.Exec(
		`INSERT INTO profiles (`+profileCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   email = excluded.email,
		   full_name = excluded.full_name,
		   subscription_type = excluded.subscription_type,
		   subscription_expires_at = excluded.subscription_expires_at,
		   billing_anchor_day = excluded.billing_anchor_day,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   version = excluded.version`,
		p.ID, p.Email, p.FullName, p.SubscriptionType, nullTime(p.SubscriptionExpiresAt),
		p.BillingAnchorDay, p.CreatedAt.UTC(), p.UpdatedAt.UTC(), p.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// GetByID returns a cached profile, or nil if absent.
func (s *ProfileStore) GetByID(id string) (*model.Profile, error) {
	row := s.db.QueryRow(`SELECT `+profileCols+` FROM profiles WHERE id = ?`, id)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return p, nil
}

// Delete removes a cached profile. Idempotent.
func (s *ProfileStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM profiles WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

// DeleteAll empties the cache. Used on sign-out.
func (s *ProfileStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM profiles`); err != nil {
		return fmt.Errorf("clear profiles: %w", err)
	}
	return nil
}
