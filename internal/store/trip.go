package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/roadlog/internal/model"
)

// TripStore caches trips. Locally recorded trips land here first and are
// uploaded by the sync engine; pulled trips from other devices land here too.
type TripStore struct {
	db *sql.DB
}

func NewTripStore(db *sql.DB) *TripStore {
	return &TripStore{db: db}
}

const tripCols = `id, user_id, started_at, ended_at, distance_meters, start_address,
	end_address, purpose, created_at, updated_at, version`

func scanTrip(scanner interface{ Scan(...any) error }) (*model.Trip, error) {
	var t model.Trip
	var ended sql.NullTime
	err := scanner.Scan(
		&t.ID, &t.UserID, &t.StartedAt, &ended, &t.DistanceMeters, &t.StartAddress,
		&t.EndAddress, &t.Purpose, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	if ended.Valid {
		t.EndedAt = &ended.Time
	}
	return &t, nil
}

// Upsert replaces the cached row for a trip.
func (s *TripStore) Upsert(t *model.Trip) error {
	_, err := s.db.Exec(
		`INSERT INTO trips (`+tripCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = excluded.user_id,
		   started_at = excluded.started_at,
		   ended_at = excluded.ended_at,
		   distance_meters = excluded.distance_meters,
		   start_address = excluded.start_address,
		   end_address = excluded.end_address,
		   purpose = excluded.purpose,
		   created_at = excluded.created_at,
		   updated_at = excluded.updated_at,
		   version = excluded.version`,
		t.ID, t.UserID, t.StartedAt.UTC(), nullTime(t.EndedAt), t.DistanceMeters, t.StartAddress,
		t.EndAddress, t.Purpose, t.CreatedAt.UTC(), t.UpdatedAt.UTC(), t.Version,
	)
	if err != nil {
		return fmt.Errorf("upsert trip: %w", err)
	}
	return nil
}

// GetByID returns a cached trip, or nil if absent.
func (s *TripStore) GetByID(id string) (*model.Trip, error) {
	row := s.db.QueryRow(`SELECT `+tripCols+` FROM trips WHERE id = ?`, id)
	t, err := scanTrip(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trip: %w", err)
	}
	return t, nil
}

// ListByUser returns a user's cached trips, newest first.
func (s *TripStore) ListByUser(userID string) ([]model.Trip, error) {
	rows, err := s.db.Query(
		`SELECT `+tripCols+` FROM trips WHERE user_id = ? ORDER BY started_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list trips: %w", err)
	}
	defer rows.Close()

	var out []model.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trips: %w", err)
	}
	return out, nil
}

// Delete removes a cached trip. Idempotent.
func (s *TripStore) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM trips WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete trip: %w", err)
	}
	return nil
}

// DeleteAll empties the cache. Used on sign-out.
func (s *TripStore) DeleteAll() error {
	if _, err := s.db.Exec(`DELETE FROM trips`); err != nil {
		return fmt.Errorf("clear trips: %w", err)
	}
	return nil
}
