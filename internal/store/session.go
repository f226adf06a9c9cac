package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/roadlog/internal/model"
)

// SessionStore persists the single local session row. The table is
// constrained to one row; Save replaces whatever is there.
type SessionStore struct {
	db *sql.DB
}

func NewSessionStore(db *sql.DB) *SessionStore {
	return &SessionStore{db: db}
}

const sessionCols = `user_id, email, access_token, refresh_token, expires_at, updated_at`

func scanSession(scanner interface{ Scan(...any) error }) (*model.Session, error) {
	var s model.Session
	err := scanner.Scan(&s.UserID, &s.Email, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Get returns the stored session, or nil if no one is signed in.
func (s *SessionStore) Get() (*model.Session, error) {
	row := s.db.QueryRow(`SELECT ` + sessionCols + ` FROM session WHERE id = 1`)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// Save replaces the session row.
func (s *SessionStore) Save(sess *model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO session (id, user_id, email, access_token, refresh_token, expires_at, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = excluded.user_id,
		   email = excluded.email,
		   access_token = excluded.access_token,
		   refresh_token = excluded.refresh_token,
		   expires_at = excluded.expires_at,
		   updated_at = excluded.updated_at`,
		sess.UserID, sess.Email, sess.AccessToken, sess.RefreshToken,
		sess.ExpiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// SaveTokens updates the token pair and expiry in a single statement so a
// crash can never leave a new access token next to a stale refresh token.
func (s *SessionStore) SaveTokens(accessToken, refreshToken string, expiresAt time.Time) error {
	res, err := s.db.Exec(
		`UPDATE session SET access_token = ?, refresh_token = ?, expires_at = ?, updated_at = ? WHERE id = 1`,
		accessToken, refreshToken, expiresAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save tokens: no session")
	}
	return nil
}

// Delete removes the session row. Idempotent.
func (s *SessionStore) Delete() error {
	if _, err := s.db.Exec(`DELETE FROM session WHERE id = 1`); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}
