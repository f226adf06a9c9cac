package model

import "time"

// Session is the locally persisted identity: the token pair plus just enough
// of the user to restore a signed-in state offline.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// ExpiringSoon reports whether the access token expires within horizon of now.
// Used to refresh proactively instead of racing the expiry mid-request.
func (s *Session) ExpiringSoon(now time.Time, horizon time.Duration) bool {
	return !s.ExpiresAt.After(now.Add(horizon))
}
