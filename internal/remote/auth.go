package remote

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// AuthUser is the identity subset the agent needs from the auth provider.
type AuthUser struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// TokenPair is the result of a password or refresh grant.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	ExpiresIn    int      `json:"expires_in"`
	User         AuthUser `json:"user"`
}

// ExpiresAt converts the relative expiry into an absolute one anchored at now.
func (p *TokenPair) ExpiresAt(now time.Time) time.Time {
	if p.ExpiresIn <= 0 {
		return time.Time{}
	}
	return now.Add(time.Duration(p.ExpiresIn) * time.Second)
}

// AuthClient talks to the auth endpoints. It never stores anything; the
// session owns persistence.
type AuthClient struct {
	client *Client
}

func NewAuthClient(client *Client) *AuthClient {
	return &AuthClient{client: client}
}

// SignInWithPassword exchanges credentials for a token pair.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*TokenPair, error) {
	var pair TokenPair
	body := map[string]string{"email": email, "password": password}
	err := a.client.do(ctx, "POST", "/auth/v1/token?grant_type=password", nil, "", body, &pair)
	if err != nil {
		return nil, err
	}
	return &pair, nil
}

// RefreshSession exchanges a refresh token for a fresh pair. A rejected grant
// comes back as KindAuthPermanent so callers can tell it apart from the
// network being down.
func (a *AuthClient) RefreshSession(ctx context.Context, refreshToken string) (*TokenPair, error) {
	var pair TokenPair
	body := map[string]string{"refresh_token": refreshToken}
	err := a.client.do(ctx, "POST", "/auth/v1/token?grant_type=refresh_token", nil, "", body, &pair)
	if err != nil {
		if isRejectedGrant(err) {
			return nil, newError(KindAuthPermanent, statusOf(err), "refresh grant rejected", err)
		}
		return nil, err
	}
	return &pair, nil
}

// CurrentUser fetches the identity behind an access token.
func (a *AuthClient) CurrentUser(ctx context.Context, accessToken string) (*AuthUser, error) {
	var user AuthUser
	if err := a.client.do(ctx, "GET", "/auth/v1/user", nil, accessToken, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignOut revokes the session server-side. Best effort; local teardown does
// not depend on it succeeding.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	return a.client.do(ctx, "POST", "/auth/v1/logout", nil, accessToken, nil, nil)
}

// isRejectedGrant distinguishes "this refresh token is dead" from everything
// else. The auth service answers 400/401 with an invalid-grant style message.
func isRejectedGrant(err error) bool {
	var re *Error
	if !asError(err, &re) {
		return false
	}
	if re.Kind == KindNetwork || re.Kind == KindServer {
		return false
	}
	if re.Status == http.StatusBadRequest || re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden {
		msg := strings.ToLower(re.Message)
		if msg == "" {
			return re.Status != http.StatusBadRequest
		}
		return strings.Contains(msg, "invalid") || strings.Contains(msg, "revoked") ||
			strings.Contains(msg, "expired") || strings.Contains(msg, "not found") ||
			strings.Contains(msg, "already used")
	}
	return false
}

func statusOf(err error) int {
	var re *Error
	if asError(err, &re) {
		return re.Status
	}
	return 0
}
