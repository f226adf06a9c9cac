package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/dukerupert/roadlog/internal/model"
	"github.com/dukerupert/roadlog/internal/remote"
)

// Store is the slice of the session store the coordinator may touch: read the
// pair, replace the pair. Identity fields stay out of reach.
type Store interface {
	Get() (*model.Session, error)
	SaveTokens(accessToken, refreshToken string, expiresAt time.Time) error
}

// Refresher performs the refresh-token exchange.
type Refresher interface {
	RefreshSession(ctx context.Context, refreshToken string) (*remote.TokenPair, error)
}

const (
	// expiryHorizon is how close to expiry a token may get before a
	// defensive refresh kicks in.
	expiryHorizon = 2 * time.Minute
	// refreshTimeout bounds the exchange so a dead network cannot hang
	// callers that hold the single-flight slot.
	refreshTimeout = 15 * time.Second
)

// Coordinator guarantees at most one concurrent token refresh process-wide.
// Concurrent callers share the in-flight result instead of stacking refresh
// requests, which matters because the backend rotates the refresh token on
// every exchange: a duplicate exchange burns the new token.
type Coordinator struct {
	store   Store
	auth    Refresher
	logger  *slog.Logger
	group   singleflight.Group
	horizon time.Duration
	now     func() time.Time
}

func NewCoordinator(store Store, auth Refresher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		auth:    auth,
		logger:  logger,
		horizon: expiryHorizon,
		now:     time.Now,
	}
}

// ErrNoSession reports that there is no stored session to refresh. Signed-out
// state, not a dead grant: callers must not tear anything down over it.
var ErrNoSession = errors.New("no active session")

// RefreshIfNeeded returns whether a valid access token is available.
// force skips the freshness check. The bool result is the whole verdict for
// permanent outcomes: (false, nil) means the grant is dead and only the
// caller can decide whether that forces a sign-out. Every non-nil error other
// than ErrNoSession is transient and leaves the stored pair untouched.
func (c *Coordinator) RefreshIfNeeded(ctx context.Context, force bool) (bool, error) {
	sess, err := c.store.Get()
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return false, ErrNoSession
	}
	if !force && !sess.ExpiringSoon(c.now(), c.horizon) {
		return true, nil
	}

	v, err, _ := c.group.Do("refresh", func() (any, error) {
		return c.refresh(ctx, force)
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// refresh runs under the single-flight slot. It re-reads the session first:
// a caller that queued behind an in-flight refresh must not trigger a second
// exchange against the already-rotated token.
func (c *Coordinator) refresh(ctx context.Context, force bool) (bool, error) {
	sess, err := c.store.Get()
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		// Sign-out raced the single-flight slot.
		return false, ErrNoSession
	}
	if !force && !sess.ExpiringSoon(c.now(), c.horizon) {
		return true, nil
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	pair, err := c.auth.RefreshSession(ctx, sess.RefreshToken)
	if err != nil {
		if remote.IsPermanentAuth(err) {
			c.logger.Warn("refresh grant rejected", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("refresh session: %w", err)
	}

	expiresAt := c.expiryOf(pair)
	if err := c.store.SaveTokens(pair.AccessToken, pair.RefreshToken, expiresAt); err != nil {
		return false, fmt.Errorf("persist tokens: %w", err)
	}
	c.logger.Debug("token refreshed", "expires_at", expiresAt)
	return true, nil
}

// expiryOf reads the new expiry from the exchange response, falling back to
// the access token's own exp claim when the server omits expires_in.
func (c *Coordinator) expiryOf(pair *remote.TokenPair) time.Time {
	if exp := pair.ExpiresAt(c.now()); !exp.IsZero() {
		return exp
	}
	if exp, err := accessTokenExpiry(pair.AccessToken); err == nil {
		return exp
	}
	// No expiry anywhere; assume the conventional hour.
	return c.now().Add(time.Hour)
}

// accessTokenExpiry extracts the exp claim without verifying the signature.
// The agent is not the audience validator, it only needs the timestamp.
func accessTokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse access token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("access token has no exp claim")
	}
	return exp.Time, nil
}

// Token implements remote.Authorizer.
func (c *Coordinator) Token(ctx context.Context) (string, error) {
	sess, err := c.store.Get()
	if err != nil {
		return "", fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return "", nil
	}
	return sess.AccessToken, nil
}

// Reauthorize implements remote.Authorizer: a forced refresh triggered by a
// 401 on some other call.
func (c *Coordinator) Reauthorize(ctx context.Context) (bool, error) {
	return c.RefreshIfNeeded(ctx, true)
}
