// Package session owns the auth lifecycle on the device: sign-in, restore on
// launch, background token refresh, and the full local teardown on sign-out.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/roadlog/internal/model"
	"github.com/dukerupert/roadlog/internal/queue"
	"github.com/dukerupert/roadlog/internal/remote"
	"github.com/dukerupert/roadlog/internal/store"
	"github.com/dukerupert/roadlog/internal/token"
)

const (
	// restoreRefreshTimeout bounds the background refresh after a local-first
	// restore. Launch never blocks on the network longer than this.
	restoreRefreshTimeout = 10 * time.Second
	// autoRefreshInterval is the periodic freshness check. The coordinator's
	// expiry horizon does the actual deciding; the interval only has to be
	// shorter than the horizon plus token lifetime.
	autoRefreshInterval = 5 * time.Minute
	signOutTimeout      = 5 * time.Second
)

// Manager coordinates the auth session across the local cache, the encrypted
// vault, and the token coordinator.
type Manager struct {
	sessions    *store.SessionStore
	coordinator *token.Coordinator
	auth        AuthAPI
	vault       *Vault
	queue       *queue.Queue
	caches      []CacheWiper
	logger      *slog.Logger
	now         func() time.Time

	// onSignedOut fires after a forced teardown (dead refresh grant). The UI
	// layer uses it to drop back to the login screen.
	onSignedOut func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// AuthAPI is the subset of the auth client the manager calls directly. The
// periodic refresh path belongs to the coordinator; RefreshSession here serves
// only vault recovery, where no session row exists for the coordinator to
// work from.
type AuthAPI interface {
	SignInWithPassword(ctx context.Context, email, password string) (*remote.TokenPair, error)
	RefreshSession(ctx context.Context, refreshToken string) (*remote.TokenPair, error)
	SignOut(ctx context.Context, accessToken string) error
}

// CacheWiper clears one local cache table on sign-out.
type CacheWiper interface {
	DeleteAll() error
}

func NewManager(sessions *store.SessionStore, coordinator *token.Coordinator, auth AuthAPI, vault *Vault, q *queue.Queue, caches []CacheWiper, onSignedOut func(), logger *slog.Logger) *Manager {
	return &Manager{
		sessions:    sessions,
		coordinator: coordinator,
		auth:        auth,
		vault:       vault,
		queue:       q,
		caches:      caches,
		onSignedOut: onSignedOut,
		logger:      logger,
		now:         time.Now,
	}
}

// SignIn performs the password grant and persists the session locally and in
// the vault.
func (m *Manager) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	pair, err := m.auth.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("sign in: %w", err)
	}

	sess := m.sessionFromPair(pair)
	if err := m.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	if err := m.vault.Store(pair.RefreshToken); err != nil {
		// The working copy is saved; a failed vault write costs durability
		// across a cache wipe, not the session itself.
		m.logger.Warn("vault write failed", "error", err)
	}
	m.logger.Info("signed in", "user", sess.UserID)
	return sess, nil
}

func (m *Manager) sessionFromPair(pair *remote.TokenPair) *model.Session {
	now := m.now()
	expiresAt := pair.ExpiresAt(now)
	if expiresAt.IsZero() {
		expiresAt = now.Add(time.Hour)
	}
	return &model.Session{
		UserID:       pair.User.ID,
		Email:        pair.User.Email,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		ExpiresAt:    expiresAt,
	}
}

// Restore returns the locally cached session immediately and refreshes it in
// the background. Launch works offline: a transient refresh failure keeps the
// cached session, only a rejected grant tears it down. With no cached session
// at all, the vaulted refresh token is the last resort: it survives a cache
// wipe precisely so the user does not land back on the login screen.
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	sess, err := m.sessions.Get()
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess == nil {
		return m.recoverFromVault(ctx)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), restoreRefreshTimeout)
		defer cancel()
		m.refreshOnce(ctx)
	}()
	return sess, nil
}

// recoverFromVault rebuilds the session from the vaulted refresh token. Best
// effort: a transient exchange failure leaves the vault for the next launch,
// a rejected token wipes it.
func (m *Manager) recoverFromVault(ctx context.Context) (*model.Session, error) {
	refreshToken, err := m.vault.Load()
	if err != nil {
		m.logger.Warn("vault read failed", "error", err)
		return nil, nil
	}
	if refreshToken == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, restoreRefreshTimeout)
	defer cancel()
	pair, err := m.auth.RefreshSession(ctx, refreshToken)
	if err != nil {
		if remote.IsPermanentAuth(err) {
			m.logger.Warn("vaulted refresh token rejected", "error", err)
			if werr := m.vault.Wipe(); werr != nil {
				m.logger.Warn("vault wipe failed", "error", werr)
			}
		} else {
			m.logger.Debug("vault recovery deferred", "error", err)
		}
		return nil, nil
	}

	sess := m.sessionFromPair(pair)
	if err := m.sessions.Save(sess); err != nil {
		return nil, fmt.Errorf("persist recovered session: %w", err)
	}
	m.mirrorVault()
	m.logger.Info("session recovered from vault", "user", sess.UserID)
	return sess, nil
}

// StartAutoRefresh keeps the access token fresh while the app runs.
func (m *Manager) StartAutoRefresh(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(autoRefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.refreshOnce(ctx)
			}
		}
	}()
}

// StopAutoRefresh halts the refresh loop and waits for it to exit.
func (m *Manager) StopAutoRefresh() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (m *Manager) refreshOnce(ctx context.Context) {
	ok, err := m.coordinator.RefreshIfNeeded(ctx, false)
	switch {
	case errors.Is(err, token.ErrNoSession):
		// Signed out; nothing to keep fresh and nothing to tear down.
	case err != nil:
		// Transient. The cached session stays; the next tick retries.
		m.logger.Debug("background refresh failed", "error", err)
	case !ok:
		m.forceSignOut()
	default:
		m.mirrorVault()
	}
}

// mirrorVault copies the current refresh token into the vault after a
// rotation so the durable copy never lags more than one exchange.
func (m *Manager) mirrorVault() {
	sess, err := m.sessions.Get()
	if err != nil || sess == nil {
		return
	}
	current, err := m.vault.Load()
	if err == nil && current == sess.RefreshToken {
		return
	}
	if err := m.vault.Store(sess.RefreshToken); err != nil {
		m.logger.Warn("vault mirror failed", "error", err)
	}
}

// SignOut revokes the session upstream (best effort) and wipes every piece of
// local state: session row, vault, pending operations, cached entities, and
// sync watermarks. Nothing user-scoped may survive into the next sign-in.
func (m *Manager) SignOut(ctx context.Context) error {
	sess, err := m.sessions.Get()
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if sess != nil {
		revokeCtx, cancel := context.WithTimeout(ctx, signOutTimeout)
		if err := m.auth.SignOut(revokeCtx, sess.AccessToken); err != nil {
			m.logger.Warn("remote sign-out failed", "error", err)
		}
		cancel()
	}
	if err := m.teardownLocal(); err != nil {
		return err
	}
	m.logger.Info("signed out")
	return nil
}

// forceSignOut is the dead-grant path: no remote revoke (the grant is already
// gone), straight to local teardown plus the UI callback.
func (m *Manager) forceSignOut() {
	m.logger.Warn("refresh grant rejected, signing out")
	if err := m.teardownLocal(); err != nil {
		m.logger.Error("local teardown failed", "error", err)
	}
	if m.onSignedOut != nil {
		m.onSignedOut()
	}
}

func (m *Manager) teardownLocal() error {
	var errs error
	if err := m.queue.ClearAll(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("clear queue: %w", err))
	}
	for _, c := range m.caches {
		if err := c.DeleteAll(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("wipe cache: %w", err))
		}
	}
	if err := m.sessions.Delete(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("delete session: %w", err))
	}
	if err := m.vault.Wipe(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("wipe vault: %w", err))
	}
	return errs
}
