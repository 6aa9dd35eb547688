// Package token hands out valid upstream access tokens, refreshing them under the
// distributed refresh lock so at most one refresh per account is in flight.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/lock"
	"github.com/pysugar/relay-nexus/internal/platform"
)

var (
	// ErrRefreshInProgress means another process holds the refresh lock and the token was
	// still stale after waiting. Retry shortly.
	ErrRefreshInProgress = errors.New("credential refresh in progress")
	// ErrNoRefreshCredential means the account cannot be refreshed and needs re-authentication.
	ErrNoRefreshCredential = errors.New("no usable refresh credential")
)

// refreshTimeout bounds one shared refresh, on top of the lock wait.
const refreshTimeout = 30 * time.Second

// CredentialStore is the part of the account store the manager needs.
type CredentialStore interface {
	Credentials(ctx context.Context, p platform.Platform, id string) (*account.Credentials, error)
	UpdateCredentials(ctx context.Context, p platform.Platform, id string, creds account.Credentials) error
	MarkUnauthorized(ctx context.Context, p platform.Platform, id, reason string) error
}

// Options tunes the manager.
type Options struct {
	// RefreshMargin is how long before expiry a token counts as stale.
	RefreshMargin time.Duration
	// LockWait is how long a caller that lost the lock race waits before re-reading.
	LockWait time.Duration
}

// Manager handles token lifecycle including refresh.
type Manager struct {
	store     CredentialStore
	locks     *lock.Manager
	refresher Refresher
	opts      Options
	group     singleflight.Group
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewManager creates a token manager.
func NewManager(store CredentialStore, locks *lock.Manager, refresher Refresher, opts Options, log logrus.FieldLogger) *Manager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = 5 * time.Minute
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	return &Manager{
		store:     store,
		locks:     locks,
		refresher: refresher,
		opts:      opts,
		log:       log,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// GetAccessToken returns a token that stays valid for at least the refresh margin.
func (m *Manager) GetAccessToken(ctx context.Context, p platform.Platform, accountID string) (string, error) {
	creds, err := m.store.Credentials(ctx, p, accountID)
	if err != nil {
		return "", err
	}
	if m.fresh(creds, m.opts.RefreshMargin) {
		return creds.AccessToken, nil
	}
	creds, err = m.RefreshIfExpiring(ctx, p, accountID, m.opts.RefreshMargin)
	if err != nil {
		return "", err
	}
	return creds.AccessToken, nil
}

// RefreshIfExpiring refreshes the account's token when it expires within ahead.
// Concurrent calls in this process share one refresh; across processes the refresh lock
// serializes them. A caller whose ctx ends stops waiting without failing the others.
func (m *Manager) RefreshIfExpiring(ctx context.Context, p platform.Platform, accountID string, ahead time.Duration) (*account.Credentials, error) {
	ch := m.group.DoChan(string(p)+":"+accountID, func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LockWait+refreshTimeout)
		defer cancel()
		return m.refresh(flightCtx, p, accountID, ahead)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*account.Credentials), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *Manager) refresh(ctx context.Context, p platform.Platform, accountID string, ahead time.Duration) (*account.Credentials, error) {
	log := m.log.WithFields(logrus.Fields{"platform": p, "account_id": accountID})

	l, acquired, err := m.locks.TryAcquire(ctx, p, accountID)
	if err != nil {
		return nil, err
	}
	if !acquired {
		log.Debug("Refresh lock held elsewhere, waiting for the holder")
		select {
		case <-time.After(m.opts.LockWait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		creds, err := m.store.Credentials(ctx, p, accountID)
		if err != nil {
			return nil, err
		}
		if m.fresh(creds, m.opts.RefreshMargin) {
			return creds, nil
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrRefreshInProgress, p, accountID)
	}
	defer func() {
		if _, err := l.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("Failed to release refresh lock")
		}
	}()

	// Another holder may have finished just before we got the lock.
	creds, err := m.store.Credentials(ctx, p, accountID)
	if err != nil {
		return nil, err
	}
	if m.fresh(creds, ahead) {
		return creds, nil
	}
	if creds.RefreshToken == "" {
		return nil, fmt.Errorf("%w: %s/%s has no refresh token", ErrNoRefreshCredential, p, accountID)
	}

	tok, err := m.refresher.Refresh(ctx, p, creds.RefreshToken)
	if err != nil {
		if isPermanentRefreshError(err) {
			log.WithError(err).Error("Refresh token rejected, account needs re-authentication")
			if markErr := m.store.MarkUnauthorized(ctx, p, accountID, "refresh failed: "+err.Error()); markErr != nil {
				log.WithError(markErr).Warn("Failed to mark account unauthorized")
			}
			return nil, fmt.Errorf("%w: %v", ErrNoRefreshCredential, err)
		}
		log.WithError(err).Warn("Transient refresh failure, account remains active")
		return nil, fmt.Errorf("refresh %s/%s: %w", p, accountID, err)
	}

	next := account.Credentials{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}
	// Persist a rotated refresh token if provided (RFC 6749).
	if tok.RefreshToken != "" && tok.RefreshToken != creds.RefreshToken {
		log.Info("Rotating refresh token")
		next.RefreshToken = tok.RefreshToken
	}
	if err := m.store.UpdateCredentials(ctx, p, accountID, next); err != nil {
		return nil, fmt.Errorf("save refreshed token: %w", err)
	}
	if next.RefreshToken == "" {
		next.RefreshToken = creds.RefreshToken
	}

	log.WithField("expires_at", tok.Expiry.Format(time.RFC3339)).Info("Refreshed access token")
	return &next, nil
}

func (m *Manager) fresh(c *account.Credentials, ahead time.Duration) bool {
	if c.AccessToken == "" {
		return false
	}
	if c.ExpiresAt.IsZero() {
		return true
	}
	return c.ExpiresAt.After(m.now().Add(ahead))
}

func isPermanentRefreshError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	permanentMarkers := []string{
		"invalid_grant",
		"invalid_client",
		"unauthorized_client",
		"token has been expired or revoked",
		"revoked",
	}
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
