// Package reconcile runs the periodic maintenance pass over every stored account.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/auth/token"
	"github.com/pysugar/relay-nexus/internal/platform"
)

// Accounts is the part of the account store the reconciler walks.
type Accounts interface {
	List(ctx context.Context, p platform.Platform) ([]*account.Account, error)
	HealElapsed(ctx context.Context, acc *account.Account) (bool, error)
	Now() time.Time
}

// Tokens refreshes access tokens ahead of expiry.
type Tokens interface {
	RefreshIfExpiring(ctx context.Context, p platform.Platform, accountID string, ahead time.Duration) (*account.Credentials, error)
}

// Options tunes one reconciler.
type Options struct {
	Interval         time.Duration
	RefreshAhead     time.Duration
	RefreshPerSecond float64
}

// Report summarizes one pass.
type Report struct {
	Scanned   int `json:"scanned"`
	Healed    int `json:"healed"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
}

// Reconciler clears elapsed rate limits and transient errors and refreshes tokens that
// are about to expire. Selection heals lazily on its own; this pass keeps the stored
// state current for accounts that are not being selected.
type Reconciler struct {
	accounts Accounts
	tokens   Tokens
	limiter  *rate.Limiter
	opts     Options
	log      logrus.FieldLogger
}

// New creates a reconciler. tokens may be nil to disable proactive refresh.
func New(accounts Accounts, tokens Tokens, opts Options, log logrus.FieldLogger) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.RefreshAhead <= 0 {
		opts.RefreshAhead = 20 * time.Minute
	}
	limit := rate.Inf
	if opts.RefreshPerSecond > 0 {
		limit = rate.Limit(opts.RefreshPerSecond)
	}
	return &Reconciler{
		accounts: accounts,
		tokens:   tokens,
		limiter:  rate.NewLimiter(limit, 1),
		opts:     opts,
		log:      log,
	}
}

// RunOnce performs one pass over all platforms. Per-account failures are counted and
// logged; only a failure to list accounts or a cancelled context is returned.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	for _, p := range platform.All() {
		accounts, err := r.accounts.List(ctx, p)
		if err != nil {
			return rep, err
		}
		for _, acc := range accounts {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			rep.Scanned++
			r.reconcile(ctx, acc, &rep)
		}
	}
	if rep.Healed > 0 || rep.Refreshed > 0 || rep.Failed > 0 {
		r.log.WithFields(logrus.Fields{
			"scanned":   rep.Scanned,
			"healed":    rep.Healed,
			"refreshed": rep.Refreshed,
			"failed":    rep.Failed,
		}).Info("Reconcile pass finished")
	}
	return rep, nil
}

func (r *Reconciler) reconcile(ctx context.Context, acc *account.Account, rep *Report) {
	log := r.log.WithFields(logrus.Fields{"platform": acc.Platform, "account_id": acc.ID})

	healed, err := r.accounts.HealElapsed(ctx, acc)
	if err != nil {
		log.WithError(err).Warn("Failed to clear elapsed status")
		rep.Failed++
		return
	}
	if healed {
		rep.Healed++
	}

	if r.tokens == nil || !r.needsRefresh(acc) {
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := r.tokens.RefreshIfExpiring(ctx, acc.Platform, acc.ID, r.opts.RefreshAhead); err != nil {
		if errors.Is(err, token.ErrRefreshInProgress) {
			log.Debug("Refresh already running elsewhere")
			return
		}
		log.WithError(err).Warn("Proactive token refresh failed")
		rep.Failed++
		return
	}
	rep.Refreshed++
}

func (r *Reconciler) needsRefresh(acc *account.Account) bool {
	if !acc.IsActive || acc.Status.IsTerminal() || !acc.HasRefreshToken || acc.ExpiresAt.IsZero() {
		return false
	}
	return acc.ExpiresAt.Before(r.accounts.Now().Add(r.opts.RefreshAhead))
}

// Start runs RunOnce every interval until ctx is cancelled.
func (r *Reconciler) Start(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
					r.log.WithError(err).Warn("Reconcile pass failed")
				}
			}
		}
	}()
	r.log.WithField("interval", r.opts.Interval.String()).Info("Reconcile loop started")
}
