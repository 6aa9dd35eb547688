// Package engine is the surface the relay layer calls: account selection, failure and
// success reporting, health probes and group administration.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/affinity"
	"github.com/pysugar/relay-nexus/internal/auth/token"
	"github.com/pysugar/relay-nexus/internal/group"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/scheduler"
	"github.com/pysugar/relay-nexus/internal/upstream"
	"github.com/pysugar/relay-nexus/internal/util"
)

// ErrNotEntitled means a credential could never have been served by the account it names.
var ErrNotEntitled = errors.New("account is outside the credential's scope")

// Credential is a client credential with its per-platform bindings.
type Credential struct {
	ID       string
	Bindings map[platform.Platform]string
}

// Failure is an account-level failure observed by the relay layer.
type Failure struct {
	Platform    platform.Platform
	AccountID   string
	Fingerprint string
	Kind        upstream.FailureKind
	ResetHint   time.Duration
	Message     string
}

// Engine ties the account store, group registry, affinity map, token manager and the
// per-platform schedulers together.
type Engine struct {
	accounts   *account.Store
	groups     *group.Registry
	affinity   *affinity.Map
	tokens     *token.Manager
	schedulers map[platform.Platform]*scheduler.Scheduler
	log        logrus.FieldLogger
}

// New creates an engine with one scheduler per platform.
func New(accounts *account.Store, groups *group.Registry, aff *affinity.Map, tokens *token.Manager, log logrus.FieldLogger) *Engine {
	return &Engine{
		accounts: accounts,
		groups:   groups,
		affinity: aff,
		tokens:   tokens,
		schedulers: map[platform.Platform]*scheduler.Scheduler{
			platform.Claude: scheduler.NewClaude(accounts, groups, aff, log),
			platform.Gemini: scheduler.NewGemini(accounts, groups, aff, log),
			platform.OpenAI: scheduler.NewOpenAI(accounts, groups, aff, log),
		},
		log: log,
	}
}

func (e *Engine) scheduler(p platform.Platform) (*scheduler.Scheduler, error) {
	s, ok := e.schedulers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %q", platform.ErrUnknownPlatform, p)
	}
	return s, nil
}

// SelectAccount picks the account that serves a request of cred on platform p.
// An empty fingerprint schedules without affinity; an empty model matches every account.
func (e *Engine) SelectAccount(ctx context.Context, cred Credential, p platform.Platform, fingerprint, model string) (*scheduler.Selection, error) {
	s, err := e.scheduler(p)
	if err != nil {
		return nil, err
	}
	sel, err := s.Select(ctx, scheduler.Request{
		Binding:     scheduler.ParseBinding(cred.Bindings[p]),
		Fingerprint: fingerprint,
		Model:       model,
	})
	if err != nil {
		e.log.WithFields(logrus.Fields{"platform": p, "credential_id": cred.ID}).WithError(err).Warn("Account selection failed")
		return nil, err
	}
	return sel, nil
}

// CheckEntitlement verifies that cred could have been served by accountID on p: its bound
// account, a member of its bound group, or a shared account when it is unbound.
func (e *Engine) CheckEntitlement(ctx context.Context, cred Credential, p platform.Platform, accountID string) error {
	if _, err := e.scheduler(p); err != nil {
		return err
	}
	switch b := scheduler.ParseBinding(cred.Bindings[p]); b.Kind {
	case scheduler.KindBound:
		if b.AccountID == accountID {
			return nil
		}
	case scheduler.KindGroup:
		g, err := e.groups.Get(ctx, b.GroupID)
		if err != nil && !errors.Is(err, group.ErrGroupNotFound) {
			return err
		}
		if err == nil && g.Platform == p {
			member, err := e.groups.IsMember(ctx, g.ID, accountID)
			if err != nil {
				return err
			}
			if member {
				return nil
			}
		}
	default:
		acc, err := e.accounts.Get(ctx, p, accountID)
		if err != nil {
			return err
		}
		if acc.Type == account.TypeShared {
			return nil
		}
	}
	return fmt.Errorf("%w: %s/%s for credential %s", ErrNotEntitled, p, accountID, cred.ID)
}

// MarkRateLimited rate-limits an account and drops the session binding of fingerprint.
func (e *Engine) MarkRateLimited(ctx context.Context, p platform.Platform, accountID, fingerprint string, hint time.Duration) (time.Time, error) {
	resetAt, err := e.accounts.MarkRateLimited(ctx, p, accountID, hint)
	if err != nil {
		return time.Time{}, err
	}
	return resetAt, e.dropAffinity(ctx, p, fingerprint)
}

// MarkUnauthorized disables an account until an administrative reset.
func (e *Engine) MarkUnauthorized(ctx context.Context, p platform.Platform, accountID, fingerprint, reason string) error {
	if err := e.accounts.MarkUnauthorized(ctx, p, accountID, reason); err != nil {
		return err
	}
	return e.dropAffinity(ctx, p, fingerprint)
}

// MarkBlocked disables an account the upstream rejected outright.
func (e *Engine) MarkBlocked(ctx context.Context, p platform.Platform, accountID, fingerprint, reason string) error {
	if err := e.accounts.MarkBlocked(ctx, p, accountID, reason); err != nil {
		return err
	}
	return e.dropAffinity(ctx, p, fingerprint)
}

// MarkTransientError parks an account for the transient-error cooldown.
func (e *Engine) MarkTransientError(ctx context.Context, p platform.Platform, accountID, fingerprint, reason string) error {
	if err := e.accounts.MarkTransientError(ctx, p, accountID, reason); err != nil {
		return err
	}
	return e.dropAffinity(ctx, p, fingerprint)
}

func (e *Engine) dropAffinity(ctx context.Context, p platform.Platform, fingerprint string) error {
	if fingerprint == "" {
		return nil
	}
	return e.affinity.Delete(ctx, p, fingerprint)
}

// ReportFailure dispatches a classified failure. It returns the reset time for rate limits.
func (e *Engine) ReportFailure(ctx context.Context, f Failure) (time.Time, error) {
	switch f.Kind {
	case upstream.FailureRateLimited:
		return e.MarkRateLimited(ctx, f.Platform, f.AccountID, f.Fingerprint, f.ResetHint)
	case upstream.FailureUnauthorized:
		return time.Time{}, e.MarkUnauthorized(ctx, f.Platform, f.AccountID, f.Fingerprint, util.TruncateReason(orDefault(f.Message, "upstream rejected credentials")))
	case upstream.FailureBlocked:
		return time.Time{}, e.MarkBlocked(ctx, f.Platform, f.AccountID, f.Fingerprint, util.TruncateReason(orDefault(f.Message, "upstream blocked account")))
	case upstream.FailureTransient:
		return time.Time{}, e.MarkTransientError(ctx, f.Platform, f.AccountID, f.Fingerprint, util.TruncateReason(orDefault(f.Message, "transient upstream error")))
	}
	return time.Time{}, fmt.Errorf("unsupported failure kind %q", f.Kind)
}

// ReportSuccess books a completed upstream call.
func (e *Engine) ReportSuccess(ctx context.Context, p platform.Platform, accountID string, usage account.Usage) error {
	if err := e.accounts.RecordSuccess(ctx, p, accountID); err != nil {
		return err
	}
	return e.accounts.RecordUsage(ctx, p, accountID, usage)
}

// IsAvailable is the health probe of one account.
func (e *Engine) IsAvailable(ctx context.Context, p platform.Platform, accountID string) (account.Availability, error) {
	return e.accounts.IsAvailable(ctx, p, accountID)
}

// AccessToken returns a valid upstream token for a selected account. An account whose
// stored tokens no longer decrypt is moved to the error state.
func (e *Engine) AccessToken(ctx context.Context, p platform.Platform, accountID string) (string, error) {
	tok, err := e.tokens.GetAccessToken(ctx, p, accountID)
	if errors.Is(err, account.ErrUndecryptable) {
		if markErr := e.accounts.MarkError(ctx, p, accountID, "stored credentials cannot be decrypted"); markErr != nil {
			e.log.WithError(markErr).WithField("account_id", accountID).Error("Failed to disable account")
		}
	}
	return tok, err
}

// DeleteAccount removes an account after detaching it from every group and invalidating
// the session bindings that point at it.
func (e *Engine) DeleteAccount(ctx context.Context, p platform.Platform, accountID string) error {
	exists, err := e.accounts.Exists(ctx, p, accountID)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s/%s", account.ErrAccountNotFound, p, accountID)
	}
	if _, err := e.groups.DetachAccount(ctx, p, accountID); err != nil {
		return err
	}
	if _, err := e.affinity.DeleteByAccount(ctx, p, accountID); err != nil {
		return err
	}
	return e.accounts.Delete(ctx, p, accountID)
}

// CreateGroup creates an account group.
func (e *Engine) CreateGroup(ctx context.Context, in group.CreateInput) (*group.Group, error) {
	return e.groups.Create(ctx, in)
}

// GetGroup loads one group.
func (e *Engine) GetGroup(ctx context.Context, id string) (*group.Group, error) {
	return e.groups.Get(ctx, id)
}

// ListGroups lists groups, optionally of one platform.
func (e *Engine) ListGroups(ctx context.Context, p platform.Platform) ([]*group.Group, error) {
	return e.groups.List(ctx, p)
}

// UpdateGroup renames or re-describes a group.
func (e *Engine) UpdateGroup(ctx context.Context, id string, in group.UpdateInput) (*group.Group, error) {
	return e.groups.Update(ctx, id, in)
}

// DeleteGroup removes an empty, unreferenced group.
func (e *Engine) DeleteGroup(ctx context.Context, id string) error {
	return e.groups.Delete(ctx, id)
}

// AddMember adds an account to a group.
func (e *Engine) AddMember(ctx context.Context, groupID, accountID string) error {
	return e.groups.AddMember(ctx, groupID, accountID)
}

// RemoveMember removes an account from a group.
func (e *Engine) RemoveMember(ctx context.Context, groupID, accountID string) error {
	return e.groups.RemoveMember(ctx, groupID, accountID)
}

// ListMembers lists the member account ids of a group.
func (e *Engine) ListMembers(ctx context.Context, groupID string) ([]string, error) {
	return e.groups.ListMembers(ctx, groupID)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
