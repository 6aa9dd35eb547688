// Package scheduler picks the upstream account that serves a request.
//
// Selection runs as an ordered pipeline: a credential pinned to one account is served by
// that account or fails; a credential bound to a group draws from the group members only;
// otherwise the platform's shared pool is used. Group and pool selection honour session
// affinity first and then rank eligible accounts by priority and least recent use.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/affinity"
	"github.com/pysugar/relay-nexus/internal/group"
	"github.com/pysugar/relay-nexus/internal/platform"
)

// Accounts is the part of the account store the scheduler reads and stamps.
type Accounts interface {
	Get(ctx context.Context, p platform.Platform, id string) (*account.Account, error)
	List(ctx context.Context, p platform.Platform) ([]*account.Account, error)
	GetMany(ctx context.Context, p platform.Platform, ids []string) ([]*account.Account, error)
	HealElapsed(ctx context.Context, acc *account.Account) (bool, error)
	TouchLastUsed(ctx context.Context, p platform.Platform, id string) error
	Now() time.Time
}

// Groups resolves group bindings.
type Groups interface {
	Get(ctx context.Context, id string) (*group.Group, error)
	ListMembers(ctx context.Context, groupID string) ([]string, error)
	IsMember(ctx context.Context, groupID, accountID string) (bool, error)
}

// Affinity is the session affinity map.
type Affinity interface {
	Get(ctx context.Context, p platform.Platform, fingerprint string) (*affinity.Entry, error)
	Set(ctx context.Context, p platform.Platform, fingerprint, accountID, accountType string, ttl time.Duration) error
	Delete(ctx context.Context, p platform.Platform, fingerprint string) error
	RenewIfBelowThreshold(ctx context.Context, p platform.Platform, fingerprint string) (bool, error)
}

// Request is one scheduling question.
type Request struct {
	Binding     Binding
	Fingerprint string
	Model       string
}

// Selection is the account chosen for a request.
type Selection struct {
	AccountID     string            `json:"account_id"`
	AccountType   account.Type      `json:"account_type"`
	Platform      platform.Platform `json:"platform"`
	Stage         Kind              `json:"stage"`
	Sticky        bool              `json:"sticky"`
	UpstreamModel string            `json:"upstream_model,omitempty"`
}

// Scheduler selects accounts of one platform.
type Scheduler struct {
	platform platform.Platform
	policy   Policy
	accounts Accounts
	groups   Groups
	affinity Affinity
	log      logrus.FieldLogger
}

// New creates a scheduler for platform p.
func New(p platform.Platform, policy Policy, accounts Accounts, groups Groups, aff Affinity, log logrus.FieldLogger) *Scheduler {
	if policy == nil {
		policy = ModelMapPolicy{}
	}
	return &Scheduler{
		platform: p,
		policy:   policy,
		accounts: accounts,
		groups:   groups,
		affinity: aff,
		log:      log.WithField("platform", string(p)),
	}
}

// NewClaude creates the scheduler of the session-window platform with opus gating.
func NewClaude(accounts Accounts, groups Groups, aff Affinity, log logrus.FieldLogger) *Scheduler {
	return New(platform.Claude, ClaudePolicy{}, accounts, groups, aff, log)
}

// NewGemini creates the Gemini scheduler.
func NewGemini(accounts Accounts, groups Groups, aff Affinity, log logrus.FieldLogger) *Scheduler {
	return New(platform.Gemini, ModelMapPolicy{}, accounts, groups, aff, log)
}

// NewOpenAI creates the OpenAI scheduler.
func NewOpenAI(accounts Accounts, groups Groups, aff Affinity, log logrus.FieldLogger) *Scheduler {
	return New(platform.OpenAI, ModelMapPolicy{}, accounts, groups, aff, log)
}

// Platform returns the platform this scheduler serves.
func (s *Scheduler) Platform() platform.Platform { return s.platform }

// Select returns the account that should serve req.
func (s *Scheduler) Select(ctx context.Context, req Request) (*Selection, error) {
	switch req.Binding.Kind {
	case KindBound:
		return s.selectBound(ctx, req)
	case KindGroup:
		return s.selectGroup(ctx, req)
	default:
		return s.selectPooled(ctx, req)
	}
}

func (s *Scheduler) selectBound(ctx context.Context, req Request) (*Selection, error) {
	id := req.Binding.AccountID
	acc, err := s.accounts.Get(ctx, s.platform, id)
	if err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return nil, s.fail(ErrDedicatedAccountUnavailable, req, id, "account not found", time.Time{})
		}
		return nil, err
	}
	s.heal(ctx, acc)

	upstream, reason, resetAt := s.evaluate(acc, req.Model)
	if reason != "" {
		kind := ErrDedicatedAccountUnavailable
		if acc.IsRateLimitedAt(s.accounts.Now()) {
			kind = ErrDedicatedAccountRateLimited
		}
		return nil, s.fail(kind, req, id, reason, resetAt)
	}

	s.touch(ctx, id)
	return &Selection{
		AccountID:     acc.ID,
		AccountType:   acc.Type,
		Platform:      s.platform,
		Stage:         KindBound,
		UpstreamModel: upstream,
	}, nil
}

func (s *Scheduler) selectGroup(ctx context.Context, req Request) (*Selection, error) {
	groupID := req.Binding.GroupID
	g, err := s.groups.Get(ctx, groupID)
	if err != nil {
		if errors.Is(err, group.ErrGroupNotFound) {
			return nil, s.fail(ErrDedicatedAccountUnavailable, req, "", "group not found", time.Time{})
		}
		return nil, err
	}
	if g.Platform != s.platform {
		return nil, s.fail(ErrDedicatedAccountUnavailable, req, "", fmt.Sprintf("group belongs to %s", g.Platform), time.Time{})
	}

	inScope := func(acc *account.Account) (bool, error) {
		return s.groups.IsMember(ctx, groupID, acc.ID)
	}
	if sel, err := s.sticky(ctx, req, KindGroup, inScope); sel != nil || err != nil {
		return sel, err
	}

	members, err := s.groups.ListMembers(ctx, groupID)
	if err != nil {
		return nil, err
	}
	candidates, err := s.accounts.GetMany(ctx, s.platform, members)
	if err != nil {
		return nil, err
	}
	return s.pick(ctx, req, KindGroup, candidates)
}

func (s *Scheduler) selectPooled(ctx context.Context, req Request) (*Selection, error) {
	inScope := func(acc *account.Account) (bool, error) {
		return acc.Type == account.TypeShared, nil
	}
	if sel, err := s.sticky(ctx, req, KindPooled, inScope); sel != nil || err != nil {
		return sel, err
	}

	all, err := s.accounts.List(ctx, s.platform)
	if err != nil {
		return nil, err
	}
	shared := all[:0]
	for _, acc := range all {
		if acc.Type == account.TypeShared {
			shared = append(shared, acc)
		}
	}
	return s.pick(ctx, req, KindPooled, shared)
}

// sticky returns the account bound to the request fingerprint when it is still eligible
// and in scope. A stale entry is deleted and (nil, nil) is returned.
func (s *Scheduler) sticky(ctx context.Context, req Request, stage Kind, inScope func(*account.Account) (bool, error)) (*Selection, error) {
	if req.Fingerprint == "" {
		return nil, nil
	}
	entry, err := s.affinity.Get(ctx, s.platform, req.Fingerprint)
	if err != nil {
		s.log.WithError(err).Warn("Affinity lookup failed, scheduling without it")
		return nil, nil
	}
	if entry == nil {
		return nil, nil
	}

	log := s.log.WithFields(logrus.Fields{"fingerprint": req.Fingerprint, "account_id": entry.AccountID})
	acc, err := s.accounts.Get(ctx, s.platform, entry.AccountID)
	if err != nil && !errors.Is(err, account.ErrAccountNotFound) {
		return nil, err
	}

	reason := "account not found"
	var upstream string
	if acc != nil {
		s.heal(ctx, acc)
		upstream, reason, _ = s.evaluate(acc, req.Model)
		if reason == "" {
			ok, err := inScope(acc)
			if err != nil {
				return nil, err
			}
			if !ok {
				reason = "out of scope"
			}
		}
	}
	if reason != "" {
		log.Debugf("Dropping stale session binding: %s", reason)
		if err := s.affinity.Delete(ctx, s.platform, req.Fingerprint); err != nil {
			log.WithError(err).Warn("Failed to delete stale session binding")
		}
		return nil, nil
	}

	if _, err := s.affinity.RenewIfBelowThreshold(ctx, s.platform, req.Fingerprint); err != nil {
		log.WithError(err).Warn("Failed to renew session binding")
	}
	s.touch(ctx, acc.ID)
	return &Selection{
		AccountID:     acc.ID,
		AccountType:   acc.Type,
		Platform:      s.platform,
		Stage:         stage,
		Sticky:        true,
		UpstreamModel: upstream,
	}, nil
}

type candidate struct {
	acc      *account.Account
	upstream string
}

// pick filters, ranks and commits. Ranking is priority ascending, then least recently
// used, then id for determinism.
func (s *Scheduler) pick(ctx context.Context, req Request, stage Kind, accounts []*account.Account) (*Selection, error) {
	eligible := make([]candidate, 0, len(accounts))
	for _, acc := range accounts {
		s.heal(ctx, acc)
		upstream, reason, _ := s.evaluate(acc, req.Model)
		if reason != "" {
			continue
		}
		eligible = append(eligible, candidate{acc: acc, upstream: upstream})
	}
	if len(eligible) == 0 {
		reason := fmt.Sprintf("%d accounts in scope, none eligible", len(accounts))
		return nil, s.fail(ErrNoEligibleAccount, req, "", reason, time.Time{})
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i].acc, eligible[j].acc
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.LastUsedAt.Equal(b.LastUsedAt) {
			return a.LastUsedAt.Before(b.LastUsedAt)
		}
		return a.ID < b.ID
	})
	chosen := eligible[0]

	if req.Fingerprint != "" {
		if err := s.affinity.Set(ctx, s.platform, req.Fingerprint, chosen.acc.ID, string(chosen.acc.Type), 0); err != nil {
			s.log.WithError(err).WithField("fingerprint", req.Fingerprint).Warn("Failed to store session binding")
		}
	}
	s.touch(ctx, chosen.acc.ID)

	s.log.WithFields(logrus.Fields{
		"account_id": chosen.acc.ID,
		"stage":      stage,
		"priority":   chosen.acc.Priority,
		"eligible":   len(eligible),
	}).Debug("Account selected")
	return &Selection{
		AccountID:     chosen.acc.ID,
		AccountType:   chosen.acc.Type,
		Platform:      s.platform,
		Stage:         stage,
		UpstreamModel: chosen.upstream,
	}, nil
}

// evaluate applies the health filters and the platform policy.
func (s *Scheduler) evaluate(acc *account.Account, model string) (upstream, reason string, resetAt time.Time) {
	if reason, resetAt = acc.Unavailability(s.accounts.Now()); reason != "" {
		return "", reason, resetAt
	}
	upstream, reason = s.policy.Compatible(acc, model)
	return upstream, reason, time.Time{}
}

// heal persists an elapsed rate limit or transient error. Errors are only logged.
func (s *Scheduler) heal(ctx context.Context, acc *account.Account) {
	if _, err := s.accounts.HealElapsed(ctx, acc); err != nil {
		s.log.WithError(err).WithField("account_id", acc.ID).Warn("Failed to persist account recovery")
	}
}

func (s *Scheduler) touch(ctx context.Context, id string) {
	if err := s.accounts.TouchLastUsed(ctx, s.platform, id); err != nil {
		s.log.WithError(err).WithField("account_id", id).Warn("Failed to stamp lastUsedAt")
	}
}

func (s *Scheduler) fail(kind error, req Request, accountID, reason string, resetAt time.Time) error {
	return &Error{
		Kind:      kind,
		Platform:  s.platform,
		AccountID: accountID,
		GroupID:   req.Binding.GroupID,
		Model:     req.Model,
		ResetAt:   resetAt,
		Reason:    reason,
	}
}
