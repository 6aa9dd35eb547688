package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/platform"
)

// Availability is the result of a health probe.
type Availability struct {
	Available bool      `json:"available"`
	Status    Status    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

// MarkRateLimited moves an account to rate_limited and returns when it recovers.
// Session-window platforms recover at the end of the current window; the others after
// hint when positive, else after the configured fallback. Terminal accounts are left
// untouched.
func (s *Store) MarkRateLimited(ctx context.Context, p platform.Platform, id string, hint time.Duration) (time.Time, error) {
	acc, err := s.Get(ctx, p, id)
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	if acc.IsRateLimitedAt(now) && hint <= 0 && !acc.RateLimitEndAt.IsZero() {
		return acc.RateLimitEndAt, nil
	}

	c := &change{}
	var resetAt time.Time
	switch {
	case p.HasSessionWindow():
		if windowInProgress(acc.SessionWindowStart, acc.SessionWindowEnd, now) {
			resetAt = acc.SessionWindowEnd
		} else {
			resetAt = WindowEnd(now, s.opts.WindowLocation)
			c.Set(fieldSessionWindowStart, formatTime(WindowStart(now, s.opts.WindowLocation))).
				Set(fieldSessionWindowEnd, formatTime(resetAt))
		}
	case hint > 0:
		resetAt = now.Add(hint)
	default:
		resetAt = now.Add(s.opts.RateLimitFallback)
	}

	c.Set(fieldStatus, string(StatusRateLimited)).
		Set(fieldRateLimitedAt, formatTime(now)).
		Set(fieldRateLimitEndAt, formatTime(resetAt)).
		Set(fieldUpdatedAt, formatTime(now))
	applied, err := s.apply(ctx, p, id, modeUnlessTerminal, c)
	if err != nil {
		return time.Time{}, err
	}
	if !applied {
		return time.Time{}, nil
	}

	s.log.WithFields(logrus.Fields{
		"platform":   p,
		"account_id": id,
		"reset_at":   resetAt.Format(time.RFC3339),
	}).Warn("Account rate limited")
	return resetAt, nil
}

// MarkUnauthorized moves an account to unauthorized. It stays excluded until ResetStatus.
func (s *Store) MarkUnauthorized(ctx context.Context, p platform.Platform, id, reason string) error {
	return s.markTerminal(ctx, p, id, StatusUnauthorized, reason)
}

// MarkBlocked moves an account to blocked. It stays excluded until ResetStatus.
func (s *Store) MarkBlocked(ctx context.Context, p platform.Platform, id, reason string) error {
	return s.markTerminal(ctx, p, id, StatusBlocked, reason)
}

// MarkError moves an account to the generic error state.
func (s *Store) MarkError(ctx context.Context, p platform.Platform, id, reason string) error {
	return s.markTerminal(ctx, p, id, StatusError, reason)
}

func (s *Store) markTerminal(ctx context.Context, p platform.Platform, id string, status Status, reason string) error {
	now := formatTime(s.now())
	c := (&change{}).
		Set(fieldStatus, string(status)).
		Set(fieldErrorMessage, reason).
		Set(fieldUpdatedAt, now).
		Del(fieldRateLimitedAt, fieldRateLimitEndAt, fieldTempErrorUntil)
	if _, err := s.apply(ctx, p, id, modeAlways, c); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{
		"platform":   p,
		"account_id": id,
		"status":     status,
	}).Warnf("Account disabled: %s", reason)
	return nil
}

// MarkTransientError excludes an account for the configured cooldown. A rate limit in
// force or a terminal status takes precedence and is kept.
func (s *Store) MarkTransientError(ctx context.Context, p platform.Platform, id, reason string) error {
	acc, err := s.Get(ctx, p, id)
	if err != nil {
		return err
	}
	now := s.now()
	if acc.IsRateLimitedAt(now) {
		return nil
	}
	c := (&change{}).
		Set(fieldStatus, string(StatusTempError)).
		Set(fieldTempErrorUntil, formatTime(now.Add(s.opts.TempErrorCooldown))).
		Set(fieldErrorMessage, reason).
		Set(fieldUpdatedAt, formatTime(now))
	applied, err := s.apply(ctx, p, id, modeUnlessTerminal, c)
	if err != nil {
		return err
	}
	if applied {
		s.log.WithFields(logrus.Fields{"platform": p, "account_id": id}).Warnf("Account temporarily failing: %s", reason)
	}
	return nil
}

// IsRateLimited reports whether a rate limit is in force. An elapsed limit is cleared
// on the way and reported as not limited.
func (s *Store) IsRateLimited(ctx context.Context, p platform.Platform, id string) (bool, time.Time, error) {
	acc, err := s.Get(ctx, p, id)
	if err != nil {
		return false, time.Time{}, err
	}
	if acc.IsRateLimitedAt(s.now()) {
		return true, acc.RateLimitEndAt, nil
	}
	if _, err := s.HealElapsed(ctx, acc); err != nil {
		return false, time.Time{}, err
	}
	return false, time.Time{}, nil
}

// IsAvailable combines every health check of one account.
func (s *Store) IsAvailable(ctx context.Context, p platform.Platform, id string) (Availability, error) {
	acc, err := s.Get(ctx, p, id)
	if err != nil {
		return Availability{}, err
	}
	if _, err := s.HealElapsed(ctx, acc); err != nil {
		return Availability{}, err
	}
	reason, resetAt := acc.Unavailability(s.now())
	return Availability{
		Available: reason == "",
		Status:    acc.Status,
		Reason:    reason,
		ResetAt:   resetAt,
	}, nil
}

// HealElapsed returns an account whose rate limit or transient error has run out to
// active, both in the store and in acc. It reports whether anything changed.
func (s *Store) HealElapsed(ctx context.Context, acc *Account) (bool, error) {
	now := s.now()
	switch acc.Status {
	case StatusRateLimited:
		if acc.RateLimitEndAt.IsZero() || now.Before(acc.RateLimitEndAt) {
			return false, nil
		}
	case StatusTempError:
		if acc.TempErrorUntil.IsZero() || now.Before(acc.TempErrorUntil) {
			return false, nil
		}
	default:
		return false, nil
	}

	fresh, raw, err := s.load(ctx, acc.Platform, acc.ID)
	if err != nil {
		return false, err
	}
	var guardField string
	var clearFields []interface{}
	switch fresh.Status {
	case StatusRateLimited:
		if fresh.RateLimitEndAt.IsZero() || now.Before(fresh.RateLimitEndAt) {
			*acc = *fresh
			return false, nil
		}
		guardField = fieldRateLimitEndAt
		clearFields = []interface{}{fieldRateLimitedAt, fieldRateLimitEndAt}
	case StatusTempError:
		if fresh.TempErrorUntil.IsZero() || now.Before(fresh.TempErrorUntil) {
			*acc = *fresh
			return false, nil
		}
		guardField = fieldTempErrorUntil
		clearFields = []interface{}{fieldTempErrorUntil, fieldErrorMessage}
	default:
		*acc = *fresh
		return false, nil
	}

	healed, err := s.clear(ctx, fresh, raw[fieldStatus], guardField, raw[guardField], clearFields)
	if err != nil {
		return false, err
	}
	if healed {
		s.log.WithFields(logrus.Fields{"platform": fresh.Platform, "account_id": fresh.ID}).
			Infof("Account recovered from %s", fresh.Status)
		fresh.Status = StatusActive
		fresh.RateLimitedAt, fresh.RateLimitEndAt = time.Time{}, time.Time{}
		if guardField == fieldTempErrorUntil {
			fresh.TempErrorUntil = time.Time{}
			fresh.ErrorMessage = ""
		}
		*acc = *fresh
		return true, nil
	}

	reloaded, err := s.Get(ctx, acc.Platform, acc.ID)
	if err != nil {
		return false, err
	}
	*acc = *reloaded
	return false, nil
}

// RecordSuccess books a successful upstream call: it stamps lastUsedAt, opens a session
// window when none is in progress and clears a pending transient error.
func (s *Store) RecordSuccess(ctx context.Context, p platform.Platform, id string) error {
	acc, raw, err := s.load(ctx, p, id)
	if err != nil {
		return err
	}
	now := s.now()
	c := (&change{}).Set(fieldLastUsedAt, formatTime(now))
	if p.HasSessionWindow() && !windowInProgress(acc.SessionWindowStart, acc.SessionWindowEnd, now) {
		c.Set(fieldSessionWindowStart, formatTime(WindowStart(now, s.opts.WindowLocation))).
			Set(fieldSessionWindowEnd, formatTime(WindowEnd(now, s.opts.WindowLocation)))
	}
	if _, err := s.apply(ctx, p, id, modeAlways, c); err != nil {
		return err
	}

	switch acc.Status {
	case StatusTempError:
		if _, err := s.clear(ctx, acc, raw[fieldStatus], "", "", []interface{}{fieldTempErrorUntil, fieldErrorMessage}); err != nil {
			return err
		}
	case StatusCreated:
		if raw[fieldStatus] != "" {
			if _, err := s.clear(ctx, acc, raw[fieldStatus], "", "", nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// ResetStatus is the administrative recovery from any state back to active.
func (s *Store) ResetStatus(ctx context.Context, p platform.Platform, id string) error {
	c := (&change{}).
		Set(fieldStatus, string(StatusActive)).
		Set(fieldUpdatedAt, formatTime(s.now())).
		Del(fieldErrorMessage, fieldRateLimitedAt, fieldRateLimitEndAt, fieldTempErrorUntil)
	if _, err := s.apply(ctx, p, id, modeAlways, c); err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"platform": p, "account_id": id}).Info("Account status reset")
	return nil
}

func (s *Store) clear(ctx context.Context, acc *Account, rawStatus, guardField, guardValue string, fields []interface{}) (bool, error) {
	args := make([]interface{}, 0, 4+len(fields))
	args = append(args, strings.ToLower(rawStatus), guardField, guardValue, formatTime(s.now()))
	args = append(args, fields...)
	res, err := clearScript.Run(ctx, s.rdb, []string{s.key(acc.Platform, acc.ID)}, args...).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("clear status of %s: %w", acc.ID, err)
	}
	return res == 1, nil
}
