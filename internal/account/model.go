// Package account stores upstream accounts in the shared store and runs their health state machine.
package account

import (
	"errors"
	"strings"
	"time"

	"github.com/pysugar/relay-nexus/internal/platform"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	ErrInvalidAccount  = errors.New("invalid account")
	// ErrUndecryptable means stored token material does not open with the configured key.
	ErrUndecryptable   = errors.New("stored credentials cannot be decrypted")
)

// Status is the health state of an account.
type Status string

const (
	StatusCreated      Status = "created"
	StatusActive       Status = "active"
	StatusError        Status = "error"
	StatusUnauthorized Status = "unauthorized"
	StatusBlocked      Status = "blocked"
	StatusTempError    Status = "temp_error"
	StatusRateLimited  Status = "rate_limited"
)

// IsTerminal reports whether the status excludes the account until an administrative reset.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusError, StatusUnauthorized, StatusBlocked:
		return true
	}
	return false
}

// Type distinguishes accounts reserved for one client credential from pooled ones.
type Type string

const (
	TypeDedicated Type = "dedicated"
	TypeShared    Type = "shared"
)

// Tier is the subscription level of an account.
type Tier string

const (
	TierUnknown Tier = ""
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierMax     Tier = "max"
)

const (
	MinPriority     = 1
	MaxPriority     = 100
	DefaultPriority = 50
)

// Account is the normalized view of one stored account. Credential material is never
// carried here; use Store.Credentials.
type Account struct {
	ID          string
	Name        string
	Description string
	Platform    platform.Platform
	Priority    int
	Type        Type
	Schedulable bool
	IsActive    bool
	Status      Status

	// SupportedModels maps requested model names to upstream names. Empty means all models.
	SupportedModels  map[string]string
	SubscriptionTier Tier

	ExpiresAt          time.Time
	RateLimitedAt      time.Time
	RateLimitEndAt     time.Time
	TempErrorUntil     time.Time
	SessionWindowStart time.Time
	SessionWindowEnd   time.Time
	LastUsedAt         time.Time
	LastRefreshAt      time.Time
	ErrorMessage       string
	HasRefreshToken    bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials is the decrypted token material of an account.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// CreateInput describes a new account. Tokens are given in plaintext and encrypted on write.
type CreateInput struct {
	ID               string
	Name             string
	Description      string
	Platform         platform.Platform
	Priority         int
	Type             Type
	Schedulable      *bool
	SupportedModels  map[string]string
	SubscriptionTier Tier
	AccessToken      string
	RefreshToken     string
	ExpiresAt        time.Time
}

// UpdateInput changes only the non-nil fields.
type UpdateInput struct {
	Name             *string
	Description      *string
	Priority         *int
	Type             *Type
	Schedulable      *bool
	IsActive         *bool
	SupportedModels  *map[string]string
	SubscriptionTier *Tier
}

// Usage is the counter delta reported after a successful upstream call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// UpstreamModel returns the upstream name for model and whether the account serves it.
// An empty model or an unrestricted account always matches.
func (a *Account) UpstreamModel(model string) (string, bool) {
	if model == "" || len(a.SupportedModels) == 0 {
		return model, true
	}
	if target, ok := a.SupportedModels[model]; ok {
		if target == "" {
			target = model
		}
		return target, true
	}
	lower := strings.ToLower(model)
	for requested, target := range a.SupportedModels {
		if strings.ToLower(requested) == lower {
			if target == "" {
				target = model
			}
			return target, true
		}
	}
	return "", false
}

// Unavailability explains why the account cannot serve traffic at now, ignoring model
// compatibility. It returns an empty reason when the account is usable; resetAt is set
// when the account recovers on its own.
func (a *Account) Unavailability(now time.Time) (reason string, resetAt time.Time) {
	switch {
	case !a.IsActive:
		return "inactive", time.Time{}
	case a.Status.IsTerminal():
		return "status " + string(a.Status), time.Time{}
	case !a.Schedulable:
		return "not schedulable", time.Time{}
	case a.IsRateLimitedAt(now):
		return "rate limited", a.RateLimitEndAt
	case a.Status == StatusTempError && (a.TempErrorUntil.IsZero() || now.Before(a.TempErrorUntil)):
		return "temporary upstream error", a.TempErrorUntil
	}
	return "", time.Time{}
}

// IsRateLimitedAt reports whether a stored rate limit is still in force at now.
// A rate-limited status without an end time stays limited until cleared.
func (a *Account) IsRateLimitedAt(now time.Time) bool {
	if a.Status != StatusRateLimited {
		return false
	}
	return a.RateLimitEndAt.IsZero() || now.Before(a.RateLimitEndAt)
}
