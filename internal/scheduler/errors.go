package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pysugar/relay-nexus/internal/platform"
)

var (
	// ErrNoEligibleAccount means every account in scope was filtered out.
	ErrNoEligibleAccount = errors.New("no eligible account")
	// ErrDedicatedAccountUnavailable means a pinned account or group cannot serve.
	ErrDedicatedAccountUnavailable = errors.New("dedicated account unavailable")
	// ErrDedicatedAccountRateLimited means a pinned account is waiting for its reset.
	ErrDedicatedAccountRateLimited = errors.New("dedicated account rate limited")
)

// Error carries the diagnostics of a failed selection. Match the cause with errors.Is.
type Error struct {
	Kind      error
	Platform  platform.Platform
	AccountID string
	GroupID   string
	Model     string
	ResetAt   time.Time
	Reason    string
}

func (e *Error) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %v", e.Platform, e.Kind)
	if e.AccountID != "" {
		fmt.Fprintf(&sb, " account=%s", e.AccountID)
	}
	if e.GroupID != "" {
		fmt.Fprintf(&sb, " group=%s", e.GroupID)
	}
	if e.Model != "" {
		fmt.Fprintf(&sb, " model=%s", e.Model)
	}
	if e.Reason != "" {
		fmt.Fprintf(&sb, " (%s)", e.Reason)
	}
	if !e.ResetAt.IsZero() {
		fmt.Fprintf(&sb, " resets at %s", e.ResetAt.Format(time.RFC3339))
	}
	return sb.String()
}

func (e *Error) Unwrap() error { return e.Kind }
