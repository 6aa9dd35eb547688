// Package upstream turns upstream HTTP responses into account health signals.
package upstream

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// FailureKind is the account-level meaning of an upstream response.
type FailureKind string

const (
	FailureNone         FailureKind = ""
	FailureUnauthorized FailureKind = "unauthorized"
	FailureBlocked      FailureKind = "blocked"
	FailureRateLimited  FailureKind = "rate_limited"
	FailureTransient    FailureKind = "transient"
)

// StatusOverloaded is the non-standard status some providers use when saturated.
const StatusOverloaded = 529

// ParseFailureKind validates a kind reported by the relay layer.
func ParseFailureKind(s string) (FailureKind, error) {
	switch k := FailureKind(strings.ToLower(strings.TrimSpace(s))); k {
	case FailureUnauthorized, FailureBlocked, FailureRateLimited, FailureTransient:
		return k, nil
	case "rate-limited", "ratelimited":
		return FailureRateLimited, nil
	case "temp_error", "transient_error":
		return FailureTransient, nil
	}
	return FailureNone, fmt.Errorf("unknown failure kind %q", s)
}

// Classify maps a response to a failure kind and, for rate limits, the reset hint.
func Classify(resp *http.Response) (FailureKind, time.Duration) {
	if resp == nil {
		return FailureNone, 0
	}
	return ClassifyStatus(resp.StatusCode), hintFor(resp)
}

// ClassifyStatus maps a bare status code.
func ClassifyStatus(code int) FailureKind {
	switch {
	case code == http.StatusUnauthorized:
		return FailureUnauthorized
	case code == http.StatusForbidden:
		return FailureBlocked
	case code == http.StatusTooManyRequests:
		return FailureRateLimited
	case code == StatusOverloaded, code >= 500:
		return FailureTransient
	}
	return FailureNone
}

func hintFor(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests {
		return 0
	}
	return ParseRetryDelay(resp)
}
