package upstream

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// maxErrorBody bounds how much of an error body is inspected for reset hints.
const maxErrorBody = 64 << 10

// retryInfo covers the reset hints found in 429 bodies: Google's RetryInfo details and
// the resets_in_seconds field of OpenAI usage limits.
type retryInfo struct {
	Error struct {
		Code            int    `json:"code"`
		Message         string `json:"message"`
		Status          string `json:"status"`
		ResetsInSeconds int64  `json:"resets_in_seconds"`
		Details         []struct {
			Type       string            `json:"@type"`
			Reason     string            `json:"reason"`
			Metadata   map[string]string `json:"metadata"`
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts a reset hint from a rate-limited response. Headers are checked
// first (Retry-After, then the unified reset timestamp), then the JSON body. It returns 0
// when no hint is present. The body is restored for the caller.
func ParseRetryDelay(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := resp.Header.Get("Retry-After"); retryAfter != "" {
		if seconds, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}
	if reset := resp.Header.Get("Anthropic-Ratelimit-Unified-Reset"); reset != "" {
		if ts, err := strconv.ParseInt(strings.TrimSpace(reset), 10, 64); err == nil {
			if d := time.Until(time.Unix(ts, 0)); d > 0 {
				return d
			}
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if err != nil {
		return 0
	}

	var info retryInfo
	if err := json.Unmarshal(bodyBytes, &info); err != nil {
		return 0
	}
	if info.Error.ResetsInSeconds > 0 {
		return time.Duration(info.Error.ResetsInSeconds) * time.Second
	}
	for _, detail := range info.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
