package account

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/relay-nexus/internal/platform"
)

// Hash field names of the account record.
const (
	fieldID                 = "id"
	fieldName               = "name"
	fieldDescription        = "description"
	fieldPlatform           = "platform"
	fieldPriority           = "priority"
	fieldAccountType        = "accountType"
	fieldSchedulable        = "schedulable"
	fieldStatus             = "status"
	fieldIsActive           = "isActive"
	fieldAccessToken        = "accessToken"
	fieldRefreshToken       = "refreshToken"
	fieldExpiresAt          = "expiresAt"
	fieldSupportedModels    = "supportedModels"
	fieldSubscriptionTier   = "subscriptionTier"
	fieldRateLimitedAt      = "rateLimitedAt"
	fieldRateLimitEndAt     = "rateLimitEndAt"
	fieldTempErrorUntil     = "tempErrorUntil"
	fieldSessionWindowStart = "sessionWindowStart"
	fieldSessionWindowEnd   = "sessionWindowEnd"
	fieldLastUsedAt         = "lastUsedAt"
	fieldLastRefreshAt      = "lastRefreshAt"
	fieldErrorMessage       = "errorMessage"
	fieldCreatedAt          = "createdAt"
	fieldUpdatedAt          = "updatedAt"
)

var statusAliases = map[string]Status{
	"created":      StatusCreated,
	"active":       StatusActive,
	"normal":       StatusActive,
	"ok":           StatusActive,
	"error":        StatusError,
	"unauthorized": StatusUnauthorized,
	"blocked":      StatusBlocked,
	"banned":       StatusBlocked,
	"suspended":    StatusBlocked,
	"temp_error":   StatusTempError,
	"temperror":    StatusTempError,
	"temp-error":   StatusTempError,
	"rate_limited": StatusRateLimited,
	"ratelimited":  StatusRateLimited,
	"rate-limited": StatusRateLimited,
}

// parseStatus maps stored status strings onto the closed Status set. Empty means the
// account was never activated; anything unrecognized is treated as an error state.
func parseStatus(raw string) Status {
	key := strings.ToLower(strings.TrimSpace(raw))
	if key == "" {
		return StatusCreated
	}
	if s, ok := statusAliases[key]; ok {
		return s
	}
	return StatusError
}

// parseBool accepts the boolean spellings found in stored records.
func parseBool(raw string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "yes", "on", "y":
		return true
	case "false", "0", "no", "off", "n":
		return false
	}
	return def
}

func parseType(raw string) Type {
	if strings.EqualFold(strings.TrimSpace(raw), string(TypeDedicated)) {
		return TypeDedicated
	}
	return TypeShared
}

func parseTier(raw string) Tier {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.TrimPrefix(key, "claude_")
	switch {
	case strings.HasPrefix(key, "max"):
		return TierMax
	case key == "pro":
		return TierPro
	case key == "free":
		return TierFree
	}
	return TierUnknown
}

func parsePriority(raw string) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return DefaultPriority
	}
	return clampPriority(n)
}

func clampPriority(n int) int {
	if n < MinPriority {
		return MinPriority
	}
	if n > MaxPriority {
		return MaxPriority
	}
	return n
}

// parseTime accepts RFC 3339 strings and unix timestamps in seconds or milliseconds.
func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 {
		if n > 1e12 {
			return time.UnixMilli(n)
		}
		return time.Unix(n, 0)
	}
	return time.Time{}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseSupportedModels accepts a JSON object (requested -> upstream), a JSON array of
// model names, or a comma separated list. Empty input means every model is allowed.
func parseSupportedModels(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "", "null", "[]", "{}":
		return nil
	}

	var mapping map[string]string
	if err := json.Unmarshal([]byte(raw), &mapping); err == nil {
		return mapping
	}

	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		list = strings.Split(raw, ",")
	}
	mapping = make(map[string]string, len(list))
	for _, m := range list {
		if m = strings.TrimSpace(m); m != "" {
			mapping[m] = m
		}
	}
	if len(mapping) == 0 {
		return nil
	}
	return mapping
}

func formatSupportedModels(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeAccount builds an Account from a raw record hash.
func decodeAccount(fields map[string]string) (*Account, error) {
	if len(fields) == 0 {
		return nil, ErrAccountNotFound
	}
	p, err := platform.Parse(fields[fieldPlatform])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}

	return &Account{
		ID:                 fields[fieldID],
		Name:               fields[fieldName],
		Description:        fields[fieldDescription],
		Platform:           p,
		Priority:           parsePriority(fields[fieldPriority]),
		Type:               parseType(fields[fieldAccountType]),
		Schedulable:        parseBool(fields[fieldSchedulable], true),
		IsActive:           parseBool(fields[fieldIsActive], true),
		Status:             parseStatus(fields[fieldStatus]),
		SupportedModels:    parseSupportedModels(fields[fieldSupportedModels]),
		SubscriptionTier:   parseTier(fields[fieldSubscriptionTier]),
		ExpiresAt:          parseTime(fields[fieldExpiresAt]),
		RateLimitedAt:      parseTime(fields[fieldRateLimitedAt]),
		RateLimitEndAt:     parseTime(fields[fieldRateLimitEndAt]),
		TempErrorUntil:     parseTime(fields[fieldTempErrorUntil]),
		SessionWindowStart: parseTime(fields[fieldSessionWindowStart]),
		SessionWindowEnd:   parseTime(fields[fieldSessionWindowEnd]),
		LastUsedAt:         parseTime(fields[fieldLastUsedAt]),
		LastRefreshAt:      parseTime(fields[fieldLastRefreshAt]),
		ErrorMessage:       fields[fieldErrorMessage],
		HasRefreshToken:    fields[fieldRefreshToken] != "",
		CreatedAt:          parseTime(fields[fieldCreatedAt]),
		UpdatedAt:          parseTime(fields[fieldUpdatedAt]),
	}, nil
}
