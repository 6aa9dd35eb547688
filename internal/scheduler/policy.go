package scheduler

import (
	"strings"

	"github.com/pysugar/relay-nexus/internal/account"
)

// Policy decides whether an account can serve a requested model on its platform.
// It returns the upstream model name, or a non-empty reason when incompatible.
type Policy interface {
	Compatible(acc *account.Account, model string) (upstream string, reason string)
}

// ModelMapPolicy only consults the account's supported-model map.
type ModelMapPolicy struct{}

func (ModelMapPolicy) Compatible(acc *account.Account, model string) (string, string) {
	upstream, ok := acc.UpstreamModel(model)
	if !ok {
		return "", "model not supported"
	}
	return upstream, ""
}

// ClaudePolicy adds subscription gating of the opus models on top of the model map.
// Accounts with an unknown tier are given the benefit of the doubt.
type ClaudePolicy struct{}

func (ClaudePolicy) Compatible(acc *account.Account, model string) (string, string) {
	if isPremiumModel(model) {
		switch acc.SubscriptionTier {
		case account.TierPro, account.TierFree:
			return "", "subscription tier " + string(acc.SubscriptionTier) + " excludes " + model
		}
	}
	return ModelMapPolicy{}.Compatible(acc, model)
}

func isPremiumModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}
