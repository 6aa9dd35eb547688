package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/platform"
)

// accountView is the administrative rendering of an account. Token material is never returned.
type accountView struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	Platform           platform.Platform `json:"platform"`
	Priority           int               `json:"priority"`
	Type               account.Type      `json:"account_type"`
	Schedulable        bool              `json:"schedulable"`
	IsActive           bool              `json:"is_active"`
	Status             account.Status    `json:"status"`
	SupportedModels    map[string]string `json:"supported_models,omitempty"`
	SubscriptionTier   account.Tier      `json:"subscription_tier,omitempty"`
	HasRefreshToken    bool              `json:"has_refresh_token"`
	ErrorMessage       string            `json:"error_message,omitempty"`
	ExpiresAt          *time.Time        `json:"expires_at,omitempty"`
	RateLimitEndAt     *time.Time        `json:"rate_limit_end_at,omitempty"`
	TempErrorUntil     *time.Time        `json:"temp_error_until,omitempty"`
	SessionWindowStart *time.Time        `json:"session_window_start,omitempty"`
	SessionWindowEnd   *time.Time        `json:"session_window_end,omitempty"`
	LastUsedAt         *time.Time        `json:"last_used_at,omitempty"`
	LastRefreshAt      *time.Time        `json:"last_refresh_at,omitempty"`
	CreatedAt          *time.Time        `json:"created_at,omitempty"`
	UpdatedAt          *time.Time        `json:"updated_at,omitempty"`
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func viewAccount(a *account.Account) accountView {
	return accountView{
		ID:                 a.ID,
		Name:               a.Name,
		Description:        a.Description,
		Platform:           a.Platform,
		Priority:           a.Priority,
		Type:               a.Type,
		Schedulable:        a.Schedulable,
		IsActive:           a.IsActive,
		Status:             a.Status,
		SupportedModels:    a.SupportedModels,
		SubscriptionTier:   a.SubscriptionTier,
		HasRefreshToken:    a.HasRefreshToken,
		ErrorMessage:       a.ErrorMessage,
		ExpiresAt:          optTime(a.ExpiresAt),
		RateLimitEndAt:     optTime(a.RateLimitEndAt),
		TempErrorUntil:     optTime(a.TempErrorUntil),
		SessionWindowStart: optTime(a.SessionWindowStart),
		SessionWindowEnd:   optTime(a.SessionWindowEnd),
		LastUsedAt:         optTime(a.LastUsedAt),
		LastRefreshAt:      optTime(a.LastRefreshAt),
		CreatedAt:          optTime(a.CreatedAt),
		UpdatedAt:          optTime(a.UpdatedAt),
	}
}

type createAccountRequest struct {
	ID               string            `json:"id" validate:"omitempty,max=128"`
	Name             string            `json:"name" validate:"max=200"`
	Description      string            `json:"description" validate:"max=1000"`
	Platform         string            `json:"platform" validate:"required"`
	Priority         int               `json:"priority" validate:"omitempty,min=1,max=100"`
	AccountType      string            `json:"account_type" validate:"omitempty,oneof=shared dedicated"`
	Schedulable      *bool             `json:"schedulable"`
	SupportedModels  map[string]string `json:"supported_models"`
	SubscriptionTier string            `json:"subscription_tier"`
	AccessToken      string            `json:"access_token"`
	RefreshToken     string            `json:"refresh_token"`
	ExpiresAt        time.Time         `json:"expires_at"`
}

type updateAccountRequest struct {
	Name             *string            `json:"name" validate:"omitempty,max=200"`
	Description      *string            `json:"description" validate:"omitempty,max=1000"`
	Priority         *int               `json:"priority" validate:"omitempty,min=1,max=100"`
	AccountType      *string            `json:"account_type" validate:"omitempty,oneof=shared dedicated"`
	Schedulable      *bool              `json:"schedulable"`
	IsActive         *bool              `json:"is_active"`
	SupportedModels  *map[string]string `json:"supported_models"`
	SubscriptionTier *string            `json:"subscription_tier"`
}

type credentialsRequest struct {
	AccessToken  string    `json:"access_token" validate:"required"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// accountRef resolves the {platform}/{id} path parameters.
func accountRef(w http.ResponseWriter, r *http.Request) (platform.Platform, string, bool) {
	p, err := platform.Parse(chi.URLParam(r, "platform"))
	if err != nil {
		writeDomainError(w, err)
		return "", "", false
	}
	return p, chi.URLParam(r, "id"), true
}

func (s *server) listAccounts(w http.ResponseWriter, r *http.Request) {
	platforms := platform.All()
	if raw := r.URL.Query().Get("platform"); raw != "" {
		p, err := platform.Parse(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		platforms = []platform.Platform{p}
	}

	views := []accountView{}
	for _, p := range platforms {
		accounts, err := s.accounts.List(r.Context(), p)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		for _, a := range accounts {
			views = append(views, viewAccount(a))
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accounts": views,
		"count":    len(views),
	})
}

func (s *server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	acc, err := s.accounts.Create(r.Context(), account.CreateInput{
		ID:               req.ID,
		Name:             req.Name,
		Description:      req.Description,
		Platform:         p,
		Priority:         req.Priority,
		Type:             account.Type(req.AccountType),
		Schedulable:      req.Schedulable,
		SupportedModels:  req.SupportedModels,
		SubscriptionTier: account.Tier(req.SubscriptionTier),
		AccessToken:      req.AccessToken,
		RefreshToken:     req.RefreshToken,
		ExpiresAt:        req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewAccount(acc))
}

func (s *server) getAccount(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	acc, err := s.accounts.Get(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (s *server) updateAccount(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	var req updateAccountRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	in := account.UpdateInput{
		Name:            req.Name,
		Description:     req.Description,
		Priority:        req.Priority,
		Schedulable:     req.Schedulable,
		IsActive:        req.IsActive,
		SupportedModels: req.SupportedModels,
	}
	if req.AccountType != nil {
		t := account.Type(*req.AccountType)
		in.Type = &t
	}
	if req.SubscriptionTier != nil {
		tier := account.Tier(*req.SubscriptionTier)
		in.SubscriptionTier = &tier
	}
	acc, err := s.accounts.Update(r.Context(), p, id, in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (s *server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	if err := s.engine.DeleteAccount(r.Context(), p, id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) accountHealth(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	av, err := s.engine.IsAvailable(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, av)
}

func (s *server) resetAccount(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	if err := s.accounts.ResetStatus(r.Context(), p, id); err != nil {
		writeDomainError(w, err)
		return
	}
	acc, err := s.accounts.Get(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acc))
}

func (s *server) updateCredentials(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	var req credentialsRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	err := s.accounts.UpdateCredentials(r.Context(), p, id, account.Credentials{
		AccessToken:  req.AccessToken,
		RefreshToken: req.RefreshToken,
		ExpiresAt:    req.ExpiresAt,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) accountUsage(w http.ResponseWriter, r *http.Request) {
	p, id, ok := accountRef(w, r)
	if !ok {
		return
	}
	if exists, err := s.accounts.Exists(r.Context(), p, id); err != nil || !exists {
		if err == nil {
			err = account.ErrAccountNotFound
		}
		writeDomainError(w, err)
		return
	}
	counters, err := s.accounts.UsageCounters(r.Context(), p, id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}
