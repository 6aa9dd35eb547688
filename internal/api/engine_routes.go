package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/engine"
	"github.com/pysugar/relay-nexus/internal/fingerprint"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/scheduler"
	"github.com/pysugar/relay-nexus/internal/upstream"
)

type selectRequest struct {
	Platform     string          `json:"platform" validate:"required"`
	Model        string          `json:"model"`
	Fingerprint  string          `json:"fingerprint" validate:"omitempty,max=128"`
	// Body is the client request body; the fingerprint is derived from it when not given.
	Body         json.RawMessage `json:"body"`
	IncludeToken bool            `json:"include_token"`
}

type selectResponse struct {
	*scheduler.Selection
	Fingerprint string `json:"fingerprint,omitempty"`
	AccessToken string `json:"access_token,omitempty"`
}

type usagePayload struct {
	InputTokens  int64 `json:"input_tokens" validate:"gte=0"`
	OutputTokens int64 `json:"output_tokens" validate:"gte=0"`
}

type reportRequest struct {
	Platform          string            `json:"platform" validate:"required"`
	AccountID         string            `json:"account_id" validate:"required"`
	Fingerprint       string            `json:"fingerprint"`
	Outcome           string            `json:"outcome" validate:"required,oneof=success failure"`
	Kind              string            `json:"kind"`
	StatusCode        int               `json:"status_code" validate:"omitempty,min=100,max=599"`
	ResetAfterSeconds float64           `json:"reset_after_seconds" validate:"gte=0"`
	Message           string            `json:"message" validate:"max=2000"`
	Usage             *usagePayload     `json:"usage"`
	// Headers and ErrorBody are the upstream response, forwarded for reset hints.
	Headers           map[string]string `json:"headers"`
	ErrorBody         json.RawMessage   `json:"error_body"`
}

// upstreamResponse rebuilds enough of the upstream response for classification.
func (req *reportRequest) upstreamResponse() *http.Response {
	h := make(http.Header, len(req.Headers))
	for k, v := range req.Headers {
		h.Set(k, v)
	}
	return &http.Response{
		StatusCode: req.StatusCode,
		Header:     h,
		Body:       io.NopCloser(bytes.NewReader(req.ErrorBody)),
	}
}

type reportResponse struct {
	Recorded bool                 `json:"recorded"`
	Kind     upstream.FailureKind `json:"kind,omitempty"`
	ResetAt  *time.Time           `json:"reset_at,omitempty"`
}

func credentialFor(r *http.Request) engine.Credential {
	k := clientKeyFrom(r.Context())
	if k == nil {
		return engine.Credential{}
	}
	return engine.Credential{ID: k.ID, Bindings: k.Bindings()}
}

func (s *server) selectAccount(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	fp := req.Fingerprint
	if fp == "" && len(req.Body) > 0 {
		fp = fingerprint.Derive(req.Body)
	}

	sel, err := s.engine.SelectAccount(r.Context(), credentialFor(r), p, fp, req.Model)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := selectResponse{Selection: sel, Fingerprint: fp}
	if req.IncludeToken {
		tok, err := s.engine.AccessToken(r.Context(), p, sel.AccountID)
		if err != nil {
			logging.FromContext(r.Context(), s.log).WithFields(logrus.Fields{
				"platform":   p,
				"account_id": sel.AccountID,
			}).WithError(err).Warn("Selected account has no usable token")
			writeDomainError(w, err)
			return
		}
		resp.AccessToken = tok
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) report(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if err := s.engine.CheckEntitlement(r.Context(), credentialFor(r), p, req.AccountID); err != nil {
		logging.FromContext(r.Context(), s.log).WithFields(logrus.Fields{
			"platform":   p,
			"account_id": req.AccountID,
		}).WithError(err).Warn("Rejected report outside the credential's scope")
		writeDomainError(w, err)
		return
	}

	if req.Outcome == "success" {
		var usage account.Usage
		if req.Usage != nil {
			usage = account.Usage{InputTokens: req.Usage.InputTokens, OutputTokens: req.Usage.OutputTokens}
		}
		if err := s.engine.ReportSuccess(r.Context(), p, req.AccountID, usage); err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reportResponse{Recorded: true})
		return
	}

	resp := req.upstreamResponse()
	kind, hint := upstream.Classify(resp)
	if req.Kind != "" {
		if kind, err = upstream.ParseFailureKind(req.Kind); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
			return
		}
		if kind == upstream.FailureRateLimited && hint == 0 {
			hint = upstream.ParseRetryDelay(resp)
		}
	}
	if req.ResetAfterSeconds > 0 {
		hint = time.Duration(req.ResetAfterSeconds * float64(time.Second))
	}
	if kind == upstream.FailureNone {
		// Client-side errors say nothing about the account.
		writeJSON(w, http.StatusOK, reportResponse{Recorded: false})
		return
	}

	resetAt, err := s.engine.ReportFailure(r.Context(), engine.Failure{
		Platform:    p,
		AccountID:   req.AccountID,
		Fingerprint: req.Fingerprint,
		Kind:        kind,
		ResetHint:   hint,
		Message:     req.Message,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportResponse{Recorded: true, Kind: kind, ResetAt: optTime(resetAt)})
}
