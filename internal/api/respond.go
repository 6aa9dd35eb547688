package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/auth/token"
	"github.com/pysugar/relay-nexus/internal/db"
	"github.com/pysugar/relay-nexus/internal/engine"
	"github.com/pysugar/relay-nexus/internal/group"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/scheduler"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

var errBadBinding = errors.New("invalid credential binding")

// errorBody is the error envelope of every route.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	AccountID string     `json:"account_id,omitempty"`
	GroupID   string     `json:"group_id,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: typ}})
}

// writeDomainError maps an engine error to its HTTP status.
func writeDomainError(w http.ResponseWriter, err error) {
	status, typ := classify(err)
	detail := errorDetail{Message: err.Error(), Type: typ}

	var serr *scheduler.Error
	if errors.As(err, &serr) {
		detail.AccountID = serr.AccountID
		detail.GroupID = serr.GroupID
		if !serr.ResetAt.IsZero() {
			resetAt := serr.ResetAt.UTC()
			detail.ResetAt = &resetAt
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(resetAt).Seconds())+1))
		}
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, account.ErrAccountNotFound),
		errors.Is(err, group.ErrGroupNotFound),
		errors.Is(err, group.ErrMemberNotFound),
		errors.Is(err, db.ErrClientKeyNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, account.ErrAccountExists),
		errors.Is(err, group.ErrGroupExists),
		errors.Is(err, group.ErrGroupNotEmpty),
		errors.Is(err, group.ErrGroupInUse):
		return http.StatusConflict, "conflict"
	case errors.Is(err, account.ErrInvalidAccount),
		errors.Is(err, group.ErrInvalidGroup),
		errors.Is(err, group.ErrPlatformMismatch),
		errors.Is(err, platform.ErrUnknownPlatform),
		errors.Is(err, errBadBinding):
		return http.StatusBadRequest, "invalid_request_error"
	case errors.Is(err, engine.ErrNotEntitled):
		return http.StatusForbidden, "permission_error"
	case errors.Is(err, scheduler.ErrDedicatedAccountRateLimited):
		return http.StatusTooManyRequests, "rate_limit_error"
	case errors.Is(err, scheduler.ErrDedicatedAccountUnavailable),
		errors.Is(err, scheduler.ErrNoEligibleAccount),
		errors.Is(err, token.ErrRefreshInProgress):
		return http.StatusServiceUnavailable, "overloaded_error"
	case errors.Is(err, token.ErrNoRefreshCredential),
		errors.Is(err, account.ErrUndecryptable):
		return http.StatusConflict, "credential_error"
	}
	return http.StatusInternalServerError, "api_error"
}

// decode reads a JSON body into v and runs its validate tags.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	if err := validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid request: %s", strings.Join(fields, ", "))
		}
		return err
	}
	return nil
}
