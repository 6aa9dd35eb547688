package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/db"
	"github.com/pysugar/relay-nexus/internal/db/models"
	"github.com/pysugar/relay-nexus/internal/logging"
	"github.com/pysugar/relay-nexus/internal/util"
)

type ctxKey int

const clientKeyCtx ctxKey = iota

// ClientKeyLookup authenticates presented client keys.
type ClientKeyLookup interface {
	GetClientKeyByValue(ctx context.Context, value string) (*models.ClientKey, error)
	TouchClientKey(ctx context.Context, id string) error
}

// requestLogger tags each request with an id, echoes it in X-Request-ID and logs the outcome.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := logging.RequestIDFrom(r.Header.Get("X-Request-ID"))
			w.Header().Set("X-Request-ID", id)
			ctx := logging.WithRequestID(r.Context(), id)

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r.WithContext(ctx))

			entry := logging.FromContext(ctx, log).WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"duration": time.Since(start).String(),
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("Request failed")
				return
			}
			entry.Debug("Request served")
		})
	}
}

// optionalAdminAuth enforces HTTP basic auth when a password is configured.
func optionalAdminAuth(password string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if password == "" {
				next.ServeHTTP(w, r)
				return
			}
			_, pass, ok := r.BasicAuth()
			if !ok || subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
				w.Header().Set("WWW-Authenticate", `Basic realm="Relay Admin"`)
				writeError(w, http.StatusUnauthorized, "authentication_error", "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RelaySecretHeader carries the relay layer's service secret on engine routes.
const RelaySecretHeader = "X-Relay-Secret"

// relayAuth admits only callers presenting the relay service secret. Without a configured
// secret the engine routes stay closed.
func relayAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusServiceUnavailable, "api_error", "engine API is disabled: no relay secret configured")
				return
			}
			presented := r.Header.Get(RelaySecretHeader)
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid relay secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientKeyAuth resolves the client key from Authorization: Bearer, x-api-key,
// x-goog-api-key or the key query parameter.
func clientKeyAuth(keys ClientKeyLookup, log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			presented := presentedKey(r)
			if presented == "" {
				writeError(w, http.StatusUnauthorized, "authentication_error", "Missing API key")
				return
			}
			k, err := keys.GetClientKeyByValue(r.Context(), presented)
			switch {
			case errors.Is(err, db.ErrClientKeyNotFound):
				logging.FromContext(r.Context(), log).WithField("key", util.MaskSecret(presented)).Debug("Rejected unknown client key")
				writeError(w, http.StatusUnauthorized, "authentication_error", "Invalid API key")
				return
			case errors.Is(err, db.ErrClientKeyInactive):
				writeError(w, http.StatusForbidden, "permission_error", "API key is disabled")
				return
			case err != nil:
				logging.FromContext(r.Context(), log).WithError(err).Error("Client key lookup failed")
				writeError(w, http.StatusInternalServerError, "api_error", "Failed to verify API key")
				return
			}
			if err := keys.TouchClientKey(r.Context(), k.ID); err != nil {
				logging.FromContext(r.Context(), log).WithError(err).Debug("Failed to stamp client key use")
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientKeyCtx, k)))
		})
	}
}

func presentedKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if k := r.Header.Get("x-api-key"); k != "" {
		return k
	}
	if k := r.Header.Get("x-goog-api-key"); k != "" {
		return k
	}
	return r.URL.Query().Get("key")
}

func clientKeyFrom(ctx context.Context) *models.ClientKey {
	k, _ := ctx.Value(clientKeyCtx).(*models.ClientKey)
	return k
}
