// Package api exposes the engine to the relay layer and to operators over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/pysugar/relay-nexus/internal/account"
	"github.com/pysugar/relay-nexus/internal/db"
	"github.com/pysugar/relay-nexus/internal/engine"
	"github.com/pysugar/relay-nexus/internal/reconcile"
	"github.com/pysugar/relay-nexus/internal/version"
)

// Reconciler runs one maintenance pass on demand.
type Reconciler interface {
	RunOnce(ctx context.Context) (reconcile.Report, error)
}

// Deps are the components the routes call.
type Deps struct {
	Engine        *engine.Engine
	Accounts      *account.Store
	Keys          *db.ClientKeyStore
	Reconciler    Reconciler
	AdminPassword string
	RelaySecret   string
	Log           logrus.FieldLogger
}

type server struct {
	engine     *engine.Engine
	accounts   *account.Store
	keys       *db.ClientKeyStore
	reconciler Reconciler
	log        logrus.FieldLogger
}

// NewRouter builds the HTTP handler.
//
//	/healthz                  liveness
//	/admin/...                account, group and client key administration (basic auth)
//	/engine/v1/select|report  relay-facing scheduling calls (relay secret + client key)
func NewRouter(d Deps) http.Handler {
	s := &server{
		engine:     d.Engine,
		accounts:   d.Accounts,
		keys:       d.Keys,
		reconciler: d.Reconciler,
		log:        d.Log,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(d.Log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version.Version})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(optionalAdminAuth(d.AdminPassword))

		r.Get("/accounts", s.listAccounts)
		r.Post("/accounts", s.createAccount)
		r.Route("/accounts/{platform}/{id}", func(r chi.Router) {
			r.Get("/", s.getAccount)
			r.Patch("/", s.updateAccount)
			r.Delete("/", s.deleteAccount)
			r.Get("/health", s.accountHealth)
			r.Post("/reset", s.resetAccount)
			r.Put("/credentials", s.updateCredentials)
			r.Get("/usage", s.accountUsage)
		})

		r.Get("/groups", s.listGroups)
		r.Post("/groups", s.createGroup)
		r.Route("/groups/{id}", func(r chi.Router) {
			r.Get("/", s.getGroup)
			r.Patch("/", s.updateGroup)
			r.Delete("/", s.deleteGroup)
			r.Get("/members", s.listMembers)
			r.Post("/members", s.addMember)
			r.Delete("/members/{accountID}", s.removeMember)
		})

		r.Get("/keys", s.listKeys)
		r.Post("/keys", s.createKey)
		r.Patch("/keys/{id}", s.updateKey)
		r.Delete("/keys/{id}", s.deleteKey)

		r.Post("/reconcile", s.runReconcile)
	})

	r.Route("/engine/v1", func(r chi.Router) {
		r.Use(relayAuth(d.RelaySecret))
		r.Use(clientKeyAuth(d.Keys, d.Log))
		r.Post("/select", s.selectAccount)
		r.Post("/report", s.report)
	})

	return r
}
