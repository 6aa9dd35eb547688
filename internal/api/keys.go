package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/relay-nexus/internal/db"
	"github.com/pysugar/relay-nexus/internal/db/models"
	"github.com/pysugar/relay-nexus/internal/platform"
	"github.com/pysugar/relay-nexus/internal/scheduler"
)

type createKeyRequest struct {
	Name          string `json:"name" validate:"max=200"`
	Key           string `json:"key" validate:"omitempty,min=16,max=200"`
	ClaudeBinding string `json:"claude_binding"`
	GeminiBinding string `json:"gemini_binding"`
	OpenAIBinding string `json:"openai_binding"`
}

type updateKeyRequest struct {
	Name          *string `json:"name" validate:"omitempty,max=200"`
	IsActive      *bool   `json:"is_active"`
	ClaudeBinding *string `json:"claude_binding"`
	GeminiBinding *string `json:"gemini_binding"`
	OpenAIBinding *string `json:"openai_binding"`
}

// checkBinding verifies that a group binding names an existing group of platform p.
// Account bindings are checked at selection time.
func (s *server) checkBinding(ctx context.Context, p platform.Platform, raw *string) error {
	if raw == nil {
		return nil
	}
	b := scheduler.ParseBinding(*raw)
	if b.Kind != scheduler.KindGroup {
		return nil
	}
	g, err := s.engine.GetGroup(ctx, b.GroupID)
	if err != nil {
		return err
	}
	if g.Platform != p {
		return fmt.Errorf("%w: group %s belongs to %s, not %s", errBadBinding, g.ID, g.Platform, p)
	}
	return nil
}

func (s *server) checkBindings(ctx context.Context, claude, gemini, openai *string) error {
	for p, raw := range map[platform.Platform]*string{
		platform.Claude: claude,
		platform.Gemini: gemini,
		platform.OpenAI: openai,
	} {
		if err := s.checkBinding(ctx, p, raw); err != nil {
			return err
		}
	}
	return nil
}

func (s *server) listKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.keys.ListClientKeys(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if keys == nil {
		keys = []models.ClientKey{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

func (s *server) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.checkBindings(r.Context(), &req.ClaudeBinding, &req.GeminiBinding, &req.OpenAIBinding); err != nil {
		writeDomainError(w, err)
		return
	}
	k, err := s.keys.CreateClientKey(r.Context(), db.ClientKeyInput{
		Name:          req.Name,
		Key:           req.Key,
		ClaudeBinding: req.ClaudeBinding,
		GeminiBinding: req.GeminiBinding,
		OpenAIBinding: req.OpenAIBinding,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, k)
}

func (s *server) updateKey(w http.ResponseWriter, r *http.Request) {
	var req updateKeyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.checkBindings(r.Context(), req.ClaudeBinding, req.GeminiBinding, req.OpenAIBinding); err != nil {
		writeDomainError(w, err)
		return
	}
	k, err := s.keys.UpdateClientKey(r.Context(), chi.URLParam(r, "id"), db.ClientKeyUpdate{
		Name:          req.Name,
		IsActive:      req.IsActive,
		ClaudeBinding: req.ClaudeBinding,
		GeminiBinding: req.GeminiBinding,
		OpenAIBinding: req.OpenAIBinding,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *server) deleteKey(w http.ResponseWriter, r *http.Request) {
	if err := s.keys.DeleteClientKey(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) runReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusNotImplemented, "api_error", "reconciliation is disabled")
		return
	}
	rep, err := s.reconciler.RunOnce(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
