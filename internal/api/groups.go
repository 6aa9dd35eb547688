package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/relay-nexus/internal/group"
	"github.com/pysugar/relay-nexus/internal/platform"
)

type createGroupRequest struct {
	ID          string `json:"id" validate:"omitempty,max=128"`
	Name        string `json:"name" validate:"required,max=200"`
	Platform    string `json:"platform" validate:"required"`
	Description string `json:"description" validate:"max=1000"`
}

type updateGroupRequest struct {
	Name        *string `json:"name" validate:"omitempty,min=1,max=200"`
	Description *string `json:"description" validate:"omitempty,max=1000"`
}

type memberRequest struct {
	AccountID string `json:"account_id" validate:"required"`
}

func (s *server) listGroups(w http.ResponseWriter, r *http.Request) {
	var p platform.Platform
	if raw := r.URL.Query().Get("platform"); raw != "" {
		parsed, err := platform.Parse(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		p = parsed
	}
	groups, err := s.engine.ListGroups(r.Context(), p)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if groups == nil {
		groups = []*group.Group{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"groups": groups,
		"count":  len(groups),
	})
}

func (s *server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	p, err := platform.Parse(req.Platform)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	g, err := s.engine.CreateGroup(r.Context(), group.CreateInput{
		ID:          req.ID,
		Name:        req.Name,
		Platform:    p,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *server) getGroup(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.GetGroup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	members, err := s.engine.ListMembers(r.Context(), g.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group":   g,
		"members": members,
	})
}

func (s *server) updateGroup(w http.ResponseWriter, r *http.Request) {
	var req updateGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	g, err := s.engine.UpdateGroup(r.Context(), chi.URLParam(r, "id"), group.UpdateInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *server) deleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteGroup(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) listMembers(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.GetGroup(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	members, err := s.engine.ListMembers(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if members == nil {
		members = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"members": members})
}

func (s *server) addMember(w http.ResponseWriter, r *http.Request) {
	var req memberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	if err := s.engine.AddMember(r.Context(), chi.URLParam(r, "id"), req.AccountID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *server) removeMember(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.RemoveMember(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "accountID")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
