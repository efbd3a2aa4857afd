package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/storage"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

// workspaceRequest is the create/update body
type workspaceRequest struct {
	Name          string                  `json:"name"`
	Runtime       workspace.RuntimeKind   `json:"runtime"`
	Path          string                  `json:"path"`
	EnabledSkills []string                `json:"enabledSkills,omitempty"`
	Policy        workspace.PolicyOverlay `json:"policy"`
}

func (r *workspaceRequest) validate() string {
	if r.Name == "" {
		return "name is required"
	}
	if r.Path == "" {
		return "path is required"
	}
	switch r.Runtime {
	case workspace.RuntimeHost, workspace.RuntimeContainer:
	default:
		return "runtime must be host or container"
	}
	return ""
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.LoadWorkspaces()
	if err != nil {
		auth.JSONError(w, "failed to load workspaces", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workspaces": workspaces})
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req workspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		auth.JSONError(w, msg, http.StatusBadRequest)
		return
	}

	now := time.Now()
	ws := &workspace.Workspace{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Runtime:       req.Runtime,
		Path:          req.Path,
		EnabledSkills: req.EnabledSkills,
		Policy:        req.Policy,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.SaveWorkspace(ws); err != nil {
		auth.JSONError(w, "failed to save workspace", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, ws)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.PathValue("id"))
	if err != nil {
		auth.JSONError(w, "workspace not found", statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleUpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req workspaceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if msg := req.validate(); msg != "" {
		auth.JSONError(w, msg, http.StatusBadRequest)
		return
	}

	var updated *workspace.Workspace
	err := s.coord.WithWorkspaceLock(id, func() error {
		ws, err := s.store.GetWorkspace(id)
		if err != nil {
			return err
		}
		ws.Name = req.Name
		ws.Runtime = req.Runtime
		ws.Path = req.Path
		ws.EnabledSkills = req.EnabledSkills
		ws.Policy = req.Policy
		ws.UpdatedAt = time.Now()
		updated = ws
		return s.store.SaveWorkspace(ws)
	})
	if err != nil {
		auth.JSONError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeleteWorkspace(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	err := s.coord.WithWorkspaceLock(id, func() error {
		if s.coord.SessionCount(id) > 0 {
			return errActiveSessions
		}
		return s.store.DeleteWorkspace(id)
	})
	if err == errActiveSessions {
		auth.JSONError(w, "workspace has active sessions", http.StatusConflict)
		return
	}
	if err == storage.ErrNotFound {
		auth.JSONError(w, "workspace not found", http.StatusNotFound)
		return
	}
	if err != nil {
		auth.JSONError(w, "failed to delete workspace", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
