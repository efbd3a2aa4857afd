package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/session"
)

var errActiveSessions = errors.New("workspace has active sessions")

type spawnRequest struct {
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetWorkspace(id); err != nil {
		auth.JSONError(w, "workspace not found", statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.manager.Sessions(id)})
}

func (s *Server) handleSpawnSession(w http.ResponseWriter, r *http.Request) {
	ws, err := s.store.GetWorkspace(r.PathValue("id"))
	if err != nil {
		auth.JSONError(w, "workspace not found", statusForError(err))
		return
	}

	var req spawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		auth.JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Model == "" {
		auth.JSONError(w, "model is required", http.StatusBadRequest)
		return
	}

	sess, err := s.manager.Spawn(r.Context(), ws, session.SpawnOptions{
		Model:         req.Model,
		ThinkingLevel: req.ThinkingLevel,
	})
	if err != nil {
		auth.JSONError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// sessionInWorkspace resolves the {sid} path value, enforcing that the
// session belongs to the {id} workspace.
func (s *Server) sessionInWorkspace(w http.ResponseWriter, r *http.Request) (*session.ActiveSession, bool) {
	as, ok := s.manager.Active(r.PathValue("sid"))
	if !ok || as.Session.WorkspaceID != r.PathValue("id") {
		auth.JSONError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	return as, true
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	as, ok := s.sessionInWorkspace(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, as.Session)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionInWorkspace(w, r); !ok {
		return
	}
	if err := s.manager.StopSession(r.PathValue("sid"), "user"); err != nil {
		auth.JSONError(w, err.Error(), statusForError(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	as, ok := s.sessionInWorkspace(w, r)
	if !ok {
		return
	}

	var since *int64
	if raw := r.URL.Query().Get("sinceSeq"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			auth.JSONError(w, "sinceSeq must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = &n
	}

	records, head := as.ReplaySnapshot(since)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":     records,
		"currentSeq": head,
	})
}

// forwardRPC relays a REST accessor to the agent as a request/response
// command and returns its payload verbatim.
func (s *Server) forwardRPC(w http.ResponseWriter, r *http.Request, name string, args json.RawMessage) {
	if _, ok := s.sessionInWorkspace(w, r); !ok {
		return
	}
	data, err := s.manager.ForwardClientCommand(r.Context(), r.PathValue("sid"), name, args, "rest-"+uuid.NewString())
	if err != nil {
		auth.JSONError(w, err.Error(), statusForError(err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, _ = w.Write(data)
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	s.forwardRPC(w, r, "list_files", nil)
}

func (s *Server) handleToolOutput(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(map[string]string{"toolCallId": r.PathValue("tid")})
	s.forwardRPC(w, r, "get_tool_output", args)
}

func (s *Server) handleOverallDiff(w http.ResponseWriter, r *http.Request) {
	s.forwardRPC(w, r, "get_overall_diff", nil)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.sessionInWorkspace(w, r); !ok {
		return
	}
	if err := s.manager.SendAbort(r.PathValue("sid")); err != nil {
		auth.JSONError(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

func (s *Server) handleResumeSession(w http.ResponseWriter, r *http.Request) {
	s.forwardRPC(w, r, "resume", nil)
}

func (s *Server) handleForkSession(w http.ResponseWriter, r *http.Request) {
	s.forwardRPC(w, r, "fork", nil)
}
