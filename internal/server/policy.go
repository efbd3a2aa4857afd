package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

func (s *Server) handlePendingPermissions(w http.ResponseWriter, r *http.Request) {
	var pending []protocol.PermissionView
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		if !s.gate.HasSession(sessionID) {
			auth.JSONError(w, "session not found", http.StatusNotFound)
			return
		}
		pending = s.gate.PendingForSession(sessionID)
	} else {
		pending = s.gate.PendingForUser()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"serverTime": time.Now().UnixMilli(),
		"pending":    pending,
	})
}

func (s *Server) handlePolicyRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"rules": s.rules.List()})
}

func (s *Server) handlePolicyAudit(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			auth.JSONError(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.auditLog.Query(r.URL.Query().Get("sessionId"), limit)
	if err != nil {
		auth.JSONError(w, "failed to query audit log", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"profile": s.profile.Active()})
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Profile policy.SecurityProfile `json:"profile"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		auth.JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.profile.Set(body.Profile); err != nil {
		auth.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"profile": s.profile.Active()})
}
