package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"

	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/storage"
)

type pairRequest struct {
	PairingToken string `json:"pairingToken"`
	DeviceName   string `json:"deviceName"`
}

// handlePair exchanges a pairing token for a device token. The
// endpoint is unauthenticated and therefore failure rate limited per
// remote address.
func (s *Server) handlePair(w http.ResponseWriter, r *http.Request) {
	key := remoteKey(r)
	if s.limiter.Blocked(key) {
		w.Header().Set("Retry-After", "30")
		auth.JSONError(w, "too many pairing attempts", http.StatusTooManyRequests)
		return
	}

	var req pairRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		s.limiter.RecordFailure(key)
		auth.JSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.DeviceName == "" {
		req.DeviceName = "device"
	}

	device, err := s.authStore.ExchangePairingToken(req.PairingToken, req.DeviceName)
	if err != nil {
		s.limiter.RecordFailure(key)
		logger.Info("Pairing failed from %s (%s): %v", key, logger.AuthPresence(req.PairingToken), err)
		auth.JSONError(w, "invalid or expired pairing token", http.StatusUnauthorized)
		return
	}

	logger.Info("Paired device %q from %s", req.DeviceName, key)
	writeJSON(w, http.StatusOK, map[string]string{
		"deviceToken": device.ID,
		"deviceName":  device.Name,
	})
}

func remoteKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleListThemes(w http.ResponseWriter, r *http.Request) {
	names, err := s.themes.List()
	if err != nil {
		auth.JSONError(w, "failed to list themes", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"themes": names})
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	body, err := s.themes.Get(r.PathValue("name"))
	if errors.Is(err, storage.ErrNotFound) {
		auth.JSONError(w, "theme not found", http.StatusNotFound)
		return
	}
	if err != nil {
		auth.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handlePutTheme(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		auth.JSONError(w, "failed to read body", http.StatusBadRequest)
		return
	}
	if err := s.themes.Save(r.PathValue("name"), body); err != nil {
		auth.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteTheme(w http.ResponseWriter, r *http.Request) {
	err := s.themes.Delete(r.PathValue("name"))
	if errors.Is(err, storage.ErrNotFound) {
		auth.JSONError(w, "theme not found", http.StatusNotFound)
		return
	}
	if err != nil {
		auth.JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deviceTokenRequest struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

func (s *Server) handleRegisterDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		auth.JSONError(w, "token is required", http.StatusBadRequest)
		return
	}
	if req.Platform == "" {
		req.Platform = "ios"
	}
	if err := s.authStore.RegisterPushToken(req.Token, req.Platform); err != nil {
		auth.JSONError(w, "failed to register device token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveDeviceToken(w http.ResponseWriter, r *http.Request) {
	var req deviceTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		auth.JSONError(w, "token is required", http.StatusBadRequest)
		return
	}
	if err := s.authStore.RemovePushToken(req.Token); errors.Is(err, auth.ErrTokenNotFound) {
		auth.JSONError(w, "device token not registered", http.StatusNotFound)
		return
	} else if err != nil {
		auth.JSONError(w, "failed to remove device token", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
