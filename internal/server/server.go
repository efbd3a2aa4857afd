// Package server mounts the REST surface and the multiplexed stream
// endpoint on one listener. Every route except /health, /metrics, and
// /pair sits behind bearer-token auth.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/HyphaGroup/bastille/internal/audit"
	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/config"
	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/metrics"
	"github.com/HyphaGroup/bastille/internal/permission"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/session"
	"github.com/HyphaGroup/bastille/internal/storage"
	"github.com/HyphaGroup/bastille/internal/stream"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

// Version is stamped by the build
var Version = "dev"

// Server wires the REST handlers to their collaborators
type Server struct {
	cfg       *config.Config
	store     *storage.FileStore
	themes    *storage.ThemeStore
	authStore *auth.Store
	manager   *session.Manager
	coord     *workspace.Coordinator
	gate      *permission.Gate
	rules     *policy.RuleStore
	profile   *policy.ProfileStore
	auditLog  *audit.Log
	mux       *stream.Mux
	limiter   *auth.PairingLimiter

	httpServer *http.Server
	startedAt  time.Time
}

// Deps collects the server's collaborators
type Deps struct {
	Config    *config.Config
	Store     *storage.FileStore
	Themes    *storage.ThemeStore
	AuthStore *auth.Store
	Manager   *session.Manager
	Coord     *workspace.Coordinator
	Gate      *permission.Gate
	Rules     *policy.RuleStore
	Profile   *policy.ProfileStore
	AuditLog  *audit.Log
	Mux       *stream.Mux
	Limiter   *auth.PairingLimiter
}

// New builds the server and its route table
func New(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		store:     deps.Store,
		themes:    deps.Themes,
		authStore: deps.AuthStore,
		manager:   deps.Manager,
		coord:     deps.Coord,
		gate:      deps.Gate,
		rules:     deps.Rules,
		profile:   deps.Profile,
		auditLog:  deps.AuditLog,
		mux:       deps.Mux,
		limiter:   deps.Limiter,
		startedAt: time.Now(),
	}
	if s.limiter == nil {
		s.limiter = auth.DefaultPairingLimiter()
	}

	s.httpServer = &http.Server{
		Addr:              deps.Config.Server.Address,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		// The stream endpoint holds connections open indefinitely
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Routes builds the full route table
func (s *Server) Routes() http.Handler {
	root := http.NewServeMux()

	// Unauthenticated surface
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("GET /metrics", metrics.Handler())
	root.HandleFunc("POST /pair", s.handlePair)

	// The stream authenticates its own handshake and is deliberately
	// outside the request-metrics middleware: one connection is not one
	// request.
	if s.mux != nil {
		root.Handle("GET /stream", s.mux)
	}

	api := http.NewServeMux()
	api.HandleFunc("GET /me", s.handleMe)
	api.HandleFunc("GET /server/info", s.handleServerInfo)

	api.HandleFunc("GET /workspaces", s.handleListWorkspaces)
	api.HandleFunc("POST /workspaces", s.handleCreateWorkspace)
	api.HandleFunc("GET /workspaces/{id}", s.handleGetWorkspace)
	api.HandleFunc("PUT /workspaces/{id}", s.handleUpdateWorkspace)
	api.HandleFunc("DELETE /workspaces/{id}", s.handleDeleteWorkspace)

	api.HandleFunc("GET /workspaces/{id}/sessions", s.handleListSessions)
	api.HandleFunc("POST /workspaces/{id}/sessions", s.handleSpawnSession)
	api.HandleFunc("GET /workspaces/{id}/sessions/{sid}", s.handleGetSession)
	api.HandleFunc("DELETE /workspaces/{id}/sessions/{sid}", s.handleDeleteSession)
	api.HandleFunc("GET /workspaces/{id}/sessions/{sid}/events", s.handleSessionEvents)
	api.HandleFunc("GET /workspaces/{id}/sessions/{sid}/files", s.handleSessionFiles)
	api.HandleFunc("GET /workspaces/{id}/sessions/{sid}/tool-output/{tid}", s.handleToolOutput)
	api.HandleFunc("GET /workspaces/{id}/sessions/{sid}/overall-diff", s.handleOverallDiff)
	api.HandleFunc("/workspaces/{id}/sessions/{sid}/stop", s.handleStopSession)
	api.HandleFunc("/workspaces/{id}/sessions/{sid}/resume", s.handleResumeSession)
	api.HandleFunc("/workspaces/{id}/sessions/{sid}/fork", s.handleForkSession)

	// The historical per-session stream path is closed for good; the
	// multiplexed /stream socket replaced it.
	api.HandleFunc("/workspaces/{id}/sessions/{sid}/stream", func(w http.ResponseWriter, r *http.Request) {
		auth.JSONError(w, "per-session streams were removed; use /stream", http.StatusNotFound)
	})

	api.HandleFunc("GET /permissions/pending", s.handlePendingPermissions)
	api.HandleFunc("GET /policy/rules", s.handlePolicyRules)
	api.HandleFunc("GET /policy/audit", s.handlePolicyAudit)
	api.HandleFunc("GET /policy/profile", s.handleGetProfile)
	api.HandleFunc("PUT /security/profile", s.handleSetProfile)

	api.HandleFunc("GET /themes", s.handleListThemes)
	api.HandleFunc("GET /themes/{name}", s.handleGetTheme)
	api.HandleFunc("PUT /themes/{name}", s.handlePutTheme)
	api.HandleFunc("DELETE /themes/{name}", s.handleDeleteTheme)

	api.HandleFunc("POST /me/device-token", s.handleRegisterDeviceToken)
	api.HandleFunc("DELETE /me/device-token", s.handleRemoveDeviceToken)

	authed := auth.Middleware(s.authStore)(api)
	root.Handle("/", metrics.Middleware(authed))
	return root
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"name":      token.Name,
		"tokenKind": token.Kind,
		"server":    s.cfg.Server.Name,
	})
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            s.cfg.Server.Name,
		"version":         Version,
		"uptimeSeconds":   int64(time.Since(s.startedAt).Seconds()),
		"fingerprint":     s.cfg.Identity.Fingerprint,
		"securityProfile": s.profile.Active(),
	})
}

// Start runs the listener until Shutdown
func (s *Server) Start() error {
	logger.Info("Server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusForError maps domain errors onto HTTP statuses
func statusForError(err error) int {
	switch {
	case errors.Is(err, workspace.ErrSessionLimitWorkspace):
		return http.StatusConflict
	case errors.Is(err, workspace.ErrSessionLimitGlobal):
		return http.StatusTooManyRequests
	case errors.Is(err, session.ErrSessionNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrTurnConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
