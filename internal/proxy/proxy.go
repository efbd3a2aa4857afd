// Package proxy is the credential-substitution reverse proxy that agent
// subprocesses talk to in place of the real provider endpoints. The
// agent only ever sees synthetic per-session tokens; the real OAuth
// material lives in a credentials file the proxy reads and injects at
// the last moment.
package proxy

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/metrics"
)

const anthropicStubPrefix = "sk-ant-oat01-proxy-"

// route binds a URL prefix to a provider: how to pull the session id
// out of the agent's synthetic auth, and how to dress the outgoing
// request with the real credential.
type route struct {
	provider string
	prefix   string
	base     *url.URL

	extractSession func(r *http.Request) (string, error)
	inject         func(r *http.Request, cred *Credential)
}

// Config configures the proxy. Base URLs default to the real provider
// endpoints; tests point them at local servers.
type Config struct {
	ListenAddr      string
	CredentialsPath string

	AnthropicBase string
	CodexBase     string
}

// Proxy is the HTTP server agents are pointed at via their stub
// environment. Access is gated on the registered-session set.
type Proxy struct {
	credPath string

	mu       sync.RWMutex
	creds    map[string]*Credential
	sessions map[string]struct{}

	routes     []*route
	reverse    map[string]*httputil.ReverseProxy
	httpServer *http.Server
	baseURL    string
}

// New builds the proxy, loading the credentials file once. A missing
// file is not fatal: sessions can still register, and requests needing
// the absent provider fail with 502 until ReloadAuth succeeds.
func New(cfg Config) (*Proxy, error) {
	if cfg.AnthropicBase == "" {
		cfg.AnthropicBase = "https://api.anthropic.com"
	}
	if cfg.CodexBase == "" {
		cfg.CodexBase = "https://chatgpt.com/backend-api"
	}

	p := &Proxy{
		credPath: cfg.CredentialsPath,
		creds:    make(map[string]*Credential),
		sessions: make(map[string]struct{}),
		reverse:  make(map[string]*httputil.ReverseProxy),
		baseURL:  "http://" + listenHostPort(cfg.ListenAddr),
	}

	if cfg.CredentialsPath != "" {
		creds, err := loadCredentials(cfg.CredentialsPath)
		if err != nil {
			logger.Error("Auth proxy starting without credentials: %v", err)
		} else {
			p.creds = creds
		}
	}

	anthropicBase, err := url.Parse(cfg.AnthropicBase)
	if err != nil {
		return nil, fmt.Errorf("parse anthropic base URL: %w", err)
	}
	codexBase, err := url.Parse(cfg.CodexBase)
	if err != nil {
		return nil, fmt.Errorf("parse codex base URL: %w", err)
	}

	p.routes = []*route{
		{
			provider:       "anthropic",
			prefix:         "/anthropic",
			base:           anthropicBase,
			extractSession: extractAnthropicSession,
			inject:         injectAnthropic,
		},
		{
			provider:       "openai-codex",
			prefix:         "/openai-codex",
			base:           codexBase,
			extractSession: extractCodexSession,
			inject:         injectCodex,
		},
	}

	for _, rt := range p.routes {
		p.reverse[rt.provider] = p.newReverseProxy(rt)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", p.handleRequest)

	p.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// No write timeout: provider responses stream.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return p, nil
}

// newReverseProxy builds the per-provider forwarder. The director joins
// the stripped path onto the provider base so prefixes like
// /backend-api survive the rewrite.
func (p *Proxy) newReverseProxy(rt *route) *httputil.ReverseProxy {
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = rt.base.Scheme
			req.URL.Host = rt.base.Host
			req.URL.Path = joinPath(rt.base.Path, strings.TrimPrefix(req.URL.Path, rt.prefix))
			req.Host = rt.base.Host
		},
		// Token streams arrive as SSE; flush every chunk immediately.
		FlushInterval: -1,
		ModifyResponse: func(resp *http.Response) error {
			metrics.ProxyRequests.WithLabelValues(rt.provider, fmt.Sprintf("%d", resp.StatusCode)).Inc()
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Error("Auth proxy upstream error (%s): %v", rt.provider, err)
			metrics.ProxyRequests.WithLabelValues(rt.provider, "502").Inc()
			http.Error(w, "upstream error", http.StatusBadGateway)
		},
	}
	return rp
}

// BaseURL returns the address agents should be pointed at
func (p *Proxy) BaseURL() string {
	return p.baseURL
}

// RegisterSession admits a session id to the proxy
func (p *Proxy) RegisterSession(sessionID string) {
	p.mu.Lock()
	p.sessions[sessionID] = struct{}{}
	p.mu.Unlock()
}

// RemoveSession revokes a session's proxy access. Requests presenting
// its stub token fail with 403 from then on.
func (p *Proxy) RemoveSession(sessionID string) {
	p.mu.Lock()
	delete(p.sessions, sessionID)
	p.mu.Unlock()
}

func (p *Proxy) sessionRegistered(sessionID string) bool {
	p.mu.RLock()
	_, ok := p.sessions[sessionID]
	p.mu.RUnlock()
	return ok
}

func (p *Proxy) handleRequest(w http.ResponseWriter, r *http.Request) {
	rt := p.matchRoute(r.URL.Path)
	if rt == nil {
		metrics.ProxyRequests.WithLabelValues("none", "404").Inc()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	sessionID, err := rt.extractSession(r)
	if err != nil {
		logger.Info("Auth proxy rejected %s request (%s): %v", rt.provider, logger.AuthPresence(r.Header.Get("Authorization")), err)
		metrics.ProxyRequests.WithLabelValues(rt.provider, "401").Inc()
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if !p.sessionRegistered(sessionID) {
		logger.Info("Auth proxy refused unregistered session %s (%s)", sessionID, rt.provider)
		metrics.ProxyRequests.WithLabelValues(rt.provider, "403").Inc()
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	cred := p.credential(rt.provider)
	if cred == nil {
		logger.Error("Auth proxy has no %s credential for session %s", rt.provider, sessionID)
		metrics.ProxyRequests.WithLabelValues(rt.provider, "502").Inc()
		http.Error(w, "credential unavailable", http.StatusBadGateway)
		return
	}
	if cred.Expired(time.Now()) {
		logger.Error("Auth proxy %s credential expired for session %s", rt.provider, sessionID)
		metrics.ProxyRequests.WithLabelValues(rt.provider, "502").Inc()
		http.Error(w, "credential expired", http.StatusBadGateway)
		return
	}

	rt.inject(r, cred)
	p.reverse[rt.provider].ServeHTTP(w, r)
}

func (p *Proxy) matchRoute(path string) *route {
	for _, rt := range p.routes {
		if path == rt.prefix || strings.HasPrefix(path, rt.prefix+"/") {
			return rt
		}
	}
	return nil
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

// Handler exposes the proxy's HTTP handler for tests
func (p *Proxy) Handler() http.Handler {
	return p.httpServer.Handler
}

// Start runs the proxy listener until Shutdown
func (p *Proxy) Start() error {
	logger.Info("Auth proxy listening on %s", p.httpServer.Addr)
	if err := p.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("auth proxy: %w", err)
	}
	return nil
}

// Shutdown stops the listener gracefully
func (p *Proxy) Shutdown(ctx context.Context) error {
	return p.httpServer.Shutdown(ctx)
}

func extractAnthropicSession(r *http.Request) (string, error) {
	token, ok := bearer(r)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	sessionID, ok := strings.CutPrefix(token, anthropicStubPrefix)
	if !ok || sessionID == "" {
		return "", errors.New("not a proxy token")
	}
	return sessionID, nil
}

func injectAnthropic(r *http.Request, cred *Credential) {
	r.Header.Set("Authorization", "Bearer "+cred.Access)
	r.Header.Set("anthropic-beta", "oauth-2025-04-20")
	r.Header.Set("User-Agent", "claude-cli/1.0")
	r.Header.Set("x-app", "cli")
	r.Header.Del("x-api-key")
}

func extractCodexSession(r *http.Request) (string, error) {
	token, ok := bearer(r)
	if !ok {
		return "", errors.New("missing bearer token")
	}
	claims, err := decodeJWTClaims(token)
	if err != nil {
		return "", err
	}
	if claims.OppiSession == "" {
		return "", errors.New("token carries no session claim")
	}
	return claims.OppiSession, nil
}

func injectCodex(r *http.Request, cred *Credential) {
	r.Header.Set("Authorization", "Bearer "+cred.Access)
	if cred.AccountID != "" {
		r.Header.Set("chatgpt-account-id", cred.AccountID)
	}
	r.Header.Set("User-Agent", "codex-cli/1.0")
}

type stubClaims struct {
	AccountID   string `json:"chatgpt_account_id,omitempty"`
	OppiSession string `json:"oppi_session,omitempty"`
}

// decodeJWTClaims reads the payload segment of a compact JWT without
// verifying the signature. The proxy only needs the session claim; the
// token never left this host.
func decodeJWTClaims(token string) (*stubClaims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, errors.New("malformed token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("decode token payload: %w", err)
	}
	var claims stubClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse token payload: %w", err)
	}
	return &claims, nil
}

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	return token, true
}

func joinPath(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		if base == "" {
			return "/"
		}
		return base
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return base + rest
}

func listenHostPort(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "127.0.0.1" + addr
	}
	return addr
}
