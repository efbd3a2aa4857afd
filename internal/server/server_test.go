package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/bastille/internal/agent"
	"github.com/HyphaGroup/bastille/internal/audit"
	"github.com/HyphaGroup/bastille/internal/auth"
	"github.com/HyphaGroup/bastille/internal/config"
	"github.com/HyphaGroup/bastille/internal/permission"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/session"
	"github.com/HyphaGroup/bastille/internal/storage"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

type stubHandle struct {
	mu     sync.Mutex
	sent   []*agent.Command
	events chan *agent.Event
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

func (h *stubHandle) Send(cmd *agent.Command) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, cmd)
	return nil
}

func (h *stubHandle) Interrupt() error { return nil }

func (h *stubHandle) Events() <-chan *agent.Event { return h.events }

func (h *stubHandle) Errors() <-chan error { return h.errs }

func (h *stubHandle) Done() <-chan struct{} { return h.done }

func (h *stubHandle) RuntimeSessionID() string { return "rt" }

func (h *stubHandle) Kill() error { h.once.Do(func() { close(h.done) }); return nil }

func (h *stubHandle) Close() error { return nil }

type stubRuntime struct{}

func (stubRuntime) Spawn(ctx context.Context, req *agent.SpawnRequest) (agent.Handle, error) {
	return &stubHandle{
		events: make(chan *agent.Event, 16),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}, nil
}

type stubProxy struct{}

func (stubProxy) RegisterSession(string) {}

func (stubProxy) RemoveSession(string) {}

func (stubProxy) StubEnv(string) []string { return nil }

type testStack struct {
	server    *Server
	srv       *httptest.Server
	authStore *auth.Store
	store     *storage.FileStore
	manager   *session.Manager
	token     string
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	dir := t.TempDir()

	cfg, err := config.Load(filepath.Join(dir, "config.json"), true)
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewFileStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	themes, err := storage.NewThemeStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	authStore, err := auth.NewStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = authStore.Close() })

	auditLog, err := audit.NewLog(dir, "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = auditLog.Close() })

	rules := policy.NewRuleStore(nil)
	engine := policy.NewEngine(rules)
	profile := policy.NewProfileStore(engine, policy.ProfileStandard, nil)

	coord := workspace.NewCoordinator(2, 4, time.Hour, nil)
	t.Cleanup(coord.Close)

	gate := permission.NewGate(engine, rules, auditLog, nil)
	manager := session.NewManager(stubRuntime{}, coord, gate, stubProxy{}, store, nil)
	gate.SetBroadcaster(manager)

	s := New(Deps{
		Config:    cfg,
		Store:     store,
		Themes:    themes,
		AuthStore: authStore,
		Manager:   manager,
		Coord:     coord,
		Gate:      gate,
		Rules:     rules,
		Profile:   profile,
		AuditLog:  auditLog,
	})
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)

	owner, err := authStore.RotateToken()
	if err != nil {
		t.Fatal(err)
	}

	return &testStack{server: s, srv: srv, authStore: authStore, store: store, manager: manager, token: owner.ID}
}

func (ts *testStack) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func stringField(t *testing.T, m map[string]any, key string) string {
	t.Helper()
	v, ok := m[key].(string)
	if !ok {
		t.Fatalf("field %q missing or not a string in %v", key, m)
	}
	return v
}

func (ts *testStack) createWorkspace(t *testing.T) string {
	t.Helper()
	resp := ts.do(t, http.MethodPost, "/workspaces", map[string]any{
		"name": "dev", "runtime": "host", "path": "/home/owner/dev",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create workspace status = %d", resp.StatusCode)
	}
	ws := decode[map[string]any](t, resp)
	return stringField(t, ws, "id")
}

func TestHealthUnauthenticated(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestStack(t)

	resp, err := http.Get(ts.srv.URL + "/me")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWorkspaceCRUD(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	resp := ts.do(t, http.MethodGet, "/workspaces/"+id, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d", resp.StatusCode)
	}
	ws := decode[map[string]any](t, resp)
	if ws["name"] != "dev" {
		t.Errorf("name = %v", ws["name"])
	}

	resp = ts.do(t, http.MethodPut, "/workspaces/"+id, map[string]any{
		"name": "renamed", "runtime": "host", "path": "/home/owner/dev",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodDelete, "/workspaces/"+id, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/workspaces/"+id, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestWorkspaceValidation(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodPost, "/workspaces", map[string]any{
		"name": "dev", "runtime": "vm", "path": "/x",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSpawnAndListSessions(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	resp := ts.do(t, http.MethodPost, "/workspaces/"+id+"/sessions", map[string]any{
		"model": "anthropic/claude-sonnet-4",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	sess := decode[map[string]any](t, resp)
	sid := stringField(t, sess, "id")

	resp = ts.do(t, http.MethodGet, "/workspaces/"+id+"/sessions", nil)
	list := decode[map[string][]map[string]any](t, resp)
	if len(list["sessions"]) != 1 || list["sessions"][0]["id"] != sid {
		t.Errorf("sessions = %v", list)
	}

	resp = ts.do(t, http.MethodGet, "/workspaces/"+id+"/sessions/"+sid, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("get session status = %d", resp.StatusCode)
	}
}

func TestSessionLimitSurfaced(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	for i := 0; i < 2; i++ {
		resp := ts.do(t, http.MethodPost, "/workspaces/"+id+"/sessions", map[string]any{"model": "m"})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("spawn %d status = %d", i, resp.StatusCode)
		}
	}
	resp := ts.do(t, http.MethodPost, "/workspaces/"+id+"/sessions", map[string]any{"model": "m"})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("over-limit status = %d, want 409", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	if !bytes.Contains([]byte(body["error"]), []byte("SESSION_LIMIT_WORKSPACE")) {
		t.Errorf("error = %q", body["error"])
	}
}

func TestDeleteWorkspaceWithActiveSessions(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	resp := ts.do(t, http.MethodPost, "/workspaces/"+id+"/sessions", map[string]any{"model": "m"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatal("spawn failed")
	}
	resp = ts.do(t, http.MethodDelete, "/workspaces/"+id, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("delete status = %d, want 409", resp.StatusCode)
	}
}

func TestSessionEventsReplay(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	resp := ts.do(t, http.MethodPost, "/workspaces/"+id+"/sessions", map[string]any{"model": "m"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("spawn status = %d", resp.StatusCode)
	}
	sess := decode[map[string]any](t, resp)
	sid := stringField(t, sess, "id")

	resp = ts.do(t, http.MethodGet, "/workspaces/"+id+"/sessions/"+sid+"/events", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if _, ok := body["currentSeq"]; !ok {
		t.Error("currentSeq missing")
	}

	resp = ts.do(t, http.MethodGet, "/workspaces/"+id+"/sessions/"+sid+"/events?sinceSeq=-1", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("negative sinceSeq status = %d", resp.StatusCode)
	}
}

func TestTopLevelSessionsAbsent(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodGet, "/sessions", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/sessions status = %d, want 404", resp.StatusCode)
	}
}

func TestPerSessionStreamPathClosed(t *testing.T) {
	ts := newTestStack(t)
	id := ts.createWorkspace(t)

	resp := ts.do(t, http.MethodGet, "/workspaces/"+id+"/sessions/sess_x/stream", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestPendingPermissionsUnknownSession(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodGet, "/permissions/pending?sessionId=sess_unknown", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/permissions/pending", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if _, ok := body["serverTime"]; !ok {
		t.Error("serverTime missing")
	}
}

func TestSecurityProfileRoundTrip(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodPut, "/security/profile", map[string]string{"profile": "strict"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/policy/profile", nil)
	body := decode[map[string]string](t, resp)
	if body["profile"] != "strict" {
		t.Errorf("profile = %q", body["profile"])
	}

	resp = ts.do(t, http.MethodPut, "/security/profile", map[string]string{"profile": "yolo"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid profile status = %d", resp.StatusCode)
	}
}

func TestThemesCRUD(t *testing.T) {
	ts := newTestStack(t)

	req, _ := http.NewRequest(http.MethodPut, ts.srv.URL+"/themes/dark", bytes.NewBufferString(`{"bg":"#000"}`))
	req.Header.Set("Authorization", "Bearer "+ts.token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("put status = %d", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodGet, "/themes", nil)
	list := decode[map[string][]string](t, resp)
	if len(list["themes"]) != 1 || list["themes"][0] != "dark" {
		t.Errorf("themes = %v", list)
	}

	resp = ts.do(t, http.MethodGet, "/themes/dark", nil)
	theme := decode[map[string]string](t, resp)
	if theme["bg"] != "#000" {
		t.Errorf("theme = %v", theme)
	}

	resp = ts.do(t, http.MethodDelete, "/themes/dark", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/themes/dark", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("get after delete = %d", resp.StatusCode)
	}
}

func TestDeviceTokenRegistration(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodPost, "/me/device-token", map[string]string{"token": "apns-1"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, "/me/device-token", map[string]string{"token": "apns-1"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, "/me/device-token", map[string]string{"token": "apns-1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("remove again status = %d", resp.StatusCode)
	}
}

func TestPairingFlow(t *testing.T) {
	ts := newTestStack(t)

	pairing, err := ts.authStore.CreatePairingToken(time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(ts.srv.URL+"/pair", "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"pairingToken":%q,"deviceName":"phone"}`, pairing.ID)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair status = %d", resp.StatusCode)
	}
	body := decode[map[string]string](t, resp)
	device := body["deviceToken"]
	if device == "" {
		t.Fatal("no device token issued")
	}

	// The issued token authenticates
	req, _ := http.NewRequest(http.MethodGet, ts.srv.URL+"/me", nil)
	req.Header.Set("Authorization", "Bearer "+device)
	resp2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("device token rejected: %d", resp2.StatusCode)
	}

	// Replay fails
	resp3, err := http.Post(ts.srv.URL+"/pair", "application/json",
		bytes.NewBufferString(fmt.Sprintf(`{"pairingToken":%q}`, pairing.ID)))
	if err != nil {
		t.Fatal(err)
	}
	defer resp3.Body.Close()
	if resp3.StatusCode != http.StatusUnauthorized {
		t.Errorf("replay status = %d, want 401", resp3.StatusCode)
	}
}

func TestPairingRateLimited(t *testing.T) {
	ts := newTestStack(t)
	ts.server.limiter = auth.NewPairingLimiter(time.Hour, 3)

	var last int
	for i := 0; i < 6; i++ {
		resp, err := http.Post(ts.srv.URL+"/pair", "application/json",
			bytes.NewBufferString(`{"pairingToken":"pt_bogus"}`))
		if err != nil {
			t.Fatal(err)
		}
		last = resp.StatusCode
		resp.Body.Close()
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("final status = %d, want 429", last)
	}
}

func TestServerInfo(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodGet, "/server/info", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["securityProfile"] != "standard" {
		t.Errorf("profile = %v", body["securityProfile"])
	}
	if body["fingerprint"] == "" {
		t.Error("fingerprint missing")
	}
}

func TestPolicyRulesListing(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodGet, "/policy/rules", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodGet, "/policy/audit?limit=5000", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d", resp.StatusCode)
	}
}

func TestUnknownWorkspaceSpawn(t *testing.T) {
	ts := newTestStack(t)

	resp := ts.do(t, http.MethodPost, "/workspaces/"+uuid.NewString()+"/sessions", map[string]any{"model": "m"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}
