package permission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames []*protocol.ServerMessage
}

func (f *fakeBroadcaster) Broadcast(sessionID string, msg *protocol.ServerMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *fakeBroadcaster) byType(t protocol.ServerMessageType) []*protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.ServerMessage
	for _, m := range f.frames {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

func bashRequest(command string) *policy.Request {
	input, _ := json.Marshal(map[string]string{"command": command})
	return &policy.Request{Tool: "bash", Input: input, ToolCallID: "tc-1"}
}

func newTestGate(cast Broadcaster, timeout time.Duration) (*Gate, *policy.RuleStore) {
	rules := policy.NewRuleStore(nil)
	gate := NewGate(policy.NewEngine(rules), rules, nil, cast)
	binding := &policy.Binding{SessionID: "sess-1", WorkspaceID: "ws-1", Preset: policy.PresetHost, Unsandboxed: true}
	gate.RegisterSession("sess-1", "ws-1", binding, timeout)
	return gate, rules
}

func TestRequestPolicyResolvedSkipsPending(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)

	res, err := gate.Request(context.Background(), "sess-1", bashRequest("ls -la"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != policy.ActionAllow {
		t.Errorf("action = %s, want allow", res.Action)
	}
	if len(gate.PendingForUser()) != 0 {
		t.Error("policy-resolved request must not go pending")
	}
	if len(cast.byType(protocol.ServerPermissionReq)) != 0 {
		t.Error("no permission_request frame expected")
	}
}

func TestRequestAsksAndResolves(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)

	resCh := make(chan *Resolution, 1)
	go func() {
		res, err := gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
		if err != nil {
			t.Error(err)
		}
		resCh <- res
	}()

	view := waitPending(t, gate)
	if !view.Expires || view.TimeoutAt == 0 {
		t.Error("entry with a timeout must be marked expiring")
	}

	if err := gate.ResolveDecision(view.ID, policy.ActionAllow, ScopeOnce, ""); err != nil {
		t.Fatal(err)
	}
	res := <-resCh
	if res.Action != policy.ActionAllow || res.ResolvedBy != "user" {
		t.Errorf("got %s/%s, want allow/user", res.Action, res.ResolvedBy)
	}
	if len(gate.PendingForUser()) != 0 {
		t.Error("resolved entry must leave the pending set")
	}
}

func TestResolveTwiceReturnsNotFound(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)

	go func() {
		_, _ = gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	}()
	view := waitPending(t, gate)

	if err := gate.ResolveDecision(view.ID, policy.ActionDeny, ScopeOnce, ""); err != nil {
		t.Fatal(err)
	}
	if err := gate.ResolveDecision(view.ID, policy.ActionDeny, ScopeOnce, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("second resolve err = %v, want ErrNotFound", err)
	}
}

func TestResolveWithScopeCreatesRule(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, rules := newTestGate(cast, time.Minute)

	go func() {
		_, _ = gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	}()
	view := waitPending(t, gate)

	if err := gate.ResolveDecision(view.ID, policy.ActionAllow, ScopeSession, ""); err != nil {
		t.Fatal(err)
	}
	stored := rules.List()
	if len(stored) != 1 {
		t.Fatalf("got %d rules, want 1", len(stored))
	}
	if stored[0].Scope != policy.ScopeSession || stored[0].SessionID != "sess-1" {
		t.Errorf("rule scope = %s/%s, want session/sess-1", stored[0].Scope, stored[0].SessionID)
	}

	// The stored rule now short-circuits the same command
	res, err := gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != policy.ActionAllow || res.ResolvedBy != "policy" {
		t.Errorf("got %s/%s, want allow/policy", res.Action, res.ResolvedBy)
	}
}

func TestRequestTimesOut(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, 20*time.Millisecond)

	res, err := gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Action != policy.ActionDeny || res.ResolvedBy != "timeout" {
		t.Fatalf("got %s/%s, want deny/timeout", res.Action, res.ResolvedBy)
	}
	expired := cast.byType(protocol.ServerPermissionExp)
	if len(expired) != 1 {
		t.Fatalf("got %d permission_expired frames, want 1", len(expired))
	}
}

func TestZeroTimeoutNeverExpires(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, 0)

	go func() {
		_, _ = gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	}()
	view := waitPending(t, gate)
	if view.Expires || view.TimeoutAt != 0 {
		t.Error("zero timeout must produce a non-expiring entry")
	}

	// Entry survives a snapshot taken far in the future
	gate.now = func() time.Time { return time.Now().Add(24 * time.Hour) }
	if len(gate.PendingForUser()) != 1 {
		t.Error("non-expiring entry must survive read-time filtering")
	}
	_ = gate.ResolveDecision(view.ID, policy.ActionDeny, ScopeOnce, "")
}

func TestSnapshotFiltersExpiredAtReadTime(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Hour)

	go func() {
		_, _ = gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
	}()
	waitPending(t, gate)

	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if got := gate.PendingForUser(); len(got) != 0 {
		t.Errorf("got %d entries past deadline, want 0", len(got))
	}
}

func TestDestroySessionCancelsPending(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)

	resCh := make(chan *Resolution, 1)
	go func() {
		res, _ := gate.Request(context.Background(), "sess-1", bashRequest("ssh user@host"))
		resCh <- res
	}()
	waitPending(t, gate)

	gate.DestroySession("sess-1")
	res := <-resCh
	if res.Action != policy.ActionDeny || res.Reason != "cancelled" {
		t.Errorf("got %s/%q, want deny/cancelled", res.Action, res.Reason)
	}
	if len(cast.byType(protocol.ServerPermissionCan)) != 1 {
		t.Error("expected one permission_cancelled frame")
	}
	if gate.HasSession("sess-1") {
		t.Error("session must be deregistered")
	}
}

func TestRequestUnknownSession(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)

	_, err := gate.Request(context.Background(), "sess-missing", bashRequest("ls"))
	if !errors.Is(err, ErrUnknownSession) {
		t.Errorf("err = %v, want ErrUnknownSession", err)
	}
}

func TestPendingWorkspaceFilter(t *testing.T) {
	cast := &fakeBroadcaster{}
	gate, _ := newTestGate(cast, time.Minute)
	binding := &policy.Binding{SessionID: "sess-2", WorkspaceID: "ws-2", Preset: policy.PresetHost, Unsandboxed: true}
	gate.RegisterSession("sess-2", "ws-2", binding, time.Minute)

	go func() { _, _ = gate.Request(context.Background(), "sess-1", bashRequest("ssh a@b")) }()
	go func() { _, _ = gate.Request(context.Background(), "sess-2", bashRequest("ssh c@d")) }()

	deadline := time.After(2 * time.Second)
	for len(gate.PendingForUser()) < 2 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for pending entries")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := gate.PendingForWorkspace("ws-2"); len(got) != 1 || got[0].SessionID != "sess-2" {
		t.Errorf("workspace filter returned %d entries", len(got))
	}
	if got := gate.PendingForSession("sess-1"); len(got) != 1 {
		t.Errorf("session filter returned %d entries", len(got))
	}
	gate.DestroySession("sess-1")
	gate.DestroySession("sess-2")
}

func waitPending(t *testing.T, gate *Gate) protocol.PermissionView {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if pending := gate.PendingForUser(); len(pending) > 0 {
			return pending[0]
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for a pending entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
