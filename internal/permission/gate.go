// Package permission is the rendezvous between agent tool calls and
// decisions, whether those come from the policy engine, the user, or a
// timeout. Every resolution path produces exactly one audit entry.
package permission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/HyphaGroup/bastille/internal/audit"
	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

var (
	ErrNotFound       = errors.New("permission request not found")
	ErrUnknownSession = errors.New("session not registered")
)

// DefaultApprovalTimeout applies when the workspace does not override it
const DefaultApprovalTimeout = 120 * time.Second

// ResolveScope widens a user approval into a stored rule
type ResolveScope string

const (
	ScopeOnce      ResolveScope = "once"
	ScopeSession   ResolveScope = "session"
	ScopeWorkspace ResolveScope = "workspace"
	ScopeGlobal    ResolveScope = "global"
)

// Resolution is what the awaiting agent call receives
type Resolution struct {
	Action     policy.Action
	ResolvedBy audit.ResolvedBy
	Reason     string
}

// Broadcaster delivers frames to a session's stream subscribers
type Broadcaster interface {
	Broadcast(sessionID string, msg *protocol.ServerMessage)
}

type sessionState struct {
	workspaceID string
	binding     *policy.Binding
	timeout     time.Duration // 0 means entries never expire
}

type pendingEntry struct {
	view     protocol.PermissionView
	req      *policy.Request
	deadline time.Time // zero when the entry never expires
	timer    *time.Timer
	done     chan Resolution
}

// Gate tracks pending permission requests as one-shot awaitables keyed
// by request id.
type Gate struct {
	mu       sync.Mutex
	engine   *policy.Engine
	rules    *policy.RuleStore
	auditLog *audit.Log
	cast     Broadcaster
	sessions map[string]*sessionState
	pending  map[string]*pendingEntry
	now      func() time.Time
}

func NewGate(engine *policy.Engine, rules *policy.RuleStore, auditLog *audit.Log, cast Broadcaster) *Gate {
	return &Gate{
		engine:   engine,
		rules:    rules,
		auditLog: auditLog,
		cast:     cast,
		sessions: make(map[string]*sessionState),
		pending:  make(map[string]*pendingEntry),
		now:      time.Now,
	}
}

// SetBroadcaster installs the frame sink after construction. The gate
// and the session manager reference each other, so whichever is built
// second is bound here.
func (g *Gate) SetBroadcaster(cast Broadcaster) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cast = cast
}

func (g *Gate) broadcast(sessionID string, msg *protocol.ServerMessage) {
	g.mu.Lock()
	cast := g.cast
	g.mu.Unlock()
	if cast != nil {
		cast.Broadcast(sessionID, msg)
	}
}

// RegisterSession allocates gate state for a session. The timeout comes
// from the workspace's approval config; 0 means requests never expire.
func (g *Gate) RegisterSession(sessionID, workspaceID string, binding *policy.Binding, timeout time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sessionID] = &sessionState{
		workspaceID: workspaceID,
		binding:     binding,
		timeout:     timeout,
	}
}

// DestroySession cancels every pending request for the session. Each
// awaiter receives a synthetic cancellation and an audit entry.
func (g *Gate) DestroySession(sessionID string) {
	g.mu.Lock()
	var cancelled []*pendingEntry
	for id, e := range g.pending {
		if e.view.SessionID == sessionID {
			delete(g.pending, id)
			cancelled = append(cancelled, e)
		}
	}
	delete(g.sessions, sessionID)
	g.mu.Unlock()

	for _, e := range cancelled {
		if e.timer != nil {
			e.timer.Stop()
		}
		g.emit(&e.view, policy.ActionDeny, audit.ResolvedByUser, string(policy.LayerPermission), "")
		g.broadcast(sessionID, &protocol.ServerMessage{
			Type:         protocol.ServerPermissionCan,
			SessionID:    sessionID,
			PermissionID: e.view.ID,
			Reason:       "session ended",
			Ts:           protocol.NowMillis(),
		})
		e.done <- Resolution{Action: policy.ActionDeny, ResolvedBy: audit.ResolvedByUser, Reason: "cancelled"}
	}
}

// Request is the agent-facing call. Policy-resolved allows and denies
// return immediately; everything else parks until the user answers or
// the entry expires.
func (g *Gate) Request(ctx context.Context, sessionID string, req *policy.Request) (*Resolution, error) {
	g.mu.Lock()
	state, ok := g.sessions[sessionID]
	if !ok {
		g.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	decision := g.engine.Evaluate(req, state.binding)
	summary := policy.FormatDisplaySummary(req)

	if decision.Action != policy.ActionAsk {
		g.mu.Unlock()
		g.emitDirect(sessionID, state.workspaceID, req.Tool, summary, decision)
		return &Resolution{
			Action:     decision.Action,
			ResolvedBy: audit.ResolvedByPolicy,
			Reason:     decision.Reason,
		}, nil
	}

	entry := &pendingEntry{
		view: protocol.PermissionView{
			ID:             ulid.Make().String(),
			SessionID:      sessionID,
			WorkspaceID:    state.workspaceID,
			Tool:           req.Tool,
			Input:          req.Input,
			DisplaySummary: summary,
			Reason:         decision.Reason,
			Risk:           riskOf(decision),
		},
		req:  req,
		done: make(chan Resolution, 1),
	}
	if state.timeout > 0 {
		entry.deadline = g.now().Add(state.timeout)
		entry.view.Expires = true
		entry.view.TimeoutAt = entry.deadline.UnixMilli()
		entry.timer = time.AfterFunc(state.timeout, func() { g.expire(entry.view.ID) })
	}
	g.pending[entry.view.ID] = entry
	g.mu.Unlock()

	logger.Info("Permission pending id=%s session=%s tool=%s summaryChars=%d",
		entry.view.ID, sessionID, req.Tool, len(summary))

	g.broadcast(sessionID, &protocol.ServerMessage{
		Type:       protocol.ServerPermissionReq,
		SessionID:  sessionID,
		Permission: &entry.view,
		Ts:         protocol.NowMillis(),
	})

	select {
	case res := <-entry.done:
		return &res, nil
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.pending, entry.view.ID)
		g.mu.Unlock()
		if entry.timer != nil {
			entry.timer.Stop()
		}
		return nil, ctx.Err()
	}
}

// ResolveDecision applies the user's answer. A second call for the same
// id reports not-found without a duplicate audit entry.
func (g *Gate) ResolveDecision(id string, action policy.Action, scope ResolveScope, pattern string) error {
	if action != policy.ActionAllow && action != policy.ActionDeny {
		return fmt.Errorf("invalid resolution action %q", action)
	}

	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(g.pending, id)
	g.mu.Unlock()

	if entry.timer != nil {
		entry.timer.Stop()
	}

	if scope != ScopeOnce && scope != "" && action == policy.ActionAllow {
		g.addScopedRule(entry, scope, pattern)
	}

	g.emit(&entry.view, action, audit.ResolvedByUser, string(policy.LayerPermission), "")
	entry.done <- Resolution{Action: action, ResolvedBy: audit.ResolvedByUser}
	return nil
}

// expire fires from the per-entry timer
func (g *Gate) expire(id string) {
	g.mu.Lock()
	entry, ok := g.pending[id]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.pending, id)
	g.mu.Unlock()

	g.emit(&entry.view, policy.ActionDeny, audit.ResolvedByTimeout, string(policy.LayerPermission), "")
	g.broadcast(entry.view.SessionID, &protocol.ServerMessage{
		Type:         protocol.ServerPermissionExp,
		SessionID:    entry.view.SessionID,
		PermissionID: id,
		Reason:       "approval timed out",
		Ts:           protocol.NowMillis(),
	})
	entry.done <- Resolution{Action: policy.ActionDeny, ResolvedBy: audit.ResolvedByTimeout, Reason: "timeout"}
}

// PendingForUser snapshots all live entries, dropping any whose
// deadline has passed but whose timer has not fired yet.
func (g *Gate) PendingForUser() []protocol.PermissionView {
	return g.snapshot(func(e *pendingEntry) bool { return true })
}

func (g *Gate) PendingForSession(sessionID string) []protocol.PermissionView {
	return g.snapshot(func(e *pendingEntry) bool { return e.view.SessionID == sessionID })
}

func (g *Gate) PendingForWorkspace(workspaceID string) []protocol.PermissionView {
	return g.snapshot(func(e *pendingEntry) bool { return e.view.WorkspaceID == workspaceID })
}

// HasSession reports whether the session is registered with the gate
func (g *Gate) HasSession(sessionID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.sessions[sessionID]
	return ok
}

func (g *Gate) snapshot(keep func(*pendingEntry) bool) []protocol.PermissionView {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	out := []protocol.PermissionView{}
	for _, e := range g.pending {
		if !e.deadline.IsZero() && e.deadline.Before(now) {
			continue
		}
		if keep(e) {
			out = append(out, e.view)
		}
	}
	return out
}

// addScopedRule persists a widened approval as a stored rule
func (g *Gate) addScopedRule(entry *pendingEntry, scope ResolveScope, pattern string) {
	rule := &policy.Rule{
		Tool:   entry.req.Tool,
		Action: policy.ActionAllow,
	}
	switch scope {
	case ScopeSession:
		rule.Scope = policy.ScopeSession
		rule.SessionID = entry.view.SessionID
	case ScopeWorkspace:
		rule.Scope = policy.ScopeWorkspace
		rule.WorkspaceID = entry.view.WorkspaceID
	default:
		rule.Scope = policy.ScopeGlobal
	}

	if pattern != "" {
		rule.Pattern = pattern
	} else if entry.req.Tool == "bash" {
		if parsed := policy.ParseBashCommand(entry.req.CommandOf()); parsed.Executable != "" {
			rule.Executable = parsed.Executable
		}
	} else if p := entry.req.PathOf(); p != "" {
		rule.Pattern = p
	}

	g.rules.Add(rule)
}

func (g *Gate) emitDirect(sessionID, workspaceID, tool, summary string, d *policy.Decision) {
	g.record(&audit.Entry{
		SessionID:      sessionID,
		WorkspaceID:    workspaceID,
		Tool:           tool,
		DisplaySummary: summary,
		Decision:       string(d.Action),
		ResolvedBy:     audit.ResolvedByPolicy,
		Layer:          string(d.Layer),
		RuleID:         d.RuleID,
	})
}

func (g *Gate) emit(view *protocol.PermissionView, action policy.Action, by audit.ResolvedBy, layer, ruleID string) {
	g.record(&audit.Entry{
		SessionID:      view.SessionID,
		WorkspaceID:    view.WorkspaceID,
		Tool:           view.Tool,
		DisplaySummary: view.DisplaySummary,
		Decision:       string(action),
		ResolvedBy:     by,
		Layer:          layer,
		RuleID:         ruleID,
	})
}

func (g *Gate) record(e *audit.Entry) {
	if g.auditLog == nil {
		return
	}
	if err := g.auditLog.Record(e); err != nil {
		logger.Error("Failed to record audit entry: %v", err)
	}
}

// riskOf grades a pending request for the client UI
func riskOf(d *policy.Decision) string {
	if d.Layer == policy.LayerHeuristic {
		return "high"
	}
	return "normal"
}

// InputJSON is a helper for building requests from raw tool input
func InputJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
