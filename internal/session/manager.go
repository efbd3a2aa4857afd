package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HyphaGroup/bastille/internal/agent"
	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/metrics"
	"github.com/HyphaGroup/bastille/internal/permission"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/protocol"
	"github.com/HyphaGroup/bastille/internal/workspace"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnConflict    = errors.New("clientTurnId conflict")
)

// Command timeouts. State refreshes chained after another command run
// on the shorter budget.
const (
	DefaultRPCTimeout  = 30 * time.Second
	FollowUpRPCTimeout = 8 * time.Second

	DefaultStopAbortTimeout      = 10 * time.Second
	DefaultStopAbortRetryTimeout = 10 * time.Second
)

// PermissionGate is the manager's view of the permission rendezvous
type PermissionGate interface {
	RegisterSession(sessionID, workspaceID string, binding *policy.Binding, timeout time.Duration)
	DestroySession(sessionID string)
	Request(ctx context.Context, sessionID string, req *policy.Request) (*permission.Resolution, error)
}

// ProxyRegistry gates agent subprocess access to the credential proxy
type ProxyRegistry interface {
	RegisterSession(sessionID string)
	RemoveSession(sessionID string)

	// StubEnv returns the synthetic credential environment the spawned
	// agent reads in place of real provider tokens
	StubEnv(sessionID string) []string
}

// Store persists session records across restarts
type Store interface {
	SaveSession(s *Session) error
	DeleteSession(id string) error
}

// Manager owns the active session map and every session lifecycle
// operation. All turn processing for a session runs under that
// session's coordinator lock.
type Manager struct {
	mu     sync.Mutex
	active map[string]*ActiveSession

	runtime  agent.Runtime
	coord    *workspace.Coordinator
	gate     PermissionGate
	proxy    ProxyRegistry
	store    Store
	renderer Renderer

	stopAbortTimeout      time.Duration
	stopAbortRetryTimeout time.Duration
}

func NewManager(runtime agent.Runtime, coord *workspace.Coordinator, gate PermissionGate, proxy ProxyRegistry, store Store, renderer Renderer) *Manager {
	return &Manager{
		active:                make(map[string]*ActiveSession),
		runtime:               runtime,
		coord:                 coord,
		gate:                  gate,
		proxy:                 proxy,
		store:                 store,
		renderer:              renderer,
		stopAbortTimeout:      DefaultStopAbortTimeout,
		stopAbortRetryTimeout: DefaultStopAbortRetryTimeout,
	}
}

// SpawnOptions carries per-session choices made at creation time
type SpawnOptions struct {
	Model            string
	ThinkingLevel    string
	ResumeTranscript string
}

// Spawn acquires a slot, registers the session with the proxy and the
// permission gate, and starts the agent subprocess. Any failure along
// the way undoes every partial acquisition before surfacing.
func (m *Manager) Spawn(ctx context.Context, ws *workspace.Workspace, opts SpawnOptions) (*Session, error) {
	sessionID := "sess_" + uuid.NewString()

	if err := m.coord.ReserveSessionStart(ws.ID, sessionID, ws.Runtime); err != nil {
		return nil, err
	}
	m.proxy.RegisterSession(sessionID)

	binding := &policy.Binding{
		SessionID:   sessionID,
		WorkspaceID: ws.ID,
		Preset:      presetOf(ws.Runtime),
		Unsandboxed: ws.Runtime == workspace.RuntimeHost,
	}
	m.gate.RegisterSession(sessionID, ws.ID, binding, ws.ApprovalTimeout(permission.DefaultApprovalTimeout.Milliseconds()))

	undo := func() {
		m.gate.DestroySession(sessionID)
		m.proxy.RemoveSession(sessionID)
		m.coord.ReleaseSession(ws.ID, sessionID)
		m.coord.DropSessionLock(sessionID)
	}

	handle, err := m.runtime.Spawn(ctx, &agent.SpawnRequest{
		SessionID:        sessionID,
		WorkspaceID:      ws.ID,
		WorkingDir:       ws.Path,
		Model:            opts.Model,
		ThinkingLevel:    opts.ThinkingLevel,
		Env:              m.proxy.StubEnv(sessionID),
		ResumeTranscript: opts.ResumeTranscript,
	})
	if err != nil {
		undo()
		return nil, fmt.Errorf("failed to spawn session in workspace %s: %w", ws.ID, err)
	}

	now := time.Now()
	sess := &Session{
		ID:             sessionID,
		WorkspaceID:    ws.ID,
		Status:         StatusReady,
		CreatedAt:      now,
		LastActivity:   now,
		Model:          opts.Model,
		ThinkingLevel:  opts.ThinkingLevel,
		TranscriptPath: opts.ResumeTranscript,
	}

	as := newActiveSession(sess, handle, m.renderer)
	m.mu.Lock()
	m.active[sessionID] = as
	m.mu.Unlock()

	metrics.RecordSessionStart(ws.ID)
	m.persist(sess)
	logger.Info("Session %s spawned in workspace %s model=%s", sessionID, ws.ID, opts.Model)

	go m.readLoop(as)
	m.broadcastState(as)
	return sess, nil
}

// TurnOptions identify and correlate one client-initiated turn
type TurnOptions struct {
	ClientTurnID string
	RequestID    string
}

func (m *Manager) SendPrompt(sessionID, message string, images []string, opts TurnOptions) error {
	return m.sendTurn(sessionID, TurnPrompt, message, images, opts)
}

func (m *Manager) SendSteer(sessionID, message string, images []string, opts TurnOptions) error {
	return m.sendTurn(sessionID, TurnSteer, message, images, opts)
}

func (m *Manager) SendFollowUp(sessionID, message string, images []string, opts TurnOptions) error {
	return m.sendTurn(sessionID, TurnFollowUp, message, images, opts)
}

// sendTurn is the deduplicated turn dispatch path. For a given
// clientTurnId the subprocess sees at most one stdin write, and every
// retry gets an ack echoing the furthest stage reached.
func (m *Manager) sendTurn(sessionID string, cmd TurnCommand, message string, images []string, opts TurnOptions) error {
	as, err := m.get(sessionID)
	if err != nil {
		return err
	}

	return m.coord.WithSessionLock(sessionID, func() error {
		now := time.Now()
		hash := payloadHash(cmd, message, images)

		if opts.ClientTurnID != "" {
			if rec := as.dedupe.Get(opts.ClientTurnID, now); rec != nil {
				if rec.PayloadHash != hash {
					return fmt.Errorf("%w: %s already used with a different payload", ErrTurnConflict, opts.ClientTurnID)
				}
				metrics.TurnDuplicates.Inc()
				as.Broadcast(turnAck(sessionID, opts, rec.Stage, true))
				return nil
			}
			as.dedupe.Set(opts.ClientTurnID, &TurnRecord{Command: cmd, PayloadHash: hash, Stage: protocol.StageAccepted}, now)
			as.Broadcast(turnAck(sessionID, opts, protocol.StageAccepted, false))
		}

		if err := as.Handle.Send(&agent.Command{
			Type:    agent.CommandType(cmd),
			Message: message,
			Images:  images,
		}); err != nil {
			if opts.ClientTurnID != "" {
				as.dedupe.Remove(opts.ClientTurnID)
			}
			return fmt.Errorf("failed to dispatch %s: %w", cmd, err)
		}

		if opts.ClientTurnID != "" {
			stage := as.dedupe.UpdateStage(opts.ClientTurnID, protocol.StageDispatched, time.Now())
			as.Broadcast(turnAck(sessionID, opts, stage, false))
			as.pushPendingTurnStart(opts.ClientTurnID)
		}

		if as.Session.Status == StatusReady {
			_ = as.Session.transition(StatusBusy)
			m.broadcastState(as)
		}
		as.Session.Touch()
		m.persist(as.Session)
		return nil
	})
}

// SendAbort runs the graceful stop escalation chain. The session is
// never torn down from here; a final failure reverts to busy and the
// user decides whether to stop the session outright.
func (m *Manager) SendAbort(sessionID string) error {
	as, err := m.get(sessionID)
	if err != nil {
		return err
	}

	return m.coord.WithSessionLock(sessionID, func() error {
		switch as.Session.Status {
		case StatusStopping:
			// Already escalating, no duplicate stop_requested
			return nil
		case StatusBusy:
		default:
			return fmt.Errorf("session %s is %s, nothing to abort", sessionID, as.Session.Status)
		}

		_ = as.Session.transition(StatusStopping)
		as.Broadcast(&protocol.ServerMessage{
			Type:      protocol.ServerStopRequested,
			SessionID: sessionID,
			Source:    "user",
		})
		m.broadcastState(as)

		if err := as.Handle.Send(&agent.Command{Type: agent.CommandAbort}); err != nil {
			logger.Error("Abort write failed for %s: %v", sessionID, err)
		}

		timers := &stopTimers{}
		as.mu.Lock()
		as.stopTimers = timers
		as.mu.Unlock()

		timers.t1 = time.AfterFunc(m.stopAbortTimeout, func() {
			as.Broadcast(&protocol.ServerMessage{
				Type:      protocol.ServerStopRequested,
				SessionID: sessionID,
				Source:    "server",
			})
			if err := as.Handle.Interrupt(); err != nil {
				logger.Error("Abort escalation for %s: %v", sessionID, err)
			}
			timers.setT2(time.AfterFunc(m.stopAbortRetryTimeout, func() {
				_ = m.coord.WithSessionLock(sessionID, func() error {
					if as.Session.Status != StatusStopping {
						return nil
					}
					as.Broadcast(&protocol.ServerMessage{Type: protocol.ServerStopFailed, SessionID: sessionID})
					_ = as.Session.transition(StatusBusy)
					m.broadcastState(as)
					return nil
				})
			}))
		})
		return nil
	})
}

// StopSession forcefully tears a session down
func (m *Manager) StopSession(sessionID, reason string) error {
	m.mu.Lock()
	as, ok := m.active[sessionID]
	delete(m.active, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	m.teardown(as, reason, false)
	return nil
}

// ForwardClientCommand writes an RPC-style command to the agent and
// awaits its correlated response. Some commands chain a state refresh on
// the follow-up budget before returning.
func (m *Manager) ForwardClientCommand(ctx context.Context, sessionID, name string, args json.RawMessage, requestID string) (json.RawMessage, error) {
	if requestID == "" {
		return nil, errors.New("requestId is required for commands")
	}
	as, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}

	ev, err := m.roundTrip(ctx, as, name, args, requestID, DefaultRPCTimeout)
	if err != nil {
		return nil, err
	}

	switch name {
	case "set_model":
		m.applyModelChange(as, args)
		m.refreshState(ctx, as)
	case "fork":
		m.refreshState(ctx, as)
	}

	m.broadcastState(as)
	return ev.Data, nil
}

// Subscribe attaches a frame handler to an active session
func (m *Manager) Subscribe(sessionID string, fn Subscriber) (func(), error) {
	as, err := m.get(sessionID)
	if err != nil {
		return nil, err
	}
	return as.Subscribe(fn), nil
}

// Broadcast injects a frame into a session's sequenced stream. This is
// how collaborators like the permission gate reach subscribers with
// ring-buffered, replayable frames.
func (m *Manager) Broadcast(sessionID string, msg *protocol.ServerMessage) {
	if as, ok := m.Active(sessionID); ok {
		as.Broadcast(msg)
	}
}

// Active returns the live session state for the multiplexer's replay
// and snapshot paths.
func (m *Manager) Active(sessionID string) (*ActiveSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[sessionID]
	return as, ok
}

// Sessions snapshots all active sessions, optionally filtered by
// workspace (pass "" for all).
func (m *Manager) Sessions(workspaceID string) []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Session{}
	for _, as := range m.active {
		if workspaceID == "" || as.Session.WorkspaceID == workspaceID {
			out = append(out, as.Session)
		}
	}
	return out
}

// StopAll tears down every active session, used at shutdown
func (m *Manager) StopAll(reason string) {
	m.mu.Lock()
	all := make([]*ActiveSession, 0, len(m.active))
	for id, as := range m.active {
		all = append(all, as)
		delete(m.active, id)
	}
	m.mu.Unlock()

	for _, as := range all {
		m.teardown(as, reason, false)
	}
}

// RecoverStaleSessions marks sessions a previous process persisted as
// running but never tore down. Called once at boot, before any listener
// accepts traffic, with the sessions loaded from disk.
func (m *Manager) RecoverStaleSessions(persisted []*Session, maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	recovered := 0
	for _, s := range persisted {
		switch s.Status {
		case StatusStarting, StatusReady, StatusBusy, StatusStopping:
		default:
			continue
		}
		if s.LastActivity.After(cutoff) {
			continue
		}
		s.Status = StatusError
		m.persist(s)
		recovered++
	}
	return recovered
}

// CompactDedupe expires stale turn records across sessions, called from
// the maintenance sweep.
func (m *Manager) CompactDedupe(now time.Time) int {
	m.mu.Lock()
	all := make([]*ActiveSession, 0, len(m.active))
	for _, as := range m.active {
		all = append(all, as)
	}
	m.mu.Unlock()

	total := 0
	for _, as := range all {
		total += as.dedupe.Compact(now)
	}
	return total
}

// readLoop is the single logical reader of one subprocess's stdout
func (m *Manager) readLoop(as *ActiveSession) {
	sessionID := as.Session.ID
	for {
		select {
		case ev, ok := <-as.Handle.Events():
			if !ok {
				m.handleExit(as)
				return
			}
			m.handleEvent(as, ev)
		case err := <-as.Handle.Errors():
			if err != nil {
				logger.Error("Session %s transport error: %v", sessionID, err)
			}
		case <-as.Handle.Done():
			m.handleExit(as)
			return
		}
	}
}

func (m *Manager) handleEvent(as *ActiveSession, ev *agent.Event) {
	sessionID := as.Session.ID

	switch ev.Type {
	case agent.EventTurnStart:
		if id := as.popPendingTurnStart(); id != "" {
			stage := as.dedupe.UpdateStage(id, protocol.StageStarted, time.Now())
			as.Broadcast(&protocol.ServerMessage{
				Type:         protocol.ServerTurnAck,
				SessionID:    sessionID,
				ClientTurnID: id,
				Stage:        stage,
			})
		}

	case agent.EventTurnEnd:
		_ = m.coord.WithSessionLock(sessionID, func() error {
			as.Session.MessageCount++
			as.Session.Tokens.Input += ev.InputTokens
			as.Session.Tokens.Output += ev.OutputTokens
			as.Session.CostUSD += ev.CostUSD
			as.Session.Touch()
			m.persist(as.Session)
			return nil
		})

	case agent.EventAgentEnd:
		_ = m.coord.WithSessionLock(sessionID, func() error {
			as.cancelStopTimers()
			switch as.Session.Status {
			case StatusStopping:
				as.Broadcast(&protocol.ServerMessage{Type: protocol.ServerStopConfirmed, SessionID: sessionID})
				_ = as.Session.transition(StatusReady)
				m.broadcastState(as)
			case StatusBusy:
				_ = as.Session.transition(StatusReady)
				m.broadcastState(as)
			}
			return nil
		})

	case agent.EventCommandResponse:
		as.resolveRPC(ev)
		return

	case agent.EventPermissionAsk:
		go m.handlePermissionAsk(as, ev)
		return
	}

	if msg := as.translator.Translate(ev); msg != nil {
		as.Broadcast(msg)
		metrics.EventsTotal.WithLabelValues(string(msg.Type)).Inc()
	}
}

// handlePermissionAsk parks on the gate and writes the verdict back to
// the agent's stdin.
func (m *Manager) handlePermissionAsk(as *ActiveSession, ev *agent.Event) {
	req := &policy.Request{Tool: ev.Tool, Input: ev.Input, ToolCallID: ev.ToolCallID}
	res, err := m.gate.Request(context.Background(), as.Session.ID, req)

	decision := &agent.Command{Type: agent.CommandPermissionDecision, ToolCallID: ev.ToolCallID}
	if err != nil {
		decision.Reason = "permission request cancelled"
	} else {
		decision.Allow = res.Action == policy.ActionAllow
		decision.Reason = res.Reason
	}
	if err := as.Handle.Send(decision); err != nil {
		logger.Error("Failed to deliver permission decision for %s: %v", as.Session.ID, err)
	}
}

// handleExit runs when the subprocess goes away underneath us
func (m *Manager) handleExit(as *ActiveSession) {
	m.mu.Lock()
	_, live := m.active[as.Session.ID]
	delete(m.active, as.Session.ID)
	m.mu.Unlock()
	if !live {
		// stopSession already tore this down
		return
	}
	m.teardown(as, "agent exited", true)
}

// teardown releases everything a session holds. fatal marks an
// unexpected subprocess death, which surfaces an error frame first.
func (m *Manager) teardown(as *ActiveSession, reason string, fatal bool) {
	sessionID := as.Session.ID
	as.cancelStopTimers()

	if fatal {
		as.Broadcast(&protocol.ServerMessage{
			Type:      protocol.ServerError,
			SessionID: sessionID,
			Error:     reason,
			Fatal:     true,
		})
	}

	_ = as.Handle.Kill()
	_ = as.Handle.Close()
	m.gate.DestroySession(sessionID)
	m.proxy.RemoveSession(sessionID)

	if as.Session.Status != StatusEnded {
		as.Session.Status = StatusEnded
	}
	as.Broadcast(&protocol.ServerMessage{
		Type:      protocol.ServerSessionEnded,
		SessionID: sessionID,
		Reason:    reason,
	})

	m.coord.ReleaseSession(as.Session.WorkspaceID, sessionID)
	m.coord.DropSessionLock(sessionID)
	metrics.RecordSessionEnd(as.Session.WorkspaceID, string(as.Session.Status), time.Since(as.Session.CreatedAt).Seconds())
	m.persist(as.Session)
	logger.Info("Session %s ended: %s", sessionID, reason)
}

func (m *Manager) roundTrip(ctx context.Context, as *ActiveSession, name string, args json.RawMessage, requestID string, timeout time.Duration) (*agent.Event, error) {
	ch := as.registerRPCWaiter(requestID)
	defer as.dropRPCWaiter(requestID)

	if err := as.Handle.Send(&agent.Command{
		Type:      agent.CommandRPC,
		Name:      name,
		Args:      args,
		RequestID: requestID,
	}); err != nil {
		return nil, fmt.Errorf("failed to dispatch %s: %w", name, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		if !ev.Success {
			return nil, fmt.Errorf("command %s failed: %s", name, ev.Error)
		}
		return ev, nil
	case <-timer.C:
		return nil, fmt.Errorf("command %s timed out after %s", name, timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// applyModelChange records the new model and re-applies the remembered
// thinking level, which model switches reset on the agent side.
func (m *Manager) applyModelChange(as *ActiveSession, args json.RawMessage) {
	var in struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(args, &in); err != nil || in.Model == "" {
		return
	}
	_ = m.coord.WithSessionLock(as.Session.ID, func() error {
		as.Session.Model = in.Model
		m.persist(as.Session)
		return nil
	})

	if level := as.Session.ThinkingLevel; level != "" {
		args, _ := json.Marshal(map[string]string{"thinkingLevel": level})
		if _, err := m.roundTrip(context.Background(), as, "set_thinking_level", args, "followup_"+uuid.NewString(), FollowUpRPCTimeout); err != nil {
			logger.Error("Re-applying thinking level for %s: %v", as.Session.ID, err)
		}
	}
}

// refreshState pulls a fresh agent snapshot on the follow-up budget
func (m *Manager) refreshState(ctx context.Context, as *ActiveSession) {
	if _, err := m.roundTrip(ctx, as, "get_state", nil, "followup_"+uuid.NewString(), FollowUpRPCTimeout); err != nil {
		logger.Error("State refresh for %s: %v", as.Session.ID, err)
	}
}

func (m *Manager) broadcastState(as *ActiveSession) {
	snapshot, err := json.Marshal(as.Session)
	if err != nil {
		return
	}
	as.Broadcast(&protocol.ServerMessage{
		Type:      protocol.ServerState,
		SessionID: as.Session.ID,
		Session:   snapshot,
	})
}

func (m *Manager) get(sessionID string) (*ActiveSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return as, nil
}

func (m *Manager) persist(s *Session) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveSession(s); err != nil {
		logger.Error("Failed to persist session %s: %v", s.ID, err)
	}
}

func presetOf(kind workspace.RuntimeKind) policy.Preset {
	if kind == workspace.RuntimeContainer {
		return policy.PresetContainer
	}
	return policy.PresetHost
}

// stopTimers tracks the abort escalation chain
type stopTimers struct {
	mu     sync.Mutex
	t1, t2 *time.Timer
}

func (t *stopTimers) setT2(timer *time.Timer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t2 = timer
}

func (t *stopTimers) cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t1 != nil {
		t.t1.Stop()
	}
	if t.t2 != nil {
		t.t2.Stop()
	}
}

// cancelStopTimers stops a pending escalation, if any
func (a *ActiveSession) cancelStopTimers() {
	a.mu.Lock()
	timers := a.stopTimers
	a.stopTimers = nil
	a.mu.Unlock()
	if timers != nil {
		timers.cancel()
	}
}

func turnAck(sessionID string, opts TurnOptions, stage protocol.TurnAckStage, duplicate bool) *protocol.ServerMessage {
	return &protocol.ServerMessage{
		Type:         protocol.ServerTurnAck,
		SessionID:    sessionID,
		ClientTurnID: opts.ClientTurnID,
		RequestID:    opts.RequestID,
		Stage:        stage,
		Duplicate:    duplicate,
	}
}

// payloadHash is the stable identity of a turn's content. Request
// metadata (requestId, timestamps) deliberately stays out of the hash so
// retries compare equal.
func payloadHash(cmd TurnCommand, message string, images []string) string {
	canonical, err := protocol.CanonicalJSON(map[string]any{
		"command": string(cmd),
		"message": message,
		"images":  images,
	})
	if err != nil {
		canonical = []byte(string(cmd) + "\x00" + message)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}
