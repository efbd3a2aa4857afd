// Package stream serves the multiplexed client WebSocket. One socket
// per client carries subscriptions to any number of sessions; frames
// are JSON objects discriminated by a type field.
package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HyphaGroup/bastille/internal/logger"
	"github.com/HyphaGroup/bastille/internal/metrics"
	"github.com/HyphaGroup/bastille/internal/permission"
	"github.com/HyphaGroup/bastille/internal/policy"
	"github.com/HyphaGroup/bastille/internal/protocol"
	"github.com/HyphaGroup/bastille/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	outboundBuffer = 256
)

// TokenValidator authenticates stream handshakes
type TokenValidator interface {
	// ValidateToken resolves a bearer token to the owner's display name
	ValidateToken(token string) (name string, ok bool)
}

// PermissionResolver is the mux's view of the permission gate
type PermissionResolver interface {
	ResolveDecision(id string, action policy.Action, scope permission.ResolveScope, pattern string) error
}

// Mux upgrades /stream connections and routes client frames to the
// session manager.
type Mux struct {
	manager  *session.Manager
	gate     PermissionResolver
	tokens   TokenValidator
	upgrader websocket.Upgrader
}

func NewMux(manager *session.Manager, gate PermissionResolver, tokens TokenValidator) *Mux {
	return &Mux{
		manager: manager,
		gate:    gate,
		tokens:  tokens,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The mobile client authenticates with a bearer token, not an
			// Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /stream
func (m *Mux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	name, ok := m.tokens.ValidateToken(token)
	if !ok {
		logger.Info("Stream handshake rejected (%s)", logger.AuthPresence(token))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("Stream upgrade failed: %v", err)
		return
	}

	c := &client{
		mux:  m,
		conn: conn,
		out:  make(chan *protocol.ServerMessage, outboundBuffer),
		subs: make(map[string]*subscription),
	}
	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	go c.writePump()
	c.enqueue(&protocol.ServerMessage{
		Type:     protocol.ServerStreamConnected,
		UserName: name,
		Ts:       protocol.NowMillis(),
	})
	c.readLoop()
}

// subscription gates delivery for one (client, session) pair. Frames
// broadcast during bootstrap accumulate in backlog and flush once the
// bootstrap snapshot is on the wire, so no frame precedes connected.
type subscription struct {
	level protocol.SubscriptionLevel
	unsub func()

	mu           sync.Mutex
	ready        bool
	bootstrapSeq int64
	backlog      []*protocol.ServerMessage
}

type client struct {
	mux  *Mux
	conn *websocket.Conn
	out  chan *protocol.ServerMessage

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

func (c *client) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg protocol.ClientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}
		c.dispatch(&msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) dispatch(msg *protocol.ClientMessage) {
	switch msg.Type {
	case protocol.ClientSubscribe:
		c.handleSubscribe(msg)
	case protocol.ClientUnsubscribe:
		c.handleUnsubscribe(msg)
	case protocol.ClientPermissionResp:
		c.handlePermissionResponse(msg)
	default:
		c.handleSessionCommand(msg)
	}
}

func (c *client) handleSubscribe(msg *protocol.ClientMessage) {
	as, ok := c.mux.manager.Active(msg.SessionID)
	if !ok {
		c.result(msg, false, nil, "session not found: "+msg.SessionID)
		return
	}
	if msg.SinceSeq != nil && *msg.SinceSeq < 0 {
		c.result(msg, false, nil, "sinceSeq must be non-negative")
		return
	}
	level := msg.Level
	if level == "" {
		level = protocol.LevelFull
	}

	c.mu.Lock()
	if old, exists := c.subs[msg.SessionID]; exists {
		old.unsub()
		delete(c.subs, msg.SessionID)
	}
	sub := &subscription{level: level}
	sub.unsub = as.Subscribe(func(frame *protocol.ServerMessage) {
		c.deliver(sub, frame)
	})
	c.subs[msg.SessionID] = sub
	c.mu.Unlock()

	// Bootstrap order: connected, state, replay, command_result. Frames
	// broadcast meanwhile queue in the subscription backlog; everything
	// past gateSeq reaches the client through that backlog instead.
	// An unservable sinceSeq falls back to the state snapshot below; the
	// subscribe still succeeds (resync).
	records, gateSeq := as.ReplaySnapshot(msg.SinceSeq)

	snapshot, _ := json.Marshal(as.Session)
	c.enqueue(&protocol.ServerMessage{
		Type:       protocol.ServerConnected,
		SessionID:  msg.SessionID,
		Session:    snapshot,
		CurrentSeq: gateSeq,
		Ts:         protocol.NowMillis(),
	})
	c.enqueue(&protocol.ServerMessage{
		Type:      protocol.ServerState,
		SessionID: msg.SessionID,
		Session:   snapshot,
		Ts:        protocol.NowMillis(),
	})
	for _, r := range records {
		c.enqueue(r.Event)
	}
	c.result(msg, true, nil, "")

	// Flush the backlog before any live frame can pass the gate, so
	// delivery order matches ring order.
	sub.mu.Lock()
	sub.bootstrapSeq = gateSeq
	for _, frame := range sub.backlog {
		if frame.Seq > gateSeq {
			c.enqueueAtLevel(sub.level, frame)
		}
	}
	sub.backlog = nil
	sub.ready = true
	sub.mu.Unlock()
}

func (c *client) handleUnsubscribe(msg *protocol.ClientMessage) {
	c.mu.Lock()
	if sub, ok := c.subs[msg.SessionID]; ok {
		sub.unsub()
		delete(c.subs, msg.SessionID)
	}
	c.mu.Unlock()
	// Idempotent: unsubscribing twice is still a success
	c.result(msg, true, nil, "")
}

func (c *client) handlePermissionResponse(msg *protocol.ClientMessage) {
	if msg.SessionID != "" && !c.subscribedFull(msg.SessionID) {
		c.refuseNotSubscribed(msg)
		return
	}
	scope := permission.ResolveScope(msg.Scope)
	if scope == "" {
		scope = permission.ScopeOnce
	}
	err := c.mux.gate.ResolveDecision(msg.PermissionID, policy.Action(msg.Action), scope, msg.Pattern)
	if err != nil {
		c.result(msg, false, nil, err.Error())
		return
	}
	c.result(msg, true, nil, "")
}

func (c *client) handleSessionCommand(msg *protocol.ClientMessage) {
	if msg.SessionID == "" {
		c.enqueue(&protocol.ServerMessage{
			Type:      protocol.ServerError,
			RequestID: msg.RequestID,
			Error:     "unknown or session-less message type: " + string(msg.Type),
			Ts:        protocol.NowMillis(),
		})
		return
	}
	if !c.subscribedFull(msg.SessionID) {
		c.refuseNotSubscribed(msg)
		return
	}

	switch {
	case msg.IsTurnCommand():
		opts := session.TurnOptions{ClientTurnID: msg.ClientTurnID, RequestID: msg.RequestID}
		var err error
		switch msg.Type {
		case protocol.ClientPrompt:
			err = c.mux.manager.SendPrompt(msg.SessionID, msg.Message, msg.Images, opts)
		case protocol.ClientSteer:
			err = c.mux.manager.SendSteer(msg.SessionID, msg.Message, msg.Images, opts)
		default:
			err = c.mux.manager.SendFollowUp(msg.SessionID, msg.Message, msg.Images, opts)
		}
		c.resultErr(msg, err)

	case msg.Type == protocol.ClientStop:
		c.resultErr(msg, c.mux.manager.SendAbort(msg.SessionID))

	case msg.Type == protocol.ClientStopSession:
		c.resultErr(msg, c.mux.manager.StopSession(msg.SessionID, "stopped by user"))

	case msg.IsRPCCommand(), msg.Type == protocol.ClientExtensionUIResp:
		data, err := c.mux.manager.ForwardClientCommand(
			context.Background(), msg.SessionID, string(msg.Type), msg.Args, msg.RequestID)
		if err != nil {
			c.result(msg, false, nil, err.Error())
			return
		}
		c.result(msg, true, data, "")

	default:
		c.enqueue(&protocol.ServerMessage{
			Type:      protocol.ServerError,
			SessionID: msg.SessionID,
			RequestID: msg.RequestID,
			Error:     "unsupported message type: " + string(msg.Type),
			Ts:        protocol.NowMillis(),
		})
	}
}

func (c *client) subscribedFull(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[sessionID]
	return ok && sub.level == protocol.LevelFull
}

func (c *client) refuseNotSubscribed(msg *protocol.ClientMessage) {
	c.enqueue(&protocol.ServerMessage{
		Type:      protocol.ServerError,
		SessionID: msg.SessionID,
		RequestID: msg.RequestID,
		Error:     "not subscribed at level=full for session " + msg.SessionID,
		Ts:        protocol.NowMillis(),
	})
}

// deliver pushes one broadcast frame through a subscription's gate
func (c *client) deliver(sub *subscription, frame *protocol.ServerMessage) {
	sub.mu.Lock()
	if !sub.ready {
		sub.backlog = append(sub.backlog, frame)
		sub.mu.Unlock()
		return
	}
	if frame.Seq != 0 && frame.Seq <= sub.bootstrapSeq {
		sub.mu.Unlock()
		return
	}
	sub.mu.Unlock()

	c.enqueueAtLevel(sub.level, frame)
}

func (c *client) enqueueAtLevel(level protocol.SubscriptionLevel, frame *protocol.ServerMessage) {
	if level == protocol.LevelNotifications && !isNotification(frame.Type) {
		return
	}
	c.enqueue(frame)
}

// isNotification selects the summary subset delivered at
// level=notifications.
func isNotification(t protocol.ServerMessageType) bool {
	switch t {
	case protocol.ServerState, protocol.ServerSessionEnded,
		protocol.ServerStopRequested, protocol.ServerStopConfirmed, protocol.ServerStopFailed,
		protocol.ServerPermissionReq, protocol.ServerPermissionExp, protocol.ServerPermissionCan,
		protocol.ServerAgentEnd, protocol.ServerError:
		return true
	}
	return false
}

func (c *client) result(msg *protocol.ClientMessage, success bool, data json.RawMessage, errMsg string) {
	c.enqueue(protocol.CommandResult(string(msg.Type), msg.RequestID, success, data, errMsg))
}

func (c *client) resultErr(msg *protocol.ClientMessage, err error) {
	if err != nil {
		c.result(msg, false, nil, err.Error())
		return
	}
	c.result(msg, true, nil, "")
}

// enqueue hands a frame to the write pump without blocking broadcasts.
// A client that cannot drain its buffer is disconnected.
func (c *client) enqueue(msg *protocol.ServerMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	select {
	case c.out <- msg:
	default:
		logger.Error("Stream client outbound buffer full, dropping connection")
		c.close()
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = map[string]*subscription{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.unsub()
	}
	close(c.out)
	_ = c.conn.Close()
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Browser WebSocket clients cannot set headers on the handshake
	return r.URL.Query().Get("token")
}
