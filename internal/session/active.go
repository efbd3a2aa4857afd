package session

import (
	"sync"

	"github.com/HyphaGroup/bastille/internal/agent"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

// Subscriber receives every frame a session broadcasts. Handlers must
// not block; stream clients enqueue to their own outbound buffers.
type Subscriber func(msg *protocol.ServerMessage)

// ActiveSession is the in-memory state of a live session: the
// subprocess handle plus everything needed to sequence, buffer, and fan
// out its event stream.
type ActiveSession struct {
	Session *Session
	Handle  agent.Handle

	// fanMu serializes broadcasts end to end so every subscriber sees
	// frames in ring order. It is never taken by subscriber callbacks.
	fanMu sync.Mutex

	mu          sync.Mutex
	seq         int64
	ring        *EventRing
	translator  *Translator
	dedupe      *TurnDedupeCache
	subscribers map[int64]Subscriber
	nextSubID   int64

	// clientTurnIds awaiting their turn_start, in dispatch order
	pendingTurnStarts []string

	// requestId -> waiter for in-flight RPC commands
	rpcWaiters map[string]chan *agent.Event

	stopTimers *stopTimers
}

func newActiveSession(sess *Session, handle agent.Handle, renderer Renderer) *ActiveSession {
	return &ActiveSession{
		Session:     sess,
		Handle:      handle,
		ring:        NewEventRing(sess.ID, DefaultRingCapacity),
		translator:  NewTranslator(sess.ID, renderer),
		dedupe:      NewTurnDedupeCache(DefaultDedupeCapacity, DefaultDedupeTTL),
		subscribers: make(map[int64]Subscriber),
		rpcWaiters:  make(map[string]chan *agent.Event),
	}
}

// Subscribe registers a handler and returns its remover. The remover is
// idempotent.
func (a *ActiveSession) Subscribe(fn Subscriber) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextSubID
	a.nextSubID++
	a.subscribers[id] = fn

	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, id)
	}
}

// Broadcast assigns the next sequence number, appends to the ring, and
// delivers to every subscriber. This is the only writer of the ring.
func (a *ActiveSession) Broadcast(msg *protocol.ServerMessage) {
	a.fanMu.Lock()
	defer a.fanMu.Unlock()

	a.mu.Lock()
	a.seq++
	msg.Seq = a.seq
	if msg.Ts == 0 {
		msg.Ts = protocol.NowMillis()
	}
	_ = a.ring.Push(&EventRecord{Seq: msg.Seq, Timestamp: msg.Ts, Event: msg})
	subs := make([]Subscriber, 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(msg)
	}
}

// CurrentSeq returns the highest sequence number assigned so far
func (a *ActiveSession) CurrentSeq() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.seq
}

// Replay returns buffered frames with seq > sinceSeq, and whether the
// ring could serve the request without a resync.
func (a *ActiveSession) Replay(sinceSeq int64) ([]*EventRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ring.CanServe(sinceSeq) {
		return nil, false
	}
	return a.ring.Since(sinceSeq), true
}

// ReplaySnapshot atomically pairs a replay with the head seq at the
// same instant, so a subscriber bootstrap has one consistent cut of the
// stream: everything at or below the returned seq is either replayed or
// covered by the state snapshot, everything above arrives live.
func (a *ActiveSession) ReplaySnapshot(sinceSeq *int64) ([]*EventRecord, int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if sinceSeq == nil || !a.ring.CanServe(*sinceSeq) {
		return nil, a.seq
	}
	return a.ring.Since(*sinceSeq), a.seq
}

// pushPendingTurnStart records a clientTurnId awaiting its turn_start
func (a *ActiveSession) pushPendingTurnStart(clientTurnID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pendingTurnStarts = append(a.pendingTurnStarts, clientTurnID)
}

// popPendingTurnStart pops the head of the queue, or ""
func (a *ActiveSession) popPendingTurnStart() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pendingTurnStarts) == 0 {
		return ""
	}
	head := a.pendingTurnStarts[0]
	a.pendingTurnStarts = a.pendingTurnStarts[1:]
	return head
}

// registerRPCWaiter installs a one-shot waiter for a command response
func (a *ActiveSession) registerRPCWaiter(requestID string) chan *agent.Event {
	ch := make(chan *agent.Event, 1)
	a.mu.Lock()
	a.rpcWaiters[requestID] = ch
	a.mu.Unlock()
	return ch
}

func (a *ActiveSession) dropRPCWaiter(requestID string) {
	a.mu.Lock()
	delete(a.rpcWaiters, requestID)
	a.mu.Unlock()
}

// resolveRPC routes a command_response to its waiter, if any
func (a *ActiveSession) resolveRPC(ev *agent.Event) {
	a.mu.Lock()
	ch, ok := a.rpcWaiters[ev.RequestID]
	if ok {
		delete(a.rpcWaiters, ev.RequestID)
	}
	a.mu.Unlock()
	if ok {
		ch <- ev
	}
}
