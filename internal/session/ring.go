package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/bastille/internal/metrics"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

/*
EVENT RING - BOUNDED REPLAY LOG FOR SESSION EVENTS

Every ServerMessage broadcast for a session is assigned the next sequence
number and appended here before fan-out. Reconnecting clients resume with
`subscribe{sinceSeq}`: the ring serves everything with seq > sinceSeq, or
reports that the window has been evicted so the client falls back to a
full state snapshot (resync).

Sequence numbers are positive, strictly increasing, and never reused for
the lifetime of a session. Eviction is FIFO when capacity is reached; a
dropped event is unrecoverable by replay, only by resync.
*/

// Ring configuration defaults
const (
	DefaultRingCapacity = 1000
)

// EventRecord pairs a broadcast message with its sequence number
type EventRecord struct {
	Seq       int64                   `json:"seq"`
	Timestamp int64                   `json:"timestamp"` // unix ms
	Event     *protocol.ServerMessage `json:"event"`
}

// EventRing is a bounded monotonic log of one session's broadcasts
type EventRing struct {
	sessionID string
	records   []*EventRecord
	capacity  int
	dropped   int64
	lastSeq   int64 // highest seq ever pushed, survives eviction
	mu        sync.RWMutex
}

// NewEventRing creates an empty ring for the given session
func NewEventRing(sessionID string, capacity int) *EventRing {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &EventRing{
		sessionID: sessionID,
		records:   make([]*EventRecord, 0, capacity),
		capacity:  capacity,
	}
}

// Push appends a record. The record's seq must be strictly greater than
// the current head or the push is rejected.
func (r *EventRing) Push(rec *EventRecord) error {
	if rec.Seq <= 0 {
		return fmt.Errorf("seq must be positive, got %d", rec.Seq)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.Seq <= r.lastSeq {
		return fmt.Errorf("seq %d is not greater than current head %d", rec.Seq, r.lastSeq)
	}

	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}

	if len(r.records) >= r.capacity {
		r.records = r.records[1:]
		r.dropped++
		metrics.EventRingDrops.Inc()
	}
	r.records = append(r.records, rec)
	r.lastSeq = rec.Seq
	return nil
}

// Since returns all records with seq strictly greater than the argument
func (r *EventRing) Since(seq int64) []*EventRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Binary scan is unnecessary at this capacity; records are ordered.
	start := len(r.records)
	for i, rec := range r.records {
		if rec.Seq > seq {
			start = i
			break
		}
	}
	result := make([]*EventRecord, len(r.records)-start)
	copy(result, r.records[start:])
	return result
}

// CanServe reports whether a replay from the given seq would be gapless.
// seq = oldestSeq-1 is servable: the client saw exactly the events that
// were since evicted.
func (r *EventRing) CanServe(seq int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		// Nothing buffered; servable only if the client is at the head.
		return seq >= r.lastSeq
	}
	return seq >= r.records[0].Seq-1
}

// OldestSeq returns the lowest buffered seq, or 0 when empty
func (r *EventRing) OldestSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.records) == 0 {
		return 0
	}
	return r.records[0].Seq
}

// CurrentSeq returns the highest seq ever assigned, or 0 when none
func (r *EventRing) CurrentSeq() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSeq
}

// Len returns the number of buffered records
func (r *EventRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

// Dropped returns the count of FIFO-evicted records
func (r *EventRing) Dropped() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dropped
}
