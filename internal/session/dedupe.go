package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/HyphaGroup/bastille/internal/protocol"
)

// Dedupe cache defaults. The TTL only has to cover a client's retry
// window across reconnects, not the whole session.
const (
	DefaultDedupeCapacity = 256
	DefaultDedupeTTL      = 10 * time.Minute
)

// TurnCommand identifies which turn-starting command a cache entry is for
type TurnCommand string

const (
	TurnPrompt   TurnCommand = "prompt"
	TurnSteer    TurnCommand = "steer"
	TurnFollowUp TurnCommand = "follow_up"
)

// TurnRecord tracks one clientTurnId through its delivery stages
type TurnRecord struct {
	Command     TurnCommand
	PayloadHash string
	Stage       protocol.TurnAckStage
	AcceptedAt  time.Time
	UpdatedAt   time.Time
}

type dedupeEntry struct {
	id     string
	record *TurnRecord
	elem   *list.Element
}

// TurnDedupeCache is an LRU+TTL map from clientTurnId to TurnRecord.
// Stage updates are monotonic: accepted -> dispatched -> started, never
// backwards, so a duplicate ack always echoes the furthest observed stage.
type TurnDedupeCache struct {
	entries  map[string]*dedupeEntry
	order    *list.List // front = most recently used
	capacity int
	ttl      time.Duration
	mu       sync.Mutex
}

// NewTurnDedupeCache creates a cache with the given capacity and TTL
func NewTurnDedupeCache(capacity int, ttl time.Duration) *TurnDedupeCache {
	if capacity <= 0 {
		capacity = DefaultDedupeCapacity
	}
	if ttl <= 0 {
		ttl = DefaultDedupeTTL
	}
	return &TurnDedupeCache{
		entries:  make(map[string]*dedupeEntry),
		order:    list.New(),
		capacity: capacity,
		ttl:      ttl,
	}
}

// Set inserts or replaces the record for a clientTurnId
func (c *TurnDedupeCache) Set(id string, record *TurnRecord, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if record.AcceptedAt.IsZero() {
		record.AcceptedAt = now
	}
	record.UpdatedAt = now

	if e, ok := c.entries[id]; ok {
		e.record = record
		c.order.MoveToFront(e.elem)
		return
	}

	e := &dedupeEntry{id: id, record: record}
	e.elem = c.order.PushFront(e)
	c.entries[id] = e

	for len(c.entries) > c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		victim := oldest.Value.(*dedupeEntry)
		c.order.Remove(oldest)
		delete(c.entries, victim.id)
	}
}

// Get returns the record for a clientTurnId, or nil when absent or
// expired. Expired entries are removed on read.
func (c *TurnDedupeCache) Get(id string, now time.Time) *TurnRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	if now.Sub(e.record.UpdatedAt) > c.ttl {
		c.order.Remove(e.elem)
		delete(c.entries, id)
		return nil
	}
	c.order.MoveToFront(e.elem)
	return e.record
}

// UpdateStage advances the stage of an entry. Regressions are ignored:
// a late "dispatched" after "started" leaves the record at "started".
// Returns the stage in effect after the call, or "" when not found.
func (c *TurnDedupeCache) UpdateStage(id string, stage protocol.TurnAckStage, now time.Time) protocol.TurnAckStage {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[id]
	if !ok {
		return ""
	}
	if stage.Rank() > e.record.Stage.Rank() {
		e.record.Stage = stage
	}
	e.record.UpdatedAt = now
	c.order.MoveToFront(e.elem)
	return e.record.Stage
}

// Remove drops an entry, used when a stdin write fails after acceptance
func (c *TurnDedupeCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[id]; ok {
		c.order.Remove(e.elem)
		delete(c.entries, id)
	}
}

// Compact drops all expired entries, called from the maintenance sweep
func (c *TurnDedupeCache) Compact(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, e := range c.entries {
		if now.Sub(e.record.UpdatedAt) > c.ttl {
			c.order.Remove(e.elem)
			delete(c.entries, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries
func (c *TurnDedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
