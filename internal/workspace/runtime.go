package workspace

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/HyphaGroup/bastille/internal/logger"
)

// Slot limit defaults
const (
	DefaultMaxSessionsPerWorkspace = 4
	DefaultMaxSessionsGlobal       = 16
	DefaultIdleStopTimeout         = 15 * time.Minute
)

// Slot limit error codes, surfaced verbatim in REST and command_result
// failures.
var (
	ErrSessionLimitWorkspace = errors.New("SESSION_LIMIT_WORKSPACE")
	ErrSessionLimitGlobal    = errors.New("SESSION_LIMIT_GLOBAL")
)

// Coordinator owns session slot accounting, per-entity locks, and idle
// teardown timers for container workspaces.
type Coordinator struct {
	sessionLocks   *LockMap
	workspaceLocks *LockMap

	maxPerWorkspace int
	maxGlobal       int
	idleTimeout     time.Duration

	// onIdle fires when a container workspace has been session-free for
	// idleTimeout; wired to container teardown by the composition root.
	onIdle func(workspaceID string)

	mu         sync.Mutex
	slots      map[string]map[string]RuntimeKind // workspaceID -> sessionID -> runtime
	total      int
	idleTimers map[string]*time.Timer
	// sawContainer records workspaces that have had at least one
	// container session this process lifetime; only those get idle timers
	sawContainer map[string]bool
}

// NewCoordinator creates a coordinator with the given limits
func NewCoordinator(maxPerWorkspace, maxGlobal int, idleTimeout time.Duration, onIdle func(string)) *Coordinator {
	if maxPerWorkspace <= 0 {
		maxPerWorkspace = DefaultMaxSessionsPerWorkspace
	}
	if maxGlobal <= 0 {
		maxGlobal = DefaultMaxSessionsGlobal
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleStopTimeout
	}
	return &Coordinator{
		sessionLocks:    NewLockMap(),
		workspaceLocks:  NewLockMap(),
		maxPerWorkspace: maxPerWorkspace,
		maxGlobal:       maxGlobal,
		idleTimeout:     idleTimeout,
		onIdle:          onIdle,
		slots:           make(map[string]map[string]RuntimeKind),
		idleTimers:      make(map[string]*time.Timer),
		sawContainer:    make(map[string]bool),
	}
}

// ReserveSessionStart claims a slot for a session about to spawn.
// The per-workspace cap is checked before the global cap so the error
// names the narrower limit.
func (c *Coordinator) ReserveSessionStart(workspaceID, sessionID string, runtime RuntimeKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.slots[workspaceID]
	if _, dup := ws[sessionID]; dup {
		return fmt.Errorf("session %s already reserved in workspace %s", sessionID, workspaceID)
	}
	if len(ws) >= c.maxPerWorkspace {
		return fmt.Errorf("%w: workspace %s has %d sessions", ErrSessionLimitWorkspace, workspaceID, len(ws))
	}
	if c.total >= c.maxGlobal {
		return fmt.Errorf("%w: %d sessions across all workspaces", ErrSessionLimitGlobal, c.total)
	}

	if ws == nil {
		ws = make(map[string]RuntimeKind)
		c.slots[workspaceID] = ws
	}
	ws[sessionID] = runtime
	c.total++

	if runtime == RuntimeContainer {
		c.sawContainer[workspaceID] = true
		c.cancelIdleLocked(workspaceID)
	}
	return nil
}

// ReleaseSession frees a slot. Idempotent: releasing an unknown session
// is a no-op. When the last container session of a workspace leaves, the
// idle-stop timer is scheduled.
func (c *Coordinator) ReleaseSession(workspaceID, sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ws := c.slots[workspaceID]
	if _, ok := ws[sessionID]; !ok {
		return
	}
	delete(ws, sessionID)
	c.total--
	if len(ws) == 0 {
		delete(c.slots, workspaceID)
	}

	if c.sawContainer[workspaceID] && c.containerCountLocked(workspaceID) == 0 {
		c.scheduleIdleLocked(workspaceID)
	}
}

// WithSessionLock runs fn holding the session's advisory mutex
func (c *Coordinator) WithSessionLock(sessionID string, fn func() error) error {
	return c.sessionLocks.With(sessionID, fn)
}

// WithWorkspaceLock runs fn holding the workspace's advisory mutex
func (c *Coordinator) WithWorkspaceLock(workspaceID string, fn func() error) error {
	return c.workspaceLocks.With(workspaceID, fn)
}

// SessionCount returns the number of reserved slots in a workspace
func (c *Coordinator) SessionCount(workspaceID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.slots[workspaceID])
}

// TotalCount returns the number of reserved slots across all workspaces
func (c *Coordinator) TotalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

// HasIdleTimer reports whether an idle-stop timer is pending
func (c *Coordinator) HasIdleTimer(workspaceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.idleTimers[workspaceID]
	return ok
}

// DropSessionLock discards a session's lock after teardown
func (c *Coordinator) DropSessionLock(sessionID string) {
	c.sessionLocks.Delete(sessionID)
}

// Close cancels all pending idle timers
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, t := range c.idleTimers {
		t.Stop()
		delete(c.idleTimers, id)
	}
}

func (c *Coordinator) containerCountLocked(workspaceID string) int {
	n := 0
	for _, kind := range c.slots[workspaceID] {
		if kind == RuntimeContainer {
			n++
		}
	}
	return n
}

func (c *Coordinator) scheduleIdleLocked(workspaceID string) {
	if _, exists := c.idleTimers[workspaceID]; exists {
		return
	}
	logger.Info("Workspace %s container-idle, stop scheduled in %v", workspaceID, c.idleTimeout)
	c.idleTimers[workspaceID] = time.AfterFunc(c.idleTimeout, func() {
		c.mu.Lock()
		delete(c.idleTimers, workspaceID)
		stillIdle := c.containerCountLocked(workspaceID) == 0
		c.mu.Unlock()

		if stillIdle && c.onIdle != nil {
			c.onIdle(workspaceID)
		}
	})
}

func (c *Coordinator) cancelIdleLocked(workspaceID string) {
	if t, ok := c.idleTimers[workspaceID]; ok {
		t.Stop()
		delete(c.idleTimers, workspaceID)
	}
}
