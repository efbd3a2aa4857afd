package workspace

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestReserveSessionStart_WorkspaceLimit(t *testing.T) {
	c := NewCoordinator(2, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Fatal(err)
	}
	if err := c.ReserveSessionStart("ws-1", "s2", RuntimeHost); err != nil {
		t.Fatal(err)
	}

	err := c.ReserveSessionStart("ws-1", "s3", RuntimeHost)
	if !errors.Is(err, ErrSessionLimitWorkspace) {
		t.Errorf("err = %v, want ErrSessionLimitWorkspace", err)
	}

	// Other workspaces are unaffected
	if err := c.ReserveSessionStart("ws-2", "s4", RuntimeHost); err != nil {
		t.Errorf("other workspace blocked: %v", err)
	}
}

func TestReserveSessionStart_GlobalLimit(t *testing.T) {
	c := NewCoordinator(10, 3, time.Hour, nil)
	defer c.Close()

	for i, pair := range [][2]string{{"ws-1", "s1"}, {"ws-2", "s2"}, {"ws-3", "s3"}} {
		if err := c.ReserveSessionStart(pair[0], pair[1], RuntimeHost); err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
	}

	err := c.ReserveSessionStart("ws-4", "s4", RuntimeHost)
	if !errors.Is(err, ErrSessionLimitGlobal) {
		t.Errorf("err = %v, want ErrSessionLimitGlobal", err)
	}
}

func TestReserveSessionStart_WorkspaceLimitNamedFirst(t *testing.T) {
	// When both caps are hit the narrower one wins
	c := NewCoordinator(1, 1, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Fatal(err)
	}
	err := c.ReserveSessionStart("ws-1", "s2", RuntimeHost)
	if !errors.Is(err, ErrSessionLimitWorkspace) {
		t.Errorf("err = %v, want ErrSessionLimitWorkspace", err)
	}
}

func TestReserveSessionStart_DuplicateRejected(t *testing.T) {
	c := NewCoordinator(4, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Fatal(err)
	}
	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err == nil {
		t.Error("duplicate reservation accepted")
	}
	if got := c.SessionCount("ws-1"); got != 1 {
		t.Errorf("SessionCount = %d, want 1", got)
	}
}

func TestReleaseSession_Idempotent(t *testing.T) {
	c := NewCoordinator(4, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Fatal(err)
	}
	c.ReleaseSession("ws-1", "s1")
	c.ReleaseSession("ws-1", "s1")
	c.ReleaseSession("ws-1", "never-existed")

	if got := c.TotalCount(); got != 0 {
		t.Errorf("TotalCount = %d, want 0", got)
	}

	// Released slots are reusable
	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Errorf("re-reserve after release: %v", err)
	}
}

func TestIdleTimer_ScheduledOnLastContainerSession(t *testing.T) {
	c := NewCoordinator(4, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeContainer); err != nil {
		t.Fatal(err)
	}
	if err := c.ReserveSessionStart("ws-1", "s2", RuntimeContainer); err != nil {
		t.Fatal(err)
	}

	c.ReleaseSession("ws-1", "s1")
	if c.HasIdleTimer("ws-1") {
		t.Error("timer scheduled while a container session remains")
	}

	c.ReleaseSession("ws-1", "s2")
	if !c.HasIdleTimer("ws-1") {
		t.Error("no timer after last container session left")
	}
}

func TestIdleTimer_CancelledByNewContainerSession(t *testing.T) {
	c := NewCoordinator(4, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeContainer); err != nil {
		t.Fatal(err)
	}
	c.ReleaseSession("ws-1", "s1")
	if !c.HasIdleTimer("ws-1") {
		t.Fatal("expected pending idle timer")
	}

	if err := c.ReserveSessionStart("ws-1", "s2", RuntimeContainer); err != nil {
		t.Fatal(err)
	}
	if c.HasIdleTimer("ws-1") {
		t.Error("timer survived a new container session")
	}
}

func TestIdleTimer_FiresOnIdle(t *testing.T) {
	fired := make(chan string, 1)
	c := NewCoordinator(4, 10, 10*time.Millisecond, func(id string) { fired <- id })
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeContainer); err != nil {
		t.Fatal(err)
	}
	c.ReleaseSession("ws-1", "s1")

	select {
	case id := <-fired:
		if id != "ws-1" {
			t.Errorf("fired for %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("idle callback never fired")
	}
	if c.HasIdleTimer("ws-1") {
		t.Error("timer entry not cleared after firing")
	}
}

func TestIdleTimer_HostSessionsNeverScheduleIt(t *testing.T) {
	c := NewCoordinator(4, 10, time.Hour, nil)
	defer c.Close()

	if err := c.ReserveSessionStart("ws-1", "s1", RuntimeHost); err != nil {
		t.Fatal(err)
	}
	c.ReleaseSession("ws-1", "s1")
	if c.HasIdleTimer("ws-1") {
		t.Error("host-only workspace got an idle timer")
	}
}

func TestLockMap_FIFOOrdering(t *testing.T) {
	m := NewLockMap()

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.With("k", func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_ = m.With("k", func() error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
		}()
		// Let each waiter queue before the next arrives
		time.Sleep(20 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v, want [1 2 3]", order)
	}
}

func TestLockMap_DistinctKeysDoNotContend(t *testing.T) {
	m := NewLockMap()

	blocked := make(chan struct{})
	go func() {
		_ = m.With("a", func() error {
			<-blocked
			return nil
		})
	}()

	done := make(chan struct{})
	go func() {
		_ = m.With("b", func() error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on key b blocked by key a")
	}
	close(blocked)
}

func TestLockMap_ReleasedOnPanic(t *testing.T) {
	m := NewLockMap()

	func() {
		defer func() { _ = recover() }()
		_ = m.With("k", func() error { panic("boom") })
	}()

	done := make(chan struct{})
	go func() {
		_ = m.With("k", func() error { return nil })
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock never released after panic")
	}
}

func TestApprovalTimeout(t *testing.T) {
	zero := int64(0)
	override := int64(5000)

	tests := []struct {
		name    string
		overlay PolicyOverlay
		want    time.Duration
	}{
		{"absent uses default", PolicyOverlay{}, 30 * time.Second},
		{"zero means never", PolicyOverlay{ApprovalTimeoutMs: &zero}, 0},
		{"override wins", PolicyOverlay{ApprovalTimeoutMs: &override}, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &Workspace{Policy: tt.overlay}
			if got := w.ApprovalTimeout(30000); got != tt.want {
				t.Errorf("ApprovalTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}
