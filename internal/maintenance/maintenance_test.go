package maintenance

import (
	"testing"
	"time"

	"github.com/HyphaGroup/bastille/internal/session"
)

type fakePruner struct{ calls int }

func (f *fakePruner) PruneExpired(now time.Time) int {
	f.calls++
	return 2
}

type fakeJanitor struct {
	sessions  []*session.Session
	compacted int
	stopped   []string
}

func (f *fakeJanitor) CompactDedupe(now time.Time) int {
	f.compacted++
	return 1
}

func (f *fakeJanitor) Sessions(workspaceID string) []*session.Session {
	return f.sessions
}

func (f *fakeJanitor) StopSession(sessionID, reason string) error {
	f.stopped = append(f.stopped, sessionID)
	return nil
}

func TestSweepRules(t *testing.T) {
	pruner := &fakePruner{}
	s := New(pruner, nil, nil)
	s.SweepRules()
	if pruner.calls != 1 {
		t.Errorf("PruneExpired calls = %d", pruner.calls)
	}
}

func TestSweepStaleSessions(t *testing.T) {
	now := time.Now()
	janitor := &fakeJanitor{
		sessions: []*session.Session{
			{ID: "sess-stuck", Status: session.StatusStarting, LastActivity: now.Add(-time.Hour)},
			{ID: "sess-fresh", Status: session.StatusStarting, LastActivity: now},
			{ID: "sess-busy", Status: session.StatusBusy, LastActivity: now.Add(-time.Hour)},
			{ID: "sess-stopping", Status: session.StatusStopping, LastActivity: now.Add(-time.Hour)},
		},
	}
	s := New(nil, janitor, nil)
	s.now = func() time.Time { return now }

	s.SweepStaleSessions()

	want := map[string]bool{"sess-stuck": true, "sess-stopping": true}
	if len(janitor.stopped) != 2 {
		t.Fatalf("stopped = %v", janitor.stopped)
	}
	for _, id := range janitor.stopped {
		if !want[id] {
			t.Errorf("unexpected stop of %s", id)
		}
	}
}

func TestSweepsTolerateNilCollaborators(t *testing.T) {
	s := New(nil, nil, nil)
	s.SweepRules()
	s.SweepDedupe()
	s.SweepStaleSessions()
	s.SweepLimiters()
}
