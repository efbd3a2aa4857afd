package audit

import (
	"testing"
	"time"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := NewLog(t.TempDir(), "")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestRecordAndQuery(t *testing.T) {
	l := newTestLog(t)

	base := time.Now().Add(-time.Minute)
	for i, decision := range []string{"allow", "deny", "ask"} {
		err := l.Record(&Entry{
			Timestamp:      base.Add(time.Duration(i) * time.Second),
			SessionID:      "sess_1",
			WorkspaceID:    "ws-1",
			Tool:           "Bash",
			DisplaySummary: "rm -rf build",
			Decision:       decision,
			ResolvedBy:     ResolvedByPolicy,
			Layer:          "rules",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Query("", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 3 {
		t.Fatalf("len = %d, want 3", len(entries))
	}
	// Reverse chronological
	if entries[0].Decision != "ask" || entries[2].Decision != "allow" {
		t.Errorf("order = %q, %q, %q", entries[0].Decision, entries[1].Decision, entries[2].Decision)
	}
	if entries[0].ID == "" {
		t.Error("id not assigned")
	}
}

func TestQueryFiltersBySession(t *testing.T) {
	l := newTestLog(t)

	for _, sid := range []string{"sess_a", "sess_b", "sess_a"} {
		if err := l.Record(&Entry{SessionID: sid, Tool: "Read", Decision: "allow", ResolvedBy: ResolvedByUser, Layer: "user"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Query("sess_a", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.SessionID != "sess_a" {
			t.Errorf("session = %q", e.SessionID)
		}
	}
}

func TestQueryLimit(t *testing.T) {
	l := newTestLog(t)

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		err := l.Record(&Entry{
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			SessionID:  "sess_1",
			Decision:   "deny",
			ResolvedBy: ResolvedByTimeout,
			Layer:      "permission",
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Query("sess_1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("len = %d, want 2", len(entries))
	}
}

func TestRecordPreservesRuleID(t *testing.T) {
	l := newTestLog(t)

	if err := l.Record(&Entry{
		SessionID:  "sess_1",
		Decision:   "allow",
		ResolvedBy: ResolvedByPolicy,
		Layer:      "rules",
		RuleID:     "rule-42",
	}); err != nil {
		t.Fatal(err)
	}

	entries, err := l.Query("sess_1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].RuleID != "rule-42" {
		t.Errorf("entries = %+v", entries)
	}
}
