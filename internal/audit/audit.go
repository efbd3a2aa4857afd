// Package audit persists permission decisions to SQLite and mirrors
// them to a structured JSON log. Entries never contain the display
// summary text or any credential material, only its length.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// ResolvedBy states who produced the final decision
type ResolvedBy string

const (
	ResolvedByPolicy  ResolvedBy = "policy"
	ResolvedByUser    ResolvedBy = "user"
	ResolvedByTimeout ResolvedBy = "timeout"
)

// Entry is one recorded permission decision
type Entry struct {
	ID             string     `json:"id"`
	Timestamp      time.Time  `json:"timestamp"`
	SessionID      string     `json:"sessionId"`
	WorkspaceID    string     `json:"workspaceId"`
	Tool           string     `json:"tool"`
	DisplaySummary string     `json:"displaySummary"`
	Decision       string     `json:"decision"`
	ResolvedBy     ResolvedBy `json:"resolvedBy"`
	Layer          string     `json:"layer"`
	RuleID         string     `json:"ruleId,omitempty"`
}

// Log stores audit entries with a SQLite backend
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLog opens the audit database under dataDir and attaches a JSON
// slog mirror writing to auditFile (pass "" to skip the mirror).
func NewLog(dataDir, auditFile string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "audit.db")
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Log{db: db, logger: slog.New(slog.DiscardHandler)}
	if err := l.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate audit database: %w", err)
	}

	if auditFile != "" {
		f, err := os.OpenFile(auditFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		l.logger = slog.New(slog.NewJSONHandler(f, nil))
	}
	return l, nil
}

func (l *Log) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		id TEXT PRIMARY KEY,
		timestamp DATETIME NOT NULL,
		session_id TEXT NOT NULL,
		workspace_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		display_summary TEXT NOT NULL,
		decision TEXT NOT NULL,
		resolved_by TEXT NOT NULL,
		layer TEXT NOT NULL,
		rule_id TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_entries(session_id);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database connection
func (l *Log) Close() error {
	return l.db.Close()
}

// Record inserts one entry, assigning id and timestamp when unset
func (l *Log) Record(e *Entry) error {
	if e.ID == "" {
		e.ID = ulid.Make().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	_, err := l.db.Exec(`
		INSERT INTO audit_entries (id, timestamp, session_id, workspace_id, tool, display_summary, decision, resolved_by, layer, rule_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Timestamp, e.SessionID, e.WorkspaceID, e.Tool,
		e.DisplaySummary, e.Decision, string(e.ResolvedBy), e.Layer, e.RuleID)
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}

	// The summary text stays out of the log stream
	l.logger.Info("permission decision",
		"id", e.ID,
		"sessionId", e.SessionID,
		"workspaceId", e.WorkspaceID,
		"tool", e.Tool,
		"decision", e.Decision,
		"resolvedBy", string(e.ResolvedBy),
		"layer", e.Layer,
		"ruleId", e.RuleID,
		"summaryChars", len(e.DisplaySummary))
	return nil
}

// Query returns entries in reverse chronological order, optionally
// filtered by session, capped at limit (0 means the default of 200).
func (l *Log) Query(sessionID string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT id, timestamp, session_id, workspace_id, tool, display_summary, decision, resolved_by, layer, COALESCE(rule_id, '')
		FROM audit_entries`
	args := []any{}
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		var resolvedBy string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.SessionID, &e.WorkspaceID, &e.Tool,
			&e.DisplaySummary, &e.Decision, &resolvedBy, &e.Layer, &e.RuleID); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ResolvedBy = ResolvedBy(resolvedBy)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
