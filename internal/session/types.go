package session

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
	StatusEnded    Status = "ended"
)

// validTransitions is the session state machine. Anything not listed
// here is a programming error.
var validTransitions = map[Status][]Status{
	StatusStarting: {StatusReady, StatusError},
	StatusReady:    {StatusBusy, StatusEnded, StatusError},
	StatusBusy:     {StatusReady, StatusStopping, StatusEnded, StatusError},
	StatusStopping: {StatusReady, StatusBusy, StatusEnded, StatusError},
	StatusError:    {StatusEnded},
	StatusEnded:    {},
}

// CanTransition reports whether from -> to is a legal status change
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TokenTally accumulates token usage across a session's turns
type TokenTally struct {
	Input  int `json:"input"`
	Output int `json:"output"`
}

// Session is the persistent view of one agent session
type Session struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	Status      Status `json:"status"`

	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`

	MessageCount int        `json:"messageCount"`
	Tokens       TokenTally `json:"tokens"`
	CostUSD      float64    `json:"costUsd"`

	// Model is the canonical provider/modelId form
	Model         string `json:"model"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`

	// TranscriptPath references the agent's on-disk transcript when the
	// backend exposes one; used for resume and fork
	TranscriptPath string `json:"transcriptPath,omitempty"`
}

// transition mutates status after validating the state machine. Callers
// hold the owning session lock.
func (s *Session) transition(to Status) error {
	if !CanTransition(s.Status, to) {
		return fmt.Errorf("invalid session status transition %s -> %s", s.Status, to)
	}
	s.Status = to
	return nil
}

// Touch refreshes the activity timestamp
func (s *Session) Touch() {
	s.LastActivity = time.Now()
}
