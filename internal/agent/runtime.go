package agent

import "context"

// SpawnRequest contains parameters for starting an agent subprocess
type SpawnRequest struct {
	SessionID   string
	WorkspaceID string
	WorkingDir  string

	Model         string // canonical provider/modelId form
	ThinkingLevel string

	// Env carries the synthetic credentials from the auth proxy plus any
	// workspace-specific variables. The real provider tokens never appear
	// here.
	Env []string

	// ResumeTranscript points at an on-disk transcript for resume/fork
	ResumeTranscript string
}

// Handle is a live agent subprocess
type Handle interface {
	// Send writes a command to the agent's stdin
	Send(cmd *Command) error

	// Interrupt delivers the abort escalation signal (SIGINT)
	Interrupt() error

	// Events returns the channel of raw agent events
	Events() <-chan *Event

	// Errors returns the channel for transport-level errors
	Errors() <-chan error

	// Done closes when the subprocess has exited
	Done() <-chan struct{}

	// RuntimeSessionID returns the agent's own session identifier,
	// available after the ready sentinel
	RuntimeSessionID() string

	// Kill forcefully terminates the subprocess
	Kill() error

	// Close gracefully shuts the handle down
	Close() error
}

// Runtime starts agent subprocesses. The concrete implementation shells
// out to the configured agent binary; tests substitute fakes.
type Runtime interface {
	// Spawn starts a subprocess and blocks until its ready sentinel or ctx
	// expiry, whichever comes first
	Spawn(ctx context.Context, req *SpawnRequest) (Handle, error)
}
