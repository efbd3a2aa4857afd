// Package workspace holds the workspace model and the runtime resource
// coordinator: per-workspace and per-session advisory locks, session slot
// accounting, and idle teardown timers.
package workspace

import "time"

// RuntimeKind is where a workspace's sessions execute
type RuntimeKind string

const (
	RuntimeHost      RuntimeKind = "host"
	RuntimeContainer RuntimeKind = "container"
)

// PolicyOverlay is the workspace-level policy configuration layered over
// the global security profile.
type PolicyOverlay struct {
	Preset string `json:"preset,omitempty"` // host or container

	// ApprovalTimeoutMs distinguishes three cases at the schema layer:
	// nil (absent, use default), 0 (permissions never expire), and a
	// positive override.
	ApprovalTimeoutMs *int64 `json:"approvalTimeoutMs,omitempty"`
}

// Workspace is a named environment that owns sessions and skill bindings
type Workspace struct {
	ID            string        `json:"id"`
	Name          string        `json:"name"`
	Runtime       RuntimeKind   `json:"runtime"`
	Path          string        `json:"path"`
	EnabledSkills []string      `json:"enabledSkills,omitempty"` // order matters
	Policy        PolicyOverlay `json:"policy"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
}

// ApprovalTimeout resolves the overlay into an effective duration.
// Zero means "never expires".
func (w *Workspace) ApprovalTimeout(defaultMs int64) time.Duration {
	ms := defaultMs
	if w.Policy.ApprovalTimeoutMs != nil {
		ms = *w.Policy.ApprovalTimeoutMs
	}
	return time.Duration(ms) * time.Millisecond
}
