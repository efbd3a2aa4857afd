// Package policy evaluates tool invocations against layered rules.
//
// Layer order: hard-coded guardrails, policy.* meta-tools, stored user
// rules, behavior heuristics, preset external-action classification, and
// finally the preset fallback. A guardrail deny can never be overridden
// by a stored rule, and among matching rules deny beats ask beats allow.
package policy

import (
	"encoding/json"
	"time"
)

// Action is a policy verdict
type Action string

const (
	ActionAllow Action = "allow"
	ActionAsk   Action = "ask"
	ActionDeny  Action = "deny"
)

// Layer identifies which evaluation layer produced a decision
type Layer string

const (
	LayerGuardrail  Layer = "guardrail"
	LayerPermission Layer = "permission" // policy.* meta-tools
	LayerRule       Layer = "rule"
	LayerHeuristic  Layer = "heuristic"
	LayerFallback   Layer = "fallback" // preset classification and default
)

// Scope orders rule precedence: session beats workspace beats global
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopeWorkspace Scope = "workspace"
	ScopeSession   Scope = "session"
)

func (s Scope) rank() int {
	switch s {
	case ScopeSession:
		return 2
	case ScopeWorkspace:
		return 1
	}
	return 0
}

// Preset selects the baseline posture for a workspace runtime
type Preset string

const (
	PresetHost      Preset = "host"
	PresetContainer Preset = "container"
)

// Request is one tool invocation to classify
type Request struct {
	Tool       string          `json:"tool"`
	Input      json.RawMessage `json:"input,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
}

// Decision is the engine's verdict for a request
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
	Layer  Layer  `json:"layer"`
	RuleID string `json:"ruleId,omitempty"`
}

// Rule is a stored predicate -> decision mapping
type Rule struct {
	ID         string     `json:"id"`
	Tool       string     `json:"tool"`
	Action     Action     `json:"action"`
	Executable string     `json:"executable,omitempty"` // bash rules only
	Pattern    string     `json:"pattern,omitempty"`
	Scope      Scope      `json:"scope"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	SessionID  string     `json:"sessionId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	Label      string     `json:"label,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	serial     int64      // insertion order, for stable final tie-break
}

// Binding scopes an engine evaluation to one session
type Binding struct {
	SessionID   string
	WorkspaceID string
	Preset      Preset
	Unsandboxed bool
}

// bashInput is the expected input shape of the bash tool
type bashInput struct {
	Command string `json:"command"`
}

// pathInput covers the path-based tools (read, write, edit)
type pathInput struct {
	Path     string `json:"path"`
	FilePath string `json:"file_path"`
}

// CommandOf extracts the bash command string from a request, or ""
func (r *Request) CommandOf() string {
	if r.Tool != "bash" || len(r.Input) == 0 {
		return ""
	}
	var in bashInput
	if err := json.Unmarshal(r.Input, &in); err != nil {
		return ""
	}
	return in.Command
}

// PathOf extracts the target path from a path-based tool request, or ""
func (r *Request) PathOf() string {
	if len(r.Input) == 0 {
		return ""
	}
	var in pathInput
	if err := json.Unmarshal(r.Input, &in); err != nil {
		return ""
	}
	if in.Path != "" {
		return in.Path
	}
	return in.FilePath
}
