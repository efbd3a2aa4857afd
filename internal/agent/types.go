// Package agent drives coding-agent subprocesses.
//
// The server talks to each agent over a line-oriented JSON protocol:
// commands are written to stdin one object per line, events are read from
// stdout one object per line. The first line an agent emits is a ready
// sentinel carrying its runtime session id.
package agent

import "encoding/json"

// EventType enumerates the raw event kinds an agent subprocess emits
type EventType string

const (
	EventAgentReady      EventType = "agent_ready"
	EventAgentStart      EventType = "agent_start"
	EventAgentEnd        EventType = "agent_end"
	EventTurnStart       EventType = "turn_start"
	EventTurnEnd         EventType = "turn_end"
	EventMessageEnd      EventType = "message_end"
	EventTextDelta       EventType = "text_delta"
	EventThinkingDelta   EventType = "thinking_delta"
	EventToolExecStart   EventType = "tool_execution_start"
	EventToolExecUpdate  EventType = "tool_execution_update"
	EventToolExecEnd     EventType = "tool_execution_end"
	EventCompactionStart EventType = "compaction_start"
	EventCompactionEnd   EventType = "compaction_end"
	EventRetryStart      EventType = "retry_start"
	EventRetryEnd        EventType = "retry_end"
	EventMessageUpdate   EventType = "message_update"
	EventCommandResponse EventType = "command_response"
	EventPermissionAsk   EventType = "permission_ask"
	EventError           EventType = "error"
)

// ContentBlock is one piece of non-text tool output (image, audio)
type ContentBlock struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"` // base64 payload
	Text     string `json:"text,omitempty"`
}

// Event is a single raw event from an agent subprocess
type Event struct {
	Type    EventType `json:"type"`
	Subtype string    `json:"subtype,omitempty"`

	SessionID string `json:"sessionId,omitempty"`

	// deltas
	Delta string `json:"delta,omitempty"`
	Text  string `json:"text,omitempty"`

	// tool execution
	ToolCallID string          `json:"toolCallId,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	FullOutput string          `json:"fullOutput,omitempty"` // cumulative text for tool_execution_update
	Content    []ContentBlock  `json:"content,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IsError    bool            `json:"isError,omitempty"`

	// command_response / permission_ask correlation
	RequestID string          `json:"requestId,omitempty"`
	Success   bool            `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	// turn/usage accounting
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	CostUSD      float64 `json:"costUsd,omitempty"`

	Timestamp int64 `json:"timestamp,omitempty"`
}

// CommandType enumerates commands written to an agent's stdin
type CommandType string

const (
	CommandPrompt             CommandType = "prompt"
	CommandSteer              CommandType = "steer"
	CommandFollowUp           CommandType = "follow_up"
	CommandAbort              CommandType = "abort"
	CommandPermissionDecision CommandType = "permission_decision"
	CommandRPC                CommandType = "rpc"
)

// Command is a single command written to an agent's stdin
type Command struct {
	Type    CommandType `json:"type"`
	Message string      `json:"message,omitempty"`
	Images  []string    `json:"images,omitempty"`

	// rpc
	Name      string          `json:"name,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	RequestID string          `json:"requestId,omitempty"`

	// permission_decision
	ToolCallID string `json:"toolCallId,omitempty"`
	Allow      bool   `json:"allow,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
