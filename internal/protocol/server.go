// Package protocol defines the wire messages exchanged on the multiplexed
// client stream.
//
// Every frame is a JSON object discriminated by a "type" field. The two
// unions (ServerMessage, ClientMessage) are closed: handlers switch
// exhaustively on the typed constants below and reject anything else.
// Timestamps are Unix milliseconds.
package protocol

import (
	"encoding/json"
	"time"
)

// ServerMessageType discriminates server-to-client frames
type ServerMessageType string

const (
	ServerStreamConnected ServerMessageType = "stream_connected"
	ServerConnected       ServerMessageType = "connected"
	ServerState           ServerMessageType = "state"
	ServerSessionEnded    ServerMessageType = "session_ended"
	ServerStopRequested   ServerMessageType = "stop_requested"
	ServerStopConfirmed   ServerMessageType = "stop_confirmed"
	ServerStopFailed      ServerMessageType = "stop_failed"
	ServerError           ServerMessageType = "error"
	ServerAgentStart      ServerMessageType = "agent_start"
	ServerAgentEnd        ServerMessageType = "agent_end"
	ServerTurnStart       ServerMessageType = "turn_start"
	ServerTurnEnd         ServerMessageType = "turn_end"
	ServerMessageEnd      ServerMessageType = "message_end"
	ServerTextDelta       ServerMessageType = "text_delta"
	ServerThinkingDelta   ServerMessageType = "thinking_delta"
	ServerToolStart       ServerMessageType = "tool_start"
	ServerToolOutput      ServerMessageType = "tool_output"
	ServerToolEnd         ServerMessageType = "tool_end"
	ServerTurnAck         ServerMessageType = "turn_ack"
	ServerCommandResult   ServerMessageType = "command_result"
	ServerCompactionStart ServerMessageType = "compaction_start"
	ServerCompactionEnd   ServerMessageType = "compaction_end"
	ServerRetryStart      ServerMessageType = "retry_start"
	ServerRetryEnd        ServerMessageType = "retry_end"
	ServerPermissionReq   ServerMessageType = "permission_request"
	ServerPermissionExp   ServerMessageType = "permission_expired"
	ServerPermissionCan   ServerMessageType = "permission_cancelled"
	ServerExtensionUIReq  ServerMessageType = "extension_ui_request"
	ServerExtensionUINote ServerMessageType = "extension_ui_notification"
	ServerGitStatus       ServerMessageType = "git_status"
)

// TurnAckStage is the delivery stage echoed in turn_ack frames.
// Stages only ever advance: accepted < dispatched < started.
type TurnAckStage string

const (
	StageAccepted   TurnAckStage = "accepted"
	StageDispatched TurnAckStage = "dispatched"
	StageStarted    TurnAckStage = "started"
)

// Rank maps a stage to its position in the monotonic order
func (s TurnAckStage) Rank() int {
	switch s {
	case StageAccepted:
		return 0
	case StageDispatched:
		return 1
	case StageStarted:
		return 2
	}
	return -1
}

// StyledSegment is one piece of renderer output attached to tool frames
// when a mobile renderer hook is registered.
type StyledSegment struct {
	Text  string `json:"text"`
	Style string `json:"style,omitempty"`
}

// PermissionView is the client-facing shape of a pending permission
type PermissionView struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	WorkspaceID    string          `json:"workspaceId"`
	Tool           string          `json:"tool"`
	Input          json.RawMessage `json:"input,omitempty"`
	DisplaySummary string          `json:"displaySummary"`
	Reason         string          `json:"reason,omitempty"`
	TimeoutAt      int64           `json:"timeoutAt,omitempty"`
	Expires        bool            `json:"expires"`
	Risk           string          `json:"risk,omitempty"`
}

// ServerMessage is a single server-to-client frame. Only the fields
// relevant to Type are populated; everything else is omitted on the wire.
type ServerMessage struct {
	Type      ServerMessageType `json:"type"`
	Seq       int64             `json:"seq,omitempty"`
	SessionID string            `json:"sessionId,omitempty"`
	Ts        int64             `json:"ts,omitempty"`

	// stream_connected
	UserName string `json:"userName,omitempty"`

	// connected / state
	Session    json.RawMessage `json:"session,omitempty"`
	CurrentSeq int64           `json:"currentSeq,omitempty"`

	// session_ended / stop_requested / error
	Reason string `json:"reason,omitempty"`
	Source string `json:"source,omitempty"`
	Fatal  bool   `json:"fatal,omitempty"`

	// deltas and tool frames
	Delta      string          `json:"delta,omitempty"`
	ToolCallID string          `json:"toolCallId,omitempty"`
	Tool       string          `json:"tool,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	Segments   []StyledSegment `json:"segments,omitempty"`

	// turn_ack
	ClientTurnID string       `json:"clientTurnId,omitempty"`
	Stage        TurnAckStage `json:"stage,omitempty"`
	Duplicate    bool         `json:"duplicate,omitempty"`

	// command_result
	RequestID string          `json:"requestId,omitempty"`
	Command   string          `json:"command,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`

	// permission frames
	Permission   *PermissionView `json:"permission,omitempty"`
	PermissionID string          `json:"permissionId,omitempty"`

	// extension_ui frames and git_status carry opaque payloads
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NowMillis returns the current wall clock as Unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// CommandResult builds a command_result frame correlating to requestId
func CommandResult(command, requestID string, success bool, data json.RawMessage, errMsg string) *ServerMessage {
	return &ServerMessage{
		Type:      ServerCommandResult,
		Command:   command,
		RequestID: requestID,
		Success:   &success,
		Data:      data,
		Error:     errMsg,
		Ts:        NowMillis(),
	}
}

// ErrorMessage builds an in-band error frame
func ErrorMessage(sessionID, reason string, fatal bool) *ServerMessage {
	return &ServerMessage{
		Type:      ServerError,
		SessionID: sessionID,
		Reason:    reason,
		Fatal:     fatal,
		Ts:        NowMillis(),
	}
}
