package protocol

import "encoding/json"

// ClientMessageType discriminates client-to-server frames
type ClientMessageType string

const (
	ClientSubscribe        ClientMessageType = "subscribe"
	ClientUnsubscribe      ClientMessageType = "unsubscribe"
	ClientGetState         ClientMessageType = "get_state"
	ClientPrompt           ClientMessageType = "prompt"
	ClientSteer            ClientMessageType = "steer"
	ClientFollowUp         ClientMessageType = "follow_up"
	ClientStop             ClientMessageType = "stop"
	ClientStopSession      ClientMessageType = "stop_session"
	ClientPermissionResp   ClientMessageType = "permission_response"
	ClientExtensionUIResp  ClientMessageType = "extension_ui_response"
	ClientSetModel         ClientMessageType = "set_model"
	ClientSetThinkingLevel ClientMessageType = "set_thinking_level"
	ClientFork             ClientMessageType = "fork"
)

// SubscriptionLevel controls how much of a session's event stream a
// subscriber receives.
type SubscriptionLevel string

const (
	LevelFull          SubscriptionLevel = "full"
	LevelNotifications SubscriptionLevel = "notifications"
)

// ClientMessage is a single client-to-server frame
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"sessionId,omitempty"`
	RequestID string            `json:"requestId,omitempty"`

	// subscribe
	Level    SubscriptionLevel `json:"level,omitempty"`
	SinceSeq *int64            `json:"sinceSeq,omitempty"`

	// turn commands
	ClientTurnID      string   `json:"clientTurnId,omitempty"`
	Message           string   `json:"message,omitempty"`
	Images            []string `json:"images,omitempty"`
	StreamingBehavior string   `json:"streamingBehavior,omitempty"`
	Timestamp         int64    `json:"timestamp,omitempty"`

	// permission_response
	PermissionID string `json:"permissionId,omitempty"`
	Action       string `json:"action,omitempty"`
	Scope        string `json:"scope,omitempty"`
	Pattern      string `json:"pattern,omitempty"`

	// RPC-style commands carry an opaque argument object
	Args json.RawMessage `json:"args,omitempty"`
}

// IsTurnCommand reports whether the message starts a turn and therefore
// participates in clientTurnId idempotency.
func (m *ClientMessage) IsTurnCommand() bool {
	switch m.Type {
	case ClientPrompt, ClientSteer, ClientFollowUp:
		return true
	}
	return false
}

// IsRPCCommand reports whether the message is forwarded to the agent as a
// request/response command.
func (m *ClientMessage) IsRPCCommand() bool {
	switch m.Type {
	case ClientGetState, ClientSetModel, ClientSetThinkingLevel, ClientFork:
		return true
	}
	return false
}
