package session

import (
	"encoding/json"
	"strings"

	"github.com/HyphaGroup/bastille/internal/agent"
	"github.com/HyphaGroup/bastille/internal/protocol"
)

// Renderer is the optional mobile rendering hook. When nil, tool frames
// carry no styled segments.
type Renderer interface {
	RenderToolCall(tool string, input json.RawMessage) []protocol.StyledSegment
	RenderToolResult(tool string, details json.RawMessage, isError bool) []protocol.StyledSegment
}

// Translator folds raw agent events into client-facing frames. Its only
// state is the per-call accumulation needed to turn cumulative tool
// output into deltas.
type Translator struct {
	sessionID string
	renderer  Renderer

	// toolCallId -> accumulated output text already delivered
	partialResults map[string]string

	streamedAssistantText bool
	hasStreamedThinking   bool
}

func NewTranslator(sessionID string, renderer Renderer) *Translator {
	return &Translator{
		sessionID:      sessionID,
		renderer:       renderer,
		partialResults: make(map[string]string),
	}
}

// Translate converts one raw event. A nil return means the event does
// not surface to clients (ready sentinels, RPC responses, folded
// message_update subtypes).
func (t *Translator) Translate(ev *agent.Event) *protocol.ServerMessage {
	switch ev.Type {
	case agent.EventAgentStart:
		return t.frame(protocol.ServerAgentStart, ev)
	case agent.EventAgentEnd:
		t.streamedAssistantText = false
		t.hasStreamedThinking = false
		return t.frame(protocol.ServerAgentEnd, ev)
	case agent.EventTurnStart:
		return t.frame(protocol.ServerTurnStart, ev)
	case agent.EventTurnEnd:
		return t.frame(protocol.ServerTurnEnd, ev)
	case agent.EventMessageEnd:
		return t.frame(protocol.ServerMessageEnd, ev)

	case agent.EventTextDelta:
		t.streamedAssistantText = true
		msg := t.frame(protocol.ServerTextDelta, ev)
		msg.Delta = ev.Delta
		return msg
	case agent.EventThinkingDelta:
		t.hasStreamedThinking = true
		msg := t.frame(protocol.ServerThinkingDelta, ev)
		msg.Delta = ev.Delta
		return msg

	case agent.EventToolExecStart:
		t.partialResults[ev.ToolCallID] = ""
		msg := t.frame(protocol.ServerToolStart, ev)
		msg.ToolCallID = ev.ToolCallID
		msg.Tool = ev.Tool
		msg.Input = ev.Input
		if t.renderer != nil {
			msg.Segments = t.renderer.RenderToolCall(ev.Tool, ev.Input)
		}
		return msg

	case agent.EventToolExecUpdate:
		msg := t.frame(protocol.ServerToolOutput, ev)
		msg.ToolCallID = ev.ToolCallID
		msg.Output = t.outputDelta(ev)
		return msg

	case agent.EventToolExecEnd:
		delete(t.partialResults, ev.ToolCallID)
		msg := t.frame(protocol.ServerToolEnd, ev)
		msg.ToolCallID = ev.ToolCallID
		msg.Details = ev.Details
		msg.IsError = ev.IsError
		if t.renderer != nil {
			msg.Segments = t.renderer.RenderToolResult(ev.Tool, ev.Details, ev.IsError)
		}
		return msg

	case agent.EventCompactionStart:
		return t.frame(protocol.ServerCompactionStart, ev)
	case agent.EventCompactionEnd:
		return t.frame(protocol.ServerCompactionEnd, ev)
	case agent.EventRetryStart:
		return t.frame(protocol.ServerRetryStart, ev)
	case agent.EventRetryEnd:
		return t.frame(protocol.ServerRetryEnd, ev)

	case agent.EventMessageUpdate:
		return t.translateMessageUpdate(ev)

	case agent.EventError:
		msg := t.frame(protocol.ServerError, ev)
		msg.Error = ev.Error
		return msg
	}

	// agent_ready, command_response, permission_ask are consumed by the
	// manager, not surfaced as frames
	return nil
}

// translateMessageUpdate surfaces only the subtypes clients act on
func (t *Translator) translateMessageUpdate(ev *agent.Event) *protocol.ServerMessage {
	switch ev.Subtype {
	case "text_delta":
		msg := t.frame(protocol.ServerTextDelta, ev)
		msg.Delta = ev.Delta
		return msg
	case "thinking_delta":
		msg := t.frame(protocol.ServerThinkingDelta, ev)
		msg.Delta = ev.Delta
		return msg
	case "error":
		msg := t.frame(protocol.ServerError, ev)
		msg.Error = ev.Error
		return msg
	}
	return nil
}

// outputDelta returns only the text not yet delivered for this call.
// Agents report cumulative output; clients want increments. Non-text
// content blocks are rendered as data URIs.
func (t *Translator) outputDelta(ev *agent.Event) string {
	full := ev.FullOutput
	if len(ev.Content) > 0 {
		var b strings.Builder
		b.WriteString(full)
		for _, block := range ev.Content {
			if block.Text != "" {
				b.WriteString(block.Text)
				continue
			}
			if block.Data != "" {
				b.WriteString("data:")
				b.WriteString(block.MimeType)
				b.WriteString(";base64,")
				b.WriteString(block.Data)
			}
		}
		full = b.String()
	}

	prev := t.partialResults[ev.ToolCallID]
	t.partialResults[ev.ToolCallID] = full
	if strings.HasPrefix(full, prev) {
		return full[len(prev):]
	}
	// The agent rewrote its output; resend everything
	return full
}

func (t *Translator) frame(typ protocol.ServerMessageType, ev *agent.Event) *protocol.ServerMessage {
	ts := ev.Timestamp
	if ts == 0 {
		ts = protocol.NowMillis()
	}
	return &protocol.ServerMessage{
		Type:      typ,
		SessionID: t.sessionID,
		Ts:        ts,
	}
}
