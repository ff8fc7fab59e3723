package bridge

import (
	"context"
	"time"

	"github.com/basket/pibridge/internal/pirpc"
)

// Payload shapes of the pi events the bridge relays. Fields the bridge does
// not consume are left undeclared and ignored by decoding.

type assistantDeltaEvent struct {
	Text string `json:"text"`
}

type toolStartEvent struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type toolProgressEvent struct {
	ToolCallID string `json:"toolCallId"`
	Text       string `json:"text"`
}

type toolEndEvent struct {
	ToolCallID string `json:"toolCallId"`
	IsError    bool   `json:"isError"`
	Text       string `json:"text"`
}

type approvalRequestEvent struct {
	ToolCallID string `json:"toolCallId"`
	ToolName   string `json:"toolName"`
}

type userInputRequestEvent struct {
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt"`
}

// relayEvent translates one pi event into ACP traffic. It runs on the pi
// read loop's fan-out, so sends use a bounded background context rather
// than any request context.
func (b *Bridge) relayEvent(sess *liveSession, ev pirpc.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch ev.Type {
	case "message_update":
		var e assistantDeltaEvent
		if err := ev.Decode(&e); err != nil || e.Text == "" {
			return
		}
		b.notifyUpdate(ctx, sess.id, messageChunkUpdate{
			SessionUpdate: "agent_message_chunk",
			Content:       ContentBlock{Type: "text", Text: e.Text},
		})

	case "tool_execution_start":
		var e toolStartEvent
		if err := ev.Decode(&e); err != nil {
			return
		}
		call := sess.tools.begin(e.ToolCallID, e.ToolName)
		b.notifyUpdate(ctx, sess.id, toolCallUpdate{
			SessionUpdate: "tool_call",
			ToolCallID:    call.ID,
			Title:         call.Title,
			Status:        "pending",
		})

	case "tool_execution_update":
		var e toolProgressEvent
		if err := ev.Decode(&e); err != nil {
			return
		}
		call := sess.tools.setStatus(e.ToolCallID, "in_progress")
		if call == nil {
			return
		}
		update := toolCallUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallID:    call.ID,
			Status:        call.Status,
		}
		if e.Text != "" {
			update.Content = []toolCallContent{{
				Type:    "content",
				Content: ContentBlock{Type: "text", Text: e.Text},
			}}
		}
		b.notifyUpdate(ctx, sess.id, update)

	case "tool_execution_end":
		var e toolEndEvent
		if err := ev.Decode(&e); err != nil {
			return
		}
		call := sess.tools.finish(e.ToolCallID, e.IsError)
		if call == nil {
			return
		}
		update := toolCallUpdate{
			SessionUpdate: "tool_call_update",
			ToolCallID:    call.ID,
			Status:        call.Status,
		}
		if e.Text != "" {
			update.Content = []toolCallContent{{
				Type:    "content",
				Content: ContentBlock{Type: "text", Text: e.Text},
			}}
		}
		b.notifyUpdate(ctx, sess.id, update)

	case "tool_approval_request":
		var e approvalRequestEvent
		if err := ev.Decode(&e); err != nil || e.ToolCallID == "" {
			return
		}
		b.pending.addApproval(e.ToolCallID)
		b.notify(ctx, "item/tool/requestApproval", approvalRequestNotification{
			SessionID:  sess.id,
			ToolCallID: e.ToolCallID,
			Title:      e.ToolName,
		})

	case "user_input_request":
		var e userInputRequestEvent
		if err := ev.Decode(&e); err != nil || e.RequestID == "" {
			return
		}
		requestID := e.RequestID
		b.pending.addUserInput(requestID, func() {
			// Unanswered requests auto-deny so the turn can finish.
			deadline, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancelTimeout()
			if err := sess.handle.RespondUserInput(deadline, requestID, ""); err != nil {
				b.logger.Warn("auto-deny user input", "request_id", requestID, "error", err)
			}
		})
		b.notify(ctx, "item/tool/requestUserInput", userInputRequestNotification{
			SessionID: sess.id,
			RequestID: requestID,
			Prompt:    e.Prompt,
		})

	default:
		b.logger.Debug("unhandled pi event", "type", ev.Type)
	}
}
