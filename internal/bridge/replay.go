package bridge

import (
	"context"
	"fmt"
	"sync"

	"github.com/basket/pibridge/internal/pirpc"
)

// toolCallState reconstructs tool-call lifecycles from flat event or record
// streams. It lives only as long as its session; nothing is persisted.
type toolCallState struct {
	mu    sync.Mutex
	calls map[string]*toolCall
	seq   int
}

type toolCall struct {
	ID     string
	Title  string
	Status string
}

func newToolCallState() *toolCallState {
	return &toolCallState{calls: map[string]*toolCall{}}
}

// begin registers a call, synthesizing an id when the record carries none.
func (s *toolCallState) begin(id, title string) *toolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.seq++
		id = fmt.Sprintf("call-%d", s.seq)
	}
	if title == "" {
		title = "tool"
	}
	call := &toolCall{ID: id, Title: title, Status: "pending"}
	s.calls[id] = call
	return call
}

func (s *toolCallState) setStatus(id, status string) *toolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[id]
	if !ok {
		return nil
	}
	call.Status = status
	return call
}

func (s *toolCallState) finish(id string, failed bool) *toolCall {
	status := "completed"
	if failed {
		status = "failed"
	}
	return s.setStatus(id, status)
}

// replayHistory re-emits a session's full message list as ordered ACP
// session updates. Tool calls are reconstructed purely from their terminal
// result records: there is no start record to pair against in history, so
// the synthesized tool_call is immediately followed by its terminal
// tool_call_update. Returns the number of updates emitted.
func (b *Bridge) replayHistory(ctx context.Context, sessionID string, msgs []pirpc.ConversationMessage, tools *toolCallState) int {
	emitted := 0
	for _, msg := range msgs {
		switch msg.Role {
		case "user":
			text := msg.Text()
			if text == "" {
				continue
			}
			b.notifyUpdate(ctx, sessionID, messageChunkUpdate{
				SessionUpdate: "user_message_chunk",
				Content:       ContentBlock{Type: "text", Text: text},
			})
			emitted++
		case "assistant":
			for _, part := range msg.Content {
				if part.Type != "text" || part.Text == "" {
					continue
				}
				b.notifyUpdate(ctx, sessionID, messageChunkUpdate{
					SessionUpdate: "agent_message_chunk",
					Content:       ContentBlock{Type: "text", Text: part.Text},
				})
				emitted++
			}
		case "toolResult":
			call := tools.begin(msg.ToolCallID, msg.ToolName)
			b.notifyUpdate(ctx, sessionID, toolCallUpdate{
				SessionUpdate: "tool_call",
				ToolCallID:    call.ID,
				Title:         call.Title,
				Status:        "pending",
			})
			tools.finish(call.ID, msg.IsError)
			update := toolCallUpdate{
				SessionUpdate: "tool_call_update",
				ToolCallID:    call.ID,
				Status:        call.Status,
			}
			if text := msg.Text(); text != "" {
				update.Content = []toolCallContent{{
					Type:    "content",
					Content: ContentBlock{Type: "text", Text: text},
				}}
			}
			b.notifyUpdate(ctx, sessionID, update)
			emitted += 2
		}
	}
	if b.metrics != nil && emitted > 0 {
		b.metrics.ReplayedUpdates.Add(ctx, int64(emitted))
	}
	return emitted
}
