package pirpc

import (
	"encoding/json"
	"fmt"
)

// Event is one non-response line from the pi process. Raw carries the whole
// line so listeners can decode the payload for the types they care about.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// Decode unmarshals the full event payload into out.
func (e Event) Decode(out any) error {
	if err := json.Unmarshal(e.Raw, out); err != nil {
		return fmt.Errorf("decode %s event: %w", e.Type, err)
	}
	return nil
}

// CommandError is a pi-side rejection of an RPC command.
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("pi command %s failed: %s", e.Command, e.Message)
}

// ContentPart is one block of a conversation message.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ContentParts accepts both encodings pi uses for message content: a bare
// string or a list of typed parts.
type ContentParts []ContentPart

func (c *ContentParts) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = ContentParts{{Type: "text", Text: s}}
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	*c = parts
	return nil
}

// ConversationMessage is one entry of the history returned by get_messages.
type ConversationMessage struct {
	Role       string       `json:"role"`
	Timestamp  string       `json:"timestamp,omitempty"`
	Content    ContentParts `json:"content"`
	ToolName   string       `json:"toolName,omitempty"`
	ToolCallID string       `json:"toolCallId,omitempty"`
	IsError    bool         `json:"isError,omitempty"`
}

// Text concatenates the message's text parts.
func (m ConversationMessage) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == "text" {
			out += p.Text
		}
	}
	return out
}

type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// SessionState is the get_state snapshot.
type SessionState struct {
	SessionID    string `json:"sessionId,omitempty"`
	SessionFile  string `json:"sessionFile,omitempty"`
	SessionName  string `json:"sessionName,omitempty"`
	Model        *Model `json:"model,omitempty"`
	SteeringMode string `json:"steeringMode,omitempty"`
	IsStreaming  bool   `json:"isStreaming,omitempty"`
}

// SessionActionResult is returned by new_session and switch_session.
type SessionActionResult struct {
	SessionID   string `json:"sessionId,omitempty"`
	SessionFile string `json:"sessionFile,omitempty"`
	Cancelled   bool   `json:"cancelled,omitempty"`
}

// CommandDescriptor describes one slash command pi exposes.
type CommandDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ImageAttachment is a prompt image: mime type plus bare base64 payload.
type ImageAttachment struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// PromptOptions carries optional prompt parameters.
type PromptOptions struct {
	Images []ImageAttachment
}
