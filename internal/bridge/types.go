package bridge

import "encoding/json"

// JSON-RPC envelope shapes for the ACP dialect.

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   any    `json:"error,omitempty"`
	// Method and Params are set on server-initiated notifications.
	Method string `json:"method,omitempty"`
	Params any    `json:"params,omitempty"`
}

// ContentBlock is one element of a prompt or update payload.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"` // base64, no data-URL prefix
	MimeType string            `json:"mimeType,omitempty"`
	URI      string            `json:"uri,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is inline context attached to a prompt.
type EmbeddedResource struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"` // base64
}

type initializeParams struct {
	ProtocolVersion int             `json:"protocolVersion"`
	AuthToken       string          `json:"authToken,omitempty"`
	ClientInfo      json.RawMessage `json:"clientInfo,omitempty"`
}

type initializeResult struct {
	ProtocolVersion int               `json:"protocolVersion"`
	AgentInfo       agentInfo         `json:"agentInfo"`
	AgentCaps       agentCapabilities `json:"agentCapabilities"`
	AuthMethods     []string          `json:"authMethods"`
}

type agentInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type agentCapabilities struct {
	LoadSession bool               `json:"loadSession"`
	PromptCaps  promptCapabilities `json:"promptCapabilities"`
}

type promptCapabilities struct {
	Image           bool `json:"image"`
	Audio           bool `json:"audio"`
	EmbeddedContext bool `json:"embeddedContext"`
}

type sessionNewParams struct {
	Cwd string `json:"cwd,omitempty"`
}

type sessionNewResult struct {
	SessionID string `json:"sessionId"`
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

type sessionListResult struct {
	Sessions []sessionSummary `json:"sessions"`
}

type sessionSummary struct {
	SessionID   string `json:"sessionId"`
	Cwd         string `json:"cwd"`
	Title       string `json:"title"`
	UpdatedAt   string `json:"updatedAt"`
	SessionFile string `json:"sessionFile"`
}

type promptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

type promptResult struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons for session/prompt.
const (
	stopEndTurn   = "end_turn"
	stopCancelled = "cancelled"
)

type approvalParams struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Approved   bool   `json:"approved"`
}

type approvalResult struct {
	Outcome string `json:"outcome"`
}

type userInputParams struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Value     string `json:"value"`
}

type genUIActionParams struct {
	SessionID string          `json:"sessionId"`
	ActionID  string          `json:"actionId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// session/update notification payloads.

type sessionUpdateParams struct {
	SessionID string `json:"sessionId"`
	Update    any    `json:"update"`
}

type messageChunkUpdate struct {
	SessionUpdate string       `json:"sessionUpdate"` // user_message_chunk, agent_message_chunk
	Content       ContentBlock `json:"content"`
}

type toolCallUpdate struct {
	SessionUpdate string            `json:"sessionUpdate"` // tool_call, tool_call_update
	ToolCallID    string            `json:"toolCallId"`
	Title         string            `json:"title,omitempty"`
	Status        string            `json:"status,omitempty"` // pending, in_progress, completed, failed
	Content       []toolCallContent `json:"content,omitempty"`
}

type toolCallContent struct {
	Type    string       `json:"type"`
	Content ContentBlock `json:"content"`
}

type sessionInfoUpdate struct {
	SessionUpdate string `json:"sessionUpdate"` // session_info_update
	Title         string `json:"title"`
}

type availableCommandsUpdate struct {
	SessionUpdate     string             `json:"sessionUpdate"` // available_commands_update
	AvailableCommands []availableCommand `json:"availableCommands"`
}

type availableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Server-initiated request notifications for interactive tool flow.

type approvalRequestNotification struct {
	SessionID  string `json:"sessionId"`
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

type userInputRequestNotification struct {
	SessionID string `json:"sessionId"`
	RequestID string `json:"requestId"`
	Prompt    string `json:"prompt,omitempty"`
}
