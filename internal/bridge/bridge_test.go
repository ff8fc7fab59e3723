package bridge_test

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/pibridge/internal/bridge"
	"github.com/basket/pibridge/internal/pirpc"
	"github.com/basket/pibridge/internal/sessiondir"
)

// fakeSender captures everything the bridge writes, decoded to generic maps.
type fakeSender struct {
	ch chan map[string]any
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan map[string]any, 128)}
}

func (s *fakeSender) ID() string { return "conn-test" }

func (s *fakeSender) Send(ctx context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return err
	}
	s.ch <- m
	return nil
}

// collector drains the sender in order and answers queries about it.
type collector struct {
	t   *testing.T
	ch  chan map[string]any
	buf []map[string]any
}

func newCollector(t *testing.T, s *fakeSender) *collector {
	return &collector{t: t, ch: s.ch}
}

// response blocks until the response for id arrives, buffering everything
// sent before it.
func (c *collector) response(id int) map[string]any {
	c.t.Helper()
	for _, m := range c.buf {
		if matchID(m, id) {
			return m
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.ch:
			c.buf = append(c.buf, m)
			if matchID(m, id) {
				return m
			}
		case <-deadline:
			c.t.Fatalf("no response for id %d (saw %d frames)", id, len(c.buf))
		}
	}
}

func matchID(m map[string]any, id int) bool {
	got, ok := m["id"].(float64)
	return ok && int(got) == id
}

// updates returns the session/update notifications buffered so far.
func (c *collector) updates() []map[string]any {
	var out []map[string]any
	for _, m := range c.buf {
		if m["method"] == "session/update" {
			params := m["params"].(map[string]any)
			out = append(out, params["update"].(map[string]any))
		}
	}
	return out
}

// notification blocks until a server notification with the given method
// arrives, returning its params.
func (c *collector) notification(method string) map[string]any {
	c.t.Helper()
	for _, m := range c.buf {
		if m["method"] == method {
			return m["params"].(map[string]any)
		}
	}
	deadline := time.After(5 * time.Second)
	for {
		select {
		case m := <-c.ch:
			c.buf = append(c.buf, m)
			if m["method"] == method {
				return m["params"].(map[string]any)
			}
		case <-deadline:
			c.t.Fatalf("no %s notification", method)
		}
	}
}

type promptCall struct {
	message string
	opts    *pirpc.PromptOptions
}

// fakeProcess satisfies bridge.ProcessHandle with scripted answers.
type fakeProcess struct {
	mu          sync.Mutex
	state       pirpc.SessionState
	messages    []pirpc.ConversationMessage
	commands    []pirpc.CommandDescriptor
	blockPrompt bool

	prompts    []promptCall
	abortCalls int
	approvals  []struct {
		id       string
		approved bool
	}
	inputs []struct {
		id    string
		value string
	}
	names      []string
	switched   []string
	subscriber func(pirpc.Event)
	closed     bool
}

func (f *fakeProcess) Prompt(ctx context.Context, message string, opts *pirpc.PromptOptions) error {
	f.mu.Lock()
	f.prompts = append(f.prompts, promptCall{message: message, opts: opts})
	block := f.blockPrompt
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

func (f *fakeProcess) Abort(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.abortCalls++
	return nil
}

func (f *fakeProcess) SwitchSession(ctx context.Context, sessionPath string) (pirpc.SessionActionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switched = append(f.switched, sessionPath)
	return pirpc.SessionActionResult{}, nil
}

func (f *fakeProcess) GetState(ctx context.Context) (pirpc.SessionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeProcess) GetMessages(ctx context.Context) ([]pirpc.ConversationMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.messages, nil
}

func (f *fakeProcess) SetSessionName(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.names = append(f.names, name)
	return nil
}

func (f *fakeProcess) GetCommands(ctx context.Context) ([]pirpc.CommandDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commands, nil
}

func (f *fakeProcess) RespondToolApproval(ctx context.Context, requestID string, approved bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.approvals = append(f.approvals, struct {
		id       string
		approved bool
	}{requestID, approved})
	return nil
}

func (f *fakeProcess) RespondUserInput(ctx context.Context, requestID, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, struct {
		id    string
		value string
	}{requestID, value})
	return nil
}

func (f *fakeProcess) GenUIAction(ctx context.Context, actionID string, payload json.RawMessage) error {
	return nil
}

func (f *fakeProcess) Subscribe(fn func(pirpc.Event)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriber = fn
	return func() {}
}

func (f *fakeProcess) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// emit delivers one pi event to the bridge's subscriber.
func (f *fakeProcess) emit(t *testing.T, typ string, payload any) {
	t.Helper()
	f.mu.Lock()
	fn := f.subscriber
	f.mu.Unlock()
	if fn == nil {
		t.Fatal("no subscriber registered")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	fn(pirpc.Event{Type: typ, Raw: raw})
}

func (f *fakeProcess) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// fakeDirectory is an in-memory session listing.
type fakeDirectory struct {
	entries []sessiondir.Entry
}

func (d *fakeDirectory) List() ([]sessiondir.Entry, error) { return d.entries, nil }

func (d *fakeDirectory) FindFile(sessionID string) (string, bool) {
	for _, e := range d.entries {
		if e.SessionID == sessionID {
			return e.SessionFile, true
		}
	}
	return "", false
}

func newTestBridge(t *testing.T, fake *fakeProcess, mutate func(*bridge.Deps)) (*bridge.Bridge, *collector) {
	t.Helper()
	sender := newFakeSender()
	deps := bridge.Deps{
		Sender: sender,
		Directory: &fakeDirectory{entries: []sessiondir.Entry{
			{SessionID: "sess-2", Title: "older work", SessionFile: "/logs/sess-2.jsonl", UpdatedAt: "2026-08-20T10:00:00Z"},
		}},
		Launch: func(ctx context.Context, cwd string) (bridge.ProcessHandle, error) {
			return fake, nil
		},
	}
	if mutate != nil {
		mutate(&deps)
	}
	b := bridge.New(deps)
	t.Cleanup(b.Close)
	return b, newCollector(t, sender)
}

func send(t *testing.T, b *bridge.Bridge, id int, method string, params any) {
	t.Helper()
	frame := map[string]any{"jsonrpc": "2.0", "method": method}
	if id > 0 {
		frame["id"] = id
	}
	if params != nil {
		frame["params"] = params
	}
	raw, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	b.HandleMessage(context.Background(), raw)
}

func initialize(t *testing.T, b *bridge.Bridge, c *collector) {
	t.Helper()
	send(t, b, 1, "initialize", map[string]any{"protocolVersion": 1})
	resp := c.response(1)
	if resp["error"] != nil {
		t.Fatalf("initialize failed: %v", resp["error"])
	}
}

func errorCode(t *testing.T, resp map[string]any) int {
	t.Helper()
	errObj, ok := resp["error"].(map[string]any)
	if !ok {
		t.Fatalf("expected error, got %v", resp)
	}
	return int(errObj["code"].(float64))
}

func TestInitializeReturnsCapabilities(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	send(t, b, 1, "initialize", map[string]any{"protocolVersion": 1})
	resp := c.response(1)
	result := resp["result"].(map[string]any)
	if result["protocolVersion"].(float64) != 1 {
		t.Fatalf("protocolVersion = %v", result["protocolVersion"])
	}
	caps := result["agentCapabilities"].(map[string]any)
	if caps["loadSession"] != true {
		t.Fatal("loadSession capability missing")
	}
	prompt := caps["promptCapabilities"].(map[string]any)
	if prompt["image"] != true || prompt["audio"] != false {
		t.Fatalf("prompt capabilities = %v", prompt)
	}
}

func TestDoubleInitializeRejected(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	initialize(t, b, c)
	send(t, b, 2, "initialize", map[string]any{"protocolVersion": 1})
	if code := errorCode(t, c.response(2)); code != -32005 {
		t.Fatalf("code = %d", code)
	}
}

func TestSessionMethodsRequireInitialize(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	send(t, b, 1, "session/new", map[string]any{})
	if code := errorCode(t, c.response(1)); code != -32004 {
		t.Fatalf("code = %d", code)
	}
}

func TestAuthTokenGatesInitialize(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, func(d *bridge.Deps) {
		d.AuthToken = "s3cret"
	})
	send(t, b, 1, "initialize", map[string]any{"protocolVersion": 1, "authToken": "wrong"})
	if code := errorCode(t, c.response(1)); code != -32001 {
		t.Fatalf("code = %d", code)
	}
	send(t, b, 2, "initialize", map[string]any{"protocolVersion": 1, "authToken": "s3cret"})
	if resp := c.response(2); resp["error"] != nil {
		t.Fatalf("valid token rejected: %v", resp["error"])
	}
}

func TestUnknownMethod(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/teleport", nil)
	if code := errorCode(t, c.response(2)); code != -32601 {
		t.Fatalf("code = %d", code)
	}
}

func TestSessionNewEmitsStartupInfoAndCommandsOnce(t *testing.T) {
	fake := &fakeProcess{
		state: pirpc.SessionState{
			SessionID:   "sess-1",
			SessionFile: "/logs/sess-1.jsonl",
			Model:       &pirpc.Model{ID: "pi-large", Name: "Pi Large"},
		},
		commands: []pirpc.CommandDescriptor{{Name: "compact", Description: "Compact history"}},
	}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)

	send(t, b, 2, "session/new", map[string]any{"cwd": "/work"})
	resp := c.response(2)
	result := resp["result"].(map[string]any)
	if result["sessionId"] != "sess-1" {
		t.Fatalf("sessionId = %v", result["sessionId"])
	}

	updates := c.updates()
	var banner, commandLists int
	for _, u := range updates {
		switch u["sessionUpdate"] {
		case "agent_message_chunk":
			text := u["content"].(map[string]any)["text"].(string)
			if strings.Contains(text, "Pi Large") {
				banner++
			}
		case "available_commands_update":
			commandLists++
			names := map[string]bool{}
			for _, raw := range u["availableCommands"].([]any) {
				names[raw.(map[string]any)["name"].(string)] = true
			}
			for _, want := range []string{"steering", "name", "compact"} {
				if !names[want] {
					t.Fatalf("missing command %q in %v", want, names)
				}
			}
		}
	}
	if banner != 1 {
		t.Fatalf("startup banners = %d", banner)
	}
	if commandLists != 1 {
		t.Fatalf("commands updates = %d", commandLists)
	}
}

func TestSessionLoadReplaysHistoryWithoutBanner(t *testing.T) {
	fake := &fakeProcess{
		state: pirpc.SessionState{SessionID: "sess-2"},
		messages: []pirpc.ConversationMessage{
			{Role: "user", Content: pirpc.ContentParts{{Type: "text", Text: "run the tests"}}},
			{Role: "assistant", Content: pirpc.ContentParts{{Type: "text", Text: "Running them now."}}},
			{
				Role:       "toolResult",
				ToolName:   "bash",
				ToolCallID: "tc-1",
				Content:    pirpc.ContentParts{{Type: "text", Text: "ok\t3 passed"}},
			},
		},
	}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)

	send(t, b, 2, "session/load", map[string]any{"sessionId": "sess-2"})
	resp := c.response(2)
	if resp["error"] != nil {
		t.Fatalf("load failed: %v", resp["error"])
	}
	if len(fake.switched) != 1 || fake.switched[0] != "/logs/sess-2.jsonl" {
		t.Fatalf("switched = %v", fake.switched)
	}

	updates := c.updates()
	var kinds []string
	for _, u := range updates {
		kinds = append(kinds, u["sessionUpdate"].(string))
	}
	want := []string{
		"user_message_chunk",
		"agent_message_chunk",
		"tool_call",
		"tool_call_update",
		"available_commands_update",
	}
	if len(kinds) != len(want) {
		t.Fatalf("updates = %v", kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("update[%d] = %s, want %s (all: %v)", i, kinds[i], want[i], kinds)
		}
	}

	call := updates[2]
	if call["toolCallId"] != "tc-1" || call["title"] != "bash" || call["status"] != "pending" {
		t.Fatalf("tool_call = %v", call)
	}
	fin := updates[3]
	if fin["status"] != "completed" {
		t.Fatalf("terminal status = %v", fin["status"])
	}
	content := fin["content"].([]any)[0].(map[string]any)["content"].(map[string]any)
	if content["text"] != "ok\t3 passed" {
		t.Fatalf("tool output = %v", content["text"])
	}
}

func TestSessionLoadUnknownID(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/load", map[string]any{"sessionId": "nope"})
	if code := errorCode(t, c.response(2)); code != -32011 {
		t.Fatalf("code = %d", code)
	}
}

func TestSessionList(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/list", nil)
	result := c.response(2)["result"].(map[string]any)
	sessions := result["sessions"].([]any)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %v", sessions)
	}
	first := sessions[0].(map[string]any)
	if first["sessionId"] != "sess-2" || first["title"] != "older work" {
		t.Fatalf("entry = %v", first)
	}
}

func TestPromptEndTurn(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	send(t, b, 3, "session/prompt", map[string]any{
		"sessionId": "sess-1",
		"prompt": []map[string]any{
			{"type": "text", "text": "describe this"},
			{"type": "image", "mimeType": "image/png", "data": "aGk="},
		},
	})
	result := c.response(3)["result"].(map[string]any)
	if result["stopReason"] != "end_turn" {
		t.Fatalf("stopReason = %v", result["stopReason"])
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.prompts) != 1 {
		t.Fatalf("prompts = %d", len(fake.prompts))
	}
	got := fake.prompts[0]
	if got.message != "describe this" {
		t.Fatalf("message = %q", got.message)
	}
	if got.opts == nil || len(got.opts.Images) != 1 || got.opts.Images[0].MimeType != "image/png" {
		t.Fatalf("images = %+v", got.opts)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	send(t, b, 3, "session/prompt", map[string]any{
		"sessionId": "other",
		"prompt":    []map[string]any{{"type": "text", "text": "hi"}},
	})
	if code := errorCode(t, c.response(3)); code != -32011 {
		t.Fatalf("code = %d", code)
	}
}

func TestNameCommandRenamesWithoutPrompting(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	send(t, b, 3, "session/prompt", map[string]any{
		"sessionId": "sess-1",
		"prompt":    []map[string]any{{"type": "text", "text": "/name refactor plan"}},
	})
	result := c.response(3)["result"].(map[string]any)
	if result["stopReason"] != "end_turn" {
		t.Fatalf("stopReason = %v", result["stopReason"])
	}
	if fake.promptCount() != 0 {
		t.Fatal("local command reached pi as a prompt")
	}

	fake.mu.Lock()
	names := fake.names
	fake.mu.Unlock()
	if len(names) != 1 || names[0] != "refactor plan" {
		t.Fatalf("names = %v", names)
	}

	// The rename update precedes the confirming chunk.
	var order []string
	for _, u := range c.updates() {
		kind := u["sessionUpdate"].(string)
		if kind == "session_info_update" {
			if u["title"] != "refactor plan" {
				t.Fatalf("title = %v", u["title"])
			}
			order = append(order, kind)
		}
		if kind == "agent_message_chunk" {
			text := u["content"].(map[string]any)["text"].(string)
			if strings.Contains(text, "renamed") {
				order = append(order, kind)
			}
		}
	}
	if len(order) != 2 || order[0] != "session_info_update" {
		t.Fatalf("order = %v", order)
	}
}

func TestSteeringCommandReportsMode(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1", SteeringMode: "interrupt"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	send(t, b, 3, "session/prompt", map[string]any{
		"sessionId": "sess-1",
		"prompt":    []map[string]any{{"type": "text", "text": "/steering"}},
	})
	result := c.response(3)["result"].(map[string]any)
	if result["stopReason"] != "end_turn" {
		t.Fatalf("stopReason = %v", result["stopReason"])
	}
	if fake.promptCount() != 0 {
		t.Fatal("local command reached pi as a prompt")
	}

	found := false
	for _, u := range c.updates() {
		if u["sessionUpdate"] != "agent_message_chunk" {
			continue
		}
		if strings.Contains(u["content"].(map[string]any)["text"].(string), "interrupt") {
			found = true
		}
	}
	if !found {
		t.Fatal("steering mode not reported")
	}
}

func TestCancelDuringPrompt(t *testing.T) {
	fake := &fakeProcess{
		state:       pirpc.SessionState{SessionID: "sess-1"},
		blockPrompt: true,
	}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	send(t, b, 3, "session/prompt", map[string]any{
		"sessionId": "sess-1",
		"prompt":    []map[string]any{{"type": "text", "text": "long task"}},
	})
	// Wait for the prompt to actually reach pi before cancelling.
	deadline := time.Now().Add(5 * time.Second)
	for fake.promptCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fake.promptCount() == 0 {
		t.Fatal("prompt never started")
	}

	send(t, b, 4, "session/cancel", map[string]any{"sessionId": "sess-1"})
	c.response(4)

	result := c.response(3)["result"].(map[string]any)
	if result["stopReason"] != "cancelled" {
		t.Fatalf("stopReason = %v", result["stopReason"])
	}
	fake.mu.Lock()
	aborts := fake.abortCalls
	fake.mu.Unlock()
	if aborts == 0 {
		t.Fatal("abort was not forwarded")
	}
}

func TestStreamingEventsBecomeSessionUpdates(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)
	before := len(c.updates())

	fake.emit(t, "message_update", map[string]any{"text": "thinking..."})
	fake.emit(t, "tool_execution_start", map[string]any{"toolCallId": "tc-9", "toolName": "read"})
	fake.emit(t, "tool_execution_end", map[string]any{"toolCallId": "tc-9", "isError": true, "text": "no such file"})

	// Drain the three resulting updates.
	deadline := time.Now().Add(5 * time.Second)
	for len(c.updates()) < before+3 && time.Now().Before(deadline) {
		select {
		case m := <-c.ch:
			c.buf = append(c.buf, m)
		case <-time.After(50 * time.Millisecond):
		}
	}
	updates := c.updates()[before:]
	if len(updates) != 3 {
		t.Fatalf("updates = %d", len(updates))
	}
	if updates[0]["sessionUpdate"] != "agent_message_chunk" {
		t.Fatalf("first = %v", updates[0])
	}
	if updates[1]["sessionUpdate"] != "tool_call" || updates[1]["title"] != "read" {
		t.Fatalf("second = %v", updates[1])
	}
	if updates[2]["sessionUpdate"] != "tool_call_update" || updates[2]["status"] != "failed" {
		t.Fatalf("third = %v", updates[2])
	}
}

func TestApprovalFlow(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	fake.emit(t, "tool_approval_request", map[string]any{"toolCallId": "tc-5", "toolName": "bash"})
	params := c.notification("item/tool/requestApproval")
	if params["toolCallId"] != "tc-5" || params["title"] != "bash" {
		t.Fatalf("params = %v", params)
	}

	send(t, b, 3, "item/tool/requestApproval", map[string]any{
		"sessionId": "sess-1", "toolCallId": "tc-5", "approved": true,
	})
	result := c.response(3)["result"].(map[string]any)
	if result["outcome"] != "approved" {
		t.Fatalf("outcome = %v", result["outcome"])
	}
	fake.mu.Lock()
	approvals := fake.approvals
	fake.mu.Unlock()
	if len(approvals) != 1 || !approvals[0].approved || approvals[0].id != "tc-5" {
		t.Fatalf("approvals = %v", approvals)
	}

	// The id was consumed; answering again is an unknown tool call.
	send(t, b, 4, "item/tool/requestApproval", map[string]any{
		"sessionId": "sess-1", "toolCallId": "tc-5", "approved": true,
	})
	if code := errorCode(t, c.response(4)); code != -32007 {
		t.Fatalf("code = %d", code)
	}
}

func TestApprovalDenialForwardsAndErrors(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	fake.emit(t, "tool_approval_request", map[string]any{"toolCallId": "tc-6", "toolName": "bash"})
	c.notification("item/tool/requestApproval")

	send(t, b, 3, "item/tool/requestApproval", map[string]any{
		"sessionId": "sess-1", "toolCallId": "tc-6", "approved": false,
	})
	if code := errorCode(t, c.response(3)); code != -32008 {
		t.Fatalf("code = %d", code)
	}
	fake.mu.Lock()
	approvals := fake.approvals
	fake.mu.Unlock()
	if len(approvals) != 1 || approvals[0].approved {
		t.Fatalf("denial not forwarded: %v", approvals)
	}
}

func TestUserInputTimeoutAutoDenies(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, func(d *bridge.Deps) {
		d.UserInputTimeout = 30 * time.Millisecond
	})
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	fake.emit(t, "user_input_request", map[string]any{"requestId": "ui-1", "prompt": "API key?"})
	params := c.notification("item/tool/requestUserInput")
	if params["requestId"] != "ui-1" || params["prompt"] != "API key?" {
		t.Fatalf("params = %v", params)
	}

	// Let the deadline fire and the auto-denial land on pi.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fake.mu.Lock()
		n := len(fake.inputs)
		fake.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	fake.mu.Lock()
	inputs := fake.inputs
	fake.mu.Unlock()
	if len(inputs) != 1 || inputs[0].value != "" {
		t.Fatalf("auto-denial = %v", inputs)
	}

	// A late answer gets the timeout error, not unknown-id.
	send(t, b, 3, "item/tool/requestUserInput", map[string]any{
		"sessionId": "sess-1", "requestId": "ui-1", "value": "xyz",
	})
	if code := errorCode(t, c.response(3)); code != -32009 {
		t.Fatalf("code = %d", code)
	}
}

func TestUserInputAnsweredInTime(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	fake.emit(t, "user_input_request", map[string]any{"requestId": "ui-2", "prompt": "continue?"})
	c.notification("item/tool/requestUserInput")

	send(t, b, 3, "item/tool/requestUserInput", map[string]any{
		"sessionId": "sess-1", "requestId": "ui-2", "value": "yes",
	})
	if resp := c.response(3); resp["error"] != nil {
		t.Fatalf("answer rejected: %v", resp["error"])
	}
	fake.mu.Lock()
	inputs := fake.inputs
	fake.mu.Unlock()
	if len(inputs) != 1 || inputs[0].value != "yes" {
		t.Fatalf("inputs = %v", inputs)
	}
}

func TestMalformedFrameIsDropped(t *testing.T) {
	b, c := newTestBridge(t, &fakeProcess{}, nil)
	b.HandleMessage(context.Background(), []byte("{not json"))
	initialize(t, b, c) // the connection still works afterwards
}

func TestResumeReusesLiveSession(t *testing.T) {
	fake := &fakeProcess{
		state: pirpc.SessionState{SessionID: "sess-2"},
		messages: []pirpc.ConversationMessage{
			{Role: "user", Content: pirpc.ContentParts{{Type: "text", Text: "hello"}}},
		},
	}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/load", map[string]any{"sessionId": "sess-2"})
	c.response(2)
	switchedOnce := len(fake.switched)

	send(t, b, 3, "session/resume", map[string]any{"sessionId": "sess-2"})
	resp := c.response(3)
	if resp["error"] != nil {
		t.Fatalf("resume failed: %v", resp["error"])
	}
	fake.mu.Lock()
	switched := len(fake.switched)
	fake.mu.Unlock()
	if switched != switchedOnce {
		t.Fatal("resume relaunched instead of reusing the live session")
	}
}

func TestNotificationParamsCarrySessionID(t *testing.T) {
	fake := &fakeProcess{state: pirpc.SessionState{SessionID: "sess-1"}}
	b, c := newTestBridge(t, fake, nil)
	initialize(t, b, c)
	send(t, b, 2, "session/new", map[string]any{})
	c.response(2)

	for _, m := range c.buf {
		if m["method"] != "session/update" {
			continue
		}
		params := m["params"].(map[string]any)
		if params["sessionId"] != "sess-1" {
			t.Fatalf("sessionId = %v", params["sessionId"])
		}
		if _, ok := m["id"]; ok {
			t.Fatalf("notification carries an id: %v", m)
		}
	}
}
