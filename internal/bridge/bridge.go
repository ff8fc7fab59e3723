// Package bridge implements the ACP method surface for one WebSocket
// connection. Each Bridge owns at most one live pi session at a time,
// translating prompts into pi commands and pi events back into ACP
// session/update notifications.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/pibridge/internal/acperr"
	"github.com/basket/pibridge/internal/otel"
	"github.com/basket/pibridge/internal/pirpc"
	"github.com/basket/pibridge/internal/sessiondir"
)

const protocolVersion = 1

// Connection states. Methods are gated on the current state; transitions
// happen only under stateMu.
const (
	stateUninitialized = iota
	stateInitialized
	stateSessionActive
	statePrompting
	stateClosed
)

// Sender is the outbound half of the connection the bridge writes to.
type Sender interface {
	ID() string
	Send(ctx context.Context, payload any) error
}

// ProcessHandle is the surface of a live pi subprocess the bridge drives.
// pirpc.Handle satisfies it; tests substitute fakes.
type ProcessHandle interface {
	Prompt(ctx context.Context, message string, opts *pirpc.PromptOptions) error
	Abort(ctx context.Context) error
	SwitchSession(ctx context.Context, sessionPath string) (pirpc.SessionActionResult, error)
	GetState(ctx context.Context) (pirpc.SessionState, error)
	GetMessages(ctx context.Context) ([]pirpc.ConversationMessage, error)
	SetSessionName(ctx context.Context, name string) error
	GetCommands(ctx context.Context) ([]pirpc.CommandDescriptor, error)
	RespondToolApproval(ctx context.Context, requestID string, approved bool) error
	RespondUserInput(ctx context.Context, requestID, value string) error
	GenUIAction(ctx context.Context, actionID string, payload json.RawMessage) error
	Subscribe(fn func(pirpc.Event)) func()
	Close() error
}

// Launcher spawns a pi process rooted at cwd.
type Launcher func(ctx context.Context, cwd string) (ProcessHandle, error)

// Directory is the session listing surface the bridge consults.
type Directory interface {
	List() ([]sessiondir.Entry, error)
	FindFile(sessionID string) (string, bool)
}

// Deps wires a Bridge to its collaborators.
type Deps struct {
	Sender    Sender
	Directory Directory
	Launch    Launcher
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tracer    trace.Tracer

	// AuthToken, when non-empty, gates initialize and everything after it.
	AuthToken string

	// UserInputTimeout bounds how long an unanswered user-input request
	// stays pending before auto-denial. Zero means 120s.
	UserInputTimeout time.Duration
}

// liveSession is the bridge's in-memory record of its active pi session.
type liveSession struct {
	id          string
	cwd         string
	file        string
	handle      ProcessHandle
	unsubscribe func()
	tools       *toolCallState
}

// Bridge handles one connection's ACP traffic.
type Bridge struct {
	deps   Deps
	logger *slog.Logger

	metrics *otel.Metrics

	// opMu serializes RPC handling for this connection. session/cancel
	// deliberately bypasses it so it can interrupt an in-flight prompt.
	opMu sync.Mutex

	stateMu      sync.Mutex
	state        int
	authed       bool
	session      *liveSession
	promptCancel context.CancelFunc

	pending *pendingRequests

	wg sync.WaitGroup
}

// New constructs a Bridge for one connection.
func New(deps Deps) *Bridge {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Sender != nil {
		logger = logger.With("conn_id", deps.Sender.ID())
	}
	timeout := deps.UserInputTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Bridge{
		deps:    deps,
		logger:  logger,
		metrics: deps.Metrics,
		pending: newPendingRequests(timeout),
	}
}

// HandleMessage parses one inbound frame and dispatches it. Malformed JSON
// is dropped silently: control frames misclassified as data must not kill
// the stream. Requests run on their own goroutine so session/cancel can
// overtake a blocked prompt.
func (b *Bridge) HandleMessage(ctx context.Context, raw []byte) {
	var req rpcRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		b.logger.Debug("dropping malformed frame", "error", err)
		return
	}
	if req.Method == "" {
		// A response or an empty envelope; nothing to route.
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.dispatch(ctx, req)
	}()
}

// Close tears down the live session and marks the bridge closed. Invoked
// once by the transport when the connection goes away.
func (b *Bridge) Close() {
	b.stateMu.Lock()
	b.state = stateClosed
	if b.promptCancel != nil {
		b.promptCancel()
		b.promptCancel = nil
	}
	sess := b.session
	b.session = nil
	b.stateMu.Unlock()

	b.pending.close()
	if sess != nil {
		b.detach(sess)
	}
	b.wg.Wait()
}

// detach releases a session's process handle without blocking on it.
func (b *Bridge) detach(sess *liveSession) {
	if sess.unsubscribe != nil {
		sess.unsubscribe()
	}
	go func() {
		if err := sess.handle.Close(); err != nil {
			b.logger.Warn("pi process close", "session_id", sess.id, "error", err)
		}
	}()
}

func (b *Bridge) dispatch(ctx context.Context, req rpcRequest) {
	if req.Method == "session/cancel" {
		// Bypasses the op mutex so it can reach an in-flight prompt.
		b.handleCancel(ctx, req)
		return
	}

	b.opMu.Lock()
	defer b.opMu.Unlock()

	if b.deps.Tracer != nil {
		var span trace.Span
		ctx, span = otel.StartServerSpan(ctx, b.deps.Tracer, "acp.rpc",
			otel.AttrMethod.String(req.Method))
		defer span.End()
	}

	var (
		result any
		err    error
	)
	switch req.Method {
	case "initialize":
		result, err = b.handleInitialize(ctx, req.Params)
	case "initialized":
		// Post-handshake notification; nothing to do.
		return
	case "session/new":
		result, err = b.handleSessionNew(ctx, req.Params)
	case "session/load":
		result, err = b.handleSessionLoad(ctx, req.Params, false)
	case "session/resume":
		result, err = b.handleSessionLoad(ctx, req.Params, true)
	case "session/list":
		result, err = b.handleSessionList(ctx)
	case "session/prompt":
		result, err = b.handlePrompt(ctx, req.Params)
	case "item/tool/requestApproval":
		result, err = b.handleApproval(ctx, req.Params)
	case "item/tool/requestUserInput":
		result, err = b.handleUserInput(ctx, req.Params)
	case "genui/action":
		result, err = b.handleGenUIAction(ctx, req.Params)
	default:
		err = acperr.MethodNotFound(req.Method)
	}
	b.respond(ctx, req, result, err)
}

func (b *Bridge) respond(ctx context.Context, req rpcRequest, result any, err error) {
	if len(req.ID) == 0 {
		// Notification; errors are logged, never sent.
		if err != nil {
			b.logger.Warn("notification failed", "method", req.Method, "error", err)
		}
		return
	}
	resp := rpcResponse{JSONRPC: "2.0", ID: json.RawMessage(req.ID)}
	if err != nil {
		resp.Error = acperr.From(err)
		b.logger.Warn("rpc error", "method", req.Method, "code", acperr.From(err).Code, "error", err)
	} else {
		if result == nil {
			result = struct{}{}
		}
		resp.Result = result
	}
	if sendErr := b.deps.Sender.Send(ctx, resp); sendErr != nil {
		b.logger.Debug("response write failed", "method", req.Method, "error", sendErr)
	}
}

// notify sends a server-initiated notification.
func (b *Bridge) notify(ctx context.Context, method string, params any) {
	err := b.deps.Sender.Send(ctx, rpcResponse{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
	})
	if err != nil {
		b.logger.Debug("notification write failed", "method", method, "error", err)
	}
}

func (b *Bridge) notifyUpdate(ctx context.Context, sessionID string, update any) {
	b.notify(ctx, "session/update", sessionUpdateParams{SessionID: sessionID, Update: update})
}

// --- handshake ---

func (b *Bridge) handleInitialize(ctx context.Context, params json.RawMessage) (any, error) {
	var p initializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, acperr.InvalidParams("invalid initialize params")
		}
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state != stateUninitialized {
		return nil, acperr.AlreadyInitialized()
	}
	if b.deps.AuthToken != "" && p.AuthToken != b.deps.AuthToken {
		return nil, acperr.AuthRequired()
	}
	b.authed = true
	b.state = stateInitialized

	return initializeResult{
		ProtocolVersion: protocolVersion,
		AgentInfo:       agentInfo{Name: "pibridge", Version: otel.Version},
		AgentCaps: agentCapabilities{
			LoadSession: true,
			PromptCaps: promptCapabilities{
				Image:           true,
				Audio:           false,
				EmbeddedContext: true,
			},
		},
		AuthMethods: []string{},
	}, nil
}

// requireReady gates session methods on the handshake and auth state.
func (b *Bridge) requireReady() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	switch {
	case b.state == stateClosed:
		return acperr.SessionExpired("connection closed")
	case b.state == stateUninitialized:
		return acperr.NotInitialized()
	case b.deps.AuthToken != "" && !b.authed:
		return acperr.AuthRequired()
	}
	return nil
}

// currentSession returns the live session matching id.
func (b *Bridge) currentSession(id string) (*liveSession, error) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.session == nil || (id != "" && b.session.id != id) {
		return nil, acperr.SessionNotFound(id)
	}
	return b.session, nil
}

// --- session lifecycle ---

func (b *Bridge) handleSessionNew(ctx context.Context, params json.RawMessage) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p sessionNewParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, acperr.InvalidParams("invalid session/new params")
		}
	}

	handle, err := b.deps.Launch(ctx, p.Cwd)
	if err != nil {
		return nil, acperr.InternalFromCause(fmt.Errorf("launch pi: %w", err))
	}

	state, err := handle.GetState(ctx)
	if err != nil {
		_ = handle.Close()
		return nil, acperr.InternalFromCause(fmt.Errorf("query pi state: %w", err))
	}

	sess := &liveSession{
		id:     state.SessionID,
		cwd:    p.Cwd,
		file:   state.SessionFile,
		handle: handle,
		tools:  newToolCallState(),
	}
	sess.unsubscribe = handle.Subscribe(func(ev pirpc.Event) {
		b.relayEvent(sess, ev)
	})
	b.install(sess)

	// Startup info goes out once, for brand-new sessions only. Loaded and
	// resumed sessions never re-emit it.
	b.notifyUpdate(ctx, sess.id, messageChunkUpdate{
		SessionUpdate: "agent_message_chunk",
		Content:       ContentBlock{Type: "text", Text: startupInfo(state)},
	})
	b.scheduleCommandsUpdate(ctx, sess)

	b.logger.Info("session created", "session_id", sess.id, "cwd", sess.cwd)
	return sessionNewResult{SessionID: sess.id}, nil
}

func (b *Bridge) handleSessionLoad(ctx context.Context, params json.RawMessage, resume bool) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, acperr.InvalidParams("sessionId is required")
	}

	path, ok := b.deps.Directory.FindFile(p.SessionID)
	if !ok {
		return nil, acperr.SessionNotFound(p.SessionID)
	}

	var sess *liveSession
	if resume {
		// Resuming the session this connection already has attaches to
		// the live process instead of spawning a fresh one.
		b.stateMu.Lock()
		if b.session != nil && b.session.id == p.SessionID {
			sess = b.session
		}
		b.stateMu.Unlock()
	}

	if sess == nil {
		handle, err := b.deps.Launch(ctx, "")
		if err != nil {
			return nil, acperr.InternalFromCause(fmt.Errorf("launch pi: %w", err))
		}
		if _, err := handle.SwitchSession(ctx, path); err != nil {
			_ = handle.Close()
			return nil, acperr.InternalFromCause(fmt.Errorf("switch session: %w", err))
		}
		sess = &liveSession{
			id:     p.SessionID,
			file:   path,
			handle: handle,
			tools:  newToolCallState(),
		}
		sess.unsubscribe = handle.Subscribe(func(ev pirpc.Event) {
			b.relayEvent(sess, ev)
		})
		b.install(sess)
	}

	msgs, err := sess.handle.GetMessages(ctx)
	if err != nil {
		return nil, acperr.InternalFromCause(fmt.Errorf("fetch history: %w", err))
	}
	b.replayHistory(ctx, sess.id, msgs, sess.tools)
	b.scheduleCommandsUpdate(ctx, sess)

	b.logger.Info("session loaded",
		"session_id", sess.id, "file", sess.file, "resume", resume, "messages", len(msgs))
	return sessionNewResult{SessionID: sess.id}, nil
}

// install replaces the connection's live session, tearing down the old one.
func (b *Bridge) install(sess *liveSession) {
	b.stateMu.Lock()
	old := b.session
	b.session = sess
	b.state = stateSessionActive
	b.stateMu.Unlock()
	if old != nil && old != sess {
		b.detach(old)
	}
}

// scheduleCommandsUpdate sends exactly one available_commands_update after a
// session becomes active, regardless of how much history was replayed.
func (b *Bridge) scheduleCommandsUpdate(ctx context.Context, sess *liveSession) {
	commands, err := sess.handle.GetCommands(ctx)
	if err != nil {
		b.logger.Debug("get commands", "session_id", sess.id, "error", err)
	}
	list := make([]availableCommand, 0, len(commands)+2)
	// Local commands the bridge intercepts are advertised alongside pi's.
	list = append(list,
		availableCommand{Name: "steering", Description: "Show the current steering mode"},
		availableCommand{Name: "name", Description: "Rename the current session"},
	)
	for _, c := range commands {
		list = append(list, availableCommand{Name: c.Name, Description: c.Description})
	}
	b.notifyUpdate(ctx, sess.id, availableCommandsUpdate{
		SessionUpdate:     "available_commands_update",
		AvailableCommands: list,
	})
}

func startupInfo(state pirpc.SessionState) string {
	model := "unknown model"
	if state.Model != nil {
		if state.Model.Name != "" {
			model = state.Model.Name
		} else {
			model = state.Model.ID
		}
	}
	return fmt.Sprintf("pi session started (%s)\nlog: %s", model, state.SessionFile)
}

func (b *Bridge) handleSessionList(ctx context.Context) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	entries, err := b.deps.Directory.List()
	if err != nil {
		return nil, acperr.InternalFromCause(fmt.Errorf("list sessions: %w", err))
	}
	if b.metrics != nil {
		b.metrics.SessionListCount.Add(ctx, 1)
	}
	sessions := make([]sessionSummary, 0, len(entries))
	for _, e := range entries {
		sessions = append(sessions, sessionSummary{
			SessionID:   e.SessionID,
			Cwd:         e.Cwd,
			Title:       e.Title,
			UpdatedAt:   e.UpdatedAt,
			SessionFile: e.SessionFile,
		})
	}
	return sessionListResult{Sessions: sessions}, nil
}

// --- prompting ---

func (b *Bridge) handlePrompt(ctx context.Context, params json.RawMessage) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p promptParams
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return nil, acperr.InvalidParams("sessionId and prompt are required")
	}
	sess, err := b.currentSession(p.SessionID)
	if err != nil {
		return nil, err
	}

	// Local commands complete without touching the pi process at all.
	if cmd, ok := parseLocalCommand(p.Prompt); ok {
		return b.runLocalCommand(ctx, sess, cmd)
	}

	message, images := PromptToPiMessage(p.Prompt)

	promptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	b.stateMu.Lock()
	b.state = statePrompting
	b.promptCancel = cancel
	b.stateMu.Unlock()
	defer func() {
		b.stateMu.Lock()
		if b.state == statePrompting {
			b.state = stateSessionActive
		}
		b.promptCancel = nil
		b.stateMu.Unlock()
	}()

	var opts *pirpc.PromptOptions
	if len(images) > 0 {
		opts = &pirpc.PromptOptions{Images: images}
	}

	start := time.Now()
	err = sess.handle.Prompt(promptCtx, message, opts)
	if b.metrics != nil {
		b.metrics.PromptDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return promptResult{StopReason: stopCancelled}, nil
		}
		return nil, acperr.InternalFromCause(fmt.Errorf("prompt: %w", err))
	}
	return promptResult{StopReason: stopEndTurn}, nil
}

func (b *Bridge) runLocalCommand(ctx context.Context, sess *liveSession, cmd localCommand) (any, error) {
	switch cmd.name {
	case "steering":
		state, err := sess.handle.GetState(ctx)
		if err != nil {
			return nil, acperr.InternalFromCause(fmt.Errorf("query pi state: %w", err))
		}
		mode := state.SteeringMode
		if mode == "" {
			mode = "default"
		}
		b.notifyUpdate(ctx, sess.id, messageChunkUpdate{
			SessionUpdate: "agent_message_chunk",
			Content:       ContentBlock{Type: "text", Text: fmt.Sprintf("Steering mode: %s", mode)},
		})
	case "name":
		if err := sess.handle.SetSessionName(ctx, cmd.arg); err != nil {
			return nil, acperr.InternalFromCause(fmt.Errorf("rename session: %w", err))
		}
		// The rename update precedes the confirming chunk.
		b.notifyUpdate(ctx, sess.id, sessionInfoUpdate{
			SessionUpdate: "session_info_update",
			Title:         cmd.arg,
		})
		b.notifyUpdate(ctx, sess.id, messageChunkUpdate{
			SessionUpdate: "agent_message_chunk",
			Content:       ContentBlock{Type: "text", Text: fmt.Sprintf("Session renamed to %q", cmd.arg)},
		})
	}
	return promptResult{StopReason: stopEndTurn}, nil
}

// --- cancellation ---

func (b *Bridge) handleCancel(ctx context.Context, req rpcRequest) {
	var p sessionIDParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &p)
	}

	b.stateMu.Lock()
	cancel := b.promptCancel
	sess := b.session
	b.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil && (p.SessionID == "" || sess.id == p.SessionID) {
		if err := sess.handle.Abort(ctx); err != nil && !errors.Is(err, pirpc.ErrClosed) {
			b.logger.Warn("abort", "session_id", sess.id, "error", err)
		}
	}
	b.respond(ctx, req, struct{}{}, nil)
}

// --- interactive tool flow ---

func (b *Bridge) handleApproval(ctx context.Context, params json.RawMessage) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p approvalParams
	if err := json.Unmarshal(params, &p); err != nil || p.ToolCallID == "" {
		return nil, acperr.InvalidParams("toolCallId is required")
	}
	sess, err := b.currentSession(p.SessionID)
	if err != nil {
		return nil, err
	}

	switch b.pending.resolve(p.ToolCallID) {
	case pendingMissing:
		return nil, acperr.ToolNotFound(p.ToolCallID)
	case pendingExpired:
		return nil, acperr.UserInputTimeout(p.ToolCallID)
	}

	if respondErr := sess.handle.RespondToolApproval(ctx, p.ToolCallID, p.Approved); respondErr != nil {
		return nil, acperr.InternalFromCause(fmt.Errorf("approval response: %w", respondErr))
	}
	if !p.Approved {
		return nil, acperr.ApprovalDenied(p.ToolCallID)
	}
	return approvalResult{Outcome: "approved"}, nil
}

func (b *Bridge) handleUserInput(ctx context.Context, params json.RawMessage) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p userInputParams
	if err := json.Unmarshal(params, &p); err != nil || p.RequestID == "" {
		return nil, acperr.InvalidParams("requestId is required")
	}
	sess, err := b.currentSession(p.SessionID)
	if err != nil {
		return nil, err
	}

	switch b.pending.resolve(p.RequestID) {
	case pendingMissing:
		return nil, acperr.ToolNotFound(p.RequestID)
	case pendingExpired:
		return nil, acperr.UserInputTimeout(p.RequestID)
	}

	if respondErr := sess.handle.RespondUserInput(ctx, p.RequestID, p.Value); respondErr != nil {
		return nil, acperr.InternalFromCause(fmt.Errorf("user input response: %w", respondErr))
	}
	return struct{}{}, nil
}

func (b *Bridge) handleGenUIAction(ctx context.Context, params json.RawMessage) (any, error) {
	if err := b.requireReady(); err != nil {
		return nil, err
	}
	var p genUIActionParams
	if err := json.Unmarshal(params, &p); err != nil || p.ActionID == "" {
		return nil, acperr.InvalidParams("actionId is required")
	}
	sess, err := b.currentSession(p.SessionID)
	if err != nil {
		return nil, err
	}
	if actErr := sess.handle.GenUIAction(ctx, p.ActionID, p.Payload); actErr != nil {
		return nil, acperr.GenUIActionFailed(p.ActionID, actErr)
	}
	return struct{}{}, nil
}
