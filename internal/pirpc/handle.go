// Package pirpc talks to a pi coding-agent subprocess over its line-delimited
// JSON RPC on stdio. One Handle owns one subprocess: commands go down stdin
// with a correlation id, responses come back matched against an inflight map,
// and everything that is not a response fans out to event listeners.
package pirpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned once the subprocess has exited or Close was called.
var ErrClosed = errors.New("pi process is closed")

const closeKillGrace = 2 * time.Second

// Options controls how the pi subprocess is launched.
type Options struct {
	// BinaryPath defaults to "pi" on PATH.
	BinaryPath string
	// SessionDir overrides where pi persists session logs.
	SessionDir string
	// ExtraArgs are appended after the RPC-mode flags.
	ExtraArgs []string
	Cwd       string
	Env       []string
	// Stderr receives subprocess stderr; discarded when nil.
	Stderr io.Writer
}

type response struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Command string          `json:"command"`
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Handle is a live pi subprocess in RPC mode.
type Handle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	stdinMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]chan response

	listenersMu sync.RWMutex
	listeners   map[uint64]func(Event)

	reqSeq      uint64
	listenerSeq uint64

	done     chan struct{}
	stopOnce sync.Once

	exitMu  sync.Mutex
	exitErr error
}

// Spawn starts `pi --mode rpc` and returns a connected handle.
func Spawn(ctx context.Context, opts Options) (*Handle, error) {
	binary := opts.BinaryPath
	if binary == "" {
		binary = "pi"
	}

	args := []string{"--mode", "rpc"}
	if opts.SessionDir != "" {
		args = append(args, "--session-dir", opts.SessionDir)
	}
	args = append(args, opts.ExtraArgs...)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = io.Discard
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdout pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("open stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start pi process: %w", err)
	}

	h := &Handle{
		cmd:       cmd,
		stdin:     stdin,
		inflight:  map[string]chan response{},
		listeners: map[uint64]func(Event){},
		done:      make(chan struct{}),
	}
	go h.readLoop(stdout)
	go func() {
		h.stop(cmd.Wait())
	}()
	return h, nil
}

func (h *Handle) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 1024), 10<<20)

	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(line, &envelope); err != nil {
			continue
		}
		if envelope.Type == "response" {
			var resp response
			if err := json.Unmarshal(line, &resp); err != nil {
				continue
			}
			h.settle(resp)
			continue
		}
		h.publish(Event{Type: envelope.Type, Raw: line})
	}

	if err := sc.Err(); err != nil {
		h.stop(err)
		return
	}
	h.stop(io.EOF)
}

func (h *Handle) stop(err error) {
	h.stopOnce.Do(func() {
		h.exitMu.Lock()
		h.exitErr = err
		h.exitMu.Unlock()
		close(h.done)

		h.inflightMu.Lock()
		for _, ch := range h.inflight {
			close(ch)
		}
		h.inflight = nil
		h.inflightMu.Unlock()
	})
}

// Done is closed when the subprocess exits for any reason.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the terminal process error, if any.
func (h *Handle) Err() error {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	return h.exitErr
}

// Close shuts the subprocess down, killing it if it does not exit within a
// short grace period. Clean exits report nil.
func (h *Handle) Close() error {
	_ = h.stdin.Close()

	select {
	case <-h.done:
	case <-time.After(closeKillGrace):
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		<-h.done
	}

	err := h.Err()
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Handle) closedErr() error {
	err := h.Err()
	if err == nil || errors.Is(err, io.EOF) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %v", ErrClosed, err)
}

func (h *Handle) settle(resp response) {
	if resp.ID == "" {
		return
	}
	h.inflightMu.Lock()
	if h.inflight == nil {
		h.inflightMu.Unlock()
		return
	}
	ch, ok := h.inflight[resp.ID]
	if ok {
		delete(h.inflight, resp.ID)
	}
	h.inflightMu.Unlock()
	if ok {
		ch <- resp
		close(ch)
	}
}

func (h *Handle) publish(ev Event) {
	h.listenersMu.RLock()
	fns := make([]func(Event), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.listenersMu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Subscribe registers a listener for all non-response lines. The returned
// function unregisters it.
func (h *Handle) Subscribe(fn func(Event)) func() {
	id := atomic.AddUint64(&h.listenerSeq, 1)
	h.listenersMu.Lock()
	h.listeners[id] = fn
	h.listenersMu.Unlock()
	return func() {
		h.listenersMu.Lock()
		delete(h.listeners, id)
		h.listenersMu.Unlock()
	}
}

func (h *Handle) call(ctx context.Context, command map[string]any) (response, error) {
	kind, _ := command["type"].(string)
	if kind == "" {
		return response{}, errors.New("command must include non-empty type")
	}

	select {
	case <-h.done:
		return response{}, h.closedErr()
	default:
	}

	id := fmt.Sprintf("req-%d", atomic.AddUint64(&h.reqSeq, 1))
	payload := make(map[string]any, len(command)+1)
	for k, v := range command {
		payload[k] = v
	}
	payload["id"] = id

	ch := make(chan response, 1)
	h.inflightMu.Lock()
	if h.inflight == nil {
		h.inflightMu.Unlock()
		return response{}, h.closedErr()
	}
	h.inflight[id] = ch
	h.inflightMu.Unlock()

	if err := h.write(payload); err != nil {
		h.forget(id)
		return response{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return response{}, h.closedErr()
		}
		if !resp.Success {
			return response{}, &CommandError{Command: resp.Command, Message: resp.Error}
		}
		return resp, nil
	case <-ctx.Done():
		h.forget(id)
		return response{}, ctx.Err()
	case <-h.done:
		h.forget(id)
		return response{}, h.closedErr()
	}
}

func (h *Handle) forget(id string) {
	h.inflightMu.Lock()
	defer h.inflightMu.Unlock()
	if h.inflight != nil {
		delete(h.inflight, id)
	}
}

func (h *Handle) write(command map[string]any) error {
	payload, err := json.Marshal(command)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	payload = append(payload, '\n')

	h.stdinMu.Lock()
	defer h.stdinMu.Unlock()
	if _, err := h.stdin.Write(payload); err != nil {
		return fmt.Errorf("write command: %w", err)
	}
	return nil
}

// Call runs a raw command and decodes response data into out (may be nil).
func (h *Handle) Call(ctx context.Context, command map[string]any, out any) error {
	resp, err := h.call(ctx, command)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// Prompt sends a user turn. pi responds to the command only when the turn
// finishes, so the call blocks for the whole turn; streamed output arrives
// through Subscribe in the meantime.
func (h *Handle) Prompt(ctx context.Context, message string, opts *PromptOptions) error {
	command := map[string]any{"type": "prompt", "message": message}
	if opts != nil && len(opts.Images) > 0 {
		command["images"] = opts.Images
	}
	_, err := h.call(ctx, command)
	return err
}

// Abort interrupts the current agent run.
func (h *Handle) Abort(ctx context.Context) error {
	_, err := h.call(ctx, map[string]any{"type": "abort"})
	return err
}

// NewSession starts a fresh session in this process.
func (h *Handle) NewSession(ctx context.Context) (SessionActionResult, error) {
	var data SessionActionResult
	if err := h.Call(ctx, map[string]any{"type": "new_session"}, &data); err != nil {
		return SessionActionResult{}, err
	}
	return data, nil
}

// SwitchSession loads a specific session log file.
func (h *Handle) SwitchSession(ctx context.Context, sessionPath string) (SessionActionResult, error) {
	var data SessionActionResult
	if err := h.Call(ctx, map[string]any{"type": "switch_session", "sessionPath": sessionPath}, &data); err != nil {
		return SessionActionResult{}, err
	}
	return data, nil
}

// GetState fetches the current session snapshot.
func (h *Handle) GetState(ctx context.Context) (SessionState, error) {
	var state SessionState
	if err := h.Call(ctx, map[string]any{"type": "get_state"}, &state); err != nil {
		return SessionState{}, err
	}
	return state, nil
}

// GetMessages fetches the full conversation history.
func (h *Handle) GetMessages(ctx context.Context) ([]ConversationMessage, error) {
	var data struct {
		Messages []ConversationMessage `json:"messages"`
	}
	if err := h.Call(ctx, map[string]any{"type": "get_messages"}, &data); err != nil {
		return nil, err
	}
	return data.Messages, nil
}

// GetAvailableModels lists the models pi is configured with.
func (h *Handle) GetAvailableModels(ctx context.Context) ([]Model, error) {
	var data struct {
		Models []Model `json:"models"`
	}
	if err := h.Call(ctx, map[string]any{"type": "get_available_models"}, &data); err != nil {
		return nil, err
	}
	return data.Models, nil
}

// SetSessionName renames the active session. pi appends a session_info
// record to the log.
func (h *Handle) SetSessionName(ctx context.Context, name string) error {
	_, err := h.call(ctx, map[string]any{"type": "set_session_name", "name": name})
	return err
}

// GetCommands lists the slash commands pi exposes.
func (h *Handle) GetCommands(ctx context.Context) ([]CommandDescriptor, error) {
	var data struct {
		Commands []CommandDescriptor `json:"commands"`
	}
	if err := h.Call(ctx, map[string]any{"type": "get_commands"}, &data); err != nil {
		return nil, err
	}
	return data.Commands, nil
}

// RespondToolApproval answers a pending tool_approval_request event.
func (h *Handle) RespondToolApproval(ctx context.Context, requestID string, approved bool) error {
	_, err := h.call(ctx, map[string]any{
		"type":      "tool_approval_response",
		"requestId": requestID,
		"approved":  approved,
	})
	return err
}

// RespondUserInput answers a pending user_input_request event.
func (h *Handle) RespondUserInput(ctx context.Context, requestID, value string) error {
	_, err := h.call(ctx, map[string]any{
		"type":      "user_input_response",
		"requestId": requestID,
		"value":     value,
	})
	return err
}

// GenUIAction forwards a generative-UI action to the agent.
func (h *Handle) GenUIAction(ctx context.Context, actionID string, payload json.RawMessage) error {
	command := map[string]any{"type": "genui_action", "actionId": actionID}
	if len(payload) > 0 {
		command["payload"] = payload
	}
	_, err := h.call(ctx, command)
	return err
}
