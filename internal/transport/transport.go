// Package transport owns the WebSocket side of the bridge: accepting
// connections, admission control, per-connection rate limiting, liveness
// probing, idle eviction, and graceful drain. It knows nothing about ACP
// methods; each accepted connection is handed to a handler built by the
// configured factory, and connection-level policy failures are communicated
// through close codes only.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/basket/pibridge/internal/otel"
)

// Close codes in the 4xxx private range, one per eviction cause, so clients
// and tests can tell why a connection went away.
const (
	CloseShutdown    websocket.StatusCode = 4001
	CloseIdleTimeout websocket.StatusCode = 4408
	ClosePingTimeout websocket.StatusCode = 4410
	ClosePongTimeout websocket.StatusCode = 4411
	CloseRateLimited websocket.StatusCode = 4429
	CloseOverloaded  websocket.StatusCode = 4503
)

// Policy bounds the transport's admission, rate, liveness, and idle rules.
type Policy struct {
	MaxConnections    int
	RateLimitMessages int
	RateWindow        time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	IdleTimeout       time.Duration
	IdleSweepInterval time.Duration
	DrainTimeout      time.Duration
}

func (p Policy) withDefaults() Policy {
	if p.MaxConnections <= 0 {
		p.MaxConnections = 10
	}
	if p.RateLimitMessages <= 0 {
		p.RateLimitMessages = 100
	}
	if p.RateWindow <= 0 {
		p.RateWindow = time.Minute
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = 30 * time.Second
	}
	if p.PongTimeout <= 0 {
		p.PongTimeout = 10 * time.Second
	}
	if p.IdleTimeout <= 0 {
		p.IdleTimeout = 5 * time.Minute
	}
	if p.IdleSweepInterval <= 0 {
		p.IdleSweepInterval = time.Minute
	}
	if p.DrainTimeout <= 0 {
		p.DrainTimeout = 10 * time.Second
	}
	return p
}

// Handler consumes one connection's inbound frames. HandleMessage is called
// sequentially from the connection's read loop; Close runs exactly once when
// the connection goes away for any reason.
type Handler interface {
	HandleMessage(ctx context.Context, raw []byte)
	Close()
}

// HandlerFactory builds one handler per accepted connection.
type HandlerFactory func(conn *Conn) Handler

// Conn is the duplex message channel handed to a handler. Writes are
// serialized; Send may be called from any goroutine.
type Conn struct {
	id string
	ws *websocket.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
	alive        bool

	window *slidingWindow

	closeOnce sync.Once
}

func (c *Conn) ID() string { return c.id }

// Send writes one JSON payload to the peer.
func (c *Conn) Send(ctx context.Context, payload any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, payload)
}

func (c *Conn) touch(now time.Time) {
	c.mu.Lock()
	c.lastActivity = now
	c.mu.Unlock()
}

func (c *Conn) idleSince(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastActivity)
}

func (c *Conn) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}

// Manager runs the listener and enforces connection policy.
type Manager struct {
	policy  Policy
	factory HandlerFactory
	logger  *slog.Logger
	metrics *otel.Metrics

	mu    sync.Mutex
	conns map[string]*Conn

	srv       *http.Server
	ln        net.Listener
	startedAt time.Time
	cancel    context.CancelFunc
	loops     sync.WaitGroup
}

func New(policy Policy, factory HandlerFactory, logger *slog.Logger, metrics *otel.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		policy:  policy.withDefaults(),
		factory: factory,
		logger:  logger,
		metrics: metrics,
		conns:   map[string]*Conn{},
	}
}

// Start binds addr and begins serving. Bind failure is returned to the
// caller; it is fatal at startup.
func (m *Manager) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	m.ln = ln
	m.startedAt = time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/", m.handleWS)
	m.srv = &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.loops.Add(2)
	go m.heartbeatLoop(ctx)
	go m.idleLoop(ctx)

	go func() {
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("transport serve stopped", "error", err)
		}
	}()

	m.logger.Info("transport listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound listen address.
func (m *Manager) Addr() string {
	if m.ln == nil {
		return ""
	}
	return m.ln.Addr().String()
}

// Stop cancels the periodic loops, closes every open connection with the
// shutdown code, and shuts the listener down. It returns once drain
// completes or the policy's drain timeout elapses, whichever is first.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}

	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		c.close(CloseShutdown, "server shutting down")
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.policy.DrainTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- m.srv.Shutdown(drainCtx)
	}()

	select {
	case err := <-done:
		m.loops.Wait()
		return err
	case <-drainCtx.Done():
		_ = m.srv.Close()
		return drainCtx.Err()
	}
}

func (m *Manager) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	m.mu.Lock()
	open := len(m.conns)
	m.mu.Unlock()

	payload := map[string]any{
		"status":         "ok",
		"connections":    open,
		"maxConnections": m.policy.MaxConnections,
		"uptime":         time.Since(m.startedAt).Round(time.Second).Seconds(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (m *Manager) handleWS(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	// Admission is all-or-nothing at connect time: over the cap, the
	// upgrade completes only so the overloaded close code can be sent.
	c := &Conn{
		id:           uuid.NewString(),
		ws:           ws,
		connectedAt:  time.Now(),
		lastActivity: time.Now(),
		alive:        true,
		window:       newSlidingWindow(m.policy.RateLimitMessages, m.policy.RateWindow),
	}

	m.mu.Lock()
	if len(m.conns) >= m.policy.MaxConnections {
		m.mu.Unlock()
		m.logger.Warn("connection rejected, server at capacity", "max", m.policy.MaxConnections)
		_ = ws.Close(CloseOverloaded, "server overloaded")
		return
	}
	m.conns[c.id] = c
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Connects.Add(r.Context(), 1)
		m.metrics.ActiveConnections.Add(r.Context(), 1)
	}
	m.logger.Info("connection accepted", "conn_id", c.id)

	handler := m.factory(c)
	defer func() {
		m.remove(c.id)
		if m.metrics != nil {
			m.metrics.ActiveConnections.Add(context.Background(), -1)
		}
		handler.Close()
		c.close(websocket.StatusNormalClosure, "bye")
		m.logger.Info("connection closed", "conn_id", c.id,
			"duration", time.Since(c.connectedAt).Round(time.Second).String())
	}()

	m.readLoop(r.Context(), c, handler)
}

func (m *Manager) readLoop(ctx context.Context, c *Conn, handler Handler) {
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}
		now := time.Now()
		c.touch(now)

		if !c.window.allow(now) {
			// The offending message is dropped, not delivered.
			m.logger.Warn("rate limit exceeded", "conn_id", c.id)
			if m.metrics != nil {
				m.metrics.RateLimitRejects.Add(ctx, 1)
			}
			c.close(CloseRateLimited, "rate limit exceeded")
			return
		}

		handler.HandleMessage(ctx, data)
	}
}

// heartbeatLoop probes every connection each interval. A connection still
// marked not-alive from the previous cycle is closed with the ping-timeout
// code; a probe that gets no pong within the pong timeout closes with the
// pong-timeout code.
func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.policy.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, c := range m.snapshot() {
				c.mu.Lock()
				wasAlive := c.alive
				c.alive = false
				c.mu.Unlock()

				if !wasAlive {
					m.logger.Warn("liveness probe unanswered", "conn_id", c.id)
					c.close(ClosePingTimeout, "ping timeout")
					continue
				}
				go m.probe(ctx, c)
			}
		}
	}
}

func (m *Manager) probe(ctx context.Context, c *Conn) {
	pctx, cancel := context.WithTimeout(ctx, m.policy.PongTimeout)
	defer cancel()
	if err := c.ws.Ping(pctx); err != nil {
		// Stop cancels in-flight probes; the drain path owns the close
		// code then, not the probe.
		if ctx.Err() != nil {
			return
		}
		// The connection may already be gone; closing again is a no-op.
		if m.lookup(c.id) == nil {
			return
		}
		m.logger.Warn("pong timeout", "conn_id", c.id, "error", err)
		c.close(ClosePongTimeout, "pong timeout")
		return
	}
	c.mu.Lock()
	c.alive = true
	c.mu.Unlock()
}

// idleLoop evicts connections whose last activity exceeds the idle
// threshold, independent of liveness-probe state.
func (m *Manager) idleLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.policy.IdleSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			for _, c := range m.snapshot() {
				if c.idleSince(now) > m.policy.IdleTimeout {
					m.logger.Info("idle connection evicted", "conn_id", c.id)
					c.close(CloseIdleTimeout, "idle timeout")
				}
			}
		}
	}
}

func (m *Manager) snapshot() []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	conns := make([]*Conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	return conns
}

func (m *Manager) lookup(id string) *Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[id]
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

// OpenConnections reports the current connection count.
func (m *Manager) OpenConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}
