package transport_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/pibridge/internal/transport"
)

// echoHandler writes every inbound frame back to the peer.
type echoHandler struct {
	conn   *transport.Conn
	closed *atomic.Int32
}

func (h *echoHandler) HandleMessage(ctx context.Context, raw []byte) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	_ = h.conn.Send(ctx, v)
}

func (h *echoHandler) Close() {
	if h.closed != nil {
		h.closed.Add(1)
	}
}

func startManager(t *testing.T, policy transport.Policy) (*transport.Manager, *atomic.Int32) {
	t.Helper()
	closed := &atomic.Int32{}
	m := transport.New(policy, func(conn *transport.Conn) transport.Handler {
		return &echoHandler{conn: conn, closed: closed}
	}, nil, nil)
	if err := m.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m, closed
}

func dial(t *testing.T, m *transport.Manager) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws://"+m.Addr()+"/", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func waitForClose(t *testing.T, ws *websocket.Conn, want websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for {
		var v any
		if err := wsjson.Read(ctx, ws, &v); err != nil {
			if got := websocket.CloseStatus(err); got != want {
				t.Fatalf("close status = %d, want %d (err: %v)", got, want, err)
			}
			return
		}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	m, _ := startManager(t, transport.Policy{})
	ws := dial(t, m)
	defer ws.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, ws, map[string]any{"hello": "world"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := wsjson.Read(ctx, ws, &got); err != nil {
		t.Fatal(err)
	}
	if got["hello"] != "world" {
		t.Fatalf("got %v", got)
	}
}

func TestAdmissionControlRejectsOverCapacity(t *testing.T) {
	m, _ := startManager(t, transport.Policy{MaxConnections: 1})

	first := dial(t, m)
	defer first.Close(websocket.StatusNormalClosure, "")

	second := dial(t, m)
	waitForClose(t, second, 4503)

	// The existing connection is unaffected.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, first, map[string]any{"still": "here"}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := wsjson.Read(ctx, first, &got); err != nil {
		t.Fatal(err)
	}
}

func TestRateLimitClosesOffendingConnectionOnly(t *testing.T) {
	m, _ := startManager(t, transport.Policy{
		RateLimitMessages: 2,
		RateWindow:        time.Minute,
	})

	offender := dial(t, m)
	bystander := dial(t, m)
	defer bystander.Close(websocket.StatusNormalClosure, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if err := wsjson.Write(ctx, offender, map[string]any{"n": i}); err != nil {
			t.Fatal(err)
		}
	}
	waitForClose(t, offender, 4429)

	if err := wsjson.Write(ctx, bystander, map[string]any{"ok": true}); err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := wsjson.Read(ctx, bystander, &got); err != nil {
		t.Fatal(err)
	}
}

func TestShutdownClosesConnectionsWithShutdownCode(t *testing.T) {
	closed := &atomic.Int32{}
	m := transport.New(transport.Policy{}, func(conn *transport.Conn) transport.Handler {
		return &echoHandler{conn: conn, closed: closed}
	}, nil, nil)
	if err := m.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	ws := dial(t, m)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForClose(t, ws, 4001)

	deadline := time.Now().Add(5 * time.Second)
	for closed.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if closed.Load() == 0 {
		t.Fatal("handler Close was not invoked")
	}
}

func TestIdleEviction(t *testing.T) {
	m, _ := startManager(t, transport.Policy{
		IdleTimeout:       100 * time.Millisecond,
		IdleSweepInterval: 50 * time.Millisecond,
		// Keep liveness probing out of this test's way.
		HeartbeatInterval: time.Hour,
	})

	ws := dial(t, m)
	waitForClose(t, ws, 4408)
}

func TestLivenessProbeKeepsResponsiveConnection(t *testing.T) {
	m, _ := startManager(t, transport.Policy{
		HeartbeatInterval: 50 * time.Millisecond,
		PongTimeout:       200 * time.Millisecond,
		IdleTimeout:       time.Hour,
	})

	ws := dial(t, m)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Reading keeps the client answering pings, so several heartbeat
	// cycles must pass without an eviction.
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	var v any
	err := wsjson.Read(ctx, ws, &v)
	if websocket.CloseStatus(err) != -1 {
		t.Fatalf("responsive connection was closed: %v", err)
	}
	if m.OpenConnections() != 1 {
		t.Fatalf("open connections = %d", m.OpenConnections())
	}
}

func TestLivenessProbeTimeoutClosesSilentConnection(t *testing.T) {
	m, _ := startManager(t, transport.Policy{
		HeartbeatInterval: 100 * time.Millisecond,
		PongTimeout:       50 * time.Millisecond,
		IdleTimeout:       time.Hour,
	})

	ws := dial(t, m)
	defer ws.Close(websocket.StatusNormalClosure, "")

	// A client that never reads also never answers pings. Stay silent
	// through a heartbeat cycle and its pong deadline, then collect the
	// close frame.
	time.Sleep(400 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var v any
	err := wsjson.Read(ctx, ws, &v)
	if got := websocket.CloseStatus(err); got != 4411 && got != 4410 {
		t.Fatalf("close status = %d, want 4411 or 4410 (err: %v)", got, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for m.OpenConnections() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := m.OpenConnections(); n != 0 {
		t.Fatalf("open connections = %d after eviction", n)
	}
}

func TestShutdownOverridesInFlightProbe(t *testing.T) {
	closed := &atomic.Int32{}
	m := transport.New(transport.Policy{
		HeartbeatInterval: 50 * time.Millisecond,
		PongTimeout:       5 * time.Second,
		IdleTimeout:       time.Hour,
	}, func(conn *transport.Conn) transport.Handler {
		return &echoHandler{conn: conn, closed: closed}
	}, nil, nil)
	if err := m.Start("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}

	ws := dial(t, m)

	// The client is not reading, so the first probe's ping stays in
	// flight until Stop cancels it. The client must still see the
	// shutdown code, not a pong timeout.
	time.Sleep(75 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitForClose(t, ws, 4001)
}

func TestHealthEndpoint(t *testing.T) {
	m, _ := startManager(t, transport.Policy{MaxConnections: 7})

	ws := dial(t, m)
	defer ws.Close(websocket.StatusNormalClosure, "")

	resp, err := http.Get(fmt.Sprintf("http://%s/health", m.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var payload struct {
		Status         string  `json:"status"`
		Connections    int     `json:"connections"`
		MaxConnections int     `json:"maxConnections"`
		Uptime         float64 `json:"uptime"`
		Timestamp      string  `json:"timestamp"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatal(err)
	}
	if payload.Status != "ok" || payload.MaxConnections != 7 {
		t.Fatalf("payload = %+v", payload)
	}
	if payload.Connections != 1 {
		t.Fatalf("connections = %d", payload.Connections)
	}
	if payload.Timestamp == "" {
		t.Fatal("missing timestamp")
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	m, _ := startManager(t, transport.Policy{})

	resp, err := http.Get(fmt.Sprintf("http://%s/nope", m.Addr()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
