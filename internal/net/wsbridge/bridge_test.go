package wsbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"agent-world/viewer"
	"agent-world/viewer/internal/control"
	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/net/lineserver"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/internal/world"
)

type bridgeFixture struct {
	hub    *viewer.Hub
	queue  *loop.Queue
	server *httptest.Server
}

func startBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	hub := viewer.NewHub(viewer.HubConfig{Mode: loop.ModeScripted, SessionBuffer: 16})
	queue := loop.NewQueue(loop.QueueConfig{Capacity: 16})

	upstream, err := lineserver.New(lineserver.Config{
		Hub:     hub,
		Control: control.Context{Mode: loop.ModeScripted, Enqueue: queue.Enqueue},
	})
	if err != nil {
		t.Fatalf("failed to construct line server: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- upstream.Serve(ctx, ln) }()

	handler := NewHandler(Config{
		UpstreamAddr: ln.Addr().String(),
		Hub:          hub,
		Counters:     telemetry.NewCounters(),
	})
	server := httptest.NewServer(handler)

	t.Cleanup(func() {
		server.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("line server did not stop")
		}
	})

	return &bridgeFixture{hub: hub, queue: queue, server: server}
}

func (f *bridgeFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, line string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		t.Fatalf("failed to send %q: %v", line, err)
	}
}

func wsRecv(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("failed to decode frame %s: %v", payload, err)
	}
	return decoded
}

func waitForSessionCount(t *testing.T, hub *viewer.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.SessionCount() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %d sessions, have %d", want, hub.SessionCount())
}

func TestBridgeRelaysRequestsAndResponses(t *testing.T) {
	f := startBridgeFixture(t)
	conn := f.dial(t)

	wsSend(t, conn, `{"type":"hello","seq":1,"protocol_version":1}`)
	ack := wsRecv(t, conn)
	if ack["type"] != "hello_ack" || ack["control_profile"] != "playback" {
		t.Fatalf("unexpected hello_ack %v", ack)
	}

	wsSend(t, conn, `{"type":"control","mode":"step","count":2,"seq":7}`)
	reply := wsRecv(t, conn)
	if reply["type"] != "ack" || reply["seq"] != float64(7) {
		t.Fatalf("expected ack seq 7, got %v", reply)
	}

	sig, ok := f.queue.TryNext()
	if !ok || sig.Kind != loop.KindStepRequested || sig.Count != 2 {
		t.Fatalf("expected queued step signal, got %+v ok=%v", sig, ok)
	}
}

func TestBridgeDeliversBroadcasts(t *testing.T) {
	f := startBridgeFixture(t)
	conn := f.dial(t)
	waitForSessionCount(t, f.hub, 1)

	f.hub.PublishEvent(loop.Event{Kind: loop.EventTickApplied, Tick: 9, Source: loop.TickSourceScripted, Actions: 3})

	frame := wsRecv(t, conn)
	if frame["type"] != "event" || frame["kind"] != "tick_applied" {
		t.Fatalf("unexpected frame %v", frame)
	}
	if frame["tick"] != float64(9) {
		t.Fatalf("expected tick 9, got %v", frame["tick"])
	}
}

func TestBridgeIsolatesClientFailures(t *testing.T) {
	f := startBridgeFixture(t)
	first := f.dial(t)
	second := f.dial(t)
	waitForSessionCount(t, f.hub, 2)

	// Abruptly drop the first client; its relay pair tears down alone.
	first.Close()
	waitForSessionCount(t, f.hub, 1)

	f.hub.PublishEvent(loop.Event{Kind: loop.EventTickApplied, Tick: 3, Source: loop.TickSourceScripted})
	frame := wsRecv(t, second)
	if frame["type"] != "event" || frame["tick"] != float64(3) {
		t.Fatalf("surviving client missed the broadcast: %v", frame)
	}
}

func TestBridgeHealthAndDiagnostics(t *testing.T) {
	f := startBridgeFixture(t)

	resp, err := http.Get(f.server.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", resp.StatusCode)
	}

	diag, err := http.Get(f.server.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics request failed: %v", err)
	}
	defer diag.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(diag.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected diagnostics payload %v", payload)
	}
	if _, ok := payload["hub"]; !ok {
		t.Fatalf("diagnostics missing hub section: %v", payload)
	}
}

func TestBridgeDiagnosticsIncludesLoopState(t *testing.T) {
	queue := loop.NewQueue(loop.QueueConfig{Capacity: 8})
	w := world.New(world.Config{AgentCount: 2, Seed: 5})
	l, err := loop.New(loop.Config{Mode: loop.ModeScripted, World: w, Queue: queue})
	if err != nil {
		t.Fatalf("failed to construct loop: %v", err)
	}

	handler := NewHandler(Config{
		UpstreamAddr: "127.0.0.1:0",
		Loop:         l,
		Counters:     telemetry.NewCounters(),
	})
	server := httptest.NewServer(handler)
	defer server.Close()

	resp, err := http.Get(server.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics request failed: %v", err)
	}
	defer resp.Body.Close()
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("failed to decode diagnostics: %v", err)
	}
	if payload["mode"] != "scripted" || payload["loop_state"] != "idle" {
		t.Fatalf("unexpected loop fields %v", payload)
	}
	if payload["queue_capacity"] != float64(8) {
		t.Fatalf("expected queue capacity 8, got %v", payload["queue_capacity"])
	}
}

func TestBridgeReportsUpstreamUnavailable(t *testing.T) {
	// No listener behind this address; the dial must fail fast.
	handler := NewHandler(Config{UpstreamAddr: "127.0.0.1:1"})
	server := httptest.NewServer(handler)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial %s: %v", url, err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected the relay to close the connection")
	}
}
