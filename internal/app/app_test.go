package app

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agent-world/viewer/internal/config"
	"agent-world/viewer/internal/telemetry"
)

func silentLogger() telemetry.Logger {
	return telemetry.LoggerFunc(func(string, ...any) {})
}

func startApp(t *testing.T, settings config.Config) (*App, net.Conn, *bufio.Reader) {
	t.Helper()

	settings.BindAddr = "127.0.0.1:0"
	settings.HTTPAddr = "127.0.0.1:0"

	a, err := New(Config{Settings: settings, Logger: silentLogger()})
	if err != nil {
		t.Fatalf("failed to wire app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("serve did not stop")
		}
	})

	conn, err := net.Dial("tcp", a.LineAddr().String())
	if err != nil {
		t.Fatalf("failed to dial line transport: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return a, conn, bufio.NewReader(conn)
}

func sendLine(t *testing.T, conn net.Conn, line string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("failed to send %q: %v", line, err)
	}
}

func readFrame(t *testing.T, conn net.Conn, reader *bufio.Reader) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	raw, err := reader.ReadBytes('\n')
	if err != nil {
		t.Fatalf("failed to read frame: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("failed to decode frame %s: %v", raw, err)
	}
	return decoded
}

// awaitFrame reads frames until one of the wanted type arrives. Snapshot
// and metrics broadcasts interleave freely with the frame under test.
func awaitFrame(t *testing.T, conn net.Conn, reader *bufio.Reader, wantType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn, reader)
		if frame["type"] == wantType {
			return frame
		}
	}
	t.Fatalf("no %q frame arrived", wantType)
	return nil
}

func TestScriptedSessionEndToEnd(t *testing.T) {
	settings := config.Default()
	settings.TickMS = 10
	_, conn, reader := startApp(t, settings)

	sendLine(t, conn, `{"type":"hello","seq":1}`)
	hello := readFrame(t, conn, reader)
	if hello["type"] != "hello_ack" || hello["control_profile"] != "playback" {
		t.Fatalf("unexpected handshake %v", hello)
	}

	// The initial world state is served before any tick has applied.
	sendLine(t, conn, `{"type":"request_snapshot","seq":2}`)
	snap := readFrame(t, conn, reader)
	if snap["type"] != "snapshot" || snap["seq"] != float64(2) {
		t.Fatalf("unexpected snapshot reply %v", snap)
	}
	if snap["tick"] != float64(0) {
		t.Fatalf("expected the initial tick, got %v", snap["tick"])
	}
	agents, ok := snap["agents"].([]any)
	if !ok || len(agents) != settings.AgentCount {
		t.Fatalf("expected %d agents, got %v", settings.AgentCount, snap["agents"])
	}

	sendLine(t, conn, `{"type":"control","mode":"play","seq":3}`)
	ack := readFrame(t, conn, reader)
	if ack["type"] != "ack" || ack["seq"] != float64(3) {
		t.Fatalf("expected play ack, got %v", ack)
	}

	event := awaitFrame(t, conn, reader, "event")
	if event["kind"] != "play_changed" && event["kind"] != "tick_applied" {
		t.Fatalf("unexpected event %v", event)
	}
	for event["kind"] != "tick_applied" {
		event = awaitFrame(t, conn, reader, "event")
	}
	if event["source"] != "scripted" {
		t.Fatalf("expected scripted ticks, got %v", event)
	}
}

func TestConsensusSessionEndToEnd(t *testing.T) {
	settings := config.Default()
	settings.Mode = "consensus"
	settings.TickMS = 10
	settings.Seed = 7
	_, conn, reader := startApp(t, settings)

	sendLine(t, conn, `{"type":"hello","seq":1}`)
	hello := readFrame(t, conn, reader)
	if hello["control_profile"] != "live" {
		t.Fatalf("expected live profile, got %v", hello)
	}

	sendLine(t, conn, `{"type":"control","mode":"play","seq":2}`)
	ack := readFrame(t, conn, reader)
	if ack["type"] != "ack" {
		t.Fatalf("expected ack, got %v", ack)
	}

	event := awaitFrame(t, conn, reader, "event")
	for event["kind"] != "tick_applied" {
		event = awaitFrame(t, conn, reader, "event")
	}
	if event["source"] != "consensus" {
		t.Fatalf("expected consensus ticks, got %v", event)
	}
}

func TestNewRejectsUnusableBindAddr(t *testing.T) {
	settings := config.Default()
	settings.BindAddr = "definitely-not-an-address"
	settings.HTTPAddr = "127.0.0.1:0"

	if _, err := New(Config{Settings: settings, Logger: silentLogger()}); err == nil {
		t.Fatal("expected a bind error")
	}
}

func TestAppWritesJSONLogWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "viewer.ndjson")
	t.Setenv("VIEWER_LOG_JSON_PATH", path)

	settings := config.Default()
	settings.BindAddr = "127.0.0.1:0"
	settings.HTTPAddr = "127.0.0.1:0"

	a, err := New(Config{Settings: settings, Logger: silentLogger()})
	if err != nil {
		t.Fatalf("failed to wire app: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not stop")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read structured log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatalf("expected structured events in %s", path)
	}
	for _, line := range lines {
		var event map[string]any
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("log line %q is not JSON: %v", line, err)
		}
		if event["type"] == nil || event["type"] == "" {
			t.Fatalf("expected a typed event, got %q", line)
		}
	}
}
