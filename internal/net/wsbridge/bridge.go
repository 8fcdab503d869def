// Package wsbridge relays browser websocket clients onto the line
// transport and serves the static client bundle plus the health and
// diagnostics endpoints.
package wsbridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	nethttp "net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"agent-world/viewer"
	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/netevents"
)

const (
	dialTimeout  = 5 * time.Second
	writeWait    = 10 * time.Second
	maxLineBytes = 256 * 1024
)

// Config carries bridge construction parameters.
type Config struct {
	// UpstreamAddr is the line server address each websocket client is
	// relayed to.
	UpstreamAddr string
	// ClientDir, when set, is served at the root path.
	ClientDir string
	Hub       *viewer.Hub
	Loop      *loop.Loop
	Counters  *telemetry.Counters
	Logger    telemetry.Logger
	Publisher logging.Publisher
}

// NewHandler builds the bridge's HTTP mux: the websocket relay at /ws,
// /health, /diagnostics, and the optional client bundle at /.
func NewHandler(cfg Config) nethttp.Handler {
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	b := &bridge{
		upstreamAddr: cfg.UpstreamAddr,
		hub:          cfg.Hub,
		loop:         cfg.Loop,
		counters:     cfg.Counters,
		logger:       cfg.Logger,
		publisher:    publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *nethttp.Request) bool {
				return true
			},
		},
	}

	mux := nethttp.NewServeMux()
	mux.HandleFunc("/health", b.handleHealth)
	mux.HandleFunc("/diagnostics", b.handleDiagnostics)
	mux.HandleFunc("/ws", b.handleRelay)
	if cfg.ClientDir != "" {
		mux.Handle("/", nethttp.FileServer(nethttp.Dir(cfg.ClientDir)))
	}
	return mux
}

type bridge struct {
	upstreamAddr string
	hub          *viewer.Hub
	loop         *loop.Loop
	counters     *telemetry.Counters
	logger       telemetry.Logger
	publisher    logging.Publisher
	upgrader     websocket.Upgrader
}

func (b *bridge) handleHealth(w nethttp.ResponseWriter, r *nethttp.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

func (b *bridge) handleDiagnostics(w nethttp.ResponseWriter, r *nethttp.Request) {
	payload := struct {
		Status       string                 `json:"status"`
		ServerTime   string                 `json:"server_time"`
		Mode         string                 `json:"mode,omitempty"`
		LoopState    string                 `json:"loop_state,omitempty"`
		QueueDepth   int                    `json:"queue_depth"`
		QueueCap     int                    `json:"queue_capacity"`
		Backpressure loop.BackpressureStats `json:"backpressure"`
		Hub          viewer.HubDiagnostics  `json:"hub"`
		Counters     map[string]uint64      `json:"counters,omitempty"`
	}{
		Status:     "ok",
		ServerTime: time.Now().UTC().Format(time.RFC3339Nano),
		Counters:   b.counters.Snapshot(),
	}
	if b.loop != nil {
		payload.Mode = b.loop.Mode().String()
		payload.LoopState = b.loop.State().String()
		if queue := b.loop.Queue(); queue != nil {
			payload.QueueDepth = queue.Len()
			payload.QueueCap = queue.Capacity()
			payload.Backpressure = queue.Stats()
		}
	}
	if b.hub != nil {
		payload.Hub = b.hub.DiagnosticsSnapshot()
	}

	data, err := json.Marshal(payload)
	if err != nil {
		nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// handleRelay upgrades the request and pumps frames between the browser
// and a dedicated upstream line connection. Either leg failing tears the
// pair down; other sessions are untouched.
func (b *bridge) handleRelay(w nethttp.ResponseWriter, r *nethttp.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logf("websocket upgrade failed for %s: %v", r.RemoteAddr, err)
		return
	}

	actor := logging.EntityRef{ID: r.RemoteAddr, Kind: logging.EntityKindSession}
	upstream, err := net.DialTimeout("tcp", b.upstreamAddr, dialTimeout)
	if err != nil {
		b.logf("relay dial to %s failed: %v", b.upstreamAddr, err)
		netevents.BridgeFault(context.Background(), b.publisher, actor, netevents.BridgeFaultPayload{
			Direction: "dial",
			Error:     err.Error(),
		})
		message := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "upstream unavailable")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	var once sync.Once
	closeBoth := func() {
		once.Do(func() {
			conn.Close()
			upstream.Close()
		})
	}
	defer closeBoth()

	go b.pumpClientToUpstream(conn, upstream, actor, closeBoth)
	b.pumpUpstreamToClient(conn, upstream, actor)
}

// pumpClientToUpstream forwards websocket text messages as request lines.
func (b *bridge) pumpClientToUpstream(conn *websocket.Conn, upstream net.Conn, actor logging.EntityRef, closeBoth func()) {
	defer closeBoth()
	writer := bufio.NewWriter(upstream)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !isExpectedClose(err) {
				netevents.BridgeFault(context.Background(), b.publisher, actor, netevents.BridgeFaultPayload{
					Direction: "client_read",
					Error:     err.Error(),
				})
			}
			return
		}
		line := bytes.TrimRight(payload, "\r\n")
		if len(line) == 0 {
			continue
		}
		upstream.SetWriteDeadline(time.Now().Add(writeWait))
		if _, err := writer.Write(line); err != nil {
			return
		}
		if err := writer.WriteByte('\n'); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

// pumpUpstreamToClient forwards upstream response lines as websocket
// text messages.
func (b *bridge) pumpUpstreamToClient(conn *websocket.Conn, upstream net.Conn, actor logging.EntityRef) {
	scanner := bufio.NewScanner(upstream)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, scanner.Bytes()); err != nil {
			if !isExpectedClose(err) {
				netevents.BridgeFault(context.Background(), b.publisher, actor, netevents.BridgeFaultPayload{
					Direction: "client_write",
					Error:     err.Error(),
				})
			}
			return
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		netevents.BridgeFault(context.Background(), b.publisher, actor, netevents.BridgeFaultPayload{
			Direction: "upstream_read",
			Error:     err.Error(),
		})
	}
}

// isExpectedClose reports whether an error is ordinary teardown rather
// than a relay fault.
func isExpectedClose(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

func (b *bridge) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}
