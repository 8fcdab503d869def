package viewer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/proto"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/internal/world"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/netevents"
)

// DefaultSessionBuffer bounds the per-session outbound frame buffer.
const DefaultSessionBuffer = 64

const (
	sessionsMetricKey        = "hub_sessions"
	framesMetricKey          = "hub_frames_total"
	overrunsMetricKey        = "hub_session_overruns_total"
	orphanedRepliesMetricKey = "hub_orphaned_replies_total"
)

// Session is one attached viewer connection. The transport owns exactly
// one writer goroutine draining Frames; the hub is the only producer.
type Session struct {
	id        uint64
	transport string
	remote    string
	out       chan []byte

	// Guarded by the hub mutex.
	streams map[string]bool
	kinds   map[string]bool
}

// ID reports the hub-assigned session identifier used as the correlation
// origin for control requests.
func (s *Session) ID() uint64 {
	return s.id
}

// Frames is the session's outbound frame stream. It is closed when the
// session detaches; the transport must drain it until then.
func (s *Session) Frames() <-chan []byte {
	return s.out
}

// Actor identifies the session in structured log events.
func (s *Session) Actor() logging.EntityRef {
	return logging.EntityRef{ID: fmt.Sprintf("session-%d", s.id), Kind: logging.EntityKindSession}
}

// HubConfig carries hub construction parameters.
type HubConfig struct {
	// Mode selects the control profile advertised to clients.
	Mode loop.Mode
	// SessionBuffer bounds each session's outbound channel. Values below
	// one fall back to DefaultSessionBuffer.
	SessionBuffer int
	Logger        telemetry.Logger
	Metrics       telemetry.Metrics
	Publisher     logging.Publisher
}

// Hub owns all attached sessions and fans loop output out to them. It is
// the loop's emitter: publishes never block on client I/O, and a session
// whose buffer overruns is detached rather than stalling the loop.
type Hub struct {
	mode      loop.Mode
	buffer    int
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher

	nextID atomic.Uint64

	mu       sync.Mutex
	sessions map[uint64]*Session
	lastSnap world.Snapshot

	overruns uint64
	orphaned uint64
}

// NewHub creates a hub with no attached sessions.
func NewHub(cfg HubConfig) *Hub {
	buffer := cfg.SessionBuffer
	if buffer < 1 {
		buffer = DefaultSessionBuffer
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Hub{
		mode:      cfg.Mode,
		buffer:    buffer,
		logger:    cfg.Logger,
		metrics:   metrics,
		publisher: publisher,
		sessions:  make(map[uint64]*Session),
	}
}

// Mode reports the runtime mode, from which transports derive the
// advertised control profile.
func (h *Hub) Mode() loop.Mode {
	return h.mode
}

// Attach registers a new session. New sessions start subscribed to every
// stream with no event-kind filter; subscribe requests replace that set.
func (h *Hub) Attach(transport, remote string) *Session {
	s := &Session{
		id:        h.nextID.Add(1),
		transport: transport,
		remote:    remote,
		out:       make(chan []byte, h.buffer),
		streams: map[string]bool{
			proto.StreamSnapshot: true,
			proto.StreamEvents:   true,
			proto.StreamMetrics:  true,
		},
		kinds: map[string]bool{},
	}

	h.mu.Lock()
	h.sessions[s.id] = s
	count := len(h.sessions)
	h.mu.Unlock()

	h.metrics.Store(sessionsMetricKey, uint64(count))
	netevents.SessionOpened(context.Background(), h.publisher, s.Actor(), netevents.SessionPayload{
		Transport: transport,
		Remote:    remote,
	})
	return s
}

// Detach removes a session and closes its frame stream. Safe to call more
// than once; later calls are no-ops.
func (h *Hub) Detach(s *Session, reason string) {
	if s == nil {
		return
	}
	h.mu.Lock()
	if _, ok := h.sessions[s.id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	count := len(h.sessions)
	close(s.out)
	h.mu.Unlock()

	h.metrics.Store(sessionsMetricKey, uint64(count))
	netevents.SessionClosed(context.Background(), h.publisher, s.Actor(), netevents.SessionPayload{
		Transport: s.transport,
		Remote:    s.remote,
		Reason:    reason,
	})
}

// Subscribe replaces the session's stream subscriptions and event-kind
// filter. An empty kind list admits every event kind.
func (h *Hub) Subscribe(s *Session, streams, kinds []string) error {
	next := make(map[string]bool, len(streams))
	for _, stream := range streams {
		switch stream {
		case proto.StreamSnapshot, proto.StreamEvents, proto.StreamMetrics:
			next[stream] = true
		default:
			return fmt.Errorf("unknown stream %q", stream)
		}
	}
	filter := make(map[string]bool, len(kinds))
	for _, kind := range kinds {
		filter[kind] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return fmt.Errorf("session %d detached", s.id)
	}
	s.streams = next
	s.kinds = filter
	return nil
}

// Send queues one pre-encoded frame for a single session. It reports
// false when the session is detached or overruns its buffer.
func (h *Hub) Send(s *Session, frame []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[s.id]; !ok {
		return false
	}
	return h.sendLocked(s, frame)
}

// SnapshotReply encodes the most recently published world state as a
// direct reply carrying the request's correlation seq. It never touches
// the loop.
func (h *Hub) SnapshotReply(seq uint64) ([]byte, error) {
	h.mu.Lock()
	snap := h.lastSnap
	h.mu.Unlock()
	return proto.EncodeSnapshot(proto.Snapshot{
		Tick:   snap.Tick,
		Mode:   h.mode.String(),
		Agents: snap.Agents,
		Seq:    seq,
	})
}

// PublishSnapshot broadcasts a world snapshot to snapshot subscribers.
// When the snapshot answers a specific request, the requesting session
// receives a seq-stamped copy instead of the broadcast frame.
func (h *Hub) PublishSnapshot(snap world.Snapshot, origin loop.Origin) {
	broadcast, err := proto.EncodeSnapshot(proto.Snapshot{
		Tick:   snap.Tick,
		Mode:   h.mode.String(),
		Agents: snap.Agents,
	})
	if err != nil {
		h.logf("failed to encode snapshot frame: %v", err)
		return
	}
	var direct []byte
	if !origin.Zero() {
		direct, err = proto.EncodeSnapshot(proto.Snapshot{
			Tick:   snap.Tick,
			Mode:   h.mode.String(),
			Agents: snap.Agents,
			Seq:    origin.Seq,
		})
		if err != nil {
			h.logf("failed to encode snapshot reply: %v", err)
			return
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSnap = snap
	for _, s := range h.sessions {
		if direct != nil && s.id == origin.Session {
			h.sendLocked(s, direct)
			continue
		}
		if s.streams[proto.StreamSnapshot] {
			h.sendLocked(s, broadcast)
		}
	}
}

// PublishEvent broadcasts one incremental event to events subscribers
// whose kind filter admits it.
func (h *Hub) PublishEvent(ev loop.Event) {
	frame, err := proto.EncodeEvent(eventFrame(ev))
	if err != nil {
		h.logf("failed to encode event frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if !s.streams[proto.StreamEvents] {
			continue
		}
		if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
			continue
		}
		h.sendLocked(s, frame)
	}
}

// PublishMetrics broadcasts a metrics report to metrics subscribers.
func (h *Hub) PublishMetrics(report loop.MetricsReport) {
	frame, err := proto.EncodeMetrics(proto.Metrics{
		Time: report.Time,
		Metrics: proto.MetricsBody{
			TotalTicks:       report.TotalTicks,
			TotalAgents:      report.TotalAgents,
			TotalActions:     report.TotalActions,
			QueueDepth:       report.QueueDepth,
			QueueCapacity:    report.QueueCapacity,
			MergedTotal:      report.Backpressure.Merged,
			DroppedTotal:     report.Backpressure.Dropped,
			EvictedTotal:     report.Backpressure.Evicted,
			OverloadTimeouts: report.Backpressure.OverloadTimeouts,
			MaxDepthObserved: report.Backpressure.MaxDepthObserved,
		},
	})
	if err != nil {
		h.logf("failed to encode metrics frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range h.sessions {
		if s.streams[proto.StreamMetrics] {
			h.sendLocked(s, frame)
		}
	}
}

// PublishError routes a deferred error back to the requesting session by
// its correlation origin. Errors for detached sessions are dropped.
func (h *Hub) PublishError(origin loop.Origin, kind, message string) {
	frame, err := proto.EncodeError(proto.ErrorFrame{
		Seq:     origin.Seq,
		Kind:    kind,
		Message: message,
	})
	if err != nil {
		h.logf("failed to encode error frame: %v", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[origin.Session]
	if !ok {
		h.orphaned++
		h.metrics.Add(orphanedRepliesMetricKey, 1)
		return
	}
	h.sendLocked(s, frame)
}

// HubDiagnostics summarizes session state for the diagnostics endpoint.
type HubDiagnostics struct {
	Sessions        int    `json:"sessions"`
	LastTick        uint64 `json:"last_tick"`
	SessionOverruns uint64 `json:"session_overruns_total"`
	OrphanedReplies uint64 `json:"orphaned_replies_total"`
}

// DiagnosticsSnapshot copies hub counters for the diagnostics endpoint.
func (h *Hub) DiagnosticsSnapshot() HubDiagnostics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HubDiagnostics{
		Sessions:        len(h.sessions),
		LastTick:        h.lastSnap.Tick,
		SessionOverruns: h.overruns,
		OrphanedReplies: h.orphaned,
	}
}

// SessionCount reports the number of attached sessions.
func (h *Hub) SessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// sendLocked queues a frame without blocking. A session that cannot keep
// up is detached so a stalled client never backs the loop up; its writer
// drains whatever was already buffered, then its transport closes.
func (h *Hub) sendLocked(s *Session, frame []byte) bool {
	select {
	case s.out <- frame:
		h.metrics.Add(framesMetricKey, 1)
		return true
	default:
	}

	delete(h.sessions, s.id)
	close(s.out)
	h.overruns++
	h.metrics.Add(overrunsMetricKey, 1)
	h.metrics.Store(sessionsMetricKey, uint64(len(h.sessions)))
	h.logf("detaching session-%d: send buffer overrun", s.id)
	netevents.SessionClosed(context.Background(), h.publisher, s.Actor(), netevents.SessionPayload{
		Transport: s.transport,
		Remote:    s.remote,
		Reason:    "send buffer overrun",
	})
	return false
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

// eventFrame maps a loop event onto its wire shape, setting only the
// fields meaningful for the kind.
func eventFrame(ev loop.Event) proto.Event {
	out := proto.Event{Kind: ev.Kind, Tick: ev.Tick}
	switch ev.Kind {
	case loop.EventTickApplied:
		out.Source = ev.Source
		out.Actions = ev.Actions
	case loop.EventSeekApplied:
		out.Target = ev.Target
	case loop.EventPlayChanged:
		playing := ev.Playing
		out.Playing = &playing
	}
	return out
}
