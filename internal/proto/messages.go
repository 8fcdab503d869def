package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agent-world/viewer/internal/world"
)

// ErrVersionMismatch reports a handshake carrying a protocol version this
// server does not speak.
var ErrVersionMismatch = errors.New("unsupported protocol version")

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1

	// Type identifiers for outbound frames.
	typeHelloAck = "hello_ack"
	typeAck      = "ack"
	typeError    = "error"
	typeSnapshot = "snapshot"
	typeEvent    = "event"
	typeMetrics  = "metrics"
)

// Client frame type identifiers.
const (
	TypeHello           = "hello"
	TypeSubscribe       = "subscribe"
	TypeRequestSnapshot = "request_snapshot"
	TypeControl         = "control"
)

// Exported aliases for outbound frame type identifiers.
const (
	TypeHelloAck = typeHelloAck
	TypeAck      = typeAck
	TypeError    = typeError
	TypeSnapshot = typeSnapshot
	TypeEvent    = typeEvent
	TypeMetrics  = typeMetrics
)

// Control modes carried by control frames.
const (
	ModePlay  = "play"
	ModePause = "pause"
	ModeStep  = "step"
	ModeSeek  = "seek"
)

// Stream names accepted by subscribe frames.
const (
	StreamSnapshot = "snapshot"
	StreamEvents   = "events"
	StreamMetrics  = "metrics"
)

// Error kinds carried by error frames.
const (
	ErrorInvalidArgument      = "invalid_argument"
	ErrorOutOfRange           = "out_of_range"
	ErrorOverload             = "overload"
	ErrorConsensusUnavailable = "consensus_unavailable"
	ErrorTransport            = "transport"
	ErrorCancelled            = "cancelled"
)

// ClientFrame captures one inbound request line. Only the fields relevant
// to Type (and Mode, for control frames) are set; pointer fields
// distinguish absent from zero.
type ClientFrame struct {
	Ver        int      `json:"protocol_version,omitempty"`
	Type       string   `json:"type"`
	Seq        uint64   `json:"seq,omitempty"`
	Mode       string   `json:"mode,omitempty"`
	Count      *int     `json:"count,omitempty"`
	Tick       *uint64  `json:"tick,omitempty"`
	Streams    []string `json:"streams,omitempty"`
	EventKinds []string `json:"event_kinds,omitempty"`
}

// DecodeClientFrame parses one request line. A missing protocol version
// defaults to the current one; any other version is refused.
func DecodeClientFrame(payload []byte) (ClientFrame, error) {
	var frame ClientFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return frame, err
	}
	if frame.Ver == 0 {
		frame.Ver = Version
	}
	if frame.Ver != Version {
		return frame, fmt.Errorf("%w %d", ErrVersionMismatch, frame.Ver)
	}
	return frame, nil
}

// HelloAck answers a handshake with the negotiated control profile.
type HelloAck struct {
	Type           string `json:"type"`
	Ver            int    `json:"protocol_version"`
	ControlProfile string `json:"control_profile"`
	Seq            uint64 `json:"seq,omitempty"`
}

// EncodeHelloAck renders a handshake acknowledgement frame.
func EncodeHelloAck(msg HelloAck) ([]byte, error) {
	msg.Type = typeHelloAck
	msg.Ver = Version
	return json.Marshal(msg)
}

// Ack reports synchronous acceptance of a request, distinct from its
// eventual result.
type Ack struct {
	Type string `json:"type"`
	Seq  uint64 `json:"seq,omitempty"`
}

// EncodeAck renders an acceptance frame.
func EncodeAck(msg Ack) ([]byte, error) {
	msg.Type = typeAck
	return json.Marshal(msg)
}

// ErrorFrame reports a rejected or failed request to its sender.
type ErrorFrame struct {
	Type    string `json:"type"`
	Seq     uint64 `json:"seq,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
}

// EncodeError renders an error frame.
func EncodeError(msg ErrorFrame) ([]byte, error) {
	msg.Type = typeError
	return json.Marshal(msg)
}

// Snapshot carries the full world state. Seq is set only on direct
// request_snapshot replies.
type Snapshot struct {
	Type   string        `json:"type"`
	Tick   uint64        `json:"tick"`
	Mode   string        `json:"mode,omitempty"`
	Agents []world.Agent `json:"agents"`
	Seq    uint64        `json:"seq,omitempty"`
}

// EncodeSnapshot renders a snapshot frame. A nil agent list renders as an
// empty array so clients can index it unconditionally.
func EncodeSnapshot(msg Snapshot) ([]byte, error) {
	msg.Type = typeSnapshot
	if msg.Agents == nil {
		msg.Agents = []world.Agent{}
	}
	return json.Marshal(msg)
}

// Event carries one incremental world event. Source and Actions are set
// for tick_applied, Target for seek_applied, Playing for play_changed.
type Event struct {
	Type    string `json:"type"`
	Kind    string `json:"kind"`
	Tick    uint64 `json:"tick"`
	Source  string `json:"source,omitempty"`
	Actions int    `json:"actions,omitempty"`
	Target  uint64 `json:"target,omitempty"`
	Playing *bool  `json:"playing,omitempty"`
}

// EncodeEvent renders an event frame.
func EncodeEvent(msg Event) ([]byte, error) {
	msg.Type = typeEvent
	return json.Marshal(msg)
}

// MetricsBody aggregates runtime totals and queue backpressure counters.
type MetricsBody struct {
	TotalTicks       uint64 `json:"total_ticks"`
	TotalAgents      int    `json:"total_agents"`
	TotalActions     uint64 `json:"total_actions"`
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	MergedTotal      uint64 `json:"merged_total"`
	DroppedTotal     uint64 `json:"dropped_total"`
	EvictedTotal     uint64 `json:"evicted_total"`
	OverloadTimeouts uint64 `json:"overload_timeouts_total"`
	MaxDepthObserved uint64 `json:"max_depth_observed"`
}

// Metrics is the periodic metrics report frame.
type Metrics struct {
	Type    string      `json:"type"`
	Time    time.Time   `json:"time"`
	Metrics MetricsBody `json:"metrics"`
}

// EncodeMetrics renders a metrics frame with the timestamp normalized
// to UTC.
func EncodeMetrics(msg Metrics) ([]byte, error) {
	msg.Type = typeMetrics
	msg.Time = msg.Time.UTC()
	return json.Marshal(msg)
}
