package netevents

import (
	"context"

	"agent-world/viewer/logging"
)

const (
	// EventSessionOpened is emitted when a viewer session attaches to a transport.
	EventSessionOpened logging.EventType = "network.session_opened"
	// EventSessionClosed is emitted when a viewer session detaches.
	EventSessionClosed logging.EventType = "network.session_closed"
	// EventDecodeFailed is emitted when an inbound frame cannot be decoded.
	EventDecodeFailed logging.EventType = "network.decode_failed"
	// EventBridgeFault is emitted when the websocket relay loses one of its legs.
	EventBridgeFault logging.EventType = "network.bridge_fault"
)

// SessionPayload captures transport identity for lifecycle events.
type SessionPayload struct {
	Transport string `json:"transport"`
	Remote    string `json:"remote,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SessionOpened publishes a session attach event.
func SessionOpened(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionOpened,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// SessionClosed publishes a session detach event.
func SessionClosed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionClosed,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// DecodeFailedPayload captures a malformed inbound frame.
type DecodeFailedPayload struct {
	Transport string `json:"transport"`
	Error     string `json:"error"`
}

// DecodeFailed publishes a warning for a frame the session could not parse.
func DecodeFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload DecodeFailedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventDecodeFailed,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}

// BridgeFaultPayload captures a relay leg failure.
type BridgeFaultPayload struct {
	Direction string `json:"direction"`
	Error     string `json:"error"`
}

// BridgeFault publishes a warning when one leg of the websocket relay fails.
func BridgeFault(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload BridgeFaultPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBridgeFault,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryNetwork,
		Payload:  payload,
	})
}
