package loopevents

import (
	"context"

	"agent-world/viewer/logging"
)

const (
	// EventStateChanged is emitted when the main loop transitions between states.
	EventStateChanged logging.EventType = "loop.state_changed"
	// EventSignalDropped is emitted when a best-effort signal is discarded on overflow.
	EventSignalDropped logging.EventType = "loop.signal_dropped"
	// EventSignalEvicted is emitted when a best-effort entry is evicted for a must-deliver arrival.
	EventSignalEvicted logging.EventType = "loop.signal_evicted"
	// EventOverloadWait is emitted when a producer's bounded wait on a full queue times out.
	EventOverloadWait logging.EventType = "loop.overload_wait"
	// EventSeekRejected is emitted when a seek target falls outside the known tick window.
	EventSeekRejected logging.EventType = "loop.seek_rejected"
	// EventBatchDiscarded is emitted when a committed batch payload cannot be applied.
	EventBatchDiscarded logging.EventType = "loop.batch_discarded"
	// EventShutdown is emitted once when the loop finishes draining and exits.
	EventShutdown logging.EventType = "loop.shutdown"
)

// StateChangedPayload captures a loop state transition.
type StateChangedPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// StateChanged publishes a loop state transition.
func StateChanged(ctx context.Context, pub logging.Publisher, tick uint64, payload StateChangedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStateChanged,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLoop,
		Payload:  payload,
	})
}

// SignalDroppedPayload captures an overflow drop of a best-effort signal.
type SignalDroppedPayload struct {
	Kind         string `json:"kind"`
	DroppedTotal uint64 `json:"droppedTotal"`
}

// SignalDropped publishes a warning for a best-effort signal lost to overflow.
func SignalDropped(ctx context.Context, pub logging.Publisher, tick uint64, payload SignalDroppedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSignalDropped,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLoop,
		Payload:  payload,
	})
}

// SignalEvictedPayload captures an eviction made to admit a must-deliver signal.
type SignalEvictedPayload struct {
	EvictedKind string `json:"evictedKind"`
	ForKind     string `json:"forKind"`
}

// SignalEvicted publishes a warning when overflow pressure evicts a queued entry.
func SignalEvicted(ctx context.Context, pub logging.Publisher, tick uint64, payload SignalEvictedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSignalEvicted,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLoop,
		Payload:  payload,
	})
}

// OverloadWaitPayload captures a bounded enqueue wait.
type OverloadWaitPayload struct {
	Kind       string `json:"kind"`
	WaitMillis int64  `json:"waitMillis"`
	TimedOut   bool   `json:"timedOut"`
}

// OverloadWait publishes a warning when a must-deliver producer had to wait.
func OverloadWait(ctx context.Context, pub logging.Publisher, tick uint64, payload OverloadWaitPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventOverloadWait,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryLoop,
		Payload:  payload,
	})
}

// SeekRejectedPayload captures an out-of-range seek target.
type SeekRejectedPayload struct {
	Target   uint64 `json:"target"`
	Earliest uint64 `json:"earliest"`
	Latest   uint64 `json:"latest"`
}

// SeekRejected publishes a warning for a seek outside the journal window.
func SeekRejected(ctx context.Context, pub logging.Publisher, tick uint64, payload SeekRejectedPayload, requestID string) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:      EventSeekRejected,
		Tick:      tick,
		Severity:  logging.SeverityWarn,
		Category:  logging.CategoryLoop,
		Payload:   payload,
		RequestID: requestID,
	})
}

// BatchDiscardedPayload captures a committed batch the world refused.
type BatchDiscardedPayload struct {
	Sequence uint64 `json:"sequence"`
	Reason   string `json:"reason"`
}

// BatchDiscarded publishes a warning when a batch payload cannot be decoded or applied.
func BatchDiscarded(ctx context.Context, pub logging.Publisher, tick uint64, payload BatchDiscardedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventBatchDiscarded,
		Tick:     tick,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryConsensus,
		Payload:  payload,
	})
}

// ShutdownPayload summarises the final drain.
type ShutdownPayload struct {
	Reason    string `json:"reason"`
	Discarded int    `json:"discarded"`
	Cancelled int    `json:"cancelled"`
}

// Shutdown publishes the loop's terminal event.
func Shutdown(ctx context.Context, pub logging.Publisher, tick uint64, payload ShutdownPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventShutdown,
		Tick:     tick,
		Severity: logging.SeverityInfo,
		Category: logging.CategoryLoop,
		Payload:  payload,
	})
}
