package consensusevents

import (
	"context"

	"agent-world/viewer/logging"
)

const (
	// EventSourceClosed is emitted once when the commit source terminates.
	EventSourceClosed logging.EventType = "consensus.source_closed"
)

// SourceClosedPayload captures why the commit stream ended.
type SourceClosedPayload struct {
	Reason string `json:"reason"`
}

// SourceClosed publishes the terminal commit source event.
func SourceClosed(ctx context.Context, pub logging.Publisher, payload SourceClosedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSourceClosed,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryConsensus,
		Actor:    logging.EntityRef{Kind: logging.EntityKindConsensus},
		Payload:  payload,
	})
}
