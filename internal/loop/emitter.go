package loop

import (
	"time"

	"agent-world/viewer/internal/world"
)

// Event kinds published on the events stream.
const (
	EventTickApplied = "tick_applied"
	EventSeekApplied = "seek_applied"
	EventPlayChanged = "play_changed"
	EventShutdown    = "shutdown"
)

// Tick source labels carried by tick_applied events.
const (
	TickSourceConsensus = "consensus"
	TickSourceScripted  = "scripted"
	TickSourceStep      = "step"
)

// Deferred error kinds routed back to a requester by correlation token.
// Values match the wire protocol's error kinds.
const (
	RejectOutOfRange           = "out_of_range"
	RejectCancelled            = "cancelled"
	RejectConsensusUnavailable = "consensus_unavailable"
)

// Event is an incremental world event emitted by the loop. Source and
// Actions are set for tick_applied, Target for seek_applied, Playing for
// play_changed.
type Event struct {
	Kind    string
	Tick    uint64
	Source  string
	Actions int
	Target  uint64
	Playing bool
}

// MetricsReport aggregates world totals and queue backpressure counters.
type MetricsReport struct {
	Time          time.Time
	TotalTicks    uint64
	TotalAgents   int
	TotalActions  uint64
	QueueDepth    int
	QueueCapacity int
	Backpressure  BackpressureStats
}

// Emitter receives everything the loop publishes. The hub implements it;
// implementations must not block, must not call back into the loop, and
// receive snapshot copies they may retain.
type Emitter interface {
	PublishSnapshot(snap world.Snapshot, origin Origin)
	PublishEvent(ev Event)
	PublishMetrics(report MetricsReport)
	PublishError(origin Origin, kind, message string)
}

// NopEmitter discards all published output.
type NopEmitter struct{}

func (NopEmitter) PublishSnapshot(world.Snapshot, Origin) {}
func (NopEmitter) PublishEvent(Event) {}
func (NopEmitter) PublishMetrics(MetricsReport) {}
func (NopEmitter) PublishError(Origin, string, string) {}
