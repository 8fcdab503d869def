package loop

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"agent-world/viewer/internal/consensus"
	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/internal/world"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/loopevents"
)

// State enumerates the main loop phases exposed for diagnostics.
type State uint32

const (
	StateIdle State = iota
	StatePlaying
	StateStepping
	StateSeeking
	StateShuttingDown
)

// String renders the state for logs and diagnostics.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePlaying:
		return "playing"
	case StateStepping:
		return "stepping"
	case StateSeeking:
		return "seeking"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Mode selects the authority that advances world ticks.
type Mode uint8

const (
	// ModeScripted advances via the local drive ticker and supports seeks.
	ModeScripted Mode = iota
	// ModeConsensus advances only on committed batches from the source.
	ModeConsensus
)

// String renders the mode for configuration and diagnostics output.
func (m Mode) String() string {
	if m == ModeConsensus {
		return "consensus"
	}
	return "scripted"
}

// ControlProfile names the request surface a mode offers to clients.
// Scripted worlds expose the full playback surface including seeks; a
// consensus-fed world is live and cannot be scrubbed.
func (m Mode) ControlProfile() string {
	if m == ModeConsensus {
		return "live"
	}
	return "playback"
}

// BatchTaker drains batches stashed by the commit source adapter. TakeBatch
// pops the oldest pending batch, reporting false when the buffer is empty.
type BatchTaker interface {
	TakeBatch() (consensus.Batch, bool)
}

// DefaultMetricsEvery is the tick cadence of metrics reports.
const DefaultMetricsEvery = 10

const (
	signalsHandledMetricKey = "loop_signals_handled_total"
	ticksAppliedMetricKey   = "loop_ticks_total"
)

// Config wires the main loop to its collaborators.
type Config struct {
	Mode  Mode
	World *world.World
	Queue *Queue
	// Source supplies committed batches; required in consensus mode.
	Source  BatchTaker
	Emitter Emitter
	Logger  telemetry.Logger
	Metrics telemetry.Metrics
	// Publisher receives structured loop events.
	Publisher logging.Publisher
	Clock     logging.Clock
	// MetricsEvery is the number of applied ticks between metrics reports.
	MetricsEvery uint64
	// StartPlaying launches the loop in Playing instead of Idle.
	StartPlaying bool
}

// stepGrant tracks an outstanding consensus step request so its requester
// can be told when the remaining ticks can never arrive.
type stepGrant struct {
	origin    Origin
	remaining int
}

// Loop is the single writer of world state. It drains the event queue one
// signal at a time and applies every deferred effect on its own goroutine;
// nothing else may touch the World.
type Loop struct {
	mode      Mode
	world     *world.World
	queue     *Queue
	source    BatchTaker
	emitter   Emitter
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	publisher logging.Publisher
	clock     logging.Clock

	metricsEvery uint64

	state   atomic.Uint32
	playing atomic.Bool

	// Loop-goroutine only.
	stepsRemaining   int
	stepGrants       []stepGrant
	ticksSinceReport uint64
}

// New validates the configuration and constructs a loop. Run must be
// called exactly once.
func New(cfg Config) (*Loop, error) {
	if cfg.World == nil {
		return nil, errors.New("loop: world is required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("loop: queue is required")
	}
	if cfg.Mode == ModeConsensus && cfg.Source == nil {
		return nil, errors.New("loop: consensus mode requires a batch source")
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = NopEmitter{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	metricsEvery := cfg.MetricsEvery
	if metricsEvery == 0 {
		metricsEvery = DefaultMetricsEvery
	}
	l := &Loop{
		mode:         cfg.Mode,
		world:        cfg.World,
		queue:        cfg.Queue,
		source:       cfg.Source,
		emitter:      emitter,
		logger:       cfg.Logger,
		metrics:      metrics,
		publisher:    publisher,
		clock:        clock,
		metricsEvery: metricsEvery,
	}
	l.playing.Store(cfg.StartPlaying)
	l.state.Store(uint32(l.deriveState()))
	return l, nil
}

// Mode reports the configured tick authority.
func (l *Loop) Mode() Mode {
	return l.mode
}

// State reports the current phase. Safe from any goroutine.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Playing reports whether autonomous progression is active. Safe from any
// goroutine; the drive ticker gates on it.
func (l *Loop) Playing() bool {
	return l.playing.Load()
}

// Queue exposes the signal queue for producers.
func (l *Loop) Queue() *Queue {
	return l.queue
}

const reasonSourceClosed = "commit source closed"

// Run drains the queue until the context is cancelled, the queue closes,
// or the commit source reports terminal closure. It owns all world
// mutation for its lifetime.
func (l *Loop) Run(ctx context.Context) {
	for {
		sig, err := l.queue.Next(ctx)
		if err != nil {
			reason := "queue closed"
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				reason = "context cancelled"
			}
			l.shutdown(reason)
			return
		}
		if sig.Kind == KindSourceClosed {
			l.shutdown(reasonSourceClosed)
			return
		}
		l.handle(sig)
	}
}

func (l *Loop) handle(sig Signal) {
	l.metrics.Add(signalsHandledMetricKey, 1)
	switch sig.Kind {
	case KindConsensusCommitted:
		l.handleCommitted()
	case KindStepRequested:
		l.handleStep(sig)
	case KindSeekRequested:
		l.handleSeek(sig)
	case KindNonConsensusDrive:
		l.handleDrive()
	case KindPlayToggled:
		l.handlePlay(sig)
	}
}

// handleCommitted consumes the coalesced commit notification. The signal
// only announces availability: the pending buffer is drained to
// exhaustion, so merged notifications never orphan a batch. While paused
// the batches stay buffered until play resumes; while stepping they count
// against the remaining step budget.
func (l *Loop) handleCommitted() {
	if l.source == nil {
		return
	}
	if l.stepsRemaining > 0 {
		l.consumeForStepping()
		return
	}
	if !l.playing.Load() {
		return
	}
	l.drainPending()
}

func (l *Loop) drainPending() {
	for {
		batch, ok := l.source.TakeBatch()
		if !ok {
			return
		}
		l.applyBatch(batch, TickSourceConsensus)
	}
}

// consumeForStepping applies pending batches one per remaining step. When
// the buffer runs dry with steps outstanding the loop simply waits for the
// next commit notification.
func (l *Loop) consumeForStepping() {
	for l.stepsRemaining > 0 {
		batch, ok := l.source.TakeBatch()
		if !ok {
			return
		}
		if l.applyBatch(batch, TickSourceConsensus) {
			l.stepsRemaining--
			l.spendGrant()
		}
	}
	l.finishStepping()
}

// spendGrant charges one applied batch against the oldest outstanding step
// request; a request whose budget is spent is complete and drops off.
func (l *Loop) spendGrant() {
	if len(l.stepGrants) == 0 {
		return
	}
	l.stepGrants[0].remaining--
	if l.stepGrants[0].remaining <= 0 {
		l.stepGrants = l.stepGrants[1:]
	}
}

func (l *Loop) applyBatch(batch consensus.Batch, source string) bool {
	res, err := l.world.ApplyBatch(batch.Payload)
	if err != nil {
		if l.logger != nil {
			l.logger.Printf("discarding committed batch seq=%d: %v", batch.Sequence, err)
		}
		loopevents.BatchDiscarded(context.Background(), l.publisher, l.world.Tick(), loopevents.BatchDiscardedPayload{
			Sequence: batch.Sequence,
			Reason:   err.Error(),
		})
		return false
	}
	l.emitTick(res, source)
	return true
}

func (l *Loop) handleStep(sig Signal) {
	if sig.Count < 1 {
		return
	}
	switch l.mode {
	case ModeScripted:
		l.stepsRemaining = sig.Count
		l.syncState()
		for i := 0; i < sig.Count; i++ {
			res := l.world.AdvanceScripted()
			l.emitTick(res, TickSourceStep)
		}
		l.stepsRemaining = 0
		l.syncState()
	case ModeConsensus:
		// Step requests never merge, so budgets accumulate.
		l.stepsRemaining += sig.Count
		l.stepGrants = append(l.stepGrants, stepGrant{origin: sig.Origin, remaining: sig.Count})
		l.syncState()
		l.consumeForStepping()
	}
}

// finishStepping returns the loop to its prior mode once the step budget
// is spent. Resuming play in consensus mode picks up any batches that
// arrived meanwhile.
func (l *Loop) finishStepping() {
	if l.stepsRemaining != 0 {
		return
	}
	l.syncState()
	if l.playing.Load() && l.mode == ModeConsensus {
		l.drainPending()
	}
}

func (l *Loop) handleSeek(sig Signal) {
	prior := l.deriveState()
	l.setState(StateSeeking)
	snap, err := l.world.SeekTo(sig.Target)
	if err != nil {
		earliest, latest, _ := l.world.Bounds()
		loopevents.SeekRejected(context.Background(), l.publisher, l.world.Tick(), loopevents.SeekRejectedPayload{
			Target:   sig.Target,
			Earliest: earliest,
			Latest:   latest,
		}, sig.Origin.RequestID())
		l.emitter.PublishError(sig.Origin, RejectOutOfRange,
			fmt.Sprintf("tick %d outside known window [%d, %d]", sig.Target, earliest, latest))
		l.setState(prior)
		return
	}
	l.emitter.PublishEvent(Event{Kind: EventSeekApplied, Tick: snap.Tick, Target: sig.Target})
	l.emitter.PublishSnapshot(snap, sig.Origin)
	l.maybePublishMetrics()
	l.setState(prior)
}

func (l *Loop) handleDrive() {
	if l.mode != ModeScripted || l.stepsRemaining > 0 || !l.playing.Load() {
		return
	}
	res := l.world.AdvanceScripted()
	l.emitTick(res, TickSourceScripted)
}

// handlePlay applies a play-state toggle. Toggling to the current state is
// a no-op and emits nothing; a pause additionally cancels any outstanding
// step budget.
func (l *Loop) handlePlay(sig Signal) {
	if sig.Playing == l.playing.Load() {
		if !sig.Playing && l.stepsRemaining > 0 {
			l.stepsRemaining = 0
			l.stepGrants = nil
			l.syncState()
		}
		return
	}
	l.playing.Store(sig.Playing)
	if !sig.Playing {
		l.stepsRemaining = 0
		l.stepGrants = nil
	}
	l.emitter.PublishEvent(Event{Kind: EventPlayChanged, Tick: l.world.Tick(), Playing: sig.Playing})
	l.syncState()
	if sig.Playing && l.mode == ModeConsensus && l.stepsRemaining == 0 {
		l.drainPending()
	}
}

func (l *Loop) emitTick(res world.StepResult, source string) {
	l.metrics.Add(ticksAppliedMetricKey, 1)
	l.emitter.PublishEvent(Event{Kind: EventTickApplied, Tick: res.Tick, Source: source, Actions: res.Actions})
	l.emitter.PublishSnapshot(l.world.Snapshot(), Origin{})
	l.maybePublishMetrics()
}

func (l *Loop) maybePublishMetrics() {
	l.ticksSinceReport++
	if l.ticksSinceReport < l.metricsEvery {
		return
	}
	l.ticksSinceReport = 0
	l.publishMetrics()
}

func (l *Loop) publishMetrics() {
	l.emitter.PublishMetrics(MetricsReport{
		Time:          l.clock.Now(),
		TotalTicks:    l.world.Tick(),
		TotalAgents:   l.world.AgentCount(),
		TotalActions:  l.world.TotalActions(),
		QueueDepth:    l.queue.Len(),
		QueueCapacity: l.queue.Capacity(),
		Backpressure:  l.queue.Stats(),
	})
}

// shutdown closes the queue, drains what is left, answers queued control
// requests with a cancellation, fails outstanding step budgets, and emits
// the terminal event. Best-effort leftovers are discarded silently.
func (l *Loop) shutdown(reason string) {
	l.setState(StateShuttingDown)
	l.queue.Close()

	discarded, cancelled := 0, 0
	for {
		sig, ok := l.queue.TryNext()
		if !ok {
			break
		}
		if sig.mustDeliver() && !sig.Origin.Zero() {
			l.emitter.PublishError(sig.Origin, RejectCancelled, "runtime shutting down")
			cancelled++
			continue
		}
		discarded++
	}

	grantKind, grantWhat := RejectCancelled, "runtime shutting down"
	if reason == reasonSourceClosed {
		grantKind, grantWhat = RejectConsensusUnavailable, "commit stream closed"
	}
	for _, grant := range l.stepGrants {
		if grant.origin.Zero() {
			continue
		}
		l.emitter.PublishError(grant.origin, grantKind,
			fmt.Sprintf("%s with %d steps outstanding", grantWhat, grant.remaining))
		cancelled++
	}
	l.stepGrants = nil

	l.emitter.PublishEvent(Event{Kind: EventShutdown, Tick: l.world.Tick()})
	l.publishMetrics()
	loopevents.Shutdown(context.Background(), l.publisher, l.world.Tick(), loopevents.ShutdownPayload{
		Reason:    reason,
		Discarded: discarded,
		Cancelled: cancelled,
	})
	if l.logger != nil {
		l.logger.Printf("main loop stopped: %s (discarded=%d cancelled=%d)", reason, discarded, cancelled)
	}
}

func (l *Loop) deriveState() State {
	if l.stepsRemaining > 0 {
		return StateStepping
	}
	if l.playing.Load() {
		return StatePlaying
	}
	return StateIdle
}

func (l *Loop) syncState() {
	l.setState(l.deriveState())
}

func (l *Loop) setState(next State) {
	prev := State(l.state.Swap(uint32(next)))
	if prev == next {
		return
	}
	loopevents.StateChanged(context.Background(), l.publisher, l.world.Tick(), loopevents.StateChangedPayload{
		From: prev.String(),
		To:   next.String(),
	})
}
