package consensus

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/consensusevents"
)

const (
	pendingDepthMetricKey  = "consensus_pending_depth"
	batchesObservedMetric  = "consensus_batches_observed_total"
	notifyRetriesMetricKey = "consensus_notify_retries_total"
	adapterClosedMetricKey = "consensus_source_closed_total"
)

// AdapterConfig wires the adapter to its source and to the event queue via
// callbacks, keeping this package free of loop types.
type AdapterConfig struct {
	Source Source
	// WaitTimeout bounds each AwaitNextBatch call; timeouts re-wait.
	WaitTimeout time.Duration
	// Notify enqueues a consensus-committed signal carrying the latest
	// observed sequence. A nil return accepts the notification; any error
	// is retried until accepted.
	Notify func(sequence uint64) error
	// SourceClosed propagates the terminal shutdown signal.
	SourceClosed func()
	Logger       telemetry.Logger
	Publisher    logging.Publisher
	Metrics      telemetry.Metrics
}

// Adapter runs the blocking await loop over a commit source. Arriving
// batches are stashed in a pending buffer and announced through a
// coalesced notification; the main loop drains the buffer with TakeBatch,
// which is what keeps merged notifications lossless.
type Adapter struct {
	source       Source
	waitTimeout  time.Duration
	retryBackoff time.Duration
	notify       func(uint64) error
	sourceClosed func()
	logger       telemetry.Logger
	publisher    logging.Publisher
	metrics      telemetry.Metrics

	mu      sync.Mutex
	pending []Batch
}

// NewAdapter constructs an adapter; Run starts the await loop.
func NewAdapter(cfg AdapterConfig) *Adapter {
	waitTimeout := cfg.WaitTimeout
	if waitTimeout <= 0 {
		waitTimeout = 50 * time.Millisecond
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Adapter{
		source:       cfg.Source,
		waitTimeout:  waitTimeout,
		retryBackoff: 10 * time.Millisecond,
		notify:       cfg.Notify,
		sourceClosed: cfg.SourceClosed,
		logger:       cfg.Logger,
		publisher:    publisher,
		metrics:      metrics,
	}
}

// Run blocks on the source until it closes or the context is cancelled.
// Timeouts are routine and trigger a re-wait.
func (a *Adapter) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := a.source.AwaitNextBatch(a.waitTimeout)
		switch {
		case err == nil:
			a.stash(batch)
			a.announce(ctx, batch.Sequence)
		case errors.Is(err, ErrTimeout):
			continue
		case errors.Is(err, ErrClosed):
			a.reportClosed("source closed")
			return
		default:
			a.reportClosed(err.Error())
			return
		}
	}
}

// TakeBatch pops the oldest pending batch. The main loop calls it until
// exhausted whenever a committed notification drains.
func (a *Adapter) TakeBatch() (Batch, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return Batch{}, false
	}
	batch := a.pending[0]
	copy(a.pending, a.pending[1:])
	a.pending = a.pending[:len(a.pending)-1]
	a.metrics.Store(pendingDepthMetricKey, uint64(len(a.pending)))
	return batch, true
}

// PendingLen reports the number of stashed, unconsumed batches.
func (a *Adapter) PendingLen() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (a *Adapter) stash(batch Batch) {
	a.mu.Lock()
	a.pending = append(a.pending, batch)
	depth := len(a.pending)
	a.mu.Unlock()
	a.metrics.Add(batchesObservedMetric, 1)
	a.metrics.Store(pendingDepthMetricKey, uint64(depth))
}

// announce retries the coalesced notification until the queue accepts it.
// The batch itself is already safe in the pending buffer, so retrying the
// wake-up cannot duplicate data.
func (a *Adapter) announce(ctx context.Context, sequence uint64) {
	if a.notify == nil {
		return
	}
	for {
		err := a.notify(sequence)
		if err == nil {
			return
		}
		a.metrics.Add(notifyRetriesMetricKey, 1)
		if a.logger != nil {
			a.logger.Printf("commit notification rejected (seq=%d): %v", sequence, err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(a.retryBackoff):
		}
	}
}

func (a *Adapter) reportClosed(reason string) {
	a.metrics.Add(adapterClosedMetricKey, 1)
	if a.logger != nil {
		a.logger.Printf("commit source terminated: %s", reason)
	}
	consensusevents.SourceClosed(context.Background(), a.publisher, consensusevents.SourceClosedPayload{Reason: reason})
	if a.sourceClosed != nil {
		a.sourceClosed()
	}
}
