package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/logging"
	"agent-world/viewer/logging/loopevents"
)

const (
	queueDepthMetricKey            = "loop_queue_depth"
	queueMergedMetricKey           = "loop_queue_merged_total"
	queueDroppedMetricKey          = "loop_queue_dropped_total"
	queueEvictedMetricKey          = "loop_queue_evicted_total"
	queueOverloadTimeoutsMetricKey = "loop_queue_overload_timeouts_total"
)

var (
	// ErrQueueClosed is returned once the queue has been closed for shutdown.
	ErrQueueClosed = errors.New("event queue closed")
	// ErrOverload is returned to a must-deliver producer whose bounded wait
	// on a full queue expired.
	ErrOverload = errors.New("event queue overloaded")
)

// BackpressureStats are process-lifetime counters owned by the queue.
type BackpressureStats struct {
	Merged           uint64 `json:"merged"`
	Dropped          uint64 `json:"dropped"`
	Evicted          uint64 `json:"evicted"`
	OverloadTimeouts uint64 `json:"overload_timeouts"`
	MaxDepthObserved uint64 `json:"max_depth_observed"`
}

// QueueConfig carries queue construction parameters.
type QueueConfig struct {
	// Capacity bounds the number of queued entries. Values below one fall
	// back to DefaultQueueCapacity.
	Capacity int
	// MaxProducerWait bounds how long a must-deliver producer blocks when
	// the queue is full and nothing is evictable. Zero or negative falls
	// back to DefaultProducerWait.
	MaxProducerWait time.Duration
	Metrics         telemetry.Metrics
	Publisher       logging.Publisher
}

const (
	DefaultQueueCapacity = 64
	DefaultProducerWait  = 50 * time.Millisecond
)

// Queue is the bounded multi-producer single-consumer signal queue. Entries
// sharing a merge key collapse in place, keeping the earliest queue
// position and the latest payload. When full, best-effort arrivals are
// dropped and counted; must-deliver arrivals evict the oldest best-effort
// entry or block the producer for a bounded wait.
//
// Critical sections scan at most Capacity entries and never touch world
// state.
type Queue struct {
	mu      sync.Mutex
	entries []Signal
	closed  bool

	capacity int
	maxWait  time.Duration

	ready  chan struct{}
	space  chan struct{}
	done   chan struct{}
	closeO sync.Once

	stats BackpressureStats

	metrics   telemetry.Metrics
	publisher logging.Publisher
}

// NewQueue constructs a queue from the provided configuration.
func NewQueue(cfg QueueConfig) *Queue {
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = DefaultQueueCapacity
	}
	maxWait := cfg.MaxProducerWait
	if maxWait <= 0 {
		maxWait = DefaultProducerWait
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NopMetrics()
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = logging.NopPublisher()
	}
	return &Queue{
		entries:   make([]Signal, 0, capacity),
		capacity:  capacity,
		maxWait:   maxWait,
		ready:     make(chan struct{}, 1),
		space:     make(chan struct{}, 1),
		done:      make(chan struct{}),
		metrics:   metrics,
		publisher: publisher,
	}
}

// Capacity reports the configured bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Stats copies the process-lifetime backpressure counters.
func (q *Queue) Stats() BackpressureStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Close stops the queue. Entries already queued remain drainable via
// TryNext; Enqueue and an emptied Next return ErrQueueClosed afterwards.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.closeO.Do(func() { close(q.done) })
}

// Enqueue inserts, merges or sheds a signal per its class. Best-effort
// signals are never an error to lose: a full queue drops them, counts the
// drop and returns nil. Must-deliver signals return ErrOverload only after
// the bounded producer wait expires.
func (q *Queue) Enqueue(sig Signal) error {
	if sig.EnqueuedAt.IsZero() {
		sig.EnqueuedAt = time.Now()
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.insertLocked(sig) {
		q.mu.Unlock()
		q.notifyReady()
		return nil
	}
	if !sig.mustDeliver() {
		q.stats.Dropped++
		dropped := q.stats.Dropped
		q.mu.Unlock()
		q.metrics.Add(queueDroppedMetricKey, 1)
		if powerOfTwo(dropped) {
			loopevents.SignalDropped(context.Background(), q.publisher, 0, loopevents.SignalDroppedPayload{
				Kind:         sig.Kind.String(),
				DroppedTotal: dropped,
			})
		}
		return nil
	}
	if q.evictLocked(sig) {
		q.mu.Unlock()
		q.notifyReady()
		return nil
	}
	q.mu.Unlock()

	return q.waitAndEnqueue(sig)
}

// waitAndEnqueue blocks a must-deliver producer until space frees, the
// bounded wait expires, or the queue closes.
func (q *Queue) waitAndEnqueue(sig Signal) error {
	timer := time.NewTimer(q.maxWait)
	defer timer.Stop()

	for {
		select {
		case <-q.space:
		case <-q.done:
			return ErrQueueClosed
		case <-timer.C:
			q.mu.Lock()
			q.stats.OverloadTimeouts++
			q.mu.Unlock()
			q.metrics.Add(queueOverloadTimeoutsMetricKey, 1)
			loopevents.OverloadWait(context.Background(), q.publisher, 0, loopevents.OverloadWaitPayload{
				Kind:       sig.Kind.String(),
				WaitMillis: q.maxWait.Milliseconds(),
				TimedOut:   true,
			})
			return ErrOverload
		}

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if q.insertLocked(sig) || q.evictLocked(sig) {
			q.mu.Unlock()
			q.notifyReady()
			return nil
		}
		q.mu.Unlock()
	}
}

// insertLocked merges or appends, returning false when the queue is full
// and no merge target exists.
func (q *Queue) insertLocked(sig Signal) bool {
	if key, ok := sig.mergeKey(); ok {
		for i := range q.entries {
			existing, mergeable := q.entries[i].mergeKey()
			if !mergeable || existing != key {
				continue
			}
			merged := q.entries[i].Merged + 1
			enqueuedAt := q.entries[i].EnqueuedAt
			q.entries[i] = sig
			q.entries[i].Merged = merged
			q.entries[i].EnqueuedAt = enqueuedAt
			q.stats.Merged++
			q.metrics.Add(queueMergedMetricKey, 1)
			return true
		}
	}
	if len(q.entries) < q.capacity {
		q.entries = append(q.entries, sig)
		q.observeDepthLocked()
		return true
	}
	return false
}

// evictLocked removes the oldest best-effort entry to admit a must-deliver
// signal, returning false when nothing is evictable.
func (q *Queue) evictLocked(sig Signal) bool {
	for i := range q.entries {
		if q.entries[i].mustDeliver() {
			continue
		}
		evicted := q.entries[i]
		q.entries = append(q.entries[:i], q.entries[i+1:]...)
		q.entries = append(q.entries, sig)
		q.stats.Evicted++
		evictedTotal := q.stats.Evicted
		q.observeDepthLocked()
		q.metrics.Add(queueEvictedMetricKey, 1)
		if powerOfTwo(evictedTotal) {
			loopevents.SignalEvicted(context.Background(), q.publisher, 0, loopevents.SignalEvictedPayload{
				EvictedKind: evicted.Kind.String(),
				ForKind:     sig.Kind.String(),
			})
		}
		return true
	}
	return false
}

func (q *Queue) observeDepthLocked() {
	depth := uint64(len(q.entries))
	if depth > q.stats.MaxDepthObserved {
		q.stats.MaxDepthObserved = depth
	}
	q.metrics.Store(queueDepthMetricKey, depth)
}

// Next blocks until a signal is available or the context is cancelled.
// After Close it keeps returning queued entries until empty, then
// ErrQueueClosed.
func (q *Queue) Next(ctx context.Context) (Signal, error) {
	for {
		q.mu.Lock()
		if len(q.entries) > 0 {
			sig := q.popLocked()
			q.mu.Unlock()
			q.notifySpace()
			return sig, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Signal{}, ErrQueueClosed
		}

		select {
		case <-q.ready:
		case <-q.done:
		case <-ctx.Done():
			return Signal{}, ctx.Err()
		}
	}
}

// TryNext pops without blocking; used by the shutdown drain.
func (q *Queue) TryNext() (Signal, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return Signal{}, false
	}
	return q.popLocked(), true
}

func (q *Queue) popLocked() Signal {
	sig := q.entries[0]
	copy(q.entries, q.entries[1:])
	q.entries = q.entries[:len(q.entries)-1]
	q.metrics.Store(queueDepthMetricKey, uint64(len(q.entries)))
	return sig
}

func (q *Queue) notifyReady() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) notifySpace() {
	select {
	case q.space <- struct{}{}:
	default:
	}
}

func powerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
