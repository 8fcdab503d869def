package consensus

import (
	"sync"
	"sync/atomic"
	"time"
)

// MemorySource is an in-process Source backed by a buffered channel. Tests
// and single-process deployments publish batches into it; sequences are
// assigned on publish.
type MemorySource struct {
	ch        chan Batch
	done      chan struct{}
	closeOnce sync.Once
	nextSeq   atomic.Uint64
}

// NewMemorySource constructs a source able to buffer up to capacity
// unconsumed batches.
func NewMemorySource(capacity int) *MemorySource {
	if capacity < 1 {
		capacity = 16
	}
	return &MemorySource{
		ch:   make(chan Batch, capacity),
		done: make(chan struct{}),
	}
}

// Publish commits a payload, assigning the next sequence. It blocks while
// the buffer is full and returns ErrClosed after Close.
func (s *MemorySource) Publish(payload []byte) (Batch, error) {
	select {
	case <-s.done:
		return Batch{}, ErrClosed
	default:
	}
	batch := Batch{
		Sequence:   s.nextSeq.Add(1),
		Payload:    payload,
		ObservedAt: time.Now(),
	}
	select {
	case s.ch <- batch:
		return batch, nil
	case <-s.done:
		return Batch{}, ErrClosed
	}
}

// AwaitNextBatch implements Source. Batches published before Close are
// still delivered after it.
func (s *MemorySource) AwaitNextBatch(timeout time.Duration) (Batch, error) {
	select {
	case batch := <-s.ch:
		return batch, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case batch := <-s.ch:
		return batch, nil
	case <-s.done:
		select {
		case batch := <-s.ch:
			return batch, nil
		default:
			return Batch{}, ErrClosed
		}
	case <-timer.C:
		return Batch{}, ErrTimeout
	}
}

// Close shuts the source down. Idempotent.
func (s *MemorySource) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}
