package consensus

import (
	"errors"
	"time"
)

var (
	// ErrTimeout reports that no batch arrived within the wait window. It
	// is routine: callers re-wait.
	ErrTimeout = errors.New("consensus: await timed out")
	// ErrClosed reports that the commit source has shut down. Terminal.
	ErrClosed = errors.New("consensus: source closed")
)

// Batch is one ordered unit of agreement output. Sequence is strictly
// monotonic per source; Payload is an opaque world-delta owned by whoever
// consumes the batch.
type Batch struct {
	Sequence   uint64
	Payload    []byte
	ObservedAt time.Time
}

// Source is the consumption contract over a consensus engine's commit
// stream. AwaitNextBatch blocks the caller until a batch is available, the
// timeout elapses (ErrTimeout), or the source shuts down (ErrClosed).
type Source interface {
	AwaitNextBatch(timeout time.Duration) (Batch, error)
}
