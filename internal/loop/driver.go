package loop

import (
	"context"
	"errors"
	"time"
)

// DefaultDriveInterval is the scripted advancement cadence.
const DefaultDriveInterval = 100 * time.Millisecond

// DriverConfig wires the scripted drive ticker.
type DriverConfig struct {
	Queue *Queue
	// Interval between drive signals. Zero or negative falls back to
	// DefaultDriveInterval.
	Interval time.Duration
	// Playing gates production; typically Loop.Playing. Nil means always.
	Playing func() bool
}

// Driver produces best-effort drive signals at a fixed cadence while
// playback is active. A drive signal lost to overflow is harmless: the
// next tick re-announces, and duplicates merge in the queue anyway.
type Driver struct {
	queue    *Queue
	interval time.Duration
	playing  func() bool
}

// NewDriver constructs a driver; Run starts the ticker.
func NewDriver(cfg DriverConfig) *Driver {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultDriveInterval
	}
	return &Driver{
		queue:    cfg.Queue,
		interval: interval,
		playing:  cfg.Playing,
	}
}

// Run ticks until the context is cancelled or the queue closes.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if d.playing != nil && !d.playing() {
			continue
		}
		if err := d.queue.Enqueue(Signal{Kind: KindNonConsensusDrive}); errors.Is(err, ErrQueueClosed) {
			return
		}
	}
}
