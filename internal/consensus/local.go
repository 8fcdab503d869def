package consensus

import (
	"context"
	"math/rand"
	"time"

	"agent-world/viewer/internal/telemetry"
	"agent-world/viewer/internal/world"
)

// LocalSource produces synthetic committed batches on a fixed interval,
// standing in for an external consensus engine in single-process
// deployments. Each batch moves every agent by a seeded pseudo-random
// delta, encoded with the shared batch codec.
type LocalSource struct {
	*MemorySource
	interval time.Duration
	rng      *rand.Rand
	agents   []string
	logger   telemetry.Logger
}

// LocalSourceConfig carries generator parameters.
type LocalSourceConfig struct {
	Interval   time.Duration
	AgentCount int
	Seed       int64
	Buffer     int
	Logger     telemetry.Logger
}

// NewLocalSource constructs the generator; Run must be started for batches
// to flow.
func NewLocalSource(cfg LocalSourceConfig) *LocalSource {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	agentCount := cfg.AgentCount
	if agentCount < 1 {
		agentCount = 8
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	agents := make([]string, 0, agentCount)
	for i := 0; i < agentCount; i++ {
		agents = append(agents, world.AgentID(i))
	}
	return &LocalSource{
		MemorySource: NewMemorySource(cfg.Buffer),
		interval:     interval,
		rng:          rand.New(rand.NewSource(seed)),
		agents:       agents,
		logger:       cfg.Logger,
	}
}

// Run publishes batches until the context is cancelled, then closes the
// source so consumers observe ErrClosed.
func (s *LocalSource) Run(ctx context.Context) {
	defer s.Close()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := world.EncodeActions(s.nextActions())
			if err != nil {
				if s.logger != nil {
					s.logger.Printf("local source failed to encode actions: %v", err)
				}
				continue
			}
			if _, err := s.Publish(payload); err != nil {
				return
			}
		}
	}
}

func (s *LocalSource) nextActions() []world.AgentAction {
	actions := make([]world.AgentAction, 0, len(s.agents))
	for _, id := range s.agents {
		actions = append(actions, world.AgentAction{
			AgentID: id,
			DX:      (s.rng.Float64()*2 - 1) * 8,
			DY:      (s.rng.Float64()*2 - 1) * 8,
		})
	}
	return actions
}
