package world

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// ErrOutOfRange reports a seek target outside the journal window.
var ErrOutOfRange = errors.New("tick outside known window")

const agentMoveStep = 8.0

// Config captures world generation parameters.
type Config struct {
	AgentCount      int
	Seed            int64
	JournalCapacity int
	Width           float64
	Height          float64
}

func (c Config) normalized() Config {
	if c.AgentCount < 1 {
		c.AgentCount = 8
	}
	if c.JournalCapacity < 1 {
		c.JournalCapacity = 256
	}
	if c.Width <= 0 {
		c.Width = 512
	}
	if c.Height <= 0 {
		c.Height = 512
	}
	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}
	return c
}

// Agent is one simulated inhabitant of the world.
type Agent struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

// Snapshot is an immutable copy of world state published to observers.
type Snapshot struct {
	Tick   uint64  `json:"tick"`
	Agents []Agent `json:"agents"`
}

// StepResult reports one applied tick.
type StepResult struct {
	Tick    uint64
	Actions int
}

// AgentAction is one agent movement carried in a commit batch payload.
type AgentAction struct {
	AgentID string  `json:"agent_id"`
	DX      float64 `json:"dx"`
	DY      float64 `json:"dy"`
}

type batchActions struct {
	Actions []AgentAction `json:"actions"`
}

// EncodeActions renders a commit batch payload. Producers of synthetic
// batches share this codec with ApplyBatch.
func EncodeActions(actions []AgentAction) ([]byte, error) {
	data, err := json.Marshal(batchActions{Actions: actions})
	if err != nil {
		return nil, fmt.Errorf("encode batch actions: %w", err)
	}
	return data, nil
}

// AgentID names the i-th generated agent. Batch producers use it to
// address agents without holding a world reference.
func AgentID(i int) string {
	return fmt.Sprintf("agent-%d", i+1)
}

// World holds the simulated state. It is not safe for concurrent use: the
// main loop is the sole caller, and every externally visible state leaves
// through Snapshot copies.
type World struct {
	cfg          Config
	tick         uint64
	agents       []Agent
	rng          *rand.Rand
	journal      *Journal
	totalActions uint64
}

// New constructs a world with cfg.AgentCount agents placed by the seeded
// generator and records the tick-zero snapshot in the journal.
func New(cfg Config) *World {
	cfg = cfg.normalized()
	w := &World{
		cfg:     cfg,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		journal: NewJournal(cfg.JournalCapacity),
	}
	w.agents = make([]Agent, 0, cfg.AgentCount)
	for i := 0; i < cfg.AgentCount; i++ {
		w.agents = append(w.agents, Agent{
			ID: AgentID(i),
			X:  w.rng.Float64() * cfg.Width,
			Y:  w.rng.Float64() * cfg.Height,
		})
	}
	w.journal.Record(w.copyState())
	return w
}

// Tick reports the current tick.
func (w *World) Tick() uint64 {
	return w.tick
}

// AgentCount reports the number of live agents.
func (w *World) AgentCount() int {
	return len(w.agents)
}

// TotalActions reports the cumulative number of agent actions applied.
func (w *World) TotalActions() uint64 {
	return w.totalActions
}

// AdvanceScripted applies one tick of scripted progression: every agent
// takes a bounded pseudo-random move.
func (w *World) AdvanceScripted() StepResult {
	for i := range w.agents {
		dx := (w.rng.Float64()*2 - 1) * agentMoveStep
		dy := (w.rng.Float64()*2 - 1) * agentMoveStep
		w.agents[i].X = clamp(w.agents[i].X+dx, 0, w.cfg.Width)
		w.agents[i].Y = clamp(w.agents[i].Y+dy, 0, w.cfg.Height)
	}
	w.tick++
	w.totalActions += uint64(len(w.agents))
	w.journal.Record(w.copyState())
	return StepResult{Tick: w.tick, Actions: len(w.agents)}
}

// ApplyBatch decodes a commit batch payload and applies its actions as one
// tick. Actions naming unknown agents are ignored. A payload that fails to
// decode leaves the world untouched.
func (w *World) ApplyBatch(payload []byte) (StepResult, error) {
	var batch batchActions
	if err := json.Unmarshal(payload, &batch); err != nil {
		return StepResult{}, fmt.Errorf("decode batch payload: %w", err)
	}
	applied := 0
	for _, action := range batch.Actions {
		idx := w.indexOf(action.AgentID)
		if idx < 0 {
			continue
		}
		w.agents[idx].X = clamp(w.agents[idx].X+action.DX, 0, w.cfg.Width)
		w.agents[idx].Y = clamp(w.agents[idx].Y+action.DY, 0, w.cfg.Height)
		applied++
	}
	w.tick++
	w.totalActions += uint64(applied)
	w.journal.Record(w.copyState())
	return StepResult{Tick: w.tick, Actions: applied}, nil
}

// Snapshot returns a copy safe to publish and retain.
func (w *World) Snapshot() Snapshot {
	return w.copyState()
}

// Bounds reports the journal window available for seeks.
func (w *World) Bounds() (earliest, latest uint64, ok bool) {
	return w.journal.Window()
}

// SeekTo jumps the world to a journaled tick and discards history recorded
// after it. Targets outside the window return ErrOutOfRange without
// mutation.
func (w *World) SeekTo(target uint64) (Snapshot, error) {
	snap, ok := w.journal.Lookup(target)
	if !ok {
		return Snapshot{}, ErrOutOfRange
	}
	w.tick = snap.Tick
	w.agents = append(w.agents[:0:0], snap.Agents...)
	w.journal.TruncateAfter(target)
	return snap, nil
}

func (w *World) copyState() Snapshot {
	return Snapshot{
		Tick:   w.tick,
		Agents: append([]Agent(nil), w.agents...),
	}
}

func (w *World) indexOf(agentID string) int {
	for i := range w.agents {
		if w.agents[i].ID == agentID {
			return i
		}
	}
	return -1
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
