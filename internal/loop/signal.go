package loop

import (
	"fmt"
	"time"
)

// Kind enumerates the signal variants drained by the main loop.
type Kind uint8

const (
	KindConsensusCommitted Kind = iota
	KindStepRequested
	KindSeekRequested
	KindNonConsensusDrive
	KindPlayToggled
	KindSourceClosed
)

// String renders the kind for logs, metrics and diagnostics.
func (k Kind) String() string {
	switch k {
	case KindConsensusCommitted:
		return "consensus_committed"
	case KindStepRequested:
		return "step_requested"
	case KindSeekRequested:
		return "seek_requested"
	case KindNonConsensusDrive:
		return "non_consensus_drive"
	case KindPlayToggled:
		return "play_toggled"
	case KindSourceClosed:
		return "source_closed"
	default:
		return "unknown"
	}
}

// Origin identifies the session and correlation token of the request that
// produced a signal. The zero value marks internally produced signals,
// which have no response channel.
type Origin struct {
	Session uint64
	Seq     uint64
}

// Zero reports whether the origin identifies no session.
func (o Origin) Zero() bool {
	return o.Session == 0
}

// RequestID renders the origin as a correlation token for structured
// logs. Internal origins render empty.
func (o Origin) RequestID() string {
	if o.Zero() {
		return ""
	}
	return fmt.Sprintf("%d/%d", o.Session, o.Seq)
}

// Signal is one unit of work for the main loop. Only the fields relevant
// to the Kind are set: Sequence for consensus notifications, Count for
// steps, Target for seeks, Playing for play toggles.
type Signal struct {
	Kind       Kind
	Sequence   uint64
	Count      int
	Target     uint64
	Playing    bool
	Origin     Origin
	EnqueuedAt time.Time
	Merged     uint64
}

// mergeKey identifies entries that collapse into one queue slot. Consensus
// notifications, drive requests, play toggles and the terminal close signal
// merge per class; seeks merge only when they name the same target. Step
// requests never merge, each one is a distinct observable instruction.
type mergeKey struct {
	kind   Kind
	target uint64
}

func (s Signal) mergeKey() (mergeKey, bool) {
	switch s.Kind {
	case KindConsensusCommitted, KindNonConsensusDrive, KindPlayToggled, KindSourceClosed:
		return mergeKey{kind: s.Kind}, true
	case KindSeekRequested:
		return mergeKey{kind: s.Kind, target: s.Target}, true
	default:
		return mergeKey{}, false
	}
}

// mustDeliver reports whether the signal may never be silently dropped.
// Best-effort classes tolerate loss under overflow; these do not.
func (s Signal) mustDeliver() bool {
	switch s.Kind {
	case KindConsensusCommitted, KindStepRequested, KindSeekRequested, KindSourceClosed:
		return true
	default:
		return false
	}
}
