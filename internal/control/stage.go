package control

import (
	"errors"
	"fmt"

	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/proto"
)

// Context carries what request staging needs from the runtime. Staging
// never touches world state; it only validates and enqueues.
type Context struct {
	Mode    loop.Mode
	Enqueue func(loop.Signal) error
}

// Reject describes a synchronously refused request. Kind matches the wire
// protocol's error kinds.
type Reject struct {
	Kind    string
	Message string
}

// StageControl validates a control frame and enqueues at most one signal
// for it. Refusals are returned to the caller for the session's error
// frame; acceptance means the signal is queued and the caller may ack.
func StageControl(ctx Context, session uint64, frame proto.ClientFrame) (loop.Signal, bool, Reject) {
	var zero loop.Signal

	if frame.Type != proto.TypeControl {
		return zero, false, Reject{Kind: proto.ErrorTransport, Message: fmt.Sprintf("frame type %q is not a control request", frame.Type)}
	}

	var sig loop.Signal
	switch frame.Mode {
	case proto.ModePlay:
		sig = loop.Signal{Kind: loop.KindPlayToggled, Playing: true}
	case proto.ModePause:
		sig = loop.Signal{Kind: loop.KindPlayToggled, Playing: false}
	case proto.ModeStep:
		if frame.Count == nil {
			return zero, false, Reject{Kind: proto.ErrorInvalidArgument, Message: "step requires a count"}
		}
		if *frame.Count < 1 {
			return zero, false, Reject{Kind: proto.ErrorInvalidArgument, Message: fmt.Sprintf("step count must be at least 1, got %d", *frame.Count)}
		}
		sig = loop.Signal{Kind: loop.KindStepRequested, Count: *frame.Count}
	case proto.ModeSeek:
		if ctx.Mode == loop.ModeConsensus {
			return zero, false, Reject{Kind: proto.ErrorInvalidArgument, Message: "seek is unavailable while following a live commit stream"}
		}
		if frame.Tick == nil {
			return zero, false, Reject{Kind: proto.ErrorInvalidArgument, Message: "seek requires a tick"}
		}
		sig = loop.Signal{Kind: loop.KindSeekRequested, Target: *frame.Tick}
	default:
		return zero, false, Reject{Kind: proto.ErrorInvalidArgument, Message: fmt.Sprintf("unknown control mode %q", frame.Mode)}
	}

	sig.Origin = loop.Origin{Session: session, Seq: frame.Seq}

	if ctx.Enqueue == nil {
		return zero, false, Reject{Kind: proto.ErrorCancelled, Message: "control plane detached"}
	}
	if err := ctx.Enqueue(sig); err != nil {
		switch {
		case errors.Is(err, loop.ErrOverload):
			return zero, false, Reject{Kind: proto.ErrorOverload, Message: "event queue saturated, retry"}
		case errors.Is(err, loop.ErrQueueClosed):
			return zero, false, Reject{Kind: proto.ErrorCancelled, Message: "runtime shutting down"}
		default:
			return zero, false, Reject{Kind: proto.ErrorTransport, Message: err.Error()}
		}
	}

	return sig, true, Reject{}
}
