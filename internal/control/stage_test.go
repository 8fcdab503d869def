package control

import (
	"testing"

	"agent-world/viewer/internal/loop"
	"agent-world/viewer/internal/proto"
)

type recordingEnqueue struct {
	signals []loop.Signal
	err     error
}

func (r *recordingEnqueue) enqueue(sig loop.Signal) error {
	if r.err != nil {
		return r.err
	}
	r.signals = append(r.signals, sig)
	return nil
}

func intPtr(v int) *int        { return &v }
func tickPtr(v uint64) *uint64 { return &v }

func TestStageControl(t *testing.T) {
	t.Run("play enqueues a toggle", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		sig, ok, reject := StageControl(ctx, 3, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModePlay, Seq: 11})
		if !ok {
			t.Fatalf("expected acceptance, got %+v", reject)
		}
		if sig.Kind != loop.KindPlayToggled || !sig.Playing {
			t.Fatalf("unexpected signal %+v", sig)
		}
		if sig.Origin.Session != 3 || sig.Origin.Seq != 11 {
			t.Fatalf("unexpected origin %+v", sig.Origin)
		}
		if len(rec.signals) != 1 {
			t.Fatalf("expected 1 enqueued signal, got %d", len(rec.signals))
		}
	})

	t.Run("pause enqueues a toggle", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		sig, ok, _ := StageControl(ctx, 3, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModePause})
		if !ok || sig.Kind != loop.KindPlayToggled || sig.Playing {
			t.Fatalf("unexpected result %+v", sig)
		}
	})

	t.Run("step carries count", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeConsensus, Enqueue: rec.enqueue}

		sig, ok, _ := StageControl(ctx, 1, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeStep, Count: intPtr(3)})
		if !ok || sig.Kind != loop.KindStepRequested || sig.Count != 3 {
			t.Fatalf("unexpected result %+v", sig)
		}
	})

	t.Run("step rejects non-positive counts before the queue", func(t *testing.T) {
		for _, count := range []int{0, -1} {
			rec := &recordingEnqueue{}
			ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

			_, ok, reject := StageControl(ctx, 1, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeStep, Count: intPtr(count)})
			if ok {
				t.Fatalf("expected count %d to be rejected", count)
			}
			if reject.Kind != proto.ErrorInvalidArgument {
				t.Fatalf("expected invalid_argument, got %q", reject.Kind)
			}
			if len(rec.signals) != 0 {
				t.Fatalf("rejected step must never reach the queue")
			}
		}
	})

	t.Run("step rejects a missing count", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 1, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeStep})
		if ok || reject.Kind != proto.ErrorInvalidArgument {
			t.Fatalf("expected invalid_argument, got ok=%v %+v", ok, reject)
		}
	})

	t.Run("seek enqueues in playback profile", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		sig, ok, _ := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeSeek, Tick: tickPtr(10), Seq: 4})
		if !ok || sig.Kind != loop.KindSeekRequested || sig.Target != 10 {
			t.Fatalf("unexpected result %+v", sig)
		}
	})

	t.Run("seek is refused in live profile", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeConsensus, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeSeek, Tick: tickPtr(10)})
		if ok {
			t.Fatalf("expected live-profile seek to be refused")
		}
		if reject.Kind != proto.ErrorInvalidArgument {
			t.Fatalf("expected invalid_argument, got %q", reject.Kind)
		}
		if len(rec.signals) != 0 {
			t.Fatalf("refused seek must never reach the queue")
		}
	})

	t.Run("seek rejects a missing tick", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeSeek})
		if ok || reject.Kind != proto.ErrorInvalidArgument {
			t.Fatalf("expected invalid_argument, got ok=%v %+v", ok, reject)
		}
	})

	t.Run("unknown mode is refused", func(t *testing.T) {
		rec := &recordingEnqueue{}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: "rewind"})
		if ok || reject.Kind != proto.ErrorInvalidArgument {
			t.Fatalf("expected invalid_argument, got ok=%v %+v", ok, reject)
		}
	})

	t.Run("queue overload surfaces to the producer", func(t *testing.T) {
		rec := &recordingEnqueue{err: loop.ErrOverload}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModeStep, Count: intPtr(1)})
		if ok || reject.Kind != proto.ErrorOverload {
			t.Fatalf("expected overload, got ok=%v %+v", ok, reject)
		}
	})

	t.Run("closed queue maps to cancelled", func(t *testing.T) {
		rec := &recordingEnqueue{err: loop.ErrQueueClosed}
		ctx := Context{Mode: loop.ModeScripted, Enqueue: rec.enqueue}

		_, ok, reject := StageControl(ctx, 2, proto.ClientFrame{Type: proto.TypeControl, Mode: proto.ModePlay})
		if ok || reject.Kind != proto.ErrorCancelled {
			t.Fatalf("expected cancelled, got ok=%v %+v", ok, reject)
		}
	})
}
