package loop

import (
	"context"
	"errors"
	"testing"
	"time"
)

func mustEnqueue(t *testing.T, q *Queue, sig Signal) {
	t.Helper()
	if err := q.Enqueue(sig); err != nil {
		t.Fatalf("enqueue %s failed: %v", sig.Kind, err)
	}
}

func drainAll(t *testing.T, q *Queue) []Signal {
	t.Helper()
	var out []Signal
	for {
		sig, ok := q.TryNext()
		if !ok {
			return out
		}
		out = append(out, sig)
	}
}

func TestQueueMergesDuplicateDriveSignals(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 8})
	for i := 0; i < 5; i++ {
		mustEnqueue(t, q, Signal{Kind: KindNonConsensusDrive})
	}

	entries := drainAll(t, q)
	if len(entries) != 1 {
		t.Fatalf("expected 1 merged entry, got %d", len(entries))
	}
	if entries[0].Merged != 4 {
		t.Fatalf("expected merge counter 4, got %d", entries[0].Merged)
	}
	if stats := q.Stats(); stats.Merged != 4 {
		t.Fatalf("expected 4 merges recorded, got %d", stats.Merged)
	}
}

func TestQueueMergeKeepsEarliestPositionAndLatestPayload(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 8})
	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 5, Origin: Origin{Session: 1, Seq: 1}})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 5, Origin: Origin{Session: 2, Seq: 9}})

	entries := drainAll(t, q)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	first := entries[0]
	if first.Kind != KindSeekRequested {
		t.Fatalf("expected merged seek at the head, got %s", first.Kind)
	}
	if first.Origin.Session != 2 || first.Origin.Seq != 9 {
		t.Fatalf("expected latest payload to win, got origin %+v", first.Origin)
	}
	if first.Merged != 1 {
		t.Fatalf("expected merge counter 1, got %d", first.Merged)
	}
	if entries[1].Kind != KindStepRequested {
		t.Fatalf("expected step second, got %s", entries[1].Kind)
	}
}

func TestQueueSeeksMergeOnlyPerTarget(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 8})
	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 5})
	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 7})
	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 7})

	entries := drainAll(t, q)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Target != 5 || entries[1].Target != 7 {
		t.Fatalf("unexpected targets: %d, %d", entries[0].Target, entries[1].Target)
	}
	if entries[1].Merged != 1 {
		t.Fatalf("expected target-7 seeks to merge once, got %d", entries[1].Merged)
	}
}

func TestQueueDriveBurstCannotStarveStep(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	mustEnqueue(t, q, Signal{Kind: KindNonConsensusDrive})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 5})
	for i := 0; i < 10; i++ {
		mustEnqueue(t, q, Signal{Kind: KindNonConsensusDrive})
	}

	entries := drainAll(t, q)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Kind != KindNonConsensusDrive || entries[0].Merged != 10 {
		t.Fatalf("expected merged drive at the head, got %s merged=%d", entries[0].Kind, entries[0].Merged)
	}
	if entries[1].Kind != KindStepRequested || entries[1].Count != 5 {
		t.Fatalf("expected the step intact behind the merged drive, got %+v", entries[1])
	}
}

func TestQueueDropsBestEffortWhenFull(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 2, MaxProducerWait: 10 * time.Millisecond})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})

	if err := q.Enqueue(Signal{Kind: KindNonConsensusDrive}); err != nil {
		t.Fatalf("best-effort overflow must not error, got %v", err)
	}
	if stats := q.Stats(); stats.Dropped != 1 {
		t.Fatalf("expected 1 drop recorded, got %d", stats.Dropped)
	}

	entries := drainAll(t, q)
	if len(entries) != 2 {
		t.Fatalf("expected the 2 queued steps, got %d entries", len(entries))
	}
	for i, sig := range entries {
		if sig.Kind != KindStepRequested {
			t.Fatalf("entry %d: expected step, got %s", i, sig.Kind)
		}
	}
}

func TestQueueEvictsOldestBestEffortForMustDeliver(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4, MaxProducerWait: 10 * time.Millisecond})
	mustEnqueue(t, q, Signal{Kind: KindNonConsensusDrive})
	mustEnqueue(t, q, Signal{Kind: KindPlayToggled, Playing: true})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 2})

	mustEnqueue(t, q, Signal{Kind: KindSeekRequested, Target: 3})

	if stats := q.Stats(); stats.Evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", stats.Evicted)
	}
	entries := drainAll(t, q)
	want := []Kind{KindPlayToggled, KindStepRequested, KindStepRequested, KindSeekRequested}
	if len(entries) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(entries))
	}
	for i := range want {
		if entries[i].Kind != want[i] {
			t.Fatalf("entry %d: expected %s, got %s", i, want[i], entries[i].Kind)
		}
	}
}

func TestQueueBoundedWaitTimesOutWithOverload(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 2, MaxProducerWait: 20 * time.Millisecond})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})

	start := time.Now()
	err := q.Enqueue(Signal{Kind: KindSeekRequested, Target: 3})
	if !errors.Is(err, ErrOverload) {
		t.Fatalf("expected ErrOverload, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("producer returned before the bounded wait elapsed (%s)", elapsed)
	}
	if stats := q.Stats(); stats.OverloadTimeouts != 1 {
		t.Fatalf("expected 1 overload timeout, got %d", stats.OverloadTimeouts)
	}
	if q.Len() != 2 {
		t.Fatalf("queue depth changed during overload: %d", q.Len())
	}
}

func TestQueueAdmitsMustDeliverWhenSpaceFrees(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 1, MaxProducerWait: 2 * time.Second})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})

	result := make(chan error, 1)
	go func() {
		result <- q.Enqueue(Signal{Kind: KindSeekRequested, Target: 3})
	}()

	sig, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if sig.Kind != KindStepRequested {
		t.Fatalf("expected the queued step first, got %s", sig.Kind)
	}

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("producer failed after space freed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("producer still blocked after space freed")
	}

	sig, err = q.Next(context.Background())
	if err != nil {
		t.Fatalf("next failed: %v", err)
	}
	if sig.Kind != KindSeekRequested {
		t.Fatalf("expected the admitted seek, got %s", sig.Kind)
	}
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	q.Close()

	if err := q.Enqueue(Signal{Kind: KindStepRequested, Count: 1}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed on enqueue, got %v", err)
	}

	sig, err := q.Next(context.Background())
	if err != nil {
		t.Fatalf("expected the queued entry after close, got %v", err)
	}
	if sig.Kind != KindStepRequested {
		t.Fatalf("expected step, got %s", sig.Kind)
	}
	if _, err := q.Next(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed once drained, got %v", err)
	}
}

func TestQueueNextHonorsContext(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 4})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueueTracksMaxDepth(t *testing.T) {
	q := NewQueue(QueueConfig{Capacity: 8})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})
	drainAll(t, q)
	mustEnqueue(t, q, Signal{Kind: KindStepRequested, Count: 1})

	if stats := q.Stats(); stats.MaxDepthObserved != 3 {
		t.Fatalf("expected max depth 3, got %d", stats.MaxDepthObserved)
	}
}
