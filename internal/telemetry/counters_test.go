package telemetry

import "testing"

func TestCountersAddStore(t *testing.T) {
	c := NewCounters()
	c.Add("a", 2)
	c.Add("a", 3)
	c.Store("b", 7)
	c.Store("b", 4)
	if got := c.Value("a"); got != 5 {
		t.Fatalf("expected a=5, got %d", got)
	}
	if got := c.Value("b"); got != 4 {
		t.Fatalf("expected b=4, got %d", got)
	}
	if got := c.Value("missing"); got != 0 {
		t.Fatalf("expected missing=0, got %d", got)
	}
}

func TestCountersSnapshotIsCopy(t *testing.T) {
	c := NewCounters()
	c.Add("a", 1)
	snap := c.Snapshot()
	snap["a"] = 99
	if got := c.Value("a"); got != 1 {
		t.Fatalf("snapshot mutation leaked into registry: %d", got)
	}
}

func TestNilCountersAreSafe(t *testing.T) {
	var c *Counters
	c.Add("a", 1)
	c.Store("a", 1)
	if c.Value("a") != 0 {
		t.Fatalf("nil counters should read zero")
	}
	if c.Snapshot() != nil {
		t.Fatalf("nil counters should snapshot nil")
	}
}
