package world

// Journal retains a sliding window of per-tick snapshots. Seeks resolve
// against this window; ticks that age out of it are no longer reachable.
type Journal struct {
	snaps    []Snapshot
	capacity int
}

// NewJournal constructs a journal bounded to capacity entries.
func NewJournal(capacity int) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{
		snaps:    make([]Snapshot, 0, capacity),
		capacity: capacity,
	}
}

// Record appends a snapshot, evicting the oldest entry once full. Callers
// hand over ownership of the snapshot's slices.
func (j *Journal) Record(snap Snapshot) {
	if len(j.snaps) == j.capacity {
		copy(j.snaps, j.snaps[1:])
		j.snaps = j.snaps[:len(j.snaps)-1]
	}
	j.snaps = append(j.snaps, snap)
}

// Window reports the inclusive tick range currently covered.
func (j *Journal) Window() (earliest, latest uint64, ok bool) {
	if len(j.snaps) == 0 {
		return 0, 0, false
	}
	return j.snaps[0].Tick, j.snaps[len(j.snaps)-1].Tick, true
}

// Lookup returns a copy of the snapshot recorded for the given tick.
func (j *Journal) Lookup(tick uint64) (Snapshot, bool) {
	idx := j.indexOf(tick)
	if idx < 0 {
		return Snapshot{}, false
	}
	snap := j.snaps[idx]
	return Snapshot{
		Tick:   snap.Tick,
		Agents: append([]Agent(nil), snap.Agents...),
	}, true
}

// TruncateAfter drops every snapshot recorded after the given tick, so a
// rewound world does not leave stale future history behind.
func (j *Journal) TruncateAfter(tick uint64) {
	for len(j.snaps) > 0 && j.snaps[len(j.snaps)-1].Tick > tick {
		j.snaps = j.snaps[:len(j.snaps)-1]
	}
}

// Len reports the number of retained snapshots.
func (j *Journal) Len() int {
	return len(j.snaps)
}

// Ticks in the journal are contiguous and ascending, so the offset from
// the oldest entry addresses directly.
func (j *Journal) indexOf(tick uint64) int {
	if len(j.snaps) == 0 {
		return -1
	}
	first := j.snaps[0].Tick
	if tick < first {
		return -1
	}
	idx := int(tick - first)
	if idx >= len(j.snaps) {
		return -1
	}
	if j.snaps[idx].Tick != tick {
		return -1
	}
	return idx
}
