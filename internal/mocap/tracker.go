package mocap

import (
	"sync/atomic"
	"time"
)

// Tracker keeps the most recent sample per tracked rigid body.
//
// Each body has exactly one slot with exactly one writer (the feed
// ingestion goroutine). Readers take an immediate snapshot and never block
// the writer; the sample pointer is swapped atomically so a reader can
// never observe a half-written sample. The set of tracked bodies is fixed
// at construction, so the slot map itself is read-only after NewTracker.
type Tracker struct {
	slots map[uint32]*slot
}

type slot struct {
	sample atomic.Pointer[PoseSample]
	count  atomic.Uint64
}

// NewTracker tracks the given rigid-body IDs. Records for any other body
// are ignored by Observe.
func NewTracker(bodies ...uint32) *Tracker {
	t := &Tracker{slots: make(map[uint32]*slot, len(bodies))}
	for _, id := range bodies {
		if id == 0 {
			continue
		}
		if _, ok := t.slots[id]; !ok {
			t.slots[id] = &slot{}
		}
	}
	return t
}

// Observe stores a new latest sample for its body. Returns false when the
// body is not tracked. Must only be called from the single ingestion path.
func (t *Tracker) Observe(s PoseSample) bool {
	sl, ok := t.slots[s.Body]
	if !ok {
		return false
	}
	sl.sample.Store(&s)
	sl.count.Add(1)
	return true
}

// Latest returns the newest sample for a body together with its age.
// ok is false when the body is untracked or no sample has ever arrived.
func (t *Tracker) Latest(body uint32) (PoseSample, time.Duration, bool) {
	sl, ok := t.slots[body]
	if !ok {
		return PoseSample{}, 0, false
	}
	p := sl.sample.Load()
	if p == nil {
		return PoseSample{}, 0, false
	}
	return *p, time.Since(p.Time), true
}

// Count reports how many samples have been observed for a body. Used by
// the pre-flight stability check.
func (t *Tracker) Count(body uint32) uint64 {
	sl, ok := t.slots[body]
	if !ok {
		return 0
	}
	return sl.count.Load()
}

// Stale reports whether a body's latest sample is older than threshold.
// A body that never reported is stale.
func (t *Tracker) Stale(body uint32, threshold time.Duration) bool {
	_, age, ok := t.Latest(body)
	if !ok {
		return true
	}
	return age > threshold
}
