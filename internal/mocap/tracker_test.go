package mocap

import (
	"sync"
	"testing"
	"time"

	"github.com/westphae/quaternion"

	"github.com/relabs-tech/mocap_bridge/internal/frame"
)

func sample(body, frameNum uint32, at time.Time) PoseSample {
	return PoseSample{
		Body:  body,
		Frame: frameNum,
		Pose: frame.Pose{
			Pos:  frame.Vec3{X: float64(frameNum)},
			Quat: quaternion.Quaternion{W: 1},
		},
		Time: at,
	}
}

func TestTrackerLatest(t *testing.T) {
	tr := NewTracker(7)

	// absence of a sample is reported, never a zeroed pose
	if _, _, ok := tr.Latest(7); ok {
		t.Fatal("Latest reported a sample before any Observe")
	}
	if !tr.Stale(7, time.Hour) {
		t.Fatal("a body that never reported must be stale")
	}

	now := time.Now()
	if !tr.Observe(sample(7, 1, now.Add(-time.Second))) {
		t.Fatal("Observe rejected a tracked body")
	}
	tr.Observe(sample(7, 2, now))

	s, age, ok := tr.Latest(7)
	if !ok {
		t.Fatal("Latest found nothing after Observe")
	}
	if s.Frame != 2 {
		t.Fatalf("Latest frame = %d, want the newest (2)", s.Frame)
	}
	if age < 0 || age > time.Second {
		t.Fatalf("unexpected age %s", age)
	}
	if tr.Count(7) != 2 {
		t.Fatalf("Count = %d, want 2", tr.Count(7))
	}
}

func TestTrackerIgnoresUntrackedBodies(t *testing.T) {
	tr := NewTracker(1, 2)

	if tr.Observe(sample(3, 1, time.Now())) {
		t.Fatal("Observe accepted an untracked body")
	}
	if _, _, ok := tr.Latest(3); ok {
		t.Fatal("Latest reported an untracked body")
	}
	if tr.Count(3) != 0 {
		t.Fatal("Count non-zero for an untracked body")
	}

	// body ID 0 means "not configured" and is never tracked
	tr = NewTracker(1, 0)
	if tr.Observe(sample(0, 1, time.Now())) {
		t.Fatal("Observe accepted body 0")
	}
}

func TestTrackerStale(t *testing.T) {
	tr := NewTracker(5)
	tr.Observe(sample(5, 1, time.Now().Add(-time.Second)))

	if tr.Stale(5, 10*time.Second) {
		t.Fatal("fresh sample reported stale")
	}
	if !tr.Stale(5, 100*time.Millisecond) {
		t.Fatal("old sample reported fresh")
	}
}

func TestTrackerConcurrentReaders(t *testing.T) {
	tr := NewTracker(9)
	stop := make(chan struct{})
	var wg sync.WaitGroup

	// Readers must always see a complete sample while the writer swaps.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				s, _, ok := tr.Latest(9)
				if ok && s.Pose.Pos.X != float64(s.Frame) {
					t.Errorf("torn sample: frame %d pos %g", s.Frame, s.Pose.Pos.X)
					return
				}
			}
		}()
	}

	for i := uint32(1); i <= 10000; i++ {
		tr.Observe(sample(9, i, time.Now()))
	}
	close(stop)
	wg.Wait()

	if c := tr.Count(9); c != 10000 {
		t.Fatalf("Count = %d, want 10000", c)
	}
}

func TestSampleFromRecord(t *testing.T) {
	now := time.Now()
	r := Record{
		ID:    4,
		Frame: 42,
		Pos:   [3]float64{1, 2, 3},
		Quat:  [4]float64{0.1, 0.2, 0.3, 0.9}, // wire order x, y, z, w
	}
	s := SampleFromRecord(r, now)
	if s.Body != 4 || s.Frame != 42 || !s.Time.Equal(now) {
		t.Fatalf("unexpected sample header: %+v", s)
	}
	if s.Pose.Pos != (frame.Vec3{X: 1, Y: 2, Z: 3}) {
		t.Fatalf("position: %+v", s.Pose.Pos)
	}
	q := s.Pose.Quat
	if q.W != 0.9 || q.X != 0.1 || q.Y != 0.2 || q.Z != 0.3 {
		t.Fatalf("quaternion component order wrong: %+v", q)
	}
}
