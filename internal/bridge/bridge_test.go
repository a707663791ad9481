// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"sync"
	"testing"
	"time"

	"github.com/westphae/quaternion"

	"github.com/relabs-tech/mocap_bridge/internal/dispatch"
	"github.com/relabs-tech/mocap_bridge/internal/fc"
	"github.com/relabs-tech/mocap_bridge/internal/frame"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
	"github.com/relabs-tech/mocap_bridge/internal/safety"
)

const (
	droneBody  = 1
	targetBody = 2
)

// fakeLink is a controllable flight-controller double: tests flip its
// telemetry and observe what the bridge sends.
type fakeLink struct {
	mu        sync.Mutex
	visions   int
	setpoints []fc.Setpoint
	commands  []string

	armed     bool
	landed    bool
	heartbeat time.Time

	acks chan fc.Ack
}

func newFakeLink() *fakeLink {
	return &fakeLink{acks: make(chan fc.Ack, 16)}
}

func (f *fakeLink) SendVisionPosition(fc.VisionPosition) error {
	f.mu.Lock()
	f.visions++
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) SendSetpoint(sp fc.Setpoint) error {
	f.mu.Lock()
	f.setpoints = append(f.setpoints, sp)
	f.mu.Unlock()
	return nil
}

func (f *fakeLink) record(s string) {
	f.mu.Lock()
	f.commands = append(f.commands, s)
	f.mu.Unlock()
}

func (f *fakeLink) SetMode(m fc.Mode) error { f.record("mode:" + m.String()); return nil }
func (f *fakeLink) Arm() error { f.record("arm"); return nil }
func (f *fakeLink) Disarm() error { f.record("disarm"); return nil }
func (f *fakeLink) Takeoff(alt float64) error { f.record("takeoff"); return nil }
func (f *fakeLink) Land() error { f.record("land"); return nil }

func (f *fakeLink) Telemetry() (fc.Telemetry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.heartbeat.IsZero() {
		return fc.Telemetry{}, false
	}
	return fc.Telemetry{Armed: f.armed, Landed: f.landed, Mode: fc.ModeGuided, LastHeartbeat: f.heartbeat}, true
}

func (f *fakeLink) Acks() <-chan fc.Ack { return f.acks }
func (f *fakeLink) Close() error { return nil }

func (f *fakeLink) sentCommands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.commands))
	copy(out, f.commands)
	return out
}

func (f *fakeLink) waitCommands(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sentCommands(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d commands, got %v", n, f.sentCommands())
	return nil
}

// harness drives the bridge tick by tick with a synthetic clock. The
// safety grace windows still run on the wall clock, so tests that cross
// them sleep for real.
type harness struct {
	t       *testing.T
	link    *fakeLink
	tracker *mocap.Tracker
	monitor *safety.Monitor
	disp    *dispatch.Dispatcher
	b       *Bridge

	now      time.Time
	frameNum uint32
}

func newHarness(t *testing.T, withTarget bool) *harness {
	t.Helper()
	opts := Options{
		TickPeriod: 10 * time.Millisecond,
		Thresholds: safety.Thresholds{
			PoseTimeout:      50 * time.Millisecond,
			SignalGrace:      150 * time.Millisecond,
			TargetTimeout:    50 * time.Millisecond,
			LinkTimeout:      time.Second,
			PreflightSamples: 1,
		},
		DroneBody:       droneBody,
		TakeoffAltitude: 1.2,
		MaxAltitude:     2,
		MaxPositionJump: 1,
		FollowBehind:    1,
		FollowAbove:     0.5,
		AutoSequence:    true,
	}
	bodies := []uint32{droneBody}
	if withTarget {
		opts.TargetBody = targetBody
		bodies = append(bodies, targetBody)
	}

	link := newFakeLink()
	tracker := mocap.NewTracker(bodies...)
	monitor := safety.NewMonitor(opts.Thresholds)
	disp := dispatch.New(link, 0, time.Second)
	t.Cleanup(disp.Close)

	h := &harness{
		t:       t,
		link:    link,
		tracker: tracker,
		monitor: monitor,
		disp:    disp,
		b:       New(opts, tracker, monitor, disp, link),
		now:     time.Now(),
	}
	link.heartbeat = h.now
	return h
}

func (h *harness) feed(body uint32, pos frame.Vec3) {
	h.frameNum++
	h.tracker.Observe(mocap.PoseSample{
		Body:  body,
		Frame: h.frameNum,
		Pose:  frame.Pose{Pos: pos, Quat: quaternion.Quaternion{W: 1}},
		Time:  h.now,
	})
}

// step advances the synthetic clock one tick, refreshes the heartbeat and
// runs one loop pass.
func (h *harness) step() {
	h.now = h.now.Add(10 * time.Millisecond)
	h.link.mu.Lock()
	h.link.heartbeat = h.now
	h.link.mu.Unlock()
	h.b.tick(h.now)
}

func (h *harness) stepFed() {
	h.feed(droneBody, frame.Vec3{X: 0.1})
	h.step()
}

// takeOff walks the auto sequence until the monitor reports TRACKING.
func (h *harness) takeOff() {
	h.t.Helper()
	h.stepFed() // INIT -> READY, queues arm
	h.stepFed() // arm applied -> ARMED_IDLE
	if st := h.monitor.State(); st != safety.StateArmedIdle {
		h.t.Fatalf("after arm: %s, want ARMED_IDLE", st)
	}
	h.link.mu.Lock()
	h.link.armed = true
	h.link.mu.Unlock()
	h.stepFed() // queues takeoff
	h.stepFed() // takeoff applied -> TRACKING
	if st := h.monitor.State(); st != safety.StateTracking {
		h.t.Fatalf("after takeoff: %s, want TRACKING", st)
	}
}

func TestAutoSequenceToTracking(t *testing.T) {
	h := newHarness(t, false)
	h.takeOff()

	got := h.link.waitCommands(t, 3)
	want := []string{"mode:GUIDED", "arm", "takeoff"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("command order %v, want %v", got, want)
		}
	}

	// position truth must have been flowing the whole time
	h.link.mu.Lock()
	visions := h.link.visions
	h.link.mu.Unlock()
	if visions == 0 {
		t.Fatal("no position estimates sent during the sequence")
	}

	st := h.b.Status()
	if st.State != "TRACKING" {
		t.Fatalf("status state %q", st.State)
	}
	if !st.HaveSetp {
		t.Fatal("no hover setpoint after takeoff")
	}
}

func TestPoseLossEscalatesToEmergencyLand(t *testing.T) {
	h := newHarness(t, false)
	h.takeOff()

	// feed stops: pose ages past the timeout
	h.now = h.now.Add(60 * time.Millisecond)
	h.step()
	if st := h.monitor.State(); st != safety.StateLostSignal {
		t.Fatalf("stale pose: %s, want LOST_SIGNAL", st)
	}

	// the held setpoint stays, but no estimates flow on stale data
	time.Sleep(50 * time.Millisecond) // let queued envelopes drain
	h.link.mu.Lock()
	before := h.link.visions
	h.link.mu.Unlock()
	h.step()
	h.link.mu.Lock()
	after := h.link.visions
	h.link.mu.Unlock()
	if after != before {
		t.Fatalf("estimates sent on stale pose: %d -> %d", before, after)
	}

	// wall-clock grace window expires
	time.Sleep(200 * time.Millisecond)
	h.step()
	if st := h.monitor.State(); st != safety.StateEmergencyLand {
		t.Fatalf("after grace: %s, want EMERGENCY_LAND", st)
	}

	got := h.link.waitCommands(t, 4)
	if got[len(got)-1] != "land" {
		t.Fatalf("expected land to be commanded, got %v", got)
	}

	// touchdown confirmation closes the flight
	h.link.mu.Lock()
	h.link.landed = true
	h.link.mu.Unlock()
	h.step()
	if st := h.monitor.State(); st != safety.StateLanded {
		t.Fatalf("after touchdown: %s, want LANDED", st)
	}
}

func TestPoseRecoveryWithinGrace(t *testing.T) {
	h := newHarness(t, false)
	h.takeOff()

	h.now = h.now.Add(60 * time.Millisecond)
	h.step()
	if st := h.monitor.State(); st != safety.StateLostSignal {
		t.Fatalf("stale pose: %s, want LOST_SIGNAL", st)
	}

	h.stepFed()
	if st := h.monitor.State(); st != safety.StateTracking {
		t.Fatalf("recovered pose: %s, want TRACKING", st)
	}
}

func TestTargetLossHolds(t *testing.T) {
	h := newHarness(t, true)
	h.feed(targetBody, frame.Vec3{X: 1, Y: 2, Z: 1})
	h.takeOff()

	st := h.b.Status()
	if !st.HaveSetp {
		t.Fatal("no follow setpoint while tracking a target")
	}
	followSetp := st.Setpoint

	// target feed stops, drone feed continues
	h.now = h.now.Add(60 * time.Millisecond)
	h.feed(droneBody, frame.Vec3{X: 0.1})
	h.step()
	if got := h.monitor.State(); got != safety.StateHolding {
		t.Fatalf("stale target: %s, want HOLDING", got)
	}

	h.link.mu.Lock()
	before := h.link.visions
	h.link.mu.Unlock()
	h.stepFed()
	deadline := time.Now().Add(2 * time.Second)
	for {
		h.link.mu.Lock()
		after := h.link.visions
		h.link.mu.Unlock()
		if after > before {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("estimates must keep flowing while holding")
		}
		time.Sleep(5 * time.Millisecond)
	}

	st = h.b.Status()
	if !st.HaveSetp || st.Setpoint != followSetp {
		t.Fatalf("hold setpoint drifted: %+v, want %+v", st.Setpoint, followSetp)
	}

	// target comes back
	h.feed(targetBody, frame.Vec3{X: 1.1, Y: 2, Z: 1})
	h.stepFed()
	if got := h.monitor.State(); got != safety.StateTracking {
		t.Fatalf("target recovered: %s, want TRACKING", got)
	}
}

func TestFollowSetpointFromTarget(t *testing.T) {
	h := newHarness(t, true)
	h.feed(targetBody, frame.Vec3{X: 1, Y: 2, Z: 1})
	h.takeOff()

	ned, err := frame.ToNED(frame.Pose{Pos: frame.Vec3{X: 1, Y: 2, Z: 1}, Quat: quaternion.Quaternion{W: 1}})
	if err != nil {
		t.Fatal(err)
	}
	wantPos := frame.FollowOffset(ned, 1, 0.5)

	st := h.b.Status()
	if st.Setpoint != wantPos {
		t.Fatalf("setpoint %+v, want %+v", st.Setpoint, wantPos)
	}
}

func TestImplausibleJumpRejected(t *testing.T) {
	h := newHarness(t, false)
	h.stepFed()

	// 5 m in one frame with a 1 m limit
	h.feed(droneBody, frame.Vec3{X: 5.1})
	h.step()

	st := h.b.Status()
	if st.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", st.Rejected)
	}
	// the rejected sample must not have refreshed the pose
	if st.PoseNED.Y > 1 {
		t.Fatalf("pose jumped to %+v", st.PoseNED)
	}
}

func TestMalformedSampleRejected(t *testing.T) {
	h := newHarness(t, false)
	h.frameNum++
	h.tracker.Observe(mocap.PoseSample{
		Body:  droneBody,
		Frame: h.frameNum,
		Pose:  frame.Pose{Quat: quaternion.Quaternion{W: 0.5}},
		Time:  h.now,
	})
	h.step()

	st := h.b.Status()
	if st.Rejected != 1 {
		t.Fatalf("Rejected = %d, want 1", st.Rejected)
	}
	if st.PoseAgeMS != -1 {
		t.Fatalf("rejected sample counted as a pose, age %d", st.PoseAgeMS)
	}
	if got := h.monitor.State(); got != safety.StateInit {
		t.Fatalf("state %s, want INIT", got)
	}
}

func TestTakeoffAltitudeClamped(t *testing.T) {
	h := newHarness(t, false)
	h.b.opts.TakeoffAltitude = 5 // above the 2 m ceiling
	h.takeOff()

	if !h.b.haveHold {
		t.Fatal("no hold point captured on takeoff")
	}
	if h.b.holdPoint.Z != -2 {
		t.Fatalf("hold altitude %g, want -2 (clamped, NED down positive)", h.b.holdPoint.Z)
	}
}

func TestShutdownWhileFlyingLands(t *testing.T) {
	h := newHarness(t, false)
	h.takeOff()

	h.b.shutdown()
	if st := h.monitor.State(); st != safety.StateEmergencyLand {
		t.Fatalf("after shutdown: %s, want EMERGENCY_LAND", st)
	}
	got := h.link.waitCommands(t, 4)
	if got[len(got)-1] != "land" {
		t.Fatalf("expected land on shutdown, got %v", got)
	}
}
