// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package safety

import (
	"testing"
	"time"
)

var testThresholds = Thresholds{
	PoseTimeout:      100 * time.Millisecond,
	SignalGrace:      500 * time.Millisecond,
	TargetTimeout:    200 * time.Millisecond,
	LinkTimeout:      time.Second,
	PreflightSamples: 3,
	PreflightWindow:  300 * time.Millisecond,
}

// clockMonitor pairs a Monitor with a manually advanced clock.
type clockMonitor struct {
	*Monitor
	clock time.Time
}

func newClockMonitor() *clockMonitor {
	cm := &clockMonitor{
		Monitor: NewMonitor(testThresholds),
		clock:   time.Unix(1000, 0),
	}
	cm.now = func() time.Time { return cm.clock }
	return cm
}

func (cm *clockMonitor) advance(d time.Duration) { cm.clock = cm.clock.Add(d) }

func healthy() Inputs {
	return Inputs{
		PoseOK:   true,
		PoseAge:  10 * time.Millisecond,
		PoseSeen: 100,
		LinkOK:   true,
		LinkAge:  50 * time.Millisecond,
	}
}

// fly walks the monitor INIT -> READY -> ARMED_IDLE -> TRACKING.
func (cm *clockMonitor) fly(t *testing.T) {
	t.Helper()
	cm.Tick(healthy())
	cm.advance(testThresholds.PreflightWindow)
	if st := cm.Tick(healthy()); st != StateReady {
		t.Fatalf("after pre-flight window: %s, want READY", st)
	}
	if err := cm.Request(RequestArm); err != nil {
		t.Fatalf("arm: %v", err)
	}
	if err := cm.Request(RequestTakeoff); err != nil {
		t.Fatalf("takeoff: %v", err)
	}
	if st := cm.State(); st != StateTracking {
		t.Fatalf("after takeoff: %s, want TRACKING", st)
	}
}

func TestPreflightRequiresSamplesAndWindow(t *testing.T) {
	cm := newClockMonitor()

	// too few samples: stays in INIT no matter how long
	in := healthy()
	in.PoseSeen = testThresholds.PreflightSamples - 1
	cm.Tick(in)
	cm.advance(time.Minute)
	if st := cm.Tick(in); st != StateInit {
		t.Fatalf("with %d samples: %s, want INIT", in.PoseSeen, st)
	}

	// enough samples, but the window restarts after any unhealthy tick
	cm.Tick(healthy())
	cm.advance(testThresholds.PreflightWindow / 2)
	stale := healthy()
	stale.PoseAge = testThresholds.PoseTimeout + time.Millisecond
	cm.Tick(stale)
	cm.advance(testThresholds.PreflightWindow / 2)
	if st := cm.Tick(healthy()); st != StateInit {
		t.Fatalf("window should have restarted, got %s", st)
	}
	cm.advance(testThresholds.PreflightWindow)
	if st := cm.Tick(healthy()); st != StateReady {
		t.Fatalf("after full healthy window: %s, want READY", st)
	}
}

func TestLostSignalRecovery(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	stale := healthy()
	stale.PoseAge = testThresholds.PoseTimeout + time.Millisecond
	if st := cm.Tick(stale); st != StateLostSignal {
		t.Fatalf("stale pose while tracking: %s, want LOST_SIGNAL", st)
	}

	// recovery inside the grace window resumes the prior state
	cm.advance(testThresholds.SignalGrace / 2)
	if st := cm.Tick(healthy()); st != StateTracking {
		t.Fatalf("recovered pose: %s, want TRACKING", st)
	}
}

func TestLostSignalGraceExceeded(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	stale := healthy()
	stale.PoseAge = testThresholds.PoseTimeout + time.Millisecond
	cm.Tick(stale)
	cm.advance(testThresholds.SignalGrace + time.Millisecond)
	if st := cm.Tick(stale); st != StateEmergencyLand {
		t.Fatalf("grace exceeded: %s, want EMERGENCY_LAND", st)
	}

	// emergency land is one-way: a recovered pose must not resurrect flight
	if st := cm.Tick(healthy()); st != StateEmergencyLand {
		t.Fatalf("pose recovery during emergency land: %s, want EMERGENCY_LAND", st)
	}

	in := healthy()
	in.LandedConfirmed = true
	if st := cm.Tick(in); st != StateLanded {
		t.Fatalf("landing confirmed: %s, want LANDED", st)
	}
	if st := cm.Tick(healthy()); st != StateLanded {
		t.Fatalf("LANDED must be terminal, got %s", st)
	}
}

func TestHoldingOnTargetLoss(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	withTarget := healthy()
	withTarget.TargetConfigured = true
	withTarget.TargetOK = true
	withTarget.TargetAge = 10 * time.Millisecond
	if st := cm.Tick(withTarget); st != StateTracking {
		t.Fatalf("fresh target: %s, want TRACKING", st)
	}

	lost := withTarget
	lost.TargetAge = testThresholds.TargetTimeout + time.Millisecond
	if st := cm.Tick(lost); st != StateHolding {
		t.Fatalf("stale target: %s, want HOLDING", st)
	}
	if st := cm.Tick(withTarget); st != StateTracking {
		t.Fatalf("target recovered: %s, want TRACKING", st)
	}
}

func TestHoldingThenPoseLoss(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	lostTarget := healthy()
	lostTarget.TargetConfigured = true
	lostTarget.TargetOK = false
	cm.Tick(lostTarget)
	if st := cm.State(); st != StateHolding {
		t.Fatalf("setup: %s, want HOLDING", st)
	}

	stale := lostTarget
	stale.PoseAge = testThresholds.PoseTimeout + time.Millisecond
	if st := cm.Tick(stale); st != StateLostSignal {
		t.Fatalf("stale pose while holding: %s, want LOST_SIGNAL", st)
	}
	// recovery resumes HOLDING, not TRACKING: the target is still gone
	if st := cm.Tick(lostTarget); st != StateHolding {
		t.Fatalf("pose recovered: %s, want HOLDING", st)
	}
}

func TestLinkLossInFlight(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	dead := healthy()
	dead.LinkAge = testThresholds.LinkTimeout + time.Millisecond
	if st := cm.Tick(dead); st != StateEmergencyLand {
		t.Fatalf("dead link while flying: %s, want EMERGENCY_LAND", st)
	}
}

func TestBatteryFailsafeInFlight(t *testing.T) {
	cm := newClockMonitor()

	// on the ground a low battery does not trigger the failsafe
	low := healthy()
	low.BatteryLow = true
	cm.Tick(low)
	cm.advance(testThresholds.PreflightWindow)
	if st := cm.Tick(low); st != StateReady {
		t.Fatalf("low battery on the ground: %s, want READY", st)
	}

	cm = newClockMonitor()
	cm.fly(t)
	if st := cm.Tick(low); st != StateEmergencyLand {
		t.Fatalf("low battery while flying: %s, want EMERGENCY_LAND", st)
	}
}

func TestUndefinedRequestFaults(t *testing.T) {
	cm := newClockMonitor()
	cm.Tick(healthy())
	cm.advance(testThresholds.PreflightWindow)
	cm.Tick(healthy()) // READY

	if err := cm.Request(RequestTakeoff); err == nil {
		t.Fatal("takeoff from READY must be rejected")
	}
	if st := cm.State(); st != StateFault {
		t.Fatalf("after undefined request: %s, want FAULT", st)
	}
	if cm.FaultCause() == "" {
		t.Fatal("FAULT must carry a cause")
	}
	// FAULT is terminal, even against further requests
	if err := cm.Request(RequestArm); err == nil {
		t.Fatal("request in FAULT must be rejected")
	}
	if st := cm.Tick(healthy()); st != StateFault {
		t.Fatalf("FAULT left via Tick: %s", st)
	}
}

func TestIdempotentRequests(t *testing.T) {
	cm := newClockMonitor()
	cm.fly(t)

	// repeating an already satisfied request is a defined no-op
	if err := cm.Request(RequestTakeoff); err != nil {
		t.Fatalf("takeoff while tracking: %v", err)
	}
	if err := cm.Request(RequestLand); err != nil {
		t.Fatalf("land: %v", err)
	}
	if st := cm.State(); st != StateEmergencyLand {
		t.Fatalf("after land request: %s, want EMERGENCY_LAND", st)
	}
	if err := cm.Request(RequestLand); err != nil {
		t.Fatalf("repeated land: %v", err)
	}
	if st := cm.State(); st != StateEmergencyLand {
		t.Fatalf("repeated land changed state to %s", st)
	}
}

func TestPermittedClasses(t *testing.T) {
	cm := newClockMonitor()

	if p := cm.Permitted(); p != ClassPositionEstimate {
		t.Fatalf("INIT permits %08b, want position estimate only", p)
	}

	cm.fly(t)
	p := cm.Permitted()
	if !p.Has(ClassSetpoint) || !p.Has(ClassPositionEstimate) || !p.Has(ClassLand) {
		t.Fatalf("TRACKING permits %08b", p)
	}
	if p.Has(ClassArm) || p.Has(ClassTakeoff) {
		t.Fatalf("TRACKING must not permit arm/takeoff, got %08b", p)
	}

	stale := healthy()
	stale.PoseAge = testThresholds.PoseTimeout + time.Millisecond
	cm.Tick(stale)
	p = cm.Permitted()
	if p.Has(ClassSetpoint) {
		t.Fatalf("LOST_SIGNAL must not permit setpoints, got %08b", p)
	}
	if !p.Has(ClassPositionEstimate) || !p.Has(ClassLand) {
		t.Fatalf("LOST_SIGNAL permits %08b", p)
	}

	cm.advance(testThresholds.SignalGrace + time.Millisecond)
	cm.Tick(stale)
	in := stale
	in.LandedConfirmed = true
	cm.Tick(in)
	if st := cm.State(); st != StateLanded {
		t.Fatalf("setup: %s, want LANDED", st)
	}
	if p := cm.Permitted(); p != 0 {
		t.Fatalf("LANDED permits %08b, want none", p)
	}
}

func TestTransitionHook(t *testing.T) {
	cm := newClockMonitor()
	type hop struct{ from, to State }
	var hops []hop
	cm.OnTransition(func(from, to State, reason string) {
		if reason == "" {
			t.Errorf("transition %s -> %s without reason", from, to)
		}
		hops = append(hops, hop{from, to})
	})

	cm.fly(t)

	want := []hop{
		{StateInit, StateReady},
		{StateReady, StateArmedIdle},
		{StateArmedIdle, StateTracking},
	}
	if len(hops) != len(want) {
		t.Fatalf("got %d transitions, want %d", len(hops), len(want))
	}
	for i, w := range want {
		if hops[i] != w {
			t.Fatalf("transition %d: %s -> %s, want %s -> %s", i, hops[i].from, hops[i].to, w.from, w.to)
		}
	}
}
