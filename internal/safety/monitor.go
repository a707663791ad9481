// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package safety

import (
	"fmt"
	"sync"
	"time"
)

// Thresholds are the operational tuning values for the supervisor. Their
// semantics are fixed (monotonic elapsed time since last good update);
// the numbers come from configuration.
type Thresholds struct {
	PoseTimeout      time.Duration // pose older than this is stale
	SignalGrace      time.Duration // time in LOST_SIGNAL before emergency land
	TargetTimeout    time.Duration // target older than this is lost
	LinkTimeout      time.Duration // heartbeat older than this is a dead link
	PreflightSamples uint64        // pose samples required before READY
	PreflightWindow  time.Duration // how long the pose stream must stay healthy
}

// Inputs are the per-tick health signals the Monitor consumes. All ages
// are monotonic elapsed time since the source's last accepted update;
// rejected samples never refresh an age.
type Inputs struct {
	PoseOK   bool // a pose sample has ever been accepted
	PoseAge  time.Duration
	PoseSeen uint64 // cumulative accepted sample count, for pre-flight

	TargetConfigured bool
	TargetOK         bool
	TargetAge        time.Duration

	LinkOK  bool // a heartbeat has ever been received
	LinkAge time.Duration

	BatteryLow      bool // below the configured failsafe threshold
	LandedConfirmed bool // ground truth from telemetry
}

// Monitor is the single writer of the flight supervision state. It is
// driven once per control-loop tick via Tick and by explicit operator
// requests via Request. All other components only read State/Permitted.
type Monitor struct {
	mu         sync.RWMutex
	thresholds Thresholds
	state      State
	faultCause string

	// LOST_SIGNAL bookkeeping: which flying state to restore on recovery
	// and when the signal was lost.
	resumeState State
	lostSince   time.Time

	// pre-flight: when the pose stream and link last became healthy together
	healthySince time.Time

	now          func() time.Time
	onTransition func(from, to State, reason string)
}

// NewMonitor creates a Monitor in INIT.
func NewMonitor(th Thresholds) *Monitor {
	return &Monitor{
		thresholds: th,
		state:      StateInit,
		now:        time.Now,
	}
}

// OnTransition registers a hook invoked for every state change, after the
// change has been applied. Used for logging and event publishing; the hook
// must not call back into the Monitor.
func (m *Monitor) OnTransition(fn func(from, to State, reason string)) {
	m.mu.Lock()
	m.onTransition = fn
	m.mu.Unlock()
}

// State returns the current supervision state.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// FaultCause describes why the Monitor entered FAULT, empty otherwise.
func (m *Monitor) FaultCause() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faultCause
}

func (m *Monitor) transition(to State, reason string) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	if m.onTransition != nil {
		m.onTransition(from, to, reason)
	}
}

// Tick evaluates every signal-driven transition exactly once. It must be
// called from the control loop only; that keeps the Monitor single-writer.
// The returned state is the state after evaluation.
func (m *Monitor) Tick(in Inputs) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	poseStale := !in.PoseOK || in.PoseAge > m.thresholds.PoseTimeout
	linkStale := !in.LinkOK || in.LinkAge > m.thresholds.LinkTimeout
	targetStale := in.TargetConfigured && (!in.TargetOK || in.TargetAge > m.thresholds.TargetTimeout)

	// Link loss or a drained battery in the air overrides everything
	// except touchdown.
	if m.state.Flying() && m.state != StateEmergencyLand {
		if linkStale {
			m.transition(StateEmergencyLand, "command link unhealthy")
			return m.state
		}
		if in.BatteryLow {
			m.transition(StateEmergencyLand, "battery below failsafe threshold")
			return m.state
		}
	}

	switch m.state {
	case StateInit:
		if poseStale || linkStale || in.PoseSeen < m.thresholds.PreflightSamples {
			m.healthySince = time.Time{}
			break
		}
		if m.healthySince.IsZero() {
			m.healthySince = now
		}
		if now.Sub(m.healthySince) >= m.thresholds.PreflightWindow {
			m.transition(StateReady, "pre-flight check passed")
		}

	case StateReady, StateArmedIdle:
		// On the ground a stale pose simply narrows the permitted set;
		// pre-flight health is re-checked implicitly through Permitted.

	case StateTracking:
		if poseStale {
			m.resumeState = StateTracking
			m.lostSince = now
			m.transition(StateLostSignal, "pose source stale")
		} else if targetStale {
			m.transition(StateHolding, "target source stale")
		}

	case StateHolding:
		if poseStale {
			m.resumeState = StateHolding
			m.lostSince = now
			m.transition(StateLostSignal, "pose source stale")
		} else if in.TargetConfigured && !targetStale {
			m.transition(StateTracking, "target source recovered")
		}

	case StateLostSignal:
		if !poseStale {
			m.transition(m.resumeState, "pose source recovered within grace window")
		} else if now.Sub(m.lostSince) > m.thresholds.SignalGrace {
			m.transition(StateEmergencyLand, "pose grace window exceeded")
		}

	case StateEmergencyLand:
		if in.LandedConfirmed {
			m.transition(StateLanded, "landing confirmed")
		}

	case StateLanded, StateFault:
		// terminal
	}

	return m.state
}

// Request applies an explicit arm/takeoff/land request. A request the
// state machine has no edge for is an internal inconsistency: the Monitor
// enters FAULT rather than guessing the closest valid state. Repeating a
// request that is already satisfied (arm while armed, land while landing)
// is a defined no-op.
func (m *Monitor) Request(r Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch r {
	case RequestNone:
		return nil

	case RequestArm:
		switch m.state {
		case StateReady:
			m.transition(StateArmedIdle, "arm request accepted")
			return nil
		case StateArmedIdle:
			return nil // already armed
		}

	case RequestTakeoff:
		switch m.state {
		case StateArmedIdle:
			m.transition(StateTracking, "takeoff accepted, tracking")
			return nil
		case StateTracking:
			return nil // already airborne
		}

	case RequestLand:
		switch m.state {
		case StateTracking, StateHolding, StateLostSignal:
			m.transition(StateEmergencyLand, "land requested")
			return nil
		case StateEmergencyLand, StateLanded:
			return nil // already landing or landed
		}
	}

	cause := fmt.Sprintf("no transition for request %q in state %s", r, m.state)
	m.faultCause = cause
	m.transition(StateFault, cause)
	return fmt.Errorf("safety: %s", cause)
}

// Permitted returns the command classes the control loop may issue this
// tick. The position estimate stays permitted in every non-terminal state
// so the autopilot keeps receiving position truth while holding or landing.
func (m *Monitor) Permitted() Class {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch m.state {
	case StateInit:
		return ClassPositionEstimate
	case StateReady:
		return ClassPositionEstimate | ClassModeChange | ClassArm
	case StateArmedIdle:
		return ClassPositionEstimate | ClassModeChange | ClassTakeoff | ClassLand
	case StateTracking, StateHolding:
		return ClassPositionEstimate | ClassSetpoint | ClassLand
	case StateLostSignal:
		return ClassPositionEstimate | ClassLand
	case StateEmergencyLand:
		return ClassPositionEstimate | ClassModeChange | ClassLand
	default: // LANDED, FAULT
		return 0
	}
}
