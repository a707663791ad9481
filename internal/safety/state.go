// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package safety

// State is the flight supervision state. There is exactly one instance per
// process, owned by the Monitor; everything else only reads it.
type State int

const (
	StateInit State = iota
	StateReady
	StateArmedIdle
	StateTracking
	StateHolding
	StateLostSignal
	StateEmergencyLand
	StateLanded
	StateFault
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateReady:
		return "READY"
	case StateArmedIdle:
		return "ARMED_IDLE"
	case StateTracking:
		return "TRACKING"
	case StateHolding:
		return "HOLDING"
	case StateLostSignal:
		return "LOST_SIGNAL"
	case StateEmergencyLand:
		return "EMERGENCY_LAND"
	case StateLanded:
		return "LANDED"
	case StateFault:
		return "FAULT"
	default:
		return "UNKNOWN"
	}
}

// Flying reports whether the vehicle is airborne in this state.
// EMERGENCY_LAND counts: the vehicle is still in the air until the
// controller confirms touchdown.
func (s State) Flying() bool {
	switch s {
	case StateTracking, StateHolding, StateLostSignal, StateEmergencyLand:
		return true
	}
	return false
}

// Terminal reports whether the state ends the current flight. Leaving a
// terminal state requires a process restart.
func (s State) Terminal() bool {
	return s == StateLanded || s == StateFault
}

// Class is a bitmask of command classes the control loop may issue on the
// current tick. The Monitor never issues commands itself; staleness only
// ever narrows this set.
type Class uint8

const (
	ClassPositionEstimate Class = 1 << iota
	ClassModeChange
	ClassArm
	ClassTakeoff
	ClassLand
	ClassSetpoint
)

// Has reports whether class c is contained in the set.
func (p Class) Has(c Class) bool { return p&c != 0 }

// Request is an explicit operator or control-loop request fed to the
// Monitor. Signal-driven transitions (staleness, link loss) are not
// requests; they are derived from Inputs on each tick.
type Request int

const (
	RequestNone Request = iota
	RequestArm
	RequestTakeoff
	RequestLand
)

func (r Request) String() string {
	switch r {
	case RequestNone:
		return "none"
	case RequestArm:
		return "arm"
	case RequestTakeoff:
		return "takeoff"
	case RequestLand:
		return "land"
	default:
		return "unknown"
	}
}
