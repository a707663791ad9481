package fc

import (
	"time"
)

// Mode is an ArduCopter flight mode, identified by its custom-mode number.
type Mode uint32

// Mode numbers as understood by ArduCopter.
const (
	ModeStabilize Mode = 0
	ModeAuto      Mode = 3
	ModeGuided    Mode = 4
	ModeLand      Mode = 9
)

func (m Mode) String() string {
	switch m {
	case ModeStabilize:
		return "STABILIZE"
	case ModeAuto:
		return "AUTO"
	case ModeGuided:
		return "GUIDED"
	case ModeLand:
		return "LAND"
	default:
		return "UNKNOWN"
	}
}

// VisionPosition is the external position estimate fed to the autopilot's
// EKF: NED position in meters plus attitude in radians.
type VisionPosition struct {
	TimeUsec uint64
	X, Y, Z  float64
	Roll     float64
	Pitch    float64
	Yaw      float64
}

// Setpoint is a guided-mode position target in the NED local frame.
type Setpoint struct {
	X, Y, Z float64
	Yaw     float64
}

// Telemetry is the latest inbound state from the flight controller.
// LastHeartbeat is a monotonic receive timestamp; a zero value means no
// heartbeat has ever arrived.
type Telemetry struct {
	Armed            bool
	Mode             Mode
	Altitude         float64 // meters above ground, positive up
	Landed           bool    // landed state confirmed by the controller
	BatteryRemaining int     // percent, -1 when unknown
	BatteryVoltage   float64 // volts, 0 when unknown
	LastHeartbeat    time.Time
}

// Command identifies an acknowledged command class on the link.
type Command int

const (
	CommandSetMode Command = iota
	CommandArm
	CommandDisarm
	CommandTakeoff
	CommandLand
)

func (c Command) String() string {
	switch c {
	case CommandSetMode:
		return "set-mode"
	case CommandArm:
		return "arm"
	case CommandDisarm:
		return "disarm"
	case CommandTakeoff:
		return "takeoff"
	case CommandLand:
		return "land"
	default:
		return "unknown"
	}
}

// Ack is a command acknowledgement received from the controller.
type Ack struct {
	Command  Command
	Accepted bool
	Time     time.Time
}

// Link is the typed write/read surface of the flight-controller
// connection. Implementations must not block: sends enqueue onto the
// transport and telemetry reads return an immediate snapshot.
type Link interface {
	SendVisionPosition(VisionPosition) error
	SendSetpoint(Setpoint) error
	SetMode(Mode) error
	Arm() error
	Disarm() error
	Takeoff(altitude float64) error
	Land() error

	// Telemetry returns the latest inbound snapshot; ok is false until the
	// first heartbeat arrives.
	Telemetry() (t Telemetry, ok bool)

	// Acks delivers command acknowledgements. The channel is never closed
	// while the link is open; slow consumers lose acks rather than block
	// the receive loop.
	Acks() <-chan Ack

	Close() error
}
