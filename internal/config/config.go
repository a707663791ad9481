package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker          string
	MQTTClientIDBridge  string
	MQTTClientIDFeeder  string
	MQTTClientIDWeb     string
	MQTTClientIDDisplay string
	MQTTClientIDMock    string

	// Topics
	TopicRigidBodies string
	TopicBridgeState string
	TopicBridgePose  string
	TopicBridgeEvent string

	// Motion capture rigid-body IDs
	// DroneBodyID is required; TargetBodyID 0 means "no target configured".
	DroneBodyID  uint32
	TargetBodyID uint32

	// Control loop
	LoopRateHz int

	// Safety timing (milliseconds, monotonic elapsed time)
	PoseTimeout      int // max time without a drone pose update
	SignalGraceMS    int // time in LOST_SIGNAL before escalating to emergency land
	TargetTimeout    int // max time without a target update before HOLDING
	LinkTimeout      int // max time without flight-controller heartbeat
	CommandAckMS     int // per-command acknowledgement deadline
	PreflightSamples int // pose samples required before INIT -> READY
	PreflightWindow  int // window (ms) over which the samples must arrive

	// Flight limits
	TakeoffAltitude float64 // meters
	MaxAltitude     float64 // meters, takeoff requests above this are clamped
	MaxPositionJump float64 // meters, larger per-update jumps are rejected
	FollowBehind    float64 // meters behind the target along its heading
	FollowAbove     float64 // meters above the target

	// Battery failsafe, 0 disables the respective check
	BatteryMinVoltage   float64 // volts
	BatteryMinRemaining int     // percent

	// MAVLink endpoint: "serial:/dev/ttyUSB1:921600" or "udp:host:port"
	MavlinkEndpoint string
	MavlinkSystemID int

	// Web Server
	WebServerPort int

	// Display
	DisplayI2CAddr        uint16
	DisplayUpdateInterval int // milliseconds
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: unexported (lowercase) so other packages cannot access it directly.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex protects concurrent access.
//
// External code must use InitGlobal() to set and Get() to read, ensuring thread safety.
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{}
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Validate required fields
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func parsePositiveInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return v, nil
}

func parseMeters(key, value string) (float64, error) {
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_BRIDGE":
		c.MQTTClientIDBridge = value
	case "MQTT_CLIENT_ID_FEEDER":
		c.MQTTClientIDFeeder = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value
	case "MQTT_CLIENT_ID_DISPLAY":
		c.MQTTClientIDDisplay = value
	case "MQTT_CLIENT_ID_MOCK":
		c.MQTTClientIDMock = value

	// Topics
	case "TOPIC_RIGID_BODIES":
		c.TopicRigidBodies = value
	case "TOPIC_BRIDGE_STATE":
		c.TopicBridgeState = value
	case "TOPIC_BRIDGE_POSE":
		c.TopicBridgePose = value
	case "TOPIC_BRIDGE_EVENT":
		c.TopicBridgeEvent = value

	// Rigid-body IDs
	case "MOCAP_DRONE_BODY_ID":
		id, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid MOCAP_DRONE_BODY_ID %q: %w", value, err)
		}
		if id == 0 {
			return fmt.Errorf("MOCAP_DRONE_BODY_ID must be non-zero")
		}
		c.DroneBodyID = uint32(id)
	case "MOCAP_TARGET_BODY_ID":
		id, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid MOCAP_TARGET_BODY_ID %q: %w", value, err)
		}
		c.TargetBodyID = uint32(id)

	// Control loop
	case "LOOP_RATE_HZ":
		rate, err := parsePositiveInt("LOOP_RATE_HZ", value)
		if err != nil {
			return err
		}
		if rate > 200 {
			return fmt.Errorf("LOOP_RATE_HZ must be <= 200, got %d", rate)
		}
		c.LoopRateHz = rate

	// Safety timing
	case "POSE_TIMEOUT_MS":
		v, err := parsePositiveInt("POSE_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		c.PoseTimeout = v
	case "SIGNAL_GRACE_MS":
		v, err := parsePositiveInt("SIGNAL_GRACE_MS", value)
		if err != nil {
			return err
		}
		c.SignalGraceMS = v
	case "TARGET_TIMEOUT_MS":
		v, err := parsePositiveInt("TARGET_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		c.TargetTimeout = v
	case "LINK_TIMEOUT_MS":
		v, err := parsePositiveInt("LINK_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		c.LinkTimeout = v
	case "COMMAND_ACK_TIMEOUT_MS":
		v, err := parsePositiveInt("COMMAND_ACK_TIMEOUT_MS", value)
		if err != nil {
			return err
		}
		c.CommandAckMS = v
	case "PREFLIGHT_SAMPLES":
		v, err := parsePositiveInt("PREFLIGHT_SAMPLES", value)
		if err != nil {
			return err
		}
		c.PreflightSamples = v
	case "PREFLIGHT_WINDOW_MS":
		v, err := parsePositiveInt("PREFLIGHT_WINDOW_MS", value)
		if err != nil {
			return err
		}
		c.PreflightWindow = v

	// Flight limits
	case "TAKEOFF_ALTITUDE_M":
		v, err := parseMeters("TAKEOFF_ALTITUDE_M", value)
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("TAKEOFF_ALTITUDE_M must be positive, got %g", v)
		}
		c.TakeoffAltitude = v
	case "MAX_ALTITUDE_M":
		v, err := parseMeters("MAX_ALTITUDE_M", value)
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("MAX_ALTITUDE_M must be positive, got %g", v)
		}
		c.MaxAltitude = v
	case "MAX_POSITION_JUMP_M":
		v, err := parseMeters("MAX_POSITION_JUMP_M", value)
		if err != nil {
			return err
		}
		if v <= 0 {
			return fmt.Errorf("MAX_POSITION_JUMP_M must be positive, got %g", v)
		}
		c.MaxPositionJump = v
	case "FOLLOW_BEHIND_M":
		v, err := parseMeters("FOLLOW_BEHIND_M", value)
		if err != nil {
			return err
		}
		c.FollowBehind = v
	case "FOLLOW_ABOVE_M":
		v, err := parseMeters("FOLLOW_ABOVE_M", value)
		if err != nil {
			return err
		}
		c.FollowAbove = v

	// Battery failsafe
	case "BATTERY_MIN_VOLTAGE_V":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid BATTERY_MIN_VOLTAGE_V %q: %w", value, err)
		}
		if v < 0 {
			return fmt.Errorf("BATTERY_MIN_VOLTAGE_V must not be negative, got %g", v)
		}
		c.BatteryMinVoltage = v
	case "BATTERY_MIN_REMAINING_PCT":
		v, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid BATTERY_MIN_REMAINING_PCT %q: %w", value, err)
		}
		if v < 0 || v > 100 {
			return fmt.Errorf("BATTERY_MIN_REMAINING_PCT must be 0-100, got %d", v)
		}
		c.BatteryMinRemaining = v

	// MAVLink
	case "MAVLINK_ENDPOINT":
		c.MavlinkEndpoint = value
	case "MAVLINK_SYSTEM_ID":
		id, err := parsePositiveInt("MAVLINK_SYSTEM_ID", value)
		if err != nil {
			return err
		}
		if id > 255 {
			return fmt.Errorf("MAVLINK_SYSTEM_ID must be 1-255, got %d", id)
		}
		c.MavlinkSystemID = id

	// Web Server
	case "WEB_SERVER_PORT":
		port, err := parsePositiveInt("WEB_SERVER_PORT", value)
		if err != nil {
			return err
		}
		c.WebServerPort = port

	// Display
	case "DISPLAY_I2C_ADDR":
		addr, err := strconv.ParseUint(value, 0, 16)
		if err != nil {
			return fmt.Errorf("invalid DISPLAY_I2C_ADDR %q: %w", value, err)
		}
		c.DisplayI2CAddr = uint16(addr)
	case "DISPLAY_UPDATE_INTERVAL":
		v, err := parsePositiveInt("DISPLAY_UPDATE_INTERVAL", value)
		if err != nil {
			return err
		}
		c.DisplayUpdateInterval = v

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return nil
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.TopicRigidBodies == "" {
		return fmt.Errorf("TOPIC_RIGID_BODIES is required")
	}
	if c.DroneBodyID == 0 {
		return fmt.Errorf("MOCAP_DRONE_BODY_ID is required")
	}
	if c.LoopRateHz == 0 {
		return fmt.Errorf("LOOP_RATE_HZ is required")
	}
	if c.PoseTimeout == 0 {
		return fmt.Errorf("POSE_TIMEOUT_MS is required")
	}
	if c.SignalGraceMS == 0 {
		return fmt.Errorf("SIGNAL_GRACE_MS is required")
	}
	if c.LinkTimeout == 0 {
		return fmt.Errorf("LINK_TIMEOUT_MS is required")
	}
	if c.TargetBodyID != 0 && c.TargetTimeout == 0 {
		return fmt.Errorf("TARGET_TIMEOUT_MS is required when MOCAP_TARGET_BODY_ID is set")
	}
	if c.TargetBodyID != 0 && c.TargetBodyID == c.DroneBodyID {
		return fmt.Errorf("MOCAP_TARGET_BODY_ID must differ from MOCAP_DRONE_BODY_ID")
	}
	if c.MavlinkEndpoint == "" {
		return fmt.Errorf("MAVLINK_ENDPOINT is required")
	}
	if c.MaxAltitude != 0 && c.TakeoffAltitude > c.MaxAltitude {
		return fmt.Errorf("TAKEOFF_ALTITUDE_M %g exceeds MAX_ALTITUDE_M %g", c.TakeoffAltitude, c.MaxAltitude)
	}
	return nil
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
