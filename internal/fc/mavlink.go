// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package fc

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/gomavlib/v3"
	"github.com/bluenviron/gomavlib/v3/pkg/dialects/common"
)

// MavlinkLink talks to the flight controller over a gomavlib node using
// the common dialect. One goroutine owns the inbound event loop; outbound
// sends go through the node's own queueing and never block the caller.
type MavlinkLink struct {
	node *gomavlib.Node

	mu        sync.RWMutex
	telemetry Telemetry
	haveHB    bool
	targetSys uint8
	targetCmp uint8

	acks chan Ack
	done chan struct{}
}

// ParseEndpoint turns a config endpoint string into a gomavlib endpoint.
// Accepted forms: "serial:/dev/ttyUSB1:921600", "udp:host:port" (client),
// "udpserver:host:port".
func ParseEndpoint(s string) (gomavlib.EndpointConf, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("fc: invalid endpoint %q", s)
	}
	switch parts[0] {
	case "serial":
		devBaud := strings.Split(parts[1], ":")
		if len(devBaud) != 2 {
			return nil, fmt.Errorf("fc: serial endpoint must be serial:<device>:<baud>, got %q", s)
		}
		baud, err := strconv.Atoi(devBaud[1])
		if err != nil {
			return nil, fmt.Errorf("fc: invalid baud rate in %q: %w", s, err)
		}
		return gomavlib.EndpointSerial{Device: devBaud[0], Baud: baud}, nil
	case "udp":
		return gomavlib.EndpointUDPClient{Address: parts[1]}, nil
	case "udpserver":
		return gomavlib.EndpointUDPServer{Address: parts[1]}, nil
	default:
		return nil, fmt.Errorf("fc: unknown endpoint scheme %q", parts[0])
	}
}

// Dial opens the MAVLink connection and starts the inbound receive loop.
func Dial(endpoint string, systemID int) (*MavlinkLink, error) {
	conf, err := ParseEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	if systemID <= 0 || systemID > 255 {
		systemID = 255 // GCS-style default
	}

	node, err := gomavlib.NewNode(gomavlib.NodeConf{
		Endpoints:   []gomavlib.EndpointConf{conf},
		Dialect:     common.Dialect,
		OutVersion:  gomavlib.V2,
		OutSystemID: byte(systemID),
	})
	if err != nil {
		return nil, fmt.Errorf("fc: mavlink node: %w", err)
	}

	l := &MavlinkLink{
		node:      node,
		targetSys: 1, // overwritten by the first heartbeat
		targetCmp: 1,
		acks:      make(chan Ack, 16),
		done:      make(chan struct{}),
	}
	l.telemetry.BatteryRemaining = -1 // unknown until BATTERY_STATUS arrives
	go l.receiveLoop()
	return l, nil
}

func (l *MavlinkLink) receiveLoop() {
	defer close(l.done)

	for evt := range l.node.Events() {
		frm, ok := evt.(*gomavlib.EventFrame)
		if !ok {
			continue
		}

		switch msg := frm.Message().(type) {
		case *common.MessageHeartbeat:
			// Only autopilot heartbeats carry the armed flag we care about.
			if msg.Type == common.MAV_TYPE_GCS {
				continue
			}
			l.mu.Lock()
			l.targetSys = frm.SystemID()
			l.targetCmp = frm.ComponentID()
			l.telemetry.Armed = msg.BaseMode&common.MAV_MODE_FLAG_SAFETY_ARMED != 0
			l.telemetry.Mode = Mode(msg.CustomMode)
			l.telemetry.LastHeartbeat = time.Now()
			l.haveHB = true
			l.mu.Unlock()

		case *common.MessageLocalPositionNed:
			l.mu.Lock()
			l.telemetry.Altitude = float64(-msg.Z)
			l.mu.Unlock()

		case *common.MessageExtendedSysState:
			l.mu.Lock()
			l.telemetry.Landed = msg.LandedState == common.MAV_LANDED_STATE_ON_GROUND
			l.mu.Unlock()

		case *common.MessageBatteryStatus:
			l.mu.Lock()
			l.telemetry.BatteryRemaining = int(msg.BatteryRemaining)
			if msg.Voltages[0] != 65535 {
				l.telemetry.BatteryVoltage = float64(msg.Voltages[0]) / 1000.0
			}
			l.mu.Unlock()

		case *common.MessageCommandAck:
			cmd, known := commandFromMavCmd(msg.Command)
			if !known {
				continue
			}
			ack := Ack{
				Command:  cmd,
				Accepted: msg.Result == common.MAV_RESULT_ACCEPTED,
				Time:     time.Now(),
			}
			select {
			case l.acks <- ack:
			default:
				log.Printf("fc: ack channel full, dropping ack for %s", cmd)
			}
		}
	}
}

func commandFromMavCmd(c common.MAV_CMD) (Command, bool) {
	switch c {
	case common.MAV_CMD_DO_SET_MODE:
		return CommandSetMode, true
	case common.MAV_CMD_COMPONENT_ARM_DISARM:
		return CommandArm, true
	case common.MAV_CMD_NAV_TAKEOFF:
		return CommandTakeoff, true
	case common.MAV_CMD_NAV_LAND:
		return CommandLand, true
	default:
		return 0, false
	}
}

func (l *MavlinkLink) target() (uint8, uint8) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.targetSys, l.targetCmp
}

// SendVisionPosition feeds one external position estimate to the EKF.
func (l *MavlinkLink) SendVisionPosition(vp VisionPosition) error {
	return l.node.WriteMessageAll(&common.MessageVisionPositionEstimate{
		Usec:  vp.TimeUsec,
		X:     float32(vp.X),
		Y:     float32(vp.Y),
		Z:     float32(vp.Z),
		Roll:  float32(vp.Roll),
		Pitch: float32(vp.Pitch),
		Yaw:   float32(vp.Yaw),
	})
}

// SendSetpoint sends a position-only guided target in the local NED frame.
func (l *MavlinkLink) SendSetpoint(sp Setpoint) error {
	sys, cmp := l.target()
	return l.node.WriteMessageAll(&common.MessageSetPositionTargetLocalNed{
		TimeBootMs:      uint32(time.Now().UnixMilli()),
		TargetSystem:    sys,
		TargetComponent: cmp,
		CoordinateFrame: common.MAV_FRAME_LOCAL_NED,
		TypeMask: common.POSITION_TARGET_TYPEMASK_VX_IGNORE |
			common.POSITION_TARGET_TYPEMASK_VY_IGNORE |
			common.POSITION_TARGET_TYPEMASK_VZ_IGNORE |
			common.POSITION_TARGET_TYPEMASK_AX_IGNORE |
			common.POSITION_TARGET_TYPEMASK_AY_IGNORE |
			common.POSITION_TARGET_TYPEMASK_AZ_IGNORE |
			common.POSITION_TARGET_TYPEMASK_YAW_RATE_IGNORE,
		X:   float32(sp.X),
		Y:   float32(sp.Y),
		Z:   float32(sp.Z),
		Yaw: float32(sp.Yaw),
	})
}

func (l *MavlinkLink) commandLong(cmd common.MAV_CMD, p1, p2, p3, p4, p5, p6, p7 float32) error {
	sys, cmp := l.target()
	return l.node.WriteMessageAll(&common.MessageCommandLong{
		TargetSystem:    sys,
		TargetComponent: cmp,
		Command:         cmd,
		Param1:          p1,
		Param2:          p2,
		Param3:          p3,
		Param4:          p4,
		Param5:          p5,
		Param6:          p6,
		Param7:          p7,
	})
}

// SetMode switches the flight mode through DO_SET_MODE so the change is
// acknowledged like every other command.
func (l *MavlinkLink) SetMode(m Mode) error {
	return l.commandLong(common.MAV_CMD_DO_SET_MODE,
		float32(common.MAV_MODE_FLAG_CUSTOM_MODE_ENABLED), float32(m), 0, 0, 0, 0, 0)
}

func (l *MavlinkLink) Arm() error {
	return l.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 1, 0, 0, 0, 0, 0, 0)
}

func (l *MavlinkLink) Disarm() error {
	return l.commandLong(common.MAV_CMD_COMPONENT_ARM_DISARM, 0, 0, 0, 0, 0, 0, 0)
}

func (l *MavlinkLink) Takeoff(altitude float64) error {
	return l.commandLong(common.MAV_CMD_NAV_TAKEOFF, 0, 0, 0, 0, 0, 0, float32(altitude))
}

func (l *MavlinkLink) Land() error {
	return l.commandLong(common.MAV_CMD_NAV_LAND, 0, 0, 0, 0, 0, 0, 0)
}

// Telemetry returns the latest inbound snapshot.
func (l *MavlinkLink) Telemetry() (Telemetry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.telemetry, l.haveHB
}

func (l *MavlinkLink) Acks() <-chan Ack {
	return l.acks
}

// Close shuts the node down and waits for the receive loop to drain.
func (l *MavlinkLink) Close() error {
	l.node.Close()
	<-l.done
	return nil
}
