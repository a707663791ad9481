// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/relabs-tech/mocap_bridge/internal/dispatch"
	"github.com/relabs-tech/mocap_bridge/internal/fc"
	"github.com/relabs-tech/mocap_bridge/internal/frame"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
	"github.com/relabs-tech/mocap_bridge/internal/safety"
)

// Options are the tuning values of one bridge instance. They arrive from
// the configuration file at startup and are never mutated afterwards.
type Options struct {
	TickPeriod time.Duration
	Thresholds safety.Thresholds

	DroneBody  uint32
	TargetBody uint32 // 0 = no target configured

	TakeoffAltitude float64
	MaxAltitude     float64
	MaxPositionJump float64 // meters, 0 disables the jump check
	FollowBehind    float64
	FollowAbove     float64

	// Battery failsafe thresholds, 0 disables the respective check.
	MinBatteryVoltage   float64
	MinBatteryRemaining int

	// AutoSequence drives GUIDED -> arm -> takeoff automatically once the
	// pre-flight check passes, the way the follow scripts fly. When false
	// the sequence waits for explicit RequestArm/RequestTakeoff calls.
	AutoSequence bool
}

// goodPose is the last accepted and transformed pose of one source.
type goodPose struct {
	ned   frame.Pose
	frame uint32
	time  time.Time
	ok    bool
}

// Status is a read-only snapshot of the bridge for observers (web, MQTT,
// display). Observers never feed back into the loop.
type Status struct {
	State       string     `json:"state"`
	PoseNED     frame.Vec3 `json:"pose_ned"`
	PoseAgeMS   int64      `json:"pose_age_ms"`
	TargetAgeMS int64      `json:"target_age_ms"`
	LinkAgeMS   int64      `json:"link_age_ms"`
	Setpoint    frame.Vec3 `json:"setpoint"`
	HaveSetp    bool       `json:"have_setpoint"`
	Armed       bool       `json:"armed"`
	Mode        string     `json:"mode"`
	Altitude    float64    `json:"altitude"`
	Estimates   uint64     `json:"estimates_sent"`
	Rejected    uint64     `json:"samples_rejected"`
	TickDriftMS int64      `json:"tick_drift_ms"`
}

// Bridge runs the fixed-rate control loop: pose in, NED estimate out,
// supervised by the safety Monitor.
type Bridge struct {
	opts    Options
	tracker *mocap.Tracker
	monitor *safety.Monitor
	disp    *dispatch.Dispatcher
	link    fc.Link

	// loop-owned state, only touched from Run's goroutine
	pose       goodPose
	target     goodPose
	accepted   uint64
	rejected   uint64
	estimates  uint64
	setpoint   fc.Setpoint
	haveSetp   bool
	holdPoint  fc.Setpoint
	haveHold   bool
	lastDrift  time.Duration
	landedOnce bool

	// operator requests, applied on the next tick
	reqMu sync.Mutex
	reqs  []safety.Request

	statusMu sync.RWMutex
	status   Status
}

// New wires a Bridge together. The tracker must be the one the feed
// ingestion writes into; the dispatcher must drain to the same link the
// telemetry is read from.
func New(opts Options, tracker *mocap.Tracker, monitor *safety.Monitor, disp *dispatch.Dispatcher, link fc.Link) *Bridge {
	return &Bridge{
		opts:    opts,
		tracker: tracker,
		monitor: monitor,
		disp:    disp,
		link:    link,
	}
}

// Monitor exposes the safety monitor for read-only state queries.
func (b *Bridge) Monitor() *safety.Monitor { return b.monitor }

// Request queues an operator request for the next tick. Requests are
// applied in order, one tick at a time.
func (b *Bridge) Request(r safety.Request) {
	b.reqMu.Lock()
	b.reqs = append(b.reqs, r)
	b.reqMu.Unlock()
}

// Status returns the latest loop snapshot.
func (b *Bridge) Status() Status {
	b.statusMu.RLock()
	defer b.statusMu.RUnlock()
	return b.status
}

// Run drives the loop until ctx is cancelled. On cancellation while
// flying it issues a best-effort land before returning; the process never
// simply vanishes mid-flight.
func (b *Bridge) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.TickPeriod)
	defer ticker.Stop()

	log.Printf("bridge: control loop started, period %s", b.opts.TickPeriod)
	expected := time.Now().Add(b.opts.TickPeriod)

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			// Missed deadlines are measured, not silently absorbed. The
			// drift shows up in the status snapshot and the pose ages keep
			// growing on their own monotonic clock.
			b.lastDrift = now.Sub(expected)
			if b.lastDrift > b.opts.TickPeriod {
				log.Printf("bridge: tick overran by %s", b.lastDrift)
			}
			expected = now.Add(b.opts.TickPeriod)

			b.tick(now)

			if b.monitor.State().Terminal() && !b.landedOnce {
				b.landedOnce = true
				log.Printf("bridge: terminal state %s, loop idling", b.monitor.State())
			}
		}
	}
}

// tick is one pass of the control loop.
func (b *Bridge) tick(now time.Time) {
	// 1) ingest the latest snapshots; never blocks on the sources
	b.ingest(&b.pose, b.opts.DroneBody, now)
	if b.opts.TargetBody != 0 {
		b.ingest(&b.target, b.opts.TargetBody, now)
	}

	telemetry, haveHB := b.link.Telemetry()

	// 2) feed the supervisor
	in := safety.Inputs{
		PoseOK:           b.pose.ok,
		PoseSeen:         b.accepted,
		TargetConfigured: b.opts.TargetBody != 0,
		TargetOK:         b.target.ok,
		LinkOK:           haveHB,
		BatteryLow:       haveHB && b.batteryLow(telemetry),
		LandedConfirmed:  telemetry.Landed,
	}
	if b.pose.ok {
		in.PoseAge = now.Sub(b.pose.time)
	}
	if b.target.ok {
		in.TargetAge = now.Sub(b.target.time)
	}
	if haveHB {
		in.LinkAge = now.Sub(telemetry.LastHeartbeat)
	}
	state := b.monitor.Tick(in)

	// 3) operator requests queued since the previous tick
	b.applyRequests()
	state = b.monitor.State()
	permitted := b.monitor.Permitted()

	// 4) flight sequencing and setpoint
	if b.opts.AutoSequence {
		b.autoSequence(state, permitted, telemetry)
	}
	b.updateSetpoint(state, now)

	// 5) position truth keeps flowing while the state is not terminal
	if permitted.Has(safety.ClassPositionEstimate) && b.pose.ok &&
		now.Sub(b.pose.time) <= b.opts.Thresholds.PoseTimeout {
		roll, pitch, yaw := frame.ToEuler(b.pose.ned.Quat)
		err := b.disp.PositionEstimate(fc.VisionPosition{
			TimeUsec: uint64(b.pose.time.UnixMicro()),
			X:        b.pose.ned.Pos.X,
			Y:        b.pose.ned.Pos.Y,
			Z:        b.pose.ned.Pos.Z,
			Roll:     roll,
			Pitch:    pitch,
			Yaw:      yaw,
		})
		if err == nil {
			b.estimates++
		}
	}

	// 6) setpoint only when the supervisor allows it this tick
	if b.haveSetp && permitted.Has(safety.ClassSetpoint) {
		if err := b.disp.Setpoint(b.setpoint); err != nil {
			log.Printf("bridge: setpoint enqueue error: %v", err)
		}
	}

	// emergency landing is commanded through the dispatcher like any other
	// command; the dedup there keeps it to one request
	if state == safety.StateEmergencyLand && permitted.Has(safety.ClassLand) {
		if err := b.disp.Land(); err != nil && err != dispatch.ErrDuplicate {
			log.Printf("bridge: land enqueue error: %v", err)
		}
	}

	b.publishStatus(now, telemetry, haveHB)
}

// batteryLow checks the telemetry against the configured failsafe
// thresholds. Unknown readings (voltage 0, remaining -1) never trigger.
func (b *Bridge) batteryLow(t fc.Telemetry) bool {
	if b.opts.MinBatteryVoltage > 0 && t.BatteryVoltage > 0 && t.BatteryVoltage < b.opts.MinBatteryVoltage {
		return true
	}
	if b.opts.MinBatteryRemaining > 0 && t.BatteryRemaining >= 0 && t.BatteryRemaining < b.opts.MinBatteryRemaining {
		return true
	}
	return false
}

// ingest validates and transforms a new sample for one source. Rejected
// samples do not refresh the source's age: a bad sample is not a sample.
func (b *Bridge) ingest(g *goodPose, body uint32, now time.Time) {
	s, _, ok := b.tracker.Latest(body)
	if !ok {
		return
	}
	if g.ok && !s.Time.After(g.time) {
		return // same sample as last tick
	}

	ned, err := frame.ToNED(s.Pose)
	if err != nil {
		b.rejected++
		log.Printf("bridge: rejected sample for body %d: %v", body, err)
		return
	}
	if b.opts.MaxPositionJump > 0 && g.ok {
		if d := frame.Distance(ned.Pos, g.ned.Pos); d > b.opts.MaxPositionJump {
			b.rejected++
			log.Printf("bridge: rejected sample for body %d: position jump %.2fm", body, d)
			return
		}
	}

	g.ned = ned
	g.frame = s.Frame
	g.time = s.Time
	g.ok = true
	if body == b.opts.DroneBody {
		b.accepted++
	}
}

func (b *Bridge) applyRequests() {
	b.reqMu.Lock()
	reqs := b.reqs
	b.reqs = nil
	b.reqMu.Unlock()

	for _, r := range reqs {
		if err := b.applyRequest(r); err != nil {
			log.Printf("bridge: request %s: %v", r, err)
		}
	}
}

func (b *Bridge) applyRequest(r safety.Request) error {
	if err := b.monitor.Request(r); err != nil {
		return err
	}
	permitted := b.monitor.Permitted()

	switch r {
	case safety.RequestArm:
		if permitted.Has(safety.ClassModeChange) {
			if err := b.disp.SetMode(fc.ModeGuided); err != nil && err != dispatch.ErrDuplicate {
				return err
			}
		}
		if err := b.disp.Arm(); err != nil && err != dispatch.ErrDuplicate {
			return err
		}
	case safety.RequestTakeoff:
		b.captureHoldPoint()
		alt := b.opts.TakeoffAltitude
		if b.opts.MaxAltitude > 0 && alt > b.opts.MaxAltitude {
			log.Printf("bridge: takeoff altitude limited: %.2fm -> %.2fm", alt, b.opts.MaxAltitude)
			alt = b.opts.MaxAltitude
		}
		if err := b.disp.Takeoff(alt); err != nil && err != dispatch.ErrDuplicate {
			return err
		}
	case safety.RequestLand:
		if err := b.disp.Land(); err != nil && err != dispatch.ErrDuplicate {
			return err
		}
	}
	return nil
}

// autoSequence walks READY -> GUIDED+arm -> takeoff without an operator,
// gated on the controller's own telemetry at each step.
func (b *Bridge) autoSequence(state safety.State, permitted safety.Class, telemetry fc.Telemetry) {
	switch state {
	case safety.StateReady:
		if permitted.Has(safety.ClassArm) {
			b.Request(safety.RequestArm)
		}
	case safety.StateArmedIdle:
		// wait for the controller to confirm arming before takeoff
		if telemetry.Armed && permitted.Has(safety.ClassTakeoff) {
			b.Request(safety.RequestTakeoff)
		}
	}
}

// captureHoldPoint freezes the current position as the hover target used
// when no follow target is configured.
func (b *Bridge) captureHoldPoint() {
	if !b.pose.ok {
		return
	}
	alt := b.opts.TakeoffAltitude
	if b.opts.MaxAltitude > 0 && alt > b.opts.MaxAltitude {
		alt = b.opts.MaxAltitude
	}
	_, _, yaw := frame.ToEuler(b.pose.ned.Quat)
	b.holdPoint = fc.Setpoint{
		X:   b.pose.ned.Pos.X,
		Y:   b.pose.ned.Pos.Y,
		Z:   -alt, // NED: up is negative
		Yaw: yaw,
	}
	b.haveHold = true
}

// updateSetpoint computes the desired position for this tick. TRACKING
// derives it from the target, HOLDING reuses the last good one, terminal
// and landing states issue none at all.
func (b *Bridge) updateSetpoint(state safety.State, now time.Time) {
	switch state {
	case safety.StateTracking:
		if b.opts.TargetBody != 0 && b.target.ok {
			pos := frame.FollowOffset(b.target.ned, b.opts.FollowBehind, b.opts.FollowAbove)
			_, _, yaw := frame.ToEuler(b.target.ned.Quat)
			b.setpoint = fc.Setpoint{X: pos.X, Y: pos.Y, Z: pos.Z, Yaw: yaw}
			b.haveSetp = true
		} else if b.haveHold {
			b.setpoint = b.holdPoint
			b.haveSetp = true
		}
	case safety.StateHolding, safety.StateLostSignal:
		// keep the last good setpoint, do not recompute from stale data
	case safety.StateEmergencyLand, safety.StateLanded, safety.StateFault:
		b.haveSetp = false
	default:
		b.haveSetp = false
	}
}

func (b *Bridge) publishStatus(now time.Time, telemetry fc.Telemetry, haveHB bool) {
	st := Status{
		State:       b.monitor.State().String(),
		Armed:       telemetry.Armed,
		Mode:        telemetry.Mode.String(),
		Altitude:    telemetry.Altitude,
		Estimates:   b.estimates,
		Rejected:    b.rejected,
		TickDriftMS: b.lastDrift.Milliseconds(),
	}
	if b.pose.ok {
		st.PoseNED = b.pose.ned.Pos
		st.PoseAgeMS = now.Sub(b.pose.time).Milliseconds()
	} else {
		st.PoseAgeMS = -1
	}
	if b.target.ok {
		st.TargetAgeMS = now.Sub(b.target.time).Milliseconds()
	} else {
		st.TargetAgeMS = -1
	}
	if haveHB {
		st.LinkAgeMS = now.Sub(telemetry.LastHeartbeat).Milliseconds()
	} else {
		st.LinkAgeMS = -1
	}
	if b.haveSetp {
		st.Setpoint = frame.Vec3{X: b.setpoint.X, Y: b.setpoint.Y, Z: b.setpoint.Z}
		st.HaveSetp = true
	}

	b.statusMu.Lock()
	b.status = st
	b.statusMu.Unlock()
}

// shutdown runs on context cancellation. Mid-flight the bridge commands a
// land and gives the envelope a moment to leave the queue; abrupt
// termination while airborne is not acceptable.
func (b *Bridge) shutdown() {
	state := b.monitor.State()
	if !state.Flying() {
		log.Printf("bridge: shutdown in state %s", state)
		return
	}
	log.Printf("bridge: shutdown while flying (%s), commanding land", state)
	if err := b.monitor.Request(safety.RequestLand); err != nil {
		log.Printf("bridge: land request on shutdown: %v", err)
	}
	if err := b.disp.Land(); err != nil && err != dispatch.ErrDuplicate {
		log.Printf("bridge: land on shutdown: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
}
