// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package dispatch

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"

	"github.com/relabs-tech/mocap_bridge/internal/fc"
)

// ErrDropped marks a position estimate rejected by the rate limiter. A
// stale estimate is worse than a missing one, so excess requests inside
// one tick window are dropped, never queued.
var ErrDropped = errors.New("dispatch: rate limited, estimate dropped")

// ErrDuplicate marks a discrete command identical to one already in
// flight. Commands like arm or land are issued at most once per distinct
// request; retrying without operator awareness is unsafe.
var ErrDuplicate = errors.New("dispatch: duplicate command suppressed")

// Kind classifies an outbound envelope.
type Kind int

const (
	KindPositionEstimate Kind = iota
	KindSetpoint
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindPositionEstimate:
		return "position-estimate"
	case KindSetpoint:
		return "setpoint"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Envelope is one outbound message from issue until it leaves the link.
// Ordering per kind is preserved: envelopes drain through a single FIFO
// in issue order.
type Envelope struct {
	Kind    Kind
	Command fc.Command // meaningful only for KindCommand
	Issued  time.Time
	send    func() error
}

type pending struct {
	payload  string
	issued   time.Time
	deadline time.Time
}

// Dispatcher rate-limits and sequences everything the bridge sends to the
// flight controller. It holds no flight-relevant state beyond in-flight
// envelope bookkeeping.
type Dispatcher struct {
	link        fc.Link
	minInterval time.Duration // position-estimate rate cap
	ackTimeout  time.Duration

	out *queue.Queue

	mu           sync.Mutex
	lastEstimate time.Time
	dropped      uint64
	inflight     map[fc.Command]pending
	lastDone     map[fc.Command]string // payload of the last acknowledged request

	onFailure func(cmd fc.Command, err error)

	done chan struct{}
}

// New creates a Dispatcher draining to link. minInterval is the shortest
// allowed spacing between two position estimates (normally just under one
// tick period); ackTimeout is how long a discrete command may wait for its
// COMMAND_ACK before being reported as a delivery failure.
func New(link fc.Link, minInterval, ackTimeout time.Duration) *Dispatcher {
	d := &Dispatcher{
		link:        link,
		minInterval: minInterval,
		ackTimeout:  ackTimeout,
		out:         queue.New(64),
		inflight:    make(map[fc.Command]pending),
		lastDone:    make(map[fc.Command]string),
		done:        make(chan struct{}),
	}
	go d.drainLoop()
	go d.ackLoop()
	return d
}

// OnFailure registers the delivery-failure hook: a command that timed out
// or was rejected by the controller. The dispatcher never retries on its
// own; the caller decides.
func (d *Dispatcher) OnFailure(fn func(cmd fc.Command, err error)) {
	d.mu.Lock()
	d.onFailure = fn
	d.mu.Unlock()
}

// drainLoop is the single writer to the link; it preserves issue order.
func (d *Dispatcher) drainLoop() {
	for {
		items, err := d.out.Get(1)
		if err != nil { // queue disposed on Close
			return
		}
		env := items[0].(*Envelope)
		if err := env.send(); err != nil {
			log.Printf("dispatch: %s send error: %v", env.Kind, err)
			if env.Kind == KindCommand {
				d.failCommand(env.Command, fmt.Errorf("dispatch: %s send failed: %w", env.Command, err))
			}
		}
	}
}

// ackLoop matches COMMAND_ACKs against in-flight commands and expires the
// ones whose deadline passed.
func (d *Dispatcher) ackLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case ack, ok := <-d.link.Acks():
			if !ok {
				return
			}
			d.resolve(ack)
		case <-ticker.C:
			d.expire(time.Now())
		}
	}
}

func (d *Dispatcher) resolve(ack fc.Ack) {
	d.mu.Lock()
	p, ok := d.inflight[ack.Command]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.inflight, ack.Command)
	if ack.Accepted {
		d.lastDone[ack.Command] = p.payload
	}
	cb := d.onFailure
	d.mu.Unlock()

	if ack.Accepted {
		log.Printf("dispatch: %s acknowledged after %s", ack.Command, ack.Time.Sub(p.issued))
		return
	}
	if cb != nil {
		cb(ack.Command, fmt.Errorf("dispatch: %s rejected by flight controller", ack.Command))
	}
}

func (d *Dispatcher) expire(now time.Time) {
	d.mu.Lock()
	var expired []fc.Command
	for cmd, p := range d.inflight {
		if now.After(p.deadline) {
			expired = append(expired, cmd)
			delete(d.inflight, cmd)
		}
	}
	cb := d.onFailure
	d.mu.Unlock()

	for _, cmd := range expired {
		if cb != nil {
			cb(cmd, fmt.Errorf("dispatch: %s not acknowledged within %s", cmd, d.ackTimeout))
		}
	}
}

func (d *Dispatcher) failCommand(cmd fc.Command, err error) {
	d.mu.Lock()
	delete(d.inflight, cmd)
	cb := d.onFailure
	d.mu.Unlock()
	if cb != nil {
		cb(cmd, err)
	}
}

// PositionEstimate enqueues one estimate, subject to the per-tick rate
// cap. Returns ErrDropped when the previous estimate is too recent.
func (d *Dispatcher) PositionEstimate(vp fc.VisionPosition) error {
	now := time.Now()

	d.mu.Lock()
	if !d.lastEstimate.IsZero() && now.Sub(d.lastEstimate) < d.minInterval {
		d.dropped++
		d.mu.Unlock()
		return ErrDropped
	}
	d.lastEstimate = now
	d.mu.Unlock()

	return d.out.Put(&Envelope{
		Kind:   KindPositionEstimate,
		Issued: now,
		send:   func() error { return d.link.SendVisionPosition(vp) },
	})
}

// DroppedEstimates reports how many estimates the rate limiter discarded.
func (d *Dispatcher) DroppedEstimates() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Setpoint enqueues a guided position target. Setpoints are re-issued
// every tick by design, so there is no dedup and no ack tracking.
func (d *Dispatcher) Setpoint(sp fc.Setpoint) error {
	return d.out.Put(&Envelope{
		Kind:   KindSetpoint,
		Issued: time.Now(),
		send:   func() error { return d.link.SendSetpoint(sp) },
	})
}

// command enqueues a discrete, acknowledged command. A request identical
// to one in flight, or identical to the last acknowledged one, is
// suppressed with ErrDuplicate.
func (d *Dispatcher) command(cmd fc.Command, payload string, send func() error) error {
	now := time.Now()

	d.mu.Lock()
	if p, ok := d.inflight[cmd]; ok && p.payload == payload {
		d.mu.Unlock()
		return ErrDuplicate
	}
	if d.lastDone[cmd] == payload {
		d.mu.Unlock()
		return ErrDuplicate
	}
	d.inflight[cmd] = pending{
		payload:  payload,
		issued:   now,
		deadline: now.Add(d.ackTimeout),
	}
	d.mu.Unlock()

	return d.out.Put(&Envelope{
		Kind:    KindCommand,
		Command: cmd,
		Issued:  now,
		send:    send,
	})
}

// SetMode requests a flight-mode change, tracked until acknowledged.
func (d *Dispatcher) SetMode(m fc.Mode) error {
	return d.command(fc.CommandSetMode, m.String(), func() error { return d.link.SetMode(m) })
}

// Arm requests motor arming, tracked until acknowledged.
func (d *Dispatcher) Arm() error {
	return d.command(fc.CommandArm, "arm", func() error { return d.link.Arm() })
}

// Takeoff requests a guided takeoff to the given altitude.
func (d *Dispatcher) Takeoff(altitude float64) error {
	payload := fmt.Sprintf("takeoff:%.2f", altitude)
	return d.command(fc.CommandTakeoff, payload, func() error { return d.link.Takeoff(altitude) })
}

// Land requests landing, tracked until acknowledged.
func (d *Dispatcher) Land() error {
	return d.command(fc.CommandLand, "land", func() error { return d.link.Land() })
}

// Close stops the drain and ack loops. Envelopes still queued are dropped.
func (d *Dispatcher) Close() {
	close(d.done)
	d.out.Dispose()
}
