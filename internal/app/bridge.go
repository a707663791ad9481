package app

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_bridge/internal/bridge"
	"github.com/relabs-tech/mocap_bridge/internal/config"
	"github.com/relabs-tech/mocap_bridge/internal/dispatch"
	"github.com/relabs-tech/mocap_bridge/internal/fc"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
	"github.com/relabs-tech/mocap_bridge/internal/safety"
)

// transitionEvent is the JSON payload published for every state change
// and every dispatch failure. Observers only watch; nothing they do feeds
// back into the loop.
type transitionEvent struct {
	Time   string `json:"time"`
	Kind   string `json:"kind"` // "transition" or "dispatch-failure"
	From   string `json:"from,omitempty"`
	To     string `json:"to,omitempty"`
	Reason string `json:"reason"`
}

func thresholdsFromConfig(cfg *config.Config) safety.Thresholds {
	th := safety.Thresholds{
		PoseTimeout:      time.Duration(cfg.PoseTimeout) * time.Millisecond,
		SignalGrace:      time.Duration(cfg.SignalGraceMS) * time.Millisecond,
		TargetTimeout:    time.Duration(cfg.TargetTimeout) * time.Millisecond,
		LinkTimeout:      time.Duration(cfg.LinkTimeout) * time.Millisecond,
		PreflightSamples: uint64(cfg.PreflightSamples),
		PreflightWindow:  time.Duration(cfg.PreflightWindow) * time.Millisecond,
	}
	if th.PreflightSamples == 0 {
		th.PreflightSamples = 1
	}
	return th
}

func optionsFromConfig(cfg *config.Config, auto bool) bridge.Options {
	return bridge.Options{
		TickPeriod:          time.Second / time.Duration(cfg.LoopRateHz),
		Thresholds:          thresholdsFromConfig(cfg),
		DroneBody:           cfg.DroneBodyID,
		TargetBody:          cfg.TargetBodyID,
		TakeoffAltitude:     cfg.TakeoffAltitude,
		MaxAltitude:         cfg.MaxAltitude,
		MaxPositionJump:     cfg.MaxPositionJump,
		FollowBehind:        cfg.FollowBehind,
		FollowAbove:         cfg.FollowAbove,
		MinBatteryVoltage:   cfg.BatteryMinVoltage,
		MinBatteryRemaining: cfg.BatteryMinRemaining,
		AutoSequence:        auto,
	}
}

// subscribeFeed routes decoded rigid-body records from the feed topic
// into the tracker. This is the single writer of the tracker's slots.
func subscribeFeed(client mqtt.Client, topic string, tracker *mocap.Tracker) error {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var rec mocap.Record
		if err := json.Unmarshal(msg.Payload(), &rec); err != nil {
			log.Printf("bridge: rigid-body unmarshal error: %v", err)
			return
		}
		tracker.Observe(mocap.SampleFromRecord(rec, time.Now()))
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("bridge: subscribed to %s", topic)
	return nil
}

func publishEvent(client mqtt.Client, topic string, ev transitionEvent) {
	if topic == "" {
		return
	}
	ev.Time = time.Now().Format(time.RFC3339Nano)
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Printf("bridge: event marshal error: %v", err)
		return
	}
	client.Publish(topic, 0, false, payload)
}

// RunBridge wires the full pipeline: feed -> tracker -> control loop ->
// dispatcher -> MAVLink, with state and events mirrored to MQTT for the
// web and display consumers. Blocks until SIGINT/SIGTERM.
func RunBridge(autoSequence bool) error {
	cfg := config.Get()

	log.Println("starting mocap-bridge control loop")

	// --- connect to MQTT ---
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDBridge)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("bridge: connected to MQTT broker at %s", cfg.MQTTBroker)

	// --- rigid-body ingestion ---
	tracker := mocap.NewTracker(cfg.DroneBodyID, cfg.TargetBodyID)
	if err := subscribeFeed(client, cfg.TopicRigidBodies, tracker); err != nil {
		return err
	}

	// --- flight-controller link ---
	link, err := fc.Dial(cfg.MavlinkEndpoint, cfg.MavlinkSystemID)
	if err != nil {
		return err
	}
	defer link.Close()
	log.Printf("bridge: MAVLink endpoint %s open", cfg.MavlinkEndpoint)

	tick := time.Second / time.Duration(cfg.LoopRateHz)
	ackTimeout := time.Duration(cfg.CommandAckMS) * time.Millisecond
	if ackTimeout == 0 {
		ackTimeout = 3 * time.Second
	}

	// Position estimates are capped at one per tick, with a little slack
	// for scheduler jitter.
	disp := dispatch.New(link, tick*9/10, ackTimeout)
	defer disp.Close()
	disp.OnFailure(func(cmd fc.Command, err error) {
		log.Printf("bridge: dispatch failure: %v", err)
		publishEvent(client, cfg.TopicBridgeEvent, transitionEvent{
			Kind:   "dispatch-failure",
			Reason: err.Error(),
		})
	})

	monitor := safety.NewMonitor(thresholdsFromConfig(cfg))
	monitor.OnTransition(func(from, to safety.State, reason string) {
		log.Printf("bridge: state %s -> %s (%s)", from, to, reason)
		publishEvent(client, cfg.TopicBridgeEvent, transitionEvent{
			Kind:   "transition",
			From:   from.String(),
			To:     to.String(),
			Reason: reason,
		})
	})

	b := bridge.New(optionsFromConfig(cfg, autoSequence), tracker, monitor, disp, link)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- status mirror for the passive observers ---
	go publishStatusLoop(ctx, client, cfg, b)

	err = b.Run(ctx)
	if err == context.Canceled {
		log.Println("bridge: shutdown complete")
		return nil
	}
	return err
}

// publishStatusLoop mirrors the loop snapshot to MQTT a few times per
// second. Retained messages so late subscribers get the current state.
func publishStatusLoop(ctx context.Context, client mqtt.Client, cfg *config.Config, b *bridge.Bridge) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := b.Status()
			payload, err := json.Marshal(st)
			if err != nil {
				log.Printf("bridge: status marshal error: %v", err)
				continue
			}
			if cfg.TopicBridgeState != "" {
				client.Publish(cfg.TopicBridgeState, 0, true, payload)
			}
			if cfg.TopicBridgePose != "" {
				pose, err := json.Marshal(st.PoseNED)
				if err == nil {
					client.Publish(cfg.TopicBridgePose, 0, true, pose)
				}
			}
		}
	}
}
