package app

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_bridge/internal/config"
	"github.com/relabs-tech/mocap_bridge/internal/fc"
	"github.com/relabs-tech/mocap_bridge/internal/frame"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
)

// RunFeeder is the position-only mode: it feeds VISION_POSITION_ESTIMATE
// to the flight controller and performs no flight control whatsoever.
// Manual flight stays on the RC transmitter; if the feed stops, the
// controller falls back to its other position sources.
func RunFeeder() error {
	cfg := config.Get()

	log.Println("starting vision position feeder (no flight control)")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDFeeder)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)

	tracker := mocap.NewTracker(cfg.DroneBodyID)
	if err := subscribeFeed(client, cfg.TopicRigidBodies, tracker); err != nil {
		return err
	}

	link, err := fc.Dial(cfg.MavlinkEndpoint, cfg.MavlinkSystemID)
	if err != nil {
		return err
	}
	defer link.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poseTimeout := time.Duration(cfg.PoseTimeout) * time.Millisecond
	ticker := time.NewTicker(time.Second / time.Duration(cfg.LoopRateHz))
	defer ticker.Stop()

	var (
		sent        uint64
		lastLog     = time.Now()
		lastWarning time.Time
		lastFrame   uint32
		haveFrame   bool
	)

	log.Printf("feeder: sending position estimates at %d Hz", cfg.LoopRateHz)

	for {
		select {
		case <-ctx.Done():
			log.Printf("feeder: stopped, %d estimates sent", sent)
			return nil
		case now := <-ticker.C:
			sample, age, ok := tracker.Latest(cfg.DroneBodyID)
			if !ok || age > poseTimeout {
				if now.Sub(lastWarning) > 5*time.Second {
					log.Println("feeder: no position data available")
					lastWarning = now
				}
				continue
			}
			if haveFrame && sample.Frame == lastFrame {
				continue // nothing new since the previous tick
			}

			ned, err := frame.ToNED(sample.Pose)
			if err != nil {
				log.Printf("feeder: rejected sample: %v", err)
				continue
			}
			roll, pitch, yaw := frame.ToEuler(ned.Quat)
			err = link.SendVisionPosition(fc.VisionPosition{
				TimeUsec: uint64(sample.Time.UnixMicro()),
				X:        ned.Pos.X,
				Y:        ned.Pos.Y,
				Z:        ned.Pos.Z,
				Roll:     roll,
				Pitch:    pitch,
				Yaw:      yaw,
			})
			if err != nil {
				log.Printf("feeder: send error: %v", err)
				continue
			}
			sent++
			lastFrame = sample.Frame
			haveFrame = true

			if now.Sub(lastLog) > 10*time.Second {
				log.Printf("feeder: %d estimates sent | current NED: %.2f, %.2f, %.2f",
					sent, ned.Pos.X, ned.Pos.Y, ned.Pos.Z)
				lastLog = now
			}
		}
	}
}
