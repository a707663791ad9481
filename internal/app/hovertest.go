package app

import (
	"context"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_bridge/internal/bridge"
	"github.com/relabs-tech/mocap_bridge/internal/config"
	"github.com/relabs-tech/mocap_bridge/internal/dispatch"
	"github.com/relabs-tech/mocap_bridge/internal/fc"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
	"github.com/relabs-tech/mocap_bridge/internal/safety"
)

// RunHoverTest is the minimal end-to-end flight check: wait for position
// lock, arm, take off, hover for the given duration, land. The target
// body is deliberately ignored; this is a pure hover.
func RunHoverTest(hoverDuration time.Duration) error {
	cfg := config.Get()

	log.Println("starting hover test")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDBridge)

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

	tick := time.Second / time.Duration(cfg.LoopRateHz)
	ackTimeout := time.Duration(cfg.CommandAckMS) * time.Millisecond
	if ackTimeout == 0 {
		ackTimeout = 3 * time.Second
	}

	disp := dispatch.New(link, tick*9/10, ackTimeout)
	defer disp.Close()
	disp.OnFailure(func(cmd fc.Command, err error) {
		log.Printf("hovertest: dispatch failure: %v", err)
	})

	monitor := safety.NewMonitor(thresholdsFromConfig(cfg))
	monitor.OnTransition(func(from, to safety.State, reason string) {
		log.Printf("hovertest: state %s -> %s (%s)", from, to, reason)
	})

	hoverOpts := optionsFromConfig(cfg, true)
	hoverOpts.TargetBody = 0 // hover only, never follow
	b := bridge.New(hoverOpts, tracker, monitor, disp, link)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loopDone := make(chan error, 1)
	go func() { loopDone <- b.Run(ctx) }()

	// Wait for the auto sequence to reach TRACKING (airborne hover)
	airborne := false
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		st := monitor.State()
		if st == safety.StateTracking {
			airborne = true
			break
		}
		if st.Terminal() {
			cancel()
			<-loopDone
			return fmt.Errorf("hovertest: aborted in state %s", st)
		}
		time.Sleep(500 * time.Millisecond)
	}
	if !airborne {
		cancel()
		<-loopDone
		return fmt.Errorf("hovertest: takeoff not reached within 60s, state %s", monitor.State())
	}

	log.Printf("hovertest: hovering for %s", hoverDuration)
	hoverEnd := time.Now().Add(hoverDuration)
	for time.Now().Before(hoverEnd) {
		if st := monitor.State(); st == safety.StateEmergencyLand || st.Terminal() {
			log.Printf("hovertest: hover interrupted by state %s", st)
			break
		}
		time.Sleep(time.Second)
	}

	log.Println("hovertest: landing")
	b.Request(safety.RequestLand)

	landDeadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(landDeadline) {
		if monitor.State() == safety.StateLanded {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	cancel()
	<-loopDone

	final := monitor.State()
	log.Printf("hovertest: finished in state %s", final)
	if final != safety.StateLanded {
		return fmt.Errorf("hovertest: expected LANDED, got %s", final)
	}
	return nil
}
