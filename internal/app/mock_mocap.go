package app

import (
	"encoding/json"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/mocap_bridge/internal/config"
	"github.com/relabs-tech/mocap_bridge/internal/mocap"
)

// RunMockMocap publishes synthetic rigid-body records on the feed topic
// at capture-system rate (120 Hz), so the whole pipeline can run on a
// bench with no cameras and a SITL autopilot.
func RunMockMocap() error {
	cfg := config.Get()

	log.Println("starting mock mocap feed publisher")

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDMock)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	defer client.Disconnect(250)
	log.Printf("mock: connected to MQTT broker at %s", cfg.MQTTBroker)

	feeds := []*mocap.MockFeed{mocap.NewMockFeed(cfg.DroneBodyID)}
	if cfg.TargetBodyID != 0 {
		feeds = append(feeds, mocap.NewMockFeed(cfg.TargetBodyID))
	}

	ticker := time.NewTicker(time.Second / 120)
	defer ticker.Stop()

	var published uint64
	lastLog := time.Now()

	for t := range ticker.C {
		for _, feed := range feeds {
			rec := feed.Next()
			payload, err := json.Marshal(rec)
			if err != nil {
				log.Printf("mock: json marshal error: %v", err)
				continue
			}
			if token := client.Publish(cfg.TopicRigidBodies, 0, false, payload); token.Wait() && token.Error() != nil {
				log.Printf("mock: MQTT publish error: %v", token.Error())
				continue
			}
			published++
		}

		if t.Sub(lastLog) > 10*time.Second {
			log.Printf("mock: %d records published", published)
			lastLog = t
		}
	}
	return nil
}
