// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/relabs-tech/mocap_bridge/internal/bridge"
	"github.com/relabs-tech/mocap_bridge/internal/config"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// eventRingSize bounds the in-memory event history served by /api/events.
const eventRingSize = 128

// RunWeb serves the bridge status over HTTP: a JSON snapshot, the recent
// event history, and a websocket stream. It is a passive MQTT subscriber;
// nothing here feeds back into the control loop.
func RunWeb() error {
	cfg := config.Get()

	var (
		mu         sync.RWMutex
		lastStatus bridge.Status
		haveStatus bool
		events     []json.RawMessage
	)

	// 1) Connect to MQTT broker
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTTBroker).
		SetClientID(cfg.MQTTClientIDWeb)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: connected to MQTT broker at %s", cfg.MQTTBroker)

	// 2) Subscribe to the bridge state topic and keep the latest snapshot
	token := client.Subscribe(cfg.TopicBridgeState, 0, func(_ mqtt.Client, msg mqtt.Message) {
		var st bridge.Status
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("web: status unmarshal error: %v", err)
			return
		}
		mu.Lock()
		lastStatus = st
		haveStatus = true
		mu.Unlock()
	})
	token.Wait()
	if token.Error() != nil {
		return token.Error()
	}
	log.Printf("web: subscribed to %s", cfg.TopicBridgeState)

	// 3) Keep a bounded history of transition/dispatch events
	if cfg.TopicBridgeEvent != "" {
		token := client.Subscribe(cfg.TopicBridgeEvent, 0, func(_ mqtt.Client, msg mqtt.Message) {
			raw := make(json.RawMessage, len(msg.Payload()))
			copy(raw, msg.Payload())
			mu.Lock()
			events = append(events, raw)
			if len(events) > eventRingSize {
				events = events[len(events)-eventRingSize:]
			}
			mu.Unlock()
		})
		token.Wait()
		if token.Error() != nil {
			return token.Error()
		}
		log.Printf("web: subscribed to %s", cfg.TopicBridgeEvent)
	}

	r := mux.NewRouter()

	// JSON API: latest bridge status
	r.HandleFunc("/api/status", func(w http.ResponseWriter, _ *http.Request) {
		mu.RLock()
		defer mu.RUnlock()

		if !haveStatus {
			http.Error(w, "no data yet", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(lastStatus); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	// JSON API: recent state transitions and dispatch failures
	r.HandleFunc("/api/events", func(w http.ResponseWriter, _ *http.Request) {
		mu.RLock()
		defer mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			log.Printf("web: json encode error: %v", err)
		}
	})

	// Websocket: push the status snapshot once a second
	r.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			log.Printf("web: websocket upgrade error: %v", err)
			return
		}
		defer conn.Close()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for range ticker.C {
			mu.RLock()
			st, ok := lastStatus, haveStatus
			mu.RUnlock()
			if !ok {
				continue
			}
			if err := conn.WriteJSON(st); err != nil {
				log.Printf("web: websocket write error: %v", err)
				return
			}
		}
	})

	// Static files from ./web as the root
	r.PathPrefix("/").Handler(http.FileServer(http.Dir("web")))

	addr := fmt.Sprintf(":%d", cfg.WebServerPort)
	log.Printf("web server listening on %s", addr)
	return http.ListenAndServe(addr, r)
}
