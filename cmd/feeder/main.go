package main

import (
	"log"

	"github.com/relabs-tech/mocap_bridge/internal/app"
	"github.com/relabs-tech/mocap_bridge/internal/config"
)

func main() {
	log.Println("starting mocap-bridge vision position feeder")

	// Load configuration
	if err := config.InitGlobal("bridge_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunFeeder(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
