package main

import (
	"flag"
	"log"
	"time"

	"github.com/relabs-tech/mocap_bridge/internal/app"
	"github.com/relabs-tech/mocap_bridge/internal/config"
)

func main() {
	configPath := flag.String("config", "bridge_config.txt", "path to the configuration file")
	duration := flag.Duration("duration", 10*time.Second, "how long to hover")
	flag.Parse()

	if err := config.InitGlobal(*configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunHoverTest(*duration); err != nil {
		log.Fatalf("hover test failed: %v", err)
	}
	log.Println("hover test completed successfully")
}
