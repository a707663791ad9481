// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"

	"github.com/relabs-tech/mocap_bridge/internal/app"
	"github.com/relabs-tech/mocap_bridge/internal/config"
)

func main() {
	log.Println("starting mocap-bridge mock feed (synthetic rigid bodies)")

	if err := config.InitGlobal("bridge_config.txt"); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if err := app.RunMockMocap(); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
