// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"log"
	"os"

	"github.com/urfave/cli"

	"github.com/relabs-tech/mocap_bridge/internal/app"
	"github.com/relabs-tech/mocap_bridge/internal/config"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = "bridge"
	cliApp.Usage = "motion-capture to flight-controller vision position bridge"
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "bridge_config.txt",
			Usage: "path to the KEY=VALUE configuration file",
		},
		cli.BoolFlag{
			Name:  "auto",
			Usage: "automatically arm and take off once the pre-flight check passes",
		},
	}
	cliApp.Action = func(c *cli.Context) error {
		if err := config.InitGlobal(c.String("config")); err != nil {
			return err
		}
		return app.RunBridge(c.Bool("auto"))
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
