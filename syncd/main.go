package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"sync-scheduler/pkg/config"
)

var version = "dev"

func main() {
	cfg := config.Default()

	app := cli.NewApp()
	app.Name = "syncd"
	app.Usage = "schedule background syncs on timers, connectivity changes, boot and manual requests"
	app.Version = version
	app.Flags = cfg.DaemonFlags()
	app.Action = func(*cli.Context) error {
		return run(cfg)
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "syncd: %s\n", err)
		os.Exit(1)
	}
}
