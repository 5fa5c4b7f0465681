package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

var addr string

func main() {
	app := cli.App{
		Name:      "synctl",
		HelpName:  "synctl",
		Usage:     "control a running syncd",
		UsageText: "synctl <command> [arguments...]",
		Flags: []cli.Flag{
			cli.StringFlag{
				Name:        "addr, a",
				Usage:       "syncd HTTP address",
				EnvVar:      "SYNCD_ADDR",
				Value:       "localhost:8080",
				Destination: &addr,
			},
		},
		Commands: []cli.Command{
			{
				Name:      "trigger",
				Aliases:   []string{"t"},
				Usage:     "request a sync now",
				ArgsUsage: "[key=value...]",
				Action:    trigger,
			},
			{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "show the work registry and connectivity",
				Action:  status,
			},
			{
				Name:   "watch",
				Usage:  "print connectivity transitions as they happen",
				Action: watch,
				Flags:  watchFlags,
			},
			{
				Name:   "flood",
				Usage:  "send concurrent manual triggers to exercise replace and dedup",
				Action: flood,
				Flags:  floodFlags,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "synctl: %s\n", err)
		os.Exit(1)
	}
}
