package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	app := &cli.App{
		Name:  "momo",
		Usage: "Mobile-money notification relay CLI",
		Description: `A command-line tool for managing and debugging the relay service.

Use this CLI to ingest notifications, manage webhook destinations, inspect
delivery logs, trigger syncs, and stream events from NATS.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			// Webhook destination management
			{
				Name:    "destination",
				Aliases: []string{"dest"},
				Usage:   "Webhook destination management commands",
				Subcommands: []*cli.Command{
					destinationAddCommand(),
					destinationListCommand(),
					destinationRemoveCommand(),
					destinationTestCommand(),
				},
			},
			// Message ingestion and inspection
			{
				Name:    "message",
				Aliases: []string{"msg"},
				Usage:   "Notification ingestion and inspection commands",
				Subcommands: []*cli.Command{
					messageIngestCommand(),
					messageListCommand(),
				},
			},
			// Delivery log inspection
			deliveryLogsCommand(),
			// Sync control
			{
				Name:  "sync",
				Usage: "Remote sync commands",
				Subcommands: []*cli.Command{
					syncNowCommand(),
				},
			},
			// Temporal schedule management
			{
				Name:  "temporal",
				Usage: "Temporal schedule management commands",
				Subcommands: []*cli.Command{
					createScheduleCommand(),
					deleteScheduleCommand(),
					triggerCycleCommand(),
				},
			},
			// NATS event streaming commands
			{
				Name:  "nats",
				Usage: "NATS event streaming commands",
				Subcommands: []*cli.Command{
					subscribeCommand(),
					inspectStreamCommand(),
				},
			},
			// Server utility commands
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Relay server URL",
				EnvVars: []string{"MOMO_SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "nats-url",
				Usage:   "NATS server URL",
				EnvVars: []string{"NATS_URL"},
				Value:   "nats://localhost:4222",
			},
			&cli.StringFlag{
				Name:    "temporal-host",
				Usage:   "Temporal server address",
				EnvVars: []string{"TEMPORAL_HOST"},
				Value:   "localhost:7233",
			},
			&cli.StringFlag{
				Name:    "temporal-namespace",
				Usage:   "Temporal namespace",
				EnvVars: []string{"TEMPORAL_NAMESPACE"},
				Value:   "default",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
