package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/momoterminal/relay/service/temporal"
)

func createScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "create-schedule",
		Usage:     "Create the periodic relay cycle schedule for a device",
		ArgsUsage: "DEVICE_ID",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "interval",
				Aliases: []string{"i"},
				Value:   15 * time.Minute,
				Usage:   "How often to run the relay cycle (e.g. 5m, 1h)",
			},
			taskQueueFlag(),
			retentionFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("device ID is required")
			}

			deviceID := c.Args().First()
			interval := c.Duration("interval")

			tc, err := getRelayTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.CreateRelaySchedule(context.Background(), deviceID, interval); err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}

			fmt.Printf("✓ Schedule created for device %s\n", deviceID)
			fmt.Printf("  Interval: %v\n", interval)
			return nil
		},
	}
}

func deleteScheduleCommand() *cli.Command {
	return &cli.Command{
		Name:      "delete-schedule",
		Usage:     "Delete the relay cycle schedule for a device",
		ArgsUsage: "DEVICE_ID",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Skip confirmation prompt",
			},
			taskQueueFlag(),
			retentionFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("device ID is required")
			}

			deviceID := c.Args().First()

			if !c.Bool("force") {
				fmt.Printf("Are you sure you want to delete the schedule for device %s? (yes/no): ", deviceID)
				var response string
				fmt.Scanln(&response)
				if response != "yes" {
					fmt.Println("Cancelled")
					return nil
				}
			}

			tc, err := getRelayTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.DeleteRelaySchedule(context.Background(), deviceID); err != nil {
				return fmt.Errorf("failed to delete schedule: %w", err)
			}

			fmt.Printf("✓ Schedule deleted for device %s\n", deviceID)
			return nil
		},
	}
}

func triggerCycleCommand() *cli.Command {
	return &cli.Command{
		Name:      "trigger",
		Usage:     "Run a relay cycle immediately, outside the schedule",
		ArgsUsage: "DEVICE_ID",
		Flags: []cli.Flag{
			taskQueueFlag(),
			retentionFlag(),
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("device ID is required")
			}

			deviceID := c.Args().First()

			tc, err := getRelayTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			if err := tc.TriggerRelayCycle(context.Background(), deviceID); err != nil {
				return fmt.Errorf("failed to trigger relay cycle: %w", err)
			}

			fmt.Printf("✓ Relay cycle started for device %s\n", deviceID)
			return nil
		},
	}
}

func taskQueueFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "task-queue",
		Usage:   "Temporal task queue name",
		Value:   "momoterminal-relay",
		EnvVars: []string{"TEMPORAL_TASK_QUEUE"},
	}
}

func retentionFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:    "retention-horizon",
		Usage:   "How long SENT delivery logs are retained before the sweep removes them",
		Value:   720 * time.Hour,
		EnvVars: []string{"RETENTION_HORIZON"},
	}
}

// getRelayTemporalClient connects to Temporal using the global flags.
func getRelayTemporalClient(c *cli.Context) (*temporal.Client, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))

	tc, err := temporal.NewClient(
		c.String("temporal-host"),
		c.String("temporal-namespace"),
		c.String("task-queue"),
		c.Duration("retention-horizon"),
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
