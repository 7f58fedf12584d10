package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli/v2"

	"github.com/momoterminal/relay/client"
)

// getClient builds an API client from the global server-url flag.
func getClient(c *cli.Context) *client.Client {
	serverURL := c.String("server-url")
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
	return client.NewClient(serverURL, nil, logger)
}

func destinationAddCommand() *cli.Command {
	return &cli.Command{
		Name:      "add",
		Aliases:   []string{"create"},
		Usage:     "Register a webhook destination",
		ArgsUsage: "NAME URL",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "routing-key",
				Aliases: []string{"r"},
				Value:   "*",
				Usage:   "Provider routing key (MTN, VODAFONE, ...) or * for catch-all",
			},
			&cli.StringFlag{
				Name:  "api-key",
				Usage: "Bearer token sent with each delivery",
			},
			&cli.StringFlag{
				Name:     "hmac-secret",
				Usage:    "Secret used to sign delivery payloads",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("destination name and URL are required")
			}

			name := c.Args().Get(0)
			destURL := c.Args().Get(1)

			cl := getClient(c)
			dest, err := cl.CreateDestination(context.Background(), name, destURL,
				c.String("routing-key"), c.String("api-key"), c.String("hmac-secret"))
			if err != nil {
				return fmt.Errorf("failed to create destination: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(dest)
			}

			fmt.Printf("✓ Destination registered\n")
			fmt.Printf("  ID:          %s\n", dest.ID)
			fmt.Printf("  Name:        %s\n", dest.Name)
			fmt.Printf("  URL:         %s\n", dest.URL)
			fmt.Printf("  Routing Key: %s\n", dest.RoutingKey)
			return nil
		},
	}
}

func destinationListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List registered webhook destinations",
		Action: func(c *cli.Context) error {
			cl := getClient(c)
			dests, err := cl.ListDestinations(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list destinations: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(dests)
			}

			if len(dests) == 0 {
				fmt.Println("No destinations registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tURL\tROUTING KEY\tACTIVE")
			for _, d := range dests {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", d.ID, d.Name, d.URL, d.RoutingKey, d.Active)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d destinations\n", len(dests))
			return nil
		},
	}
}

func destinationRemoveCommand() *cli.Command {
	return &cli.Command{
		Name:      "remove",
		Aliases:   []string{"rm", "delete"},
		Usage:     "Remove a webhook destination",
		ArgsUsage: "DESTINATION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("destination ID is required")
			}

			id := c.Args().First()
			cl := getClient(c)
			if err := cl.DeleteDestination(context.Background(), id); err != nil {
				return fmt.Errorf("failed to delete destination: %w", err)
			}

			fmt.Printf("✓ Destination deleted: %s\n", id)
			return nil
		},
	}
}

func destinationTestCommand() *cli.Command {
	return &cli.Command{
		Name:      "test",
		Usage:     "Send a synthetic signed payload to a destination",
		ArgsUsage: "DESTINATION_ID",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("destination ID is required")
			}

			id := c.Args().First()
			cl := getClient(c)
			result, err := cl.TestDestination(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to test destination: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			if result.OK {
				fmt.Printf("✓ Destination reachable\n")
			} else {
				fmt.Printf("✗ Destination test failed\n")
			}
			if result.Result != nil {
				fmt.Printf("  Status:   %d\n", result.Result.StatusCode)
				fmt.Printf("  Duration: %dms\n", result.Result.DurationMillis)
				if result.Result.ResponseExcerpt != "" {
					fmt.Printf("  Response: %s\n", result.Result.ResponseExcerpt)
				}
			}
			return nil
		},
	}
}

func messageIngestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Submit a raw notification for parsing and dispatch",
		ArgsUsage: "SENDER BODY",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "phone-number",
				Aliases: []string{"p"},
				Usage:   "Receiving phone number in E.164 format",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return fmt.Errorf("sender and body are required")
			}

			sender := c.Args().Get(0)
			body := strings.Join(c.Args().Slice()[1:], " ")

			cl := getClient(c)
			result, err := cl.Ingest(context.Background(), sender, body, c.String("phone-number"))
			if err != nil {
				return fmt.Errorf("failed to ingest notification: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(result)
			}

			if result.Message == nil {
				fmt.Println("Notification matched no provider template (ignored)")
				return nil
			}

			fmt.Printf("✓ Notification parsed and stored\n")
			fmt.Printf("  ID:       %s\n", result.Message.ID)
			fmt.Printf("  Provider: %s\n", result.Message.Provider)
			fmt.Printf("  Type:     %s\n", result.Message.Type)
			fmt.Printf("  Amount:   %s %s\n", result.Message.Amount, result.Message.CurrencyCode)
			if result.Message.Counterparty != "" {
				fmt.Printf("  Party:    %s\n", result.Message.Counterparty)
			}
			fmt.Printf("  Deliveries queued: %d\n", len(result.DeliveryLogIDs))
			return nil
		},
	}
}

func messageListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List stored messages, newest first",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Value:   20,
				Usage:   "Maximum number of messages to retrieve",
			},
			&cli.IntFlag{
				Name:    "offset",
				Aliases: []string{"o"},
				Value:   0,
				Usage:   "Number of messages to skip",
			},
		},
		Action: func(c *cli.Context) error {
			cl := getClient(c)
			messages, err := cl.ListMessages(context.Background(), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list messages: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(messages)
			}

			if len(messages) == 0 {
				fmt.Println("No messages found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROVIDER\tTYPE\tAMOUNT\tPARTY\tSYNCED\tOBSERVED")
			for _, m := range messages {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s %s\t%s\t%v\t%s\n",
					m.ID, m.Provider, m.Type, m.Amount, m.CurrencyCode,
					m.Counterparty, m.Synced, m.ObservedAt)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d messages\n", len(messages))
			return nil
		},
	}
}

func deliveryLogsCommand() *cli.Command {
	return &cli.Command{
		Name:    "delivery-logs",
		Aliases: []string{"logs"},
		Usage:   "List delivery log entries",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Value:   "PENDING",
				Usage:   "Filter by status (PENDING, SENT, FAILED)",
			},
		},
		Action: func(c *cli.Context) error {
			cl := getClient(c)
			logs, err := cl.ListDeliveryLogs(context.Background(), c.String("status"))
			if err != nil {
				return fmt.Errorf("failed to list delivery logs: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(logs)
			}

			if len(logs) == 0 {
				fmt.Println("No delivery logs found")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDESTINATION\tMESSAGE\tSTATUS\tHTTP\tRETRIES")
			for _, l := range logs {
				httpCode := "-"
				if l.HTTPCode != nil {
					httpCode = fmt.Sprintf("%d", *l.HTTPCode)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
					l.ID, l.DestinationID, l.MessageID, l.Status, httpCode, l.RetryCount)
			}
			w.Flush()

			fmt.Fprintf(os.Stderr, "\nTotal: %d delivery logs\n", len(logs))
			return nil
		},
	}
}

func syncNowCommand() *cli.Command {
	return &cli.Command{
		Name:  "now",
		Usage: "Trigger an immediate sync cycle against the remote API",
		Action: func(c *cli.Context) error {
			cl := getClient(c)
			n, err := cl.SyncNow(context.Background())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(map[string]int{"records_synced": n})
			}

			fmt.Printf("✓ Sync complete: %d record(s) pushed\n", n)
			return nil
		},
	}
}

// outputJSON pretty-prints a value to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
