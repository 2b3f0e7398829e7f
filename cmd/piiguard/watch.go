package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/org/piiguard/internal/events"
	"github.com/org/piiguard/pkg/models"
	"github.com/spf13/cobra"
)

// cliContext is the detection context the CLI observes through.
const cliContext = "cli"

func checkCmd() *cobra.Command {
	var site, field string
	cmd := &cobra.Command{
		Use:   "check <value>",
		Short: "Check a value against registered values as if it were pasted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient(true)
			if _, err := client.post("/v1/contexts/"+cliContext+"/activate", nil); err != nil {
				printError(err.Error())
				return nil
			}
			result, err := client.post("/v1/contexts/"+cliContext+"/events", map[string]any{
				"kind":  "paste",
				"site":  site,
				"field": map[string]any{"label": field, "value": args[0]},
			})
			if err != nil {
				printError(err.Error())
				return nil
			}
			results, _ := result["results"].([]any)
			for _, r := range results {
				rec, _ := r.(map[string]any)
				match, ok := rec["match"].(map[string]any)
				if !ok {
					continue
				}
				fmt.Printf("%s %s %s (%s)\n", color.RedString("!"),
					match["type"], color.YellowString("%v", match["shortDisplay"]), match["matchedBy"])
				return nil
			}
			printSuccess("No registered value detected")
			return nil
		},
	}
	cmd.Flags().StringVar(&site, "site", "cli", "Site to attribute the check to")
	cmd.Flags().StringVar(&field, "field", "", "Field label")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream lock and index changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			client := newClient(true)
			err := events.Listen(ctx, client.eventsURL(), client.tls, client.headers(),
				func(context.Context) {
					fmt.Fprintln(os.Stderr, color.CyanString("→")+" connected to "+client.addr)
				},
				printEvent,
			)
			if err != nil && !errors.Is(err, context.Canceled) {
				printError(err.Error())
			}
			return nil
		},
	}
}

func printEvent(ev models.Event) {
	at := time.UnixMilli(ev.AtMs).Format(time.TimeOnly)
	switch ev.Kind {
	case models.EventLockStateChanged:
		state := color.GreenString("unlocked")
		if ev.Locked {
			state = color.RedString("locked")
		}
		fmt.Printf("%s  vault %s\n", at, state)
	default:
		fmt.Printf("%s  %s\n", at, ev.Kind)
	}
}
