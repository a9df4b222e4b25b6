package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and gateway status",
	Long:  "Display the current configuration and probe the gateway's health endpoint.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", cfg.Default.BaseURL)
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Transport:   %s\n", valueOrDefault(cfg.Default.Transport, "poll"))
		if cfg.Default.Transport == "stream" {
			fmt.Printf("  Stream mode: %s\n", valueOrDefault(cfg.Default.StreamMode, "sse"))
		}

		ec := engineConfig(cfg)
		fmt.Println()
		fmt.Println("Timing:")
		fmt.Printf("  Poll interval: %s\n", valueOrDefault(cfg.Timing.PollInterval, "(default)"))
		fmt.Printf("  Quiet period:  %s\n", valueOrDefault(cfg.Timing.QuietPeriod, "(default)"))
		fmt.Printf("  Failsafe:      %s\n", valueOrDefault(cfg.Timing.FailsafeTimeout, "(default)"))
		if ec.Transport == "stream" {
			fmt.Printf("  Confirm:       %s backoff\n", valueOrDefault(cfg.Timing.ConfirmBackoff, "(default)"))
		}

		fmt.Println()
		fmt.Println("Gateway:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		start := time.Now()
		st, err := client.CheckGatewayStatus(ctx)
		if err != nil {
			fmt.Printf("  Error: %v\n", err)
			return nil
		}
		if !st.OK {
			fmt.Printf("  Status:  unreachable (%s)\n", st.Error)
			return nil
		}
		fmt.Printf("  Status:  ok (%s)\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}
