package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <base-url> [token]",
	Short: "Store the gateway address in ~/.clawdeck/config.toml",
	Long:  "Initialize clawdeck by storing the gateway base URL and, optionally, its bearer token.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfigFile(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Default.BaseURL = args[0]
		if len(args) == 2 {
			cfg.Default.Token = args[1]
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "poll"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Gateway saved to %s\n", path)
		return nil
	},
}
