package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	chatsync "github.com/clawdeck/chatsync"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "print the config file as stored")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage clawdeck configuration",
	Long:  "View or modify the clawdeck configuration stored in ~/.clawdeck/config.toml.",
}

var configShowRaw bool

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  "Print every section with environment overrides and engine defaults applied.\nUse --raw to print the file as stored.",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if configShowRaw {
			data, err := os.ReadFile(path)
			if err != nil {
				if os.IsNotExist(err) {
					fmt.Println("No configuration file found. Run 'clawdeck init <base-url> [token]' to create one.")
					return nil
				}
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Print(string(data))
			return nil
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ec := engineConfig(cfg)
		statePath := cfg.State.Path
		if statePath == "" {
			statePath = filepath.Join(filepath.Dir(path), "state.db")
		}

		fmt.Printf("# %s\n", path)
		fmt.Println("[default]")
		fmt.Printf("base_url    = %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("token       = %s\n", valueOrDefault(maskKey(cfg.Default.Token), "(not set)"))
		fmt.Printf("transport   = %s\n", ec.Transport)
		fmt.Printf("stream_mode = %s\n", valueOrDefault(cfg.Default.StreamMode, "sse"))
		fmt.Println()
		fmt.Println("[timing]")
		fmt.Printf("poll_interval    = %s\n", timingValue(cfg.Timing.PollInterval, chatsync.DefaultPollInterval))
		fmt.Printf("quiet_period     = %s\n", timingValue(cfg.Timing.QuietPeriod, chatsync.DefaultQuietPeriod))
		fmt.Printf("failsafe_timeout = %s\n", timingValue(cfg.Timing.FailsafeTimeout, chatsync.DefaultFailsafeTimeout))
		fmt.Printf("confirm_backoff  = %s\n", timingValue(cfg.Timing.ConfirmBackoff, chatsync.DefaultConfirmBackoff))
		fmt.Println()
		fmt.Println("[state]")
		fmt.Printf("path = %s\n", statePath)
		return nil
	},
}

// timingValue shows a configured duration, or the default it falls back to.
func timingValue(raw string, def time.Duration) string {
	if d := parseDuration(raw); d > 0 {
		return d.String()
	}
	if raw != "" {
		return fmt.Sprintf("%s (invalid %q)", def, raw)
	}
	return def.String() + " (default)"
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: clawdeck config set timing.quiet_period 3s",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		path, err := configPath()
		if err != nil {
			return err
		}
		cfg, err := readConfigFile(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "default.token" {
			value = maskKey(value)
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
