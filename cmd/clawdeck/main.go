package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Config types
// ============================================================================

// Config represents the CLI configuration stored in ~/.clawdeck/config.toml.
type Config struct {
	Default ConfigDefault `toml:"default"`
	Timing  ConfigTiming  `toml:"timing"`
	State   ConfigState   `toml:"state"`
}

// ConfigDefault holds the gateway connection settings.
type ConfigDefault struct {
	BaseURL    string `toml:"base_url"`
	Token      string `toml:"token"`
	Transport  string `toml:"transport"`   // poll | stream
	StreamMode string `toml:"stream_mode"` // sse | ws
}

// ConfigTiming overrides engine timings. Values are Go durations ("350ms").
type ConfigTiming struct {
	PollInterval    string `toml:"poll_interval"`
	QuietPeriod     string `toml:"quiet_period"`
	FailsafeTimeout string `toml:"failsafe_timeout"`
	ConfirmBackoff  string `toml:"confirm_backoff"`
}

// ConfigState locates the local state database.
type ConfigState struct {
	Path string `toml:"path"`
}

// ============================================================================
// Config helpers
// ============================================================================

// configDir returns the path to ~/.clawdeck, creating it if needed.
func configDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".clawdeck")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("cannot create config directory: %w", err)
	}
	return dir, nil
}

func configPath() (string, error) {
	dir, err := configDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// loadConfig reads the config file and applies CLAWDECK_* environment
// overrides. A missing file yields a zero-value Config.
func loadConfig() (*Config, error) {
	path, err := configPath()
	if err != nil {
		return nil, err
	}
	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("CLAWDECK_BASE_URL"); v != "" {
		cfg.Default.BaseURL = v
	}
	if v := os.Getenv("CLAWDECK_TOKEN"); v != "" {
		cfg.Default.Token = v
	}
	return cfg, nil
}

func readConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("cannot read config: %w", err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config: %w", err)
	}
	return &cfg, nil
}

// saveConfig writes the file as read, without environment overrides.
func saveConfig(cfg *Config) error {
	path, err := configPath()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("cannot write config: %w", err)
	}
	return nil
}

// setConfigValue sets a config field using dot notation (e.g. "default.base_url").
func setConfigValue(cfg *Config, key, value string) error {
	parts := strings.SplitN(key, ".", 2)
	if len(parts) != 2 {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.base_url)")
	}
	section, field := parts[0], parts[1]

	switch section {
	case "default":
		switch field {
		case "base_url":
			cfg.Default.BaseURL = value
		case "token":
			cfg.Default.Token = value
		case "transport":
			if value != "poll" && value != "stream" {
				return fmt.Errorf("transport must be poll or stream")
			}
			cfg.Default.Transport = value
		case "stream_mode":
			if value != "sse" && value != "ws" {
				return fmt.Errorf("stream_mode must be sse or ws")
			}
			cfg.Default.StreamMode = value
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "timing":
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		switch field {
		case "poll_interval":
			cfg.Timing.PollInterval = value
		case "quiet_period":
			cfg.Timing.QuietPeriod = value
		case "failsafe_timeout":
			cfg.Timing.FailsafeTimeout = value
		case "confirm_backoff":
			cfg.Timing.ConfirmBackoff = value
		default:
			return fmt.Errorf("unknown field %q in section [timing]", field)
		}
	case "state":
		switch field {
		case "path":
			cfg.State.Path = value
		default:
			return fmt.Errorf("unknown field %q in section [state]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, timing, state)", section)
	}
	return nil
}

// ============================================================================
// Root command
// ============================================================================

var (
	debugLogging bool
	metricsAddr  string

	logger = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "clawdeck",
	Short: "Agent gateway console",
	Long:  "Terminal console for an AI-agent gateway.\nChat with agents, inspect conversations, and check gateway status.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if debugLogging {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		if metricsAddr != "" {
			serveMetrics(metricsAddr)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", zap.String("addr", addr), zap.Error(err))
		}
	}()
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugLogging, "debug", false, "Verbose development logging")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
}

func main() {
	_ = godotenv.Load(".env")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
