package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	chatsync "github.com/clawdeck/chatsync"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// getClient creates a gateway client from the config file and environment.
func getClient() (*chatsync.Client, *Config) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No gateway configured. Run 'clawdeck init <base-url>' first.")
		os.Exit(1)
	}

	opts := []chatsync.ClientOption{chatsync.WithBaseURL(cfg.Default.BaseURL)}
	if cfg.Default.StreamMode == "ws" {
		opts = append(opts, chatsync.WithStreamMode(chatsync.StreamWebSocket))
	}
	return chatsync.NewClient(cfg.Default.Token, opts...), cfg
}

// engineConfig maps the [default] and [timing] sections onto engine settings.
// Unparseable durations fall back to the engine defaults.
func engineConfig(cfg *Config) chatsync.Config {
	ec := chatsync.Config{Transport: chatsync.TransportPoll}
	if cfg.Default.Transport == "stream" {
		ec.Transport = chatsync.TransportStream
	}
	ec.PollInterval = parseDuration(cfg.Timing.PollInterval)
	ec.QuietPeriod = parseDuration(cfg.Timing.QuietPeriod)
	ec.FailsafeTimeout = parseDuration(cfg.Timing.FailsafeTimeout)
	ec.ConfirmBackoff = parseDuration(cfg.Timing.ConfirmBackoff)
	return ec
}

func parseDuration(s string) time.Duration {
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// openState opens the local state database, ~/.clawdeck/state.db by default.
func openState(cfg *Config) (*chatsync.LocalState, error) {
	path := cfg.State.Path
	if path == "" {
		dir, err := configDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "state.db")
	}
	return chatsync.OpenLocalState(path)
}

// newEngine wires a client, the local state and a fresh console session.
func newEngine(client *chatsync.Client, cfg *Config, state *chatsync.LocalState) *chatsync.Engine {
	sessionID := uuid.NewString()
	if err := state.PruneRecent(context.Background(), sessionID); err != nil {
		fmt.Fprintf(os.Stderr, "warning: prune recent markers: %v\n", err)
	}
	return chatsync.NewEngine(client, engineConfig(cfg),
		chatsync.WithLogger(logger),
		chatsync.WithRegisterer(prometheus.DefaultRegisterer),
		chatsync.WithLocalState(state, sessionID),
	)
}

// loadAttachment reads a file into an inline attachment.
func loadAttachment(path string) (chatsync.Attachment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return chatsync.Attachment{}, fmt.Errorf("read attachment: %w", err)
	}
	return chatsync.Attachment{
		Name:     filepath.Base(path),
		MimeType: guessMimeType(path),
		Content:  base64.StdEncoding.EncodeToString(data),
	}, nil
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return "application/octet-stream"
	}
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".log": "text/plain",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}

// maskKey shows the first 4 and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
