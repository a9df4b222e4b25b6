package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	chatsync "github.com/clawdeck/chatsync"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	conversationsJSON bool

	historyJSON bool
	historyYAML bool
	historyDisp string
)

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations known to the gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		convs, err := client.ListConversations(ctx)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			title := valueOrDefault(c.Title, "(untitled)")
			updated := "never"
			if !c.UpdatedAt.IsZero() {
				updated = humanize.Time(c.UpdatedAt)
			}
			fmt.Printf("%-24s %-40s %s\n", c.DisplayID, truncate(title, 40), updated)
			if c.LastMessage != nil {
				fmt.Printf("  %s: %s\n", c.LastMessage.Role, truncate(oneLine(c.LastMessage.Text()), 70))
			}
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-key>",
	Short: "Print the confirmed transcript of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, _ := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		h, err := client.FetchHistory(ctx, args[0], historyDisp)
		if err != nil {
			if chatsync.IsAuthMissing(err) {
				return fmt.Errorf("gateway rejected the token; run 'clawdeck config set default.token <token>'")
			}
			return fmt.Errorf("request failed: %w", err)
		}

		switch {
		case historyJSON:
			return printJSON(h.Messages)
		case historyYAML:
			enc := yaml.NewEncoder(os.Stdout)
			enc.SetIndent(2)
			defer enc.Close()
			return enc.Encode(transcript(h.Messages))
		}

		for _, m := range h.Messages {
			printMessage(m)
		}
		return nil
	},
}

// transcriptEntry is the YAML export shape of a message.
type transcriptEntry struct {
	ID       string   `yaml:"id"`
	Role     string   `yaml:"role"`
	At       string   `yaml:"at,omitempty"`
	Text     string   `yaml:"text,omitempty"`
	Thinking string   `yaml:"thinking,omitempty"`
	Files    []string `yaml:"files,omitempty"`
}

func transcript(msgs []chatsync.Message) []transcriptEntry {
	out := make([]transcriptEntry, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		e := transcriptEntry{
			ID:       m.ID,
			Role:     string(m.Role),
			Text:     m.Text(),
			Thinking: m.Thinking(),
		}
		if !m.CreatedAt.IsZero() {
			e.At = m.CreatedAt.UTC().Format(time.RFC3339)
		}
		for _, a := range m.Attachments {
			e.Files = append(e.Files, a.Name)
		}
		out = append(out, e)
	}
	return out
}

// ============================================================================
// Output helpers
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printMessage(m chatsync.Message) {
	when := ""
	if !m.CreatedAt.IsZero() {
		when = " (" + humanize.Time(m.CreatedAt) + ")"
	}
	marker := ""
	switch m.Status {
	case chatsync.StatusSending:
		marker = " [sending]"
	case chatsync.StatusError:
		marker = " [failed]"
	}
	fmt.Printf("%s%s%s:\n", m.Role, when, marker)
	if t := m.Thinking(); t != "" {
		fmt.Printf("  (thinking) %s\n", truncate(oneLine(t), 120))
	}
	for _, line := range strings.Split(m.Text(), "\n") {
		fmt.Printf("  %s\n", line)
	}
	for _, a := range m.Attachments {
		fmt.Printf("  [file] %s (%s)\n", a.Name, a.MimeType)
	}
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Output JSON")
	historyCmd.Flags().BoolVar(&historyYAML, "yaml", false, "Output a YAML transcript")
	historyCmd.Flags().StringVar(&historyDisp, "display-id", "", "Display identifier of the conversation")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(historyCmd)
}
