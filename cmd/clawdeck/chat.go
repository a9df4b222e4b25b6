package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	chatsync "github.com/clawdeck/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	sendAttach  []string
	sendDisplay string
	sendTimeout time.Duration

	chatDisplay string
	chatLast    bool
)

const lastConversationPref = "chat.last_conversation"

// ============================================================================
// Console session
// ============================================================================

// session follows one conversation on behalf of a terminal. Its handler runs
// on the engine loop; key and display are read by the command goroutine only
// after a channel receive. mu guards the render state, which seed also writes.
type session struct {
	engine *chatsync.Engine

	key     string
	display string
	busy    bool

	mu      sync.Mutex
	printed map[string]bool
	stream  bool

	done chan error
}

func newSession(engine *chatsync.Engine, key, display string) *session {
	s := &session{
		engine:  engine,
		key:     key,
		display: display,
		printed: make(map[string]bool),
		done:    make(chan error, 16),
	}
	engine.OnEvent(s.handle)
	return s
}

func (s *session) handle(ev chatsync.Event) {
	switch ev.Type {
	case chatsync.EventNavigate:
		s.key, s.display = ev.ConversationKey, ev.DisplayID
		s.engine.Open(ev.ConversationKey, ev.DisplayID)
		fmt.Printf("-- conversation %s created\n", ev.DisplayID)
	case chatsync.EventMessages:
		if ev.ConversationKey == s.key {
			s.render(ev.Messages)
		}
	case chatsync.EventState:
		if ev.ConversationKey != s.key {
			return
		}
		if ev.State.Busy() {
			s.busy = true
			return
		}
		if ev.State == chatsync.StateIdle && s.busy {
			s.busy = false
			if ev.Reason == chatsync.FinishStaleTimeout {
				fmt.Println("-- no completion signal from the agent, giving up")
			}
			s.done <- nil
		}
	case chatsync.EventSendFailed:
		s.done <- ev.Err
	case chatsync.EventStreamFailed:
		fmt.Fprintf(os.Stderr, "-- stream failed: %v\n", ev.Err)
	case chatsync.EventAuthRequired:
		s.done <- errors.New("gateway rejected the token; run 'clawdeck config set default.token <token>'")
	}
}

// render prints settled messages once, and streaming text as it grows.
func (s *session) render(msgs []chatsync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range msgs {
		m := &msgs[i]
		if m.IsPlaceholder() && m.StreamingStatus == chatsync.StreamingActive {
			if !s.stream {
				fmt.Print("assistant (streaming): ")
				s.stream = true
			}
			continue
		}
		if m.Role == chatsync.RoleUser || m.Status != chatsync.StatusNone {
			continue
		}
		id := m.ServerID
		if id == "" {
			id = m.ID
		}
		if s.printed[id] || (m.IsPlaceholder() && m.StreamingStatus == chatsync.StreamingComplete) {
			continue
		}
		s.printed[id] = true
		if s.stream {
			fmt.Println()
			s.stream = false
		}
		printMessage(*m)
	}
}

// seed marks the existing transcript as already shown.
func (s *session) seed(ctx context.Context) {
	msgs, err := s.engine.Messages(ctx, s.key)
	if err != nil {
		return
	}
	s.markShown(msgs)
}

func (s *session) markShown(msgs []chatsync.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		if m.ServerID != "" {
			s.printed[m.ServerID] = true
		}
	}
}

func (s *session) wait(ctx context.Context) error {
	select {
	case err := <-s.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <conversation-key|new> <text>",
	Short: "Send one message and wait for the agent's reply",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		state, err := openState(cfg)
		if err != nil {
			return fmt.Errorf("open local state: %w", err)
		}
		defer state.Close()

		var atts []chatsync.Attachment
		for _, p := range sendAttach {
			a, err := loadAttachment(p)
			if err != nil {
				return err
			}
			atts = append(atts, a)
		}

		engine := newEngine(client, cfg, state)
		defer engine.Close()

		key := args[0]
		s := newSession(engine, key, sendDisplay)
		if key != chatsync.NewConversationID {
			engine.Open(key, sendDisplay)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), sendTimeout)
		defer cancel()
		s.seed(ctx)

		_, err = engine.Send(chatsync.SendRequest{
			ConversationKey: key,
			DisplayID:       sendDisplay,
			Text:            args[1],
			Attachments:     atts,
		})
		if errors.Is(err, chatsync.ErrEmptySubmit) {
			return errors.New("nothing to send")
		}
		if err != nil {
			return err
		}
		if err := s.wait(ctx); err != nil {
			return err
		}

		if err := state.SaveDraft(context.Background(), s.key, ""); err != nil {
			logger.Warn("clear draft failed", zap.Error(err))
		}
		return nil
	},
}

// ============================================================================
// chat
// ============================================================================

var chatCmd = &cobra.Command{
	Use:   "chat [conversation-key]",
	Short: "Interactive chat with an agent",
	Long:  "Open a conversation (or a new one) and chat line by line. Type /quit to leave.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()
		state, err := openState(cfg)
		if err != nil {
			return fmt.Errorf("open local state: %w", err)
		}
		defer state.Close()

		engine := newEngine(client, cfg, state)
		defer engine.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		key := chatsync.NewConversationID
		switch {
		case len(args) == 1:
			key = args[0]
		case chatLast:
			last, ok, err := state.Pref(ctx, lastConversationPref)
			if err != nil {
				return fmt.Errorf("read prefs: %w", err)
			}
			if ok {
				key = last
			}
		}
		display := valueOrDefault(chatDisplay, key)

		if key != chatsync.NewConversationID {
			lctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			known, err := client.ListConversations(lctx)
			cancel()
			if err == nil && engine.RecentGuard().ShouldRedirectToNew(ctx, display, known) {
				fmt.Printf("-- conversation %s not found, starting a new one\n", display)
				key, display = chatsync.NewConversationID, chatsync.NewConversationID
			}
		}

		s := newSession(engine, key, display)
		engine.Open(key, display)
		fmt.Printf("-- %s (type /quit to leave)\n", display)

		if draft, _ := state.Draft(ctx, key); draft != "" {
			fmt.Printf("-- draft: %s\n", draft)
		}

		interactive := term.IsTerminal(int(os.Stdin.Fd()))
		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			if interactive {
				fmt.Print("> ")
			}
			var line string
			select {
			case <-ctx.Done():
				fmt.Println()
				return nil
			case l, ok := <-lines:
				if !ok {
					return nil
				}
				line = l
			}

			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}

			// The key and display move off "new" once the first send navigates;
			// the handler only writes them before signalling done.
			_, err := engine.Send(chatsync.SendRequest{ConversationKey: s.key, DisplayID: s.display, Text: line})
			if err != nil {
				fmt.Fprintf(os.Stderr, "-- %v\n", err)
				continue
			}
			if err := s.wait(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				fmt.Fprintf(os.Stderr, "-- %v\n", err)
			}
			if err := state.SaveDraft(ctx, s.key, ""); err != nil {
				logger.Warn("clear draft failed", zap.Error(err))
			}
			if s.key != chatsync.NewConversationID {
				if err := state.SetPref(ctx, lastConversationPref, s.key); err != nil {
					logger.Warn("save prefs failed", zap.Error(err))
				}
			}
		}
	},
}

// ============================================================================
// draft
// ============================================================================

var draftCmd = &cobra.Command{
	Use:   "draft <conversation-key> [text]",
	Short: "Show or save the composer draft of a conversation",
	Long:  "Without text, print the saved draft. With text, save it; an empty string clears it.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, cfg := getClient()
		state, err := openState(cfg)
		if err != nil {
			return fmt.Errorf("open local state: %w", err)
		}
		defer state.Close()

		ctx := cmd.Context()
		if len(args) == 1 {
			text, err := state.Draft(ctx, args[0])
			if err != nil {
				return err
			}
			if text == "" {
				fmt.Println("(no draft)")
				return nil
			}
			fmt.Println(text)
			return nil
		}
		if err := state.SaveDraft(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Println("Draft saved.")
		return nil
	},
}

func init() {
	sendCmd.Flags().StringArrayVarP(&sendAttach, "attach", "a", nil, "Attach a file (repeatable)")
	sendCmd.Flags().StringVar(&sendDisplay, "display-id", "", "Display identifier of the conversation")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 3*time.Minute, "Give up waiting for the reply after this long")

	chatCmd.Flags().StringVar(&chatDisplay, "display-id", "", "Display identifier of the conversation")
	chatCmd.Flags().BoolVar(&chatLast, "last", false, "Resume the conversation used most recently")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(draftCmd)
}
