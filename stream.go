package chatsync

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"nhooyr.io/websocket"
)

// ============================================================================
// Stream Events
// ============================================================================

// StreamEventType tags a push-stream event.
type StreamEventType string

const (
	StreamChunk    StreamEventType = "chunk"
	StreamThinking StreamEventType = "thinking"
	StreamComplete StreamEventType = "complete"
	StreamError    StreamEventType = "error"
)

// StreamEvent is one event of a conversation's response stream.
type StreamEvent struct {
	Type     StreamEventType
	StreamID string
	// Text is a chunk (cumulative or delta) or, on complete, the final text.
	Text string
	// Message is the final assistant message if the gateway sent one on complete.
	Message *Message
	Error   string
}

// EventStream is an open push stream. Events is closed when the stream ends,
// whether by Close, a server close or a dropped connection.
type EventStream interface {
	Events() <-chan StreamEvent
	Close() error
}

// parseStreamEvent decodes one wire event. Unknown types are reported as !ok.
func parseStreamEvent(data []byte) (StreamEvent, bool) {
	v := gjson.ParseBytes(data)
	ev := StreamEvent{
		Type:     StreamEventType(v.Get("type").String()),
		StreamID: v.Get("streamId").String(),
		Text:     v.Get("text").String(),
	}
	if ev.Text == "" {
		ev.Text = v.Get("delta").String()
	}
	switch ev.Type {
	case StreamChunk, StreamThinking:
	case StreamComplete:
		if m := v.Get("message"); m.IsObject() {
			msg := parseMessage(m)
			ev.Message = &msg
			if ev.Text == "" {
				ev.Text = msg.Text()
			}
		}
	case StreamError:
		e := v.Get("error")
		if e.IsObject() {
			ev.Error = e.Get("message").String()
		} else {
			ev.Error = e.String()
		}
		if ev.Error == "" {
			ev.Error = "stream error"
		}
	default:
		return StreamEvent{}, false
	}
	return ev, true
}

// OpenStream opens the response stream of a conversation for sc.StreamID.
func (c *Client) OpenStream(ctx context.Context, sc StreamContext) (EventStream, error) {
	if c.streamMode == StreamWebSocket {
		s, err := c.openWS(ctx, sc)
		if err != nil {
			return nil, NewOpError("open stream", sc.ConversationKey, err)
		}
		return s, nil
	}
	s, err := c.openSSE(ctx, sc)
	if err != nil {
		return nil, NewOpError("open stream", sc.ConversationKey, err)
	}
	return s, nil
}

func (c *Client) streamURL(sc StreamContext, suffix string) string {
	q := url.Values{}
	q.Set("streamId", sc.StreamID)
	if sc.DisplayID != "" {
		q.Set("displayIdentifier", sc.DisplayID)
	}
	return c.baseURL + conversationPath(sc.ConversationKey, suffix) + "?" + q.Encode()
}

// ============================================================================
// SSE stream
// ============================================================================

type sseStream struct {
	events chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

func (c *Client) openSSE(ctx context.Context, sc StreamContext) (*sseStream, error) {
	connCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, c.streamURL(sc, "/stream"), nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setAuthHeaders(req)

	// Streams outlive the request timeout.
	hc := *c.httpClient
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthMissing, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	s := &sseStream{
		events: make(chan StreamEvent, 16),
		cancel: cancel,
	}
	go s.readLoop(connCtx, resp)
	return s, nil
}

func (s *sseStream) Events() <-chan StreamEvent { return s.events }

func (s *sseStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

func (s *sseStream) readLoop(ctx context.Context, resp *http.Response) {
	defer close(s.events)
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, ":") {
			continue // heartbeat comment
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		ev, ok := parseStreamEvent([]byte(payload))
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// ============================================================================
// WebSocket stream
// ============================================================================

type wsStream struct {
	conn   *websocket.Conn
	events chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

func (c *Client) wsURL(sc StreamContext) string {
	u := c.streamURL(sc, "/ws")
	u = strings.Replace(u, "https://", "wss://", 1)
	return strings.Replace(u, "http://", "ws://", 1)
}

func (c *Client) openWS(ctx context.Context, sc StreamContext) (*wsStream, error) {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	conn, resp, err := websocket.Dial(ctx, c.wsURL(sc), &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: HTTP %d", ErrAuthMissing, resp.StatusCode)
		}
		return nil, fmt.Errorf("WS connect: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	connCtx, cancel := context.WithCancel(ctx)
	s := &wsStream{
		conn:   conn,
		events: make(chan StreamEvent, 16),
		cancel: cancel,
	}
	go s.readLoop(connCtx)
	return s, nil
}

func (s *wsStream) Events() <-chan StreamEvent { return s.events }

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.conn.Close(websocket.StatusNormalClosure, "client disconnect")
	})
	return err
}

func (s *wsStream) readLoop(ctx context.Context) {
	defer close(s.events)
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		ev, ok := parseStreamEvent(data)
		if !ok {
			continue
		}
		select {
		case s.events <- ev:
		case <-ctx.Done():
			return
		}
	}
}
