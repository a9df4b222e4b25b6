// Package chatsync keeps an operator console's chat transcripts consistent with
// an AI-agent gateway.
//
// Messages are shown optimistically, reconciled against the gateway's history
// without duplicates, and an "agent is responding" lifecycle tracks each reply
// until it finishes, whether the gateway is polled or pushes a stream.
//
// Example:
//
//	client := chatsync.NewClient(token, chatsync.WithBaseURL("http://127.0.0.1:18789"))
//	engine := chatsync.NewEngine(client, chatsync.Config{Transport: chatsync.TransportStream})
//	defer engine.Close()
//
//	engine.OnEvent(func(ev chatsync.Event) { ... })
//	engine.Open("agent:main:abc", "abc")
//	engine.Send(chatsync.SendRequest{ConversationKey: "agent:main:abc", Text: "hello"})
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ============================================================================
// Client
// ============================================================================

const (
	DefaultBaseURL = "http://127.0.0.1:18789"
	DefaultTimeout = 30 * time.Second
)

// StreamMode selects the push transport used by OpenStream.
type StreamMode string

const (
	StreamSSE       StreamMode = "sse"
	StreamWebSocket StreamMode = "ws"
)

// Gateway is the transport the engine drives. *Client implements it.
type Gateway interface {
	CreateConversation(ctx context.Context) (*CreateConversationResult, error)
	SendMessage(ctx context.Context, req *SendMessageRequest) error
	FetchHistory(ctx context.Context, conversationKey, displayID string) (*History, error)
	OpenStream(ctx context.Context, sc StreamContext) (EventStream, error)
}

// Client talks to the gateway's conversation API.
type Client struct {
	token      string
	baseURL    string
	streamMode StreamMode
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithStreamMode selects SSE (default) or WebSocket for push streams.
func WithStreamMode(mode StreamMode) ClientOption {
	return func(c *Client) { c.streamMode = mode }
}

// NewClient creates a gateway client. token may be empty for unauthenticated gateways.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:      token,
		baseURL:    DefaultBaseURL,
		streamMode: StreamSSE,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the gateway base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query map[string]string) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			if v != "" {
				params.Set(k, v)
			}
		}
		if enc := params.Encode(); enc != "" {
			u += "?" + enc
		}
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// do sends a request and unwraps the {ok, data, error} envelope.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, query map[string]string) (*Result, error) {
	data, status, err := c.doRequest(ctx, method, path, body, query)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		return nil, fmt.Errorf("%w: HTTP %d", ErrAuthMissing, status)
	}

	res, err := decodeJSON[Result](data)
	if err != nil {
		if status >= 400 {
			return nil, fmt.Errorf("gateway HTTP %d", status)
		}
		return nil, err
	}
	if !res.OK || res.Error != nil {
		return nil, resultError(res, status)
	}
	return res, nil
}

func resultError(res *Result, status int) error {
	if res.Error == nil {
		return fmt.Errorf("gateway HTTP %d: request not ok", status)
	}
	switch res.Error.Code {
	case "AUTH_MISSING", "UNAUTHORIZED":
		return fmt.Errorf("%w: %w", ErrAuthMissing, res.Error)
	}
	return res.Error
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func conversationPath(key string, suffix string) string {
	return "/api/conversations/" + url.PathEscape(key) + suffix
}

// ============================================================================
// Conversation API Methods
// ============================================================================

// CreateConversation asks the gateway for a fresh conversation.
func (c *Client) CreateConversation(ctx context.Context) (*CreateConversationResult, error) {
	res, err := c.do(ctx, http.MethodPost, "/api/conversations", map[string]string{}, nil)
	if err != nil {
		return nil, NewOpError("create conversation", "", err)
	}
	var out CreateConversationResult
	if err := res.Decode(&out); err != nil {
		return nil, NewOpError("create conversation", "", err)
	}
	if out.ConversationKey == "" {
		return nil, NewOpError("create conversation", "", errors.New("gateway returned no conversation key"))
	}
	if out.DisplayID == "" {
		out.DisplayID = out.ConversationKey
	}
	return &out, nil
}

// SendMessage writes a user message. The gateway deduplicates on IdempotencyToken.
func (c *Client) SendMessage(ctx context.Context, req *SendMessageRequest) error {
	if req == nil || req.ConversationKey == "" {
		return NewOpError("send message", "", errors.New("conversation key is required"))
	}
	payload := *req
	if payload.Attachments == nil {
		payload.Attachments = []Attachment{}
	}
	_, err := c.do(ctx, http.MethodPost, conversationPath(req.ConversationKey, "/messages"), &payload, nil)
	if err != nil {
		return NewOpError("send message", req.ConversationKey, err)
	}
	return nil
}

// FetchHistory returns the server-confirmed transcript of a conversation.
func (c *Client) FetchHistory(ctx context.Context, conversationKey, displayID string) (*History, error) {
	res, err := c.do(ctx, http.MethodGet, conversationPath(conversationKey, "/messages"), nil,
		map[string]string{"displayIdentifier": displayID})
	if err != nil {
		return nil, NewOpError("fetch history", conversationKey, err)
	}
	h := &History{ConversationKey: conversationKey}
	if key := gjson.GetBytes(res.Data, "conversationKey").String(); key != "" {
		h.ConversationKey = key
	}
	gjson.GetBytes(res.Data, "messages").ForEach(func(_, v gjson.Result) bool {
		h.Messages = append(h.Messages, parseMessage(v))
		return true
	})
	return h, nil
}

// ListConversations returns the gateway's authoritative conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	res, err := c.do(ctx, http.MethodGet, "/api/conversations", nil, nil)
	if err != nil {
		return nil, NewOpError("list conversations", "", err)
	}
	var out []Conversation
	gjson.GetBytes(res.Data, "conversations").ForEach(func(_, v gjson.Result) bool {
		conv := Conversation{
			Key:       v.Get("conversationKey").String(),
			DisplayID: v.Get("displayIdentifier").String(),
			Title:     v.Get("title").String(),
			UpdatedAt: parseTime(v.Get("updatedAt")),
		}
		if last := v.Get("lastMessage"); last.IsObject() {
			m := parseMessage(last)
			conv.LastMessage = &m
		}
		out = append(out, conv)
		return true
	})
	return out, nil
}

// CheckGatewayStatus probes gateway health. A failed probe is reported in the
// result, not as an error.
func (c *Client) CheckGatewayStatus(ctx context.Context) (*GatewayStatus, error) {
	data, status, err := c.doRequest(ctx, http.MethodGet, "/api/status", nil, nil)
	if err != nil {
		return &GatewayStatus{OK: false, Error: err.Error()}, nil
	}
	if status == http.StatusUnauthorized {
		return &GatewayStatus{OK: false, Error: ErrAuthMissing.Error()}, nil
	}
	res, err := decodeJSON[Result](data)
	if err != nil {
		return &GatewayStatus{OK: false, Error: fmt.Sprintf("HTTP %d", status)}, nil
	}
	if !res.OK {
		msg := "gateway not ok"
		if res.Error != nil {
			msg = res.Error.Message
		}
		return &GatewayStatus{OK: false, Error: msg}, nil
	}
	return &GatewayStatus{OK: true}, nil
}

// ============================================================================
// Tolerant decoding
// ============================================================================

// parseMessage accepts both the string and the parts-array content shapes.
func parseMessage(v gjson.Result) Message {
	m := Message{
		ID:       v.Get("id").String(),
		ClientID: v.Get("clientId").String(),
		ServerID: v.Get("serverId").String(),
		Role:     Role(v.Get("role").String()),
	}
	if m.ClientID == "" {
		m.ClientID = v.Get("idempotencyToken").String()
	}
	if m.ServerID == "" {
		m.ServerID = m.ID
	}
	if m.ID == "" {
		m.ID = m.ServerID
	}
	if m.Role == "" {
		m.Role = RoleAssistant
	}

	content := v.Get("content")
	switch {
	case content.Type == gjson.String:
		m.Content = []ContentPart{TextPart(content.String())}
	case content.IsArray():
		content.ForEach(func(_, p gjson.Result) bool {
			m.Content = append(m.Content, parsePart(p))
			return true
		})
	case v.Get("text").Exists():
		m.Content = []ContentPart{TextPart(v.Get("text").String())}
	}

	if atts := v.Get("attachments"); atts.IsArray() {
		_ = json.Unmarshal([]byte(atts.Raw), &m.Attachments)
	}
	m.CreatedAt = parseTime(v.Get("createdAt"))
	return m
}

func parsePart(p gjson.Result) ContentPart {
	if p.Type == gjson.String {
		return TextPart(p.String())
	}
	part := ContentPart{
		Type:       PartType(p.Get("type").String()),
		Text:       p.Get("text").String(),
		ToolCallID: p.Get("toolCallId").String(),
		ToolName:   p.Get("toolName").String(),
		ToolOutput: p.Get("toolOutput").String(),
		IsError:    p.Get("isError").Bool(),
		ImageURL:   p.Get("imageUrl").String(),
		MediaType:  p.Get("mediaType").String(),
	}
	if part.Type == "" {
		part.Type = PartText
	}
	if part.Type == PartThinking && part.Text == "" {
		part.Text = p.Get("thinking").String()
	}
	if in := p.Get("toolInput"); in.IsObject() {
		_ = json.Unmarshal([]byte(in.Raw), &part.ToolInput)
	}
	return part
}

// parseTime accepts RFC 3339 strings and unix milliseconds.
func parseTime(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		return time.UnixMilli(v.Int())
	case gjson.String:
		s := v.String()
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t
		}
		if n := gjson.Parse(s); n.Type == gjson.Number {
			return time.UnixMilli(n.Int())
		}
	}
	return time.Time{}
}
