package chatsync

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error reported by the gateway envelope.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// MessageStatus is the local delivery status of a message.
type MessageStatus string

const (
	StatusNone    MessageStatus = ""
	StatusSending MessageStatus = "sending"
	StatusError   MessageStatus = "error"
)

// StreamingStatus marks a placeholder that is being filled by a push stream.
type StreamingStatus string

const (
	StreamingNone     StreamingStatus = ""
	StreamingActive   StreamingStatus = "streaming"
	StreamingComplete StreamingStatus = "complete"
)

// ============================================================================
// Messages
// ============================================================================

// PartType tags a ContentPart.
type PartType string

const (
	PartText       PartType = "text"
	PartThinking   PartType = "thinking"
	PartToolCall   PartType = "toolCall"
	PartToolResult PartType = "toolResult"
	PartImage      PartType = "image"
)

// ContentPart is one piece of a message body.
type ContentPart struct {
	Type PartType `json:"type"`

	// Text holds the body of text and thinking parts.
	Text string `json:"text,omitempty"`

	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolName   string         `json:"toolName,omitempty"`
	ToolInput  map[string]any `json:"toolInput,omitempty"`
	ToolOutput string         `json:"toolOutput,omitempty"`
	IsError    bool           `json:"isError,omitempty"`

	ImageURL  string `json:"imageUrl,omitempty"`
	MediaType string `json:"mediaType,omitempty"`
}

// TextPart creates a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ThinkingPart creates a thinking content part.
func ThinkingPart(text string) ContentPart {
	return ContentPart{Type: PartThinking, Text: text}
}

// Attachment is a file sent along with a user message.
type Attachment struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	URL      string `json:"url,omitempty"`
	Content  string `json:"content,omitempty"` // base64
}

// Message is a single chat utterance, local or server-confirmed.
type Message struct {
	// ID is the identity used by the display layer. It equals ClientID for
	// locally authored messages and ServerID for server records.
	ID       string `json:"id"`
	ClientID string `json:"clientId,omitempty"`
	ServerID string `json:"serverId,omitempty"`

	Role        Role          `json:"role"`
	Content     []ContentPart `json:"content"`
	Attachments []Attachment  `json:"attachments,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`

	Status          MessageStatus   `json:"status,omitempty"`
	StreamingStatus StreamingStatus `json:"streamingStatus,omitempty"`
}

// Text returns the displayable text: the concatenation of all text parts.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// Thinking returns the concatenation of all thinking parts.
func (m *Message) Thinking() string {
	if m == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range m.Content {
		if p.Type == PartThinking {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// IsPlaceholder reports whether m is a streaming placeholder.
func (m *Message) IsPlaceholder() bool {
	return m != nil && isStreamIdentity(m.ClientID)
}

// clone returns a deep enough copy for handing out of the store.
func (m Message) clone() Message {
	if m.Content != nil {
		m.Content = append([]ContentPart(nil), m.Content...)
	}
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	return m
}

func cloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].clone()
	}
	return out
}

// ============================================================================
// Conversations
// ============================================================================

// NewConversationID is the display identifier of the "new chat" placeholder.
const NewConversationID = "new"

// Conversation is a single chat thread.
type Conversation struct {
	Key         string    `json:"conversationKey"`
	DisplayID   string    `json:"displayIdentifier"`
	Title       string    `json:"title,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitempty"`
	LastMessage *Message  `json:"lastMessage,omitempty"`
}

// PendingSend is a send that started before its conversation existed.
type PendingSend struct {
	ConversationKey string       `json:"conversationKey"`
	DisplayID       string       `json:"displayIdentifier"`
	Text            string       `json:"text"`
	Attachments     []Attachment `json:"attachments,omitempty"`
	Optimistic      *Message     `json:"optimisticMessage,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
}

// StreamContext identifies the placeholder filled by the live push stream.
type StreamContext struct {
	StreamID        string
	ConversationKey string
	DisplayID       string
}

// ============================================================================
// Gateway API Types
// ============================================================================

// CreateConversationResult is returned by the gateway when a conversation is created.
type CreateConversationResult struct {
	ConversationKey string `json:"conversationKey"`
	DisplayID       string `json:"displayIdentifier"`
}

// SendMessageRequest is the body of a message write.
type SendMessageRequest struct {
	ConversationKey  string       `json:"conversationKey"`
	DisplayID        string       `json:"displayIdentifier,omitempty"`
	Text             string       `json:"text"`
	Attachments      []Attachment `json:"attachments"`
	IdempotencyToken string       `json:"idempotencyToken"`
}

// History is a conversation transcript as confirmed by the gateway.
type History struct {
	ConversationKey string
	Messages        []Message
}

// GatewayStatus is the result of a gateway health probe.
type GatewayStatus struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Result is the wire envelope of every gateway response.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v any) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}
