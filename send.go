package chatsync

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Optimistic Send Pipeline
// ============================================================================

// SendRequest is a user message to write to a conversation.
type SendRequest struct {
	ConversationKey string
	DisplayID       string
	Text            string
	Attachments     []Attachment

	// SkipOptimistic sends without appending a local message; the message
	// identified by ClientID is expected to be visible already.
	SkipOptimistic bool

	// ClientID is the message's client identity and the write's idempotency
	// token. Generated when empty.
	ClientID string
}

// Validate checks an attachment before it reaches the network.
func (a Attachment) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidAttachment)
	}
	if !strings.Contains(a.MimeType, "/") {
		return fmt.Errorf("%w: %s: bad mime type %q", ErrInvalidAttachment, a.Name, a.MimeType)
	}
	if a.URL == "" && a.Content == "" {
		return fmt.Errorf("%w: %s: url or content is required", ErrInvalidAttachment, a.Name)
	}
	if a.Content != "" {
		if _, err := base64.StdEncoding.DecodeString(a.Content); err != nil {
			return fmt.Errorf("%w: %s: content is not base64", ErrInvalidAttachment, a.Name)
		}
	}
	return nil
}

// validateSend rejects local errors synchronously.
func validateSend(text string, attachments []Attachment) error {
	if strings.TrimSpace(text) == "" && len(attachments) == 0 {
		return ErrEmptySubmit
	}
	for i := range attachments {
		if err := attachments[i].Validate(); err != nil {
			return err
		}
	}
	return nil
}

func newOptimisticMessage(clientID, text string, attachments []Attachment, now time.Time) Message {
	msg := Message{
		ID:          clientID,
		ClientID:    clientID,
		Role:        RoleUser,
		Attachments: append([]Attachment(nil), attachments...),
		CreatedAt:   now,
		Status:      StatusSending,
	}
	if text != "" {
		msg.Content = []ContentPart{TextPart(text)}
	}
	return msg
}

// Send validates req and queues it on the engine. It returns the message's
// client identity. ErrEmptySubmit and ErrInvalidAttachment are returned
// without touching the store or the network.
//
// Sending to NewConversationID behaves like SendNew.
func (e *Engine) Send(req SendRequest) (string, error) {
	if err := validateSend(req.Text, req.Attachments); err != nil {
		return "", err
	}
	if req.ConversationKey == NewConversationID {
		return e.SendNew(req.Text, req.Attachments)
	}
	if req.ConversationKey == "" {
		return "", NewOpError("send", "", errors.New("conversation key is required"))
	}
	if req.ClientID == "" {
		req.ClientID = uuid.NewString()
	}
	if !e.post(func() { e.handleSend(req) }) {
		return "", ErrEngineClosed
	}
	return req.ClientID, nil
}

func (e *Engine) handleSend(req SendRequest) {
	c := e.conv(req.ConversationKey, req.DisplayID)

	// A new send supersedes the active cycle, stream placeholder included.
	e.reset(c, FinishCancelled)

	if !req.SkipOptimistic {
		msg := newOptimisticMessage(req.ClientID, req.Text, req.Attachments, time.Now())
		e.store.Append(c.key, msg)
		e.store.SetLastMessage(c.key, msg)
		e.emitMessages(c)
	}

	gen := c.gen
	c.anchor = req.ClientID
	c.baseline = tailIdentity(e.store.Get(c.key))
	if !e.transition(c, StateWaiting, "") {
		return
	}
	e.armFailsafe(c, gen)

	e.logger.Debug("sending message",
		zap.String("conversation_key", c.key),
		zap.String("client_id", req.ClientID),
		zap.Bool("skip_optimistic", req.SkipOptimistic),
	)

	wreq := &SendMessageRequest{
		ConversationKey:  c.key,
		DisplayID:        c.displayID,
		Text:             req.Text,
		Attachments:      req.Attachments,
		IdempotencyToken: req.ClientID,
	}
	key, clientID := c.key, req.ClientID
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
		defer cancel()
		err := e.gw.SendMessage(ctx, wreq)
		e.post(func() { e.onSendResult(key, gen, clientID, err) })
	}()
}

func (e *Engine) onSendResult(key string, gen uint64, clientID string, err error) {
	c := e.convs[key]
	current := c != nil && c.gen == gen && c.state == StateWaiting

	if err == nil {
		e.metrics.sends.WithLabelValues("ok").Inc()
		if current {
			e.startDetector(c, gen)
		}
		return
	}

	if e.store.PatchByIdentity(key, clientID, func(m *Message) { m.Status = StatusError }) && c != nil {
		e.emitMessages(c)
	}

	if IsAuthMissing(err) {
		e.metrics.sends.WithLabelValues("auth_missing").Inc()
		e.logger.Warn("gateway credentials missing", zap.String("conversation_key", key), zap.Error(err))
		if current {
			e.reset(c, FinishSendFailed)
		}
		e.emit(Event{Type: EventAuthRequired, ConversationKey: key, ClientID: clientID, Err: err})
		return
	}

	e.metrics.sends.WithLabelValues("error").Inc()
	e.logger.Warn("message send failed",
		zap.String("conversation_key", key),
		zap.String("client_id", clientID),
		zap.Error(err),
	)
	if current {
		e.finish(c, StateFailed, FinishSendFailed)
	}
	ev := Event{
		Type:            EventSendFailed,
		ConversationKey: key,
		ClientID:        clientID,
		Err:             NewOpError("send", key, fmt.Errorf("%w: %w", ErrSendFailed, err)),
	}
	if c != nil {
		ev.DisplayID = c.displayID
	}
	e.emit(ev)
}

// ============================================================================
// New-chat send
// ============================================================================

// SendNew sends the first message of a conversation that does not exist yet.
// The message shows under NewConversationID until the gateway creates the
// conversation; then EventNavigate names the new conversation and the send
// continues there, exactly once, through the SendQueue.
func (e *Engine) SendNew(text string, attachments []Attachment) (string, error) {
	if err := validateSend(text, attachments); err != nil {
		return "", err
	}
	clientID := uuid.NewString()
	if !e.post(func() { e.handleSendNew(clientID, text, attachments) }) {
		return "", ErrEngineClosed
	}
	return clientID, nil
}

func (e *Engine) handleSendNew(clientID, text string, attachments []Attachment) {
	c := e.conv(NewConversationID, NewConversationID)
	msg := newOptimisticMessage(clientID, text, attachments, time.Now())
	e.store.Append(c.key, msg)
	e.emitMessages(c)
	if c.state == StateIdle {
		e.transition(c, StateWaiting, "")
	}

	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
		defer cancel()
		res, err := e.gw.CreateConversation(ctx)
		e.post(func() { e.onCreated(msg, text, attachments, res, err) })
	}()
}

func (e *Engine) onCreated(msg Message, text string, attachments []Attachment, res *CreateConversationResult, err error) {
	placeholder := e.conv(NewConversationID, NewConversationID)

	if err != nil {
		if e.store.PatchByIdentity(NewConversationID, msg.ClientID, func(m *Message) { m.Status = StatusError }) {
			e.emitMessages(placeholder)
		}
		if IsAuthMissing(err) {
			e.reset(placeholder, FinishSendFailed)
			e.metrics.sends.WithLabelValues("auth_missing").Inc()
			e.emit(Event{Type: EventAuthRequired, ConversationKey: NewConversationID, ClientID: msg.ClientID, Err: err})
			return
		}
		e.metrics.sends.WithLabelValues("error").Inc()
		e.logger.Warn("create conversation failed", zap.String("client_id", msg.ClientID), zap.Error(err))
		if placeholder.state == StateWaiting {
			e.finish(placeholder, StateFailed, FinishSendFailed)
		}
		e.emit(Event{
			Type:            EventSendFailed,
			ConversationKey: NewConversationID,
			DisplayID:       NewConversationID,
			ClientID:        msg.ClientID,
			Err:             NewOpError("create conversation", "", fmt.Errorf("%w: %w", ErrSendFailed, err)),
		})
		return
	}

	if current, ok := e.store.Find(NewConversationID, msg.ClientID); ok {
		msg = current
	}
	pending := PendingSend{
		ConversationKey: res.ConversationKey,
		DisplayID:       res.DisplayID,
		Text:            text,
		Attachments:     attachments,
		Optimistic:      &msg,
		CreatedAt:       time.Now(),
	}

	if err := e.recent.MarkRecent(e.ctx, res.DisplayID); err != nil {
		e.logger.Warn("mark recent failed", zap.String("display_identifier", res.DisplayID), zap.Error(err))
	}
	e.store.PutConversation(Conversation{Key: res.ConversationKey, DisplayID: res.DisplayID})
	e.conv(res.ConversationKey, res.DisplayID)

	if e.store.RemoveByIdentity(NewConversationID, msg.ClientID) {
		e.emitMessages(placeholder)
	}
	e.reset(placeholder, FinishCompleted)

	if err := e.queue.Stash(e.ctx, pending); err != nil {
		// Without a stashed record nobody else can pick the send up.
		e.logger.Error("stash pending send failed, sending directly",
			zap.String("conversation_key", res.ConversationKey), zap.Error(err))
		e.emit(Event{Type: EventNavigate, ConversationKey: res.ConversationKey, DisplayID: res.DisplayID})
		e.resumePending(&pending)
		return
	}
	e.metrics.pendingSends.WithLabelValues("stashed").Inc()

	e.logger.Info("conversation created",
		zap.String("conversation_key", res.ConversationKey),
		zap.String("display_identifier", res.DisplayID),
		zap.String("client_id", msg.ClientID),
	)
	e.emit(Event{Type: EventNavigate, ConversationKey: res.ConversationKey, DisplayID: res.DisplayID})

	key, display := res.ConversationKey, res.DisplayID
	e.post(func() { e.consumePending(key, display) })
}

// consumePending continues a stashed send if nobody took it yet.
func (e *Engine) consumePending(conversationKey, displayID string) {
	p, err := e.queue.Consume(e.ctx, conversationKey, displayID)
	if err != nil {
		e.logger.Warn("consume pending send failed", zap.String("conversation_key", conversationKey), zap.Error(err))
		return
	}
	if p == nil {
		return
	}
	e.metrics.pendingSends.WithLabelValues("consumed").Inc()
	e.resumePending(p)
}

// resumePending re-appends the optimistic message when it is not visible and
// issues the send without a second optimistic copy.
func (e *Engine) resumePending(p *PendingSend) {
	key := p.ConversationKey
	if key == "" {
		key = p.DisplayID
	}
	c := e.conv(key, p.DisplayID)

	req := SendRequest{
		ConversationKey: c.key,
		DisplayID:       c.displayID,
		Text:            p.Text,
		Attachments:     p.Attachments,
	}
	if p.Optimistic != nil && p.Optimistic.ClientID != "" {
		req.ClientID = p.Optimistic.ClientID
		req.SkipOptimistic = true
		if _, ok := e.store.Find(c.key, req.ClientID); !ok {
			msg := p.Optimistic.clone()
			msg.Status = StatusSending
			e.store.Append(c.key, msg)
			e.store.SetLastMessage(c.key, msg)
			e.emitMessages(c)
		}
	} else {
		req.ClientID = uuid.NewString()
	}
	e.handleSend(req)
}
