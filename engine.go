package chatsync

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ============================================================================
// Configuration
// ============================================================================

const (
	DefaultPollInterval    = 350 * time.Millisecond
	DefaultQuietPeriod     = 4 * time.Second
	DefaultFailsafeTimeout = 120 * time.Second
	DefaultConfirmRetries  = 8
	DefaultConfirmBackoff  = 300 * time.Millisecond
)

// Config holds the engine's timings and transport choice. Zero values take defaults.
type Config struct {
	// Transport is the completion detector used for new sends. A conversation
	// whose stream failed polls on its next send regardless.
	Transport Transport

	PollInterval    time.Duration
	QuietPeriod     time.Duration
	FailsafeTimeout time.Duration
	ConfirmRetries  int
	ConfirmBackoff  time.Duration
	RequestTimeout  time.Duration
}

func (c *Config) defaults() {
	if c.Transport == "" {
		c.Transport = TransportPoll
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.QuietPeriod == 0 {
		c.QuietPeriod = DefaultQuietPeriod
	}
	if c.FailsafeTimeout == 0 {
		c.FailsafeTimeout = DefaultFailsafeTimeout
	}
	if c.ConfirmRetries == 0 {
		c.ConfirmRetries = DefaultConfirmRetries
	}
	if c.ConfirmBackoff == 0 {
		c.ConfirmBackoff = DefaultConfirmBackoff
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultTimeout
	}
}

// ============================================================================
// Events
// ============================================================================

// EventType names what an Event reports.
type EventType string

const (
	// EventMessages carries the full message list of a conversation after a change.
	EventMessages EventType = "messages"
	// EventState reports a lifecycle transition.
	EventState EventType = "state"
	// EventNavigate asks the display layer to show a newly created conversation.
	EventNavigate EventType = "navigate"
	// EventSendFailed reports a rejected write; the message is marked error.
	EventSendFailed EventType = "send_failed"
	// EventStreamFailed reports a stream error or drop.
	EventStreamFailed EventType = "stream_failed"
	// EventAuthRequired asks the display layer to re-authenticate.
	EventAuthRequired EventType = "auth_required"
)

// Event is delivered to handlers registered with OnEvent.
type Event struct {
	Type            EventType
	ConversationKey string
	DisplayID       string

	Messages []Message
	State    ResponseState
	Reason   FinishReason
	ClientID string
	Err      error
}

// EventHandler receives engine events on the engine loop. Handlers must not
// block and must not call Messages, State or Close.
type EventHandler func(Event)

// ============================================================================
// Engine
// ============================================================================

type EngineOption func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithRegisterer registers the engine's metrics with reg.
func WithRegisterer(reg prometheus.Registerer) EngineOption {
	return func(e *Engine) { e.reg = reg }
}

// WithSendQueue sets the cross-navigation send queue.
func WithSendQueue(q *SendQueue) EngineOption {
	return func(e *Engine) { e.queue = q }
}

// WithRecentGuard sets the recent-conversation guard.
func WithRecentGuard(g *RecentGuard) EngineOption {
	return func(e *Engine) { e.recent = g }
}

// WithLocalState keeps the pending send and recent markers in state, scoped
// to sessionID for the markers.
func WithLocalState(state *LocalState, sessionID string) EngineOption {
	return func(e *Engine) {
		e.queue = NewSendQueue(state)
		e.recent = NewRecentGuard(sessionID, state)
	}
}

// conversation is the per-key lifecycle: its state, its cycle generation
// and the one timer set (failsafe plus detector) that belongs to the cycle.
type conversation struct {
	key       string
	displayID string

	state ResponseState
	gen   uint64

	anchor   string
	baseline string

	failsafe       *time.Timer
	detector       completionDetector
	fallbackToPoll bool

	// replaced holds stream ids of finalized placeholders from earlier cycles.
	replaced []string
}

// Engine owns the message store and every conversation's response lifecycle.
// All of its state is touched by one goroutine; public methods post work to it.
type Engine struct {
	gw      Gateway
	cfg     Config
	logger  *zap.Logger
	reg     prometheus.Registerer
	metrics *metrics
	queue   *SendQueue
	recent  *RecentGuard

	// loop-owned
	store   *Store
	convs   map[string]*conversation
	current string

	hmu      sync.RWMutex
	handlers []EventHandler

	box    *mailbox
	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewEngine starts an engine driving gw.
func NewEngine(gw Gateway, cfg Config, opts ...EngineOption) *Engine {
	cfg.defaults()
	e := &Engine{
		gw:     gw,
		cfg:    cfg,
		logger: zap.NewNop(),
		store:  NewStore(),
		convs:  make(map[string]*conversation),
		box:    newMailbox(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = NewSendQueue(nil)
	}
	if e.recent == nil {
		e.recent = NewRecentGuard("", nil)
	}
	e.metrics = newMetrics(e.reg)
	e.ctx, e.cancel = context.WithCancel(context.Background())

	go e.loop()
	return e
}

// OnEvent registers h for every engine event.
func (e *Engine) OnEvent(h EventHandler) {
	e.hmu.Lock()
	e.handlers = append(e.handlers, h)
	e.hmu.Unlock()
}

// RecentGuard returns the guard consulted before redirecting to a new chat.
func (e *Engine) RecentGuard() *RecentGuard {
	return e.recent
}

// Close cancels every timer, stream and request and stops the engine.
// It must not be called from an event handler.
func (e *Engine) Close() error {
	e.once.Do(func() {
		e.box.close()
		close(e.stopCh)
	})
	<-e.doneCh
	return nil
}

func (e *Engine) loop() {
	defer close(e.doneCh)
	defer e.teardownAll()

	for {
		select {
		case <-e.stopCh:
			return
		case <-e.box.notify:
			for _, fn := range e.box.drain() {
				e.run(fn)
			}
		}
	}
}

func (e *Engine) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine task panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

func (e *Engine) post(fn func()) bool {
	return e.box.post(fn)
}

// call runs fn on the loop and waits for its result.
func call[T any](ctx context.Context, e *Engine, fn func() T) (T, error) {
	var zero T
	ch := make(chan T, 1)
	if !e.post(func() { ch <- fn() }) {
		return zero, ErrEngineClosed
	}
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-e.doneCh:
		return zero, ErrEngineClosed
	}
}

func (e *Engine) teardownAll() {
	for _, c := range e.convs {
		e.stopCycle(c)
		c.gen++
		c.state = StateIdle
	}
	e.cancel()
}

// ── Public API ───────────────────────────────────────────

// Open makes key the current conversation: the previous one is left, a
// pending send addressed to key or displayID is continued, and history is
// fetched.
func (e *Engine) Open(key, displayID string) {
	e.post(func() { e.handleOpen(key, displayID) })
}

// Leave cancels the timers and stream of a conversation and resets it to idle.
func (e *Engine) Leave(key string) {
	e.post(func() { e.leave(key) })
}

// Refresh fetches and merges a conversation's history.
func (e *Engine) Refresh(key string) {
	e.post(func() {
		if c, ok := e.convs[key]; ok {
			e.refresh(c)
		}
	})
}

// Messages returns a copy of a conversation's message list.
func (e *Engine) Messages(ctx context.Context, key string) ([]Message, error) {
	return call(ctx, e, func() []Message { return e.store.Get(key) })
}

// State returns a conversation's lifecycle state.
func (e *Engine) State(ctx context.Context, key string) (ResponseState, error) {
	return call(ctx, e, func() ResponseState {
		if c, ok := e.convs[key]; ok {
			return c.state
		}
		return StateIdle
	})
}

// Conversation returns the registry entry of a conversation.
func (e *Engine) Conversation(ctx context.Context, key string) (Conversation, bool, error) {
	type result struct {
		c  Conversation
		ok bool
	}
	r, err := call(ctx, e, func() result {
		c, ok := e.store.Conversation(key)
		return result{c, ok}
	})
	return r.c, r.ok, err
}

// ── Loop handlers ────────────────────────────────────────

func (e *Engine) conv(key, displayID string) *conversation {
	c, ok := e.convs[key]
	if !ok {
		if displayID == "" {
			displayID = key
		}
		c = &conversation{key: key, displayID: displayID, state: StateIdle}
		e.convs[key] = c
		if _, exists := e.store.Conversation(key); !exists {
			e.store.PutConversation(Conversation{Key: key, DisplayID: displayID})
		}
		return c
	}
	if displayID != "" && displayID != c.displayID {
		c.displayID = displayID
	}
	return c
}

func (e *Engine) handleOpen(key, displayID string) {
	if e.current != "" && e.current != key {
		e.leave(e.current)
	}
	e.current = key
	c := e.conv(key, displayID)
	e.emitMessages(c)

	p, err := e.queue.Consume(e.ctx, key, c.displayID)
	if err != nil {
		e.logger.Warn("consume pending send failed", zap.String("conversation_key", key), zap.Error(err))
	}
	if p != nil {
		e.metrics.pendingSends.WithLabelValues("consumed").Inc()
		e.resumePending(p)
	}

	if key != NewConversationID {
		e.refresh(c)
	}
}

func (e *Engine) leave(key string) {
	c, ok := e.convs[key]
	if !ok {
		return
	}
	e.reset(c, FinishCancelled)
	if e.current == key {
		e.current = ""
	}
}

func (e *Engine) refresh(c *conversation) {
	key, display := c.key, c.displayID
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
		defer cancel()
		h, err := e.gw.FetchHistory(ctx, key, display)
		e.post(func() {
			if err != nil {
				e.logger.Warn("fetch history failed", zap.String("conversation_key", key), zap.Error(err))
				if IsAuthMissing(err) {
					e.emit(Event{Type: EventAuthRequired, ConversationKey: key, Err: err})
				}
				return
			}
			e.mergeHistory(e.conv(key, ""), h)
		})
	}()
}

// mergeHistory reconciles h into the store and reports whether the visible
// list changed.
func (e *Engine) mergeHistory(c *conversation, h *History) bool {
	if h == nil || len(h.Messages) == 0 {
		return false
	}
	before := e.store.Get(c.key)
	e.store.Merge(c.key, h.Messages)
	if sameTranscript(before, e.store.Get(c.key)) {
		return false
	}
	e.emitMessages(c)
	return true
}

func sameTranscript(a, b []Message) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := &a[i], &b[i]
		if x.ID != y.ID || x.ClientID != y.ClientID || x.ServerID != y.ServerID ||
			x.Status != y.Status || x.StreamingStatus != y.StreamingStatus ||
			x.Text() != y.Text() || x.Thinking() != y.Thinking() || len(x.Content) != len(y.Content) {
			return false
		}
	}
	return true
}

// ── Lifecycle ────────────────────────────────────────────

// transition moves c to target and emits the change. finished and failed
// collapse to idle at once.
func (e *Engine) transition(c *conversation, target ResponseState, reason FinishReason) bool {
	if err := (Transition{From: c.state, To: target}).Validate(); err != nil {
		e.logger.Warn("rejected lifecycle transition",
			zap.String("conversation_key", c.key),
			zap.Error(err),
		)
		return false
	}
	c.state = target
	e.emit(Event{Type: EventState, ConversationKey: c.key, DisplayID: c.displayID, State: target, Reason: reason})

	if target.IsTransient() {
		c.state = StateIdle
		e.emit(Event{Type: EventState, ConversationKey: c.key, DisplayID: c.displayID, State: StateIdle, Reason: reason})
	}
	return true
}

func (e *Engine) armFailsafe(c *conversation, gen uint64) {
	c.failsafe = time.AfterFunc(e.cfg.FailsafeTimeout, func() {
		e.post(func() {
			if c.gen != gen || !c.state.Busy() {
				return
			}
			e.logger.Warn("no completion signal, forcing finish",
				zap.String("conversation_key", c.key),
				zap.String("state", c.state.String()),
				zap.Duration("after", e.cfg.FailsafeTimeout),
				zap.Error(ErrStaleTimeout),
			)
			if c.detector != nil {
				c.detector.expire()
			}
			e.finish(c, StateFinished, FinishStaleTimeout)
		})
	})
}

// finish ends the active cycle of c through target (finished or failed).
func (e *Engine) finish(c *conversation, target ResponseState, reason FinishReason) {
	t := e.cfg.Transport
	if c.detector != nil {
		t = c.detector.transport()
	}
	e.stopCycle(c)
	if e.transition(c, target, reason) {
		e.metrics.responses.WithLabelValues(string(t), string(reason)).Inc()
		e.logger.Debug("response finished",
			zap.String("conversation_key", c.key),
			zap.String("reason", string(reason)),
		)
	}
	c.gen++
}

// reset tears down any active cycle and returns c to idle.
func (e *Engine) reset(c *conversation, reason FinishReason) {
	e.stopCycle(c)
	c.gen++
	if c.state != StateIdle {
		e.transition(c, StateIdle, reason)
	}
}

func (e *Engine) stopCycle(c *conversation) {
	if c.failsafe != nil {
		c.failsafe.Stop()
		c.failsafe = nil
	}
	if c.detector != nil {
		d := c.detector
		c.detector = nil
		d.stop()
	}
}

// ── Emission ─────────────────────────────────────────────

func (e *Engine) emit(ev Event) {
	e.hmu.RLock()
	handlers := append([]EventHandler(nil), e.handlers...)
	e.hmu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					e.logger.Error("event handler panicked", zap.String("event", string(ev.Type)), zap.Any("panic", r))
				}
			}()
			h(ev)
		}()
	}
}

func (e *Engine) emitMessages(c *conversation) {
	e.emit(Event{
		Type:            EventMessages,
		ConversationKey: c.key,
		DisplayID:       c.displayID,
		Messages:        e.store.Get(c.key),
	})
}
