package chatsync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Completion Detectors
// ============================================================================

// completionDetector decides when the agent's response to an accepted send is
// over. Both variants finish through Engine.finish. All methods run on the
// engine loop.
type completionDetector interface {
	transport() Transport
	start()
	// expire is called when the failsafe fires; partial output stays visible.
	expire()
	// stop cancels every timer and connection of the detector.
	stop()
}

func (e *Engine) startDetector(c *conversation, gen uint64) {
	t := e.cfg.Transport
	if c.fallbackToPoll {
		t = TransportPoll
		c.fallbackToPoll = false
	}

	var d completionDetector
	if t == TransportStream {
		d = &streamDetector{e: e, c: c, gen: gen}
	} else {
		d = &pollDetector{e: e, c: c, gen: gen, anchor: c.anchor, baseline: c.baseline}
	}
	c.detector = d
	d.start()
}

func tailIdentity(list []Message) string {
	if len(list) == 0 {
		return ""
	}
	return identityOf(&list[len(list)-1])
}

func identityOf(m *Message) string {
	switch {
	case m.ServerID != "":
		return m.ServerID
	case m.ClientID != "":
		return m.ClientID
	default:
		return m.ID
	}
}

// ── Polling ──────────────────────────────────────────────

// pollDetector re-fetches history on a fixed interval and infers completion
// once an assistant reply after the sent message stops changing.
type pollDetector struct {
	e   *Engine
	c   *conversation
	gen uint64

	anchor   string
	baseline string

	tick     *time.Timer
	idle     *time.Timer
	fetching bool
	stopped  bool

	tailID   string
	tailText string
}

func (d *pollDetector) transport() Transport { return TransportPoll }

func (d *pollDetector) live() bool {
	return !d.stopped && d.c.gen == d.gen && d.c.detector == completionDetector(d)
}

func (d *pollDetector) start() {
	if !d.e.transition(d.c, StatePolling, "") {
		return
	}
	d.schedule(0)
}

func (d *pollDetector) schedule(after time.Duration) {
	d.tick = time.AfterFunc(after, func() { d.e.post(d.onTick) })
}

func (d *pollDetector) onTick() {
	if !d.live() {
		return
	}
	defer d.schedule(d.e.cfg.PollInterval)
	if d.fetching {
		return
	}
	d.fetching = true

	key, display := d.c.key, d.c.displayID
	go func() {
		ctx, cancel := context.WithTimeout(d.e.ctx, d.e.cfg.RequestTimeout)
		defer cancel()
		h, err := d.e.gw.FetchHistory(ctx, key, display)
		d.e.post(func() { d.onHistory(h, err) })
	}()
}

func (d *pollDetector) onHistory(h *History, err error) {
	d.fetching = false
	if err != nil {
		d.e.logger.Debug("poll fetch failed", zap.String("conversation_key", d.c.key), zap.Error(err))
		return
	}
	d.e.mergeHistory(d.c, h)
	if !d.live() {
		return
	}

	list := d.e.store.Get(d.c.key)
	if !d.responseAtTail(list) {
		d.tailID, d.tailText = "", ""
		if d.idle != nil {
			d.idle.Stop()
			d.idle = nil
		}
		return
	}

	tail := &list[len(list)-1]
	id, text := identityOf(tail), tail.Text()
	if id != d.tailID || text != d.tailText || d.idle == nil {
		d.tailID, d.tailText = id, text
		d.armIdle()
	}
}

// responseAtTail reports whether the tail is an assistant message positioned
// after the sent message. When the sent message cannot be located, any tail
// other than the one seen at send time counts.
func (d *pollDetector) responseAtTail(list []Message) bool {
	n := len(list)
	if n == 0 || list[n-1].Role != RoleAssistant {
		return false
	}
	for i := range list {
		if d.anchor != "" && list[i].ClientID == d.anchor {
			return i < n-1
		}
	}
	return identityOf(&list[n-1]) != d.baseline
}

func (d *pollDetector) armIdle() {
	if d.idle != nil {
		d.idle.Stop()
	}
	d.idle = time.AfterFunc(d.e.cfg.QuietPeriod, func() { d.e.post(d.onQuiet) })
}

func (d *pollDetector) onQuiet() {
	if !d.live() {
		return
	}
	d.e.logger.Debug("response quiet, finishing",
		zap.String("conversation_key", d.c.key),
		zap.String("tail", d.tailID),
	)
	d.e.finish(d.c, StateFinished, FinishCompleted)
}

func (d *pollDetector) expire() {}

func (d *pollDetector) stop() {
	d.stopped = true
	if d.tick != nil {
		d.tick.Stop()
	}
	if d.idle != nil {
		d.idle.Stop()
	}
}

// ── Streaming ────────────────────────────────────────────

// streamDetector fills a placeholder assistant message from the push stream,
// then confirms the finalized text against history before finishing.
type streamDetector struct {
	e   *Engine
	c   *conversation
	gen uint64

	sc     StreamContext
	es     EventStream
	cancel context.CancelFunc
	retry  *time.Timer

	completed bool
	stopped   bool
}

func (d *streamDetector) transport() Transport { return TransportStream }

func (d *streamDetector) live() bool {
	return !d.stopped && d.c.gen == d.gen && d.c.detector == completionDetector(d)
}

func (d *streamDetector) start() {
	d.sc = StreamContext{
		StreamID:        streamIDPrefix + uuid.NewString(),
		ConversationKey: d.c.key,
		DisplayID:       d.c.displayID,
	}
	d.e.store.Append(d.c.key, Message{
		ID:              d.sc.StreamID,
		ClientID:        d.sc.StreamID,
		Role:            RoleAssistant,
		CreatedAt:       time.Now(),
		StreamingStatus: StreamingActive,
	})
	d.e.emitMessages(d.c)
	if !d.e.transition(d.c, StateStreaming, "") {
		return
	}

	ctx, cancel := context.WithCancel(d.e.ctx)
	d.cancel = cancel
	sc := d.sc
	go func() {
		es, err := d.e.gw.OpenStream(ctx, sc)
		d.e.post(func() { d.onOpen(es, err) })
	}()
}

func (d *streamDetector) onOpen(es EventStream, err error) {
	if err != nil {
		if d.live() {
			d.fail(err)
		}
		return
	}
	if !d.live() {
		_ = es.Close()
		return
	}
	d.es = es
	d.e.logger.Debug("stream opened",
		zap.String("conversation_key", d.c.key),
		zap.String("stream_id", d.sc.StreamID),
	)
	go func() {
		for ev := range es.Events() {
			ev := ev
			d.e.post(func() { d.onEvent(ev) })
		}
		d.e.post(d.onDrop)
	}()
}

func (d *streamDetector) onEvent(ev StreamEvent) {
	if !d.live() || d.completed {
		return
	}
	if ev.StreamID != "" && ev.StreamID != d.sc.StreamID {
		d.e.logger.Debug("dropping event of another stream",
			zap.String("stream_id", d.sc.StreamID),
			zap.String("event_stream_id", ev.StreamID),
		)
		return
	}

	switch ev.Type {
	case StreamChunk:
		d.patch(func(m *Message) {
			setPartText(m, PartText, mergeChunk(m.Text(), ev.Text))
		})
	case StreamThinking:
		d.patch(func(m *Message) {
			setPartText(m, PartThinking, mergeChunk(m.Thinking(), ev.Text))
		})
	case StreamComplete:
		d.completed = true
		d.closeStream()
		final := ev.Text
		if final == "" && ev.Message != nil {
			final = ev.Message.Text()
		}
		d.patch(func(m *Message) {
			if final != "" {
				setPartText(m, PartText, final)
			}
			m.StreamingStatus = StreamingComplete
			m.CreatedAt = time.Now()
		})
		d.confirm(1)
	case StreamError:
		d.fail(fmt.Errorf("%w: %s", ErrStreamFailed, ev.Error))
	}
}

func (d *streamDetector) onDrop() {
	if !d.live() || d.completed {
		return
	}
	d.fail(fmt.Errorf("%w: connection dropped", ErrStreamFailed))
}

func (d *streamDetector) patch(update func(*Message)) {
	if d.e.store.PatchByIdentity(d.c.key, d.sc.StreamID, update) {
		d.e.emitMessages(d.c)
	}
}

// confirm looks for the finalized placeholder in history. Attempts back off
// linearly; after the last one the placeholder is kept and settled.
func (d *streamDetector) confirm(attempt int) {
	key, display := d.c.key, d.c.displayID
	go func() {
		ctx, cancel := context.WithTimeout(d.e.ctx, d.e.cfg.RequestTimeout)
		defer cancel()
		h, err := d.e.gw.FetchHistory(ctx, key, display)
		d.e.post(func() { d.onConfirm(attempt, h, err) })
	}()
}

func (d *streamDetector) onConfirm(attempt int, h *History, err error) {
	if !d.live() {
		return
	}
	if err != nil {
		d.e.logger.Debug("confirm fetch failed",
			zap.String("conversation_key", d.c.key),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	} else if d.confirmed(h) {
		d.e.store.RemoveByIdentity(d.c.key, d.sc.StreamID)
		d.e.mergeHistory(d.c, h)
		d.dropReplaced()
		d.e.finish(d.c, StateFinished, FinishCompleted)
		return
	}

	if attempt >= d.e.cfg.ConfirmRetries {
		d.e.logger.Info("stream reply not confirmed, keeping placeholder",
			zap.String("conversation_key", d.c.key),
			zap.String("stream_id", d.sc.StreamID),
		)
		d.e.mergeHistory(d.c, h)
		d.dropReplaced()
		d.patch(func(m *Message) { m.StreamingStatus = StreamingNone })
		d.e.finish(d.c, StateFinished, FinishCompleted)
		return
	}

	d.retry = time.AfterFunc(d.e.cfg.ConfirmBackoff*time.Duration(attempt), func() {
		d.e.post(func() {
			if d.live() {
				d.confirm(attempt + 1)
			}
		})
	})
}

// confirmed reports whether h holds a message matching the finalized
// placeholder that is not already shown as another message.
func (d *streamDetector) confirmed(h *History) bool {
	ph, ok := d.e.store.Find(d.c.key, d.sc.StreamID)
	if !ok {
		return true
	}
	list := d.e.store.Get(d.c.key)
	var fresh []Message
	for _, r := range normalizeHistory(h.Messages) {
		if indexByServerID(list, r.ServerID) >= 0 {
			continue
		}
		if placeholderMatch(&ph, &r) {
			return true
		}
		fresh = append(fresh, r)
	}
	return FindConfirmation(&ph, fresh) >= 0
}

// dropReplaced removes placeholders of earlier cycles that history never
// confirmed. Confirmed ones were settled under a server identity already.
func (d *streamDetector) dropReplaced() {
	removed := false
	for _, id := range d.c.replaced {
		if d.e.store.RemoveByIdentity(d.c.key, id) {
			removed = true
		}
	}
	d.c.replaced = nil
	if removed {
		d.e.emitMessages(d.c)
	}
}

func (d *streamDetector) fail(err error) {
	d.closeStream()
	if d.e.store.RemoveByIdentity(d.c.key, d.sc.StreamID) {
		d.e.emitMessages(d.c)
	}
	d.c.fallbackToPoll = true
	d.e.metrics.streamFailures.Inc()
	d.e.logger.Warn("stream failed, next send polls",
		zap.String("conversation_key", d.c.key),
		zap.String("stream_id", d.sc.StreamID),
		zap.Error(err),
	)
	d.e.finish(d.c, StateFailed, FinishStreamFailed)

	c := d.c
	d.e.emit(Event{
		Type:            EventStreamFailed,
		ConversationKey: c.key,
		DisplayID:       c.displayID,
		Err:             NewOpError("stream", c.key, err),
	})
	if IsAuthMissing(err) {
		d.e.emit(Event{Type: EventAuthRequired, ConversationKey: c.key, Err: err})
	}
}

func (d *streamDetector) closeStream() {
	if d.es != nil {
		_ = d.es.Close()
		d.es = nil
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
}

func (d *streamDetector) expire() {
	d.patch(func(m *Message) {
		if m.StreamingStatus == StreamingActive {
			m.StreamingStatus = StreamingNone
		}
	})
}

// stop discards a placeholder that is still streaming. A finalized one stays
// as a reconciliation candidate until the next stream cycle confirms.
func (d *streamDetector) stop() {
	d.stopped = true
	d.closeStream()
	if d.retry != nil {
		d.retry.Stop()
	}
	ph, ok := d.e.store.Find(d.c.key, d.sc.StreamID)
	if !ok {
		return
	}
	if ph.StreamingStatus == StreamingActive {
		d.e.store.RemoveByIdentity(d.c.key, d.sc.StreamID)
		d.e.emitMessages(d.c)
		return
	}
	d.c.replaced = append(d.c.replaced, d.sc.StreamID)
}

// mergeChunk accepts both cumulative chunks, which repeat the text so far,
// and delta chunks.
func mergeChunk(current, chunk string) string {
	if strings.HasPrefix(chunk, current) {
		return chunk
	}
	return current + chunk
}

func setPartText(m *Message, t PartType, text string) {
	for i := range m.Content {
		if m.Content[i].Type == t {
			m.Content[i].Text = text
			// Drop any further parts of this type so Text() stays equal to text.
			out := m.Content[:i+1]
			for _, p := range m.Content[i+1:] {
				if p.Type != t {
					out = append(out, p)
				}
			}
			m.Content = out
			return
		}
	}
	m.Content = append(m.Content, ContentPart{Type: t, Text: text})
}
