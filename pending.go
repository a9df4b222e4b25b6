package chatsync

import (
	"context"
	"sync"
)

// ============================================================================
// Cross-Navigation Send Queue
// ============================================================================

// PendingStore persists the single pending send. *LocalState implements it.
type PendingStore interface {
	PutPending(ctx context.Context, p PendingSend) error
	TakePending(ctx context.Context, match func(PendingSend) bool) (*PendingSend, error)
}

// SendQueue hands a send started on the "new chat" placeholder over to the
// screen of the conversation it created. A stashed record is consumed at most
// once, by whichever consumer matches it first.
type SendQueue struct {
	mu    sync.Mutex
	store PendingStore
}

// NewSendQueue creates a queue over store. A nil store keeps the record in memory.
func NewSendQueue(store PendingStore) *SendQueue {
	if store == nil {
		store = &memoryPending{}
	}
	return &SendQueue{store: store}
}

// Stash records p, overwriting any previous record.
func (q *SendQueue) Stash(ctx context.Context, p PendingSend) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.PutPending(ctx, p)
}

// Consume returns and deletes the record if it matches the conversation key
// or display identifier. It returns nil when nothing matches.
func (q *SendQueue) Consume(ctx context.Context, conversationKey, displayID string) (*PendingSend, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.TakePending(ctx, func(p PendingSend) bool {
		return matchPending(p, conversationKey, displayID)
	})
}

func matchPending(p PendingSend, conversationKey, displayID string) bool {
	if conversationKey != "" && p.ConversationKey == conversationKey {
		return true
	}
	return displayID != "" && p.DisplayID == displayID
}

type memoryPending struct {
	p *PendingSend
}

func (m *memoryPending) PutPending(_ context.Context, p PendingSend) error {
	m.p = &p
	return nil
}

func (m *memoryPending) TakePending(_ context.Context, match func(PendingSend) bool) (*PendingSend, error) {
	if m.p == nil || !match(*m.p) {
		return nil, nil
	}
	p := m.p
	m.p = nil
	return p, nil
}
