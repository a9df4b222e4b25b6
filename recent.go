package chatsync

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// ============================================================================
// Recent-Conversation Guard
// ============================================================================

// RecentStore persists recent-conversation markers per console session.
// *LocalState implements it.
type RecentStore interface {
	MarkRecent(ctx context.Context, sessionID, displayID string) error
	IsRecent(ctx context.Context, sessionID, displayID string) (bool, error)
}

// RecentGuard suppresses the "unknown conversation, go to new chat" redirect
// for conversations this session just created, which the gateway's list may
// not show yet. Markers live as long as the session id.
type RecentGuard struct {
	mu        sync.Mutex
	sessionID string
	store     RecentStore
	marks     map[string]struct{}
}

// NewRecentGuard creates a guard for sessionID; an empty id starts a new session.
// store may be nil.
func NewRecentGuard(sessionID string, store RecentStore) *RecentGuard {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &RecentGuard{
		sessionID: sessionID,
		store:     store,
		marks:     make(map[string]struct{}),
	}
}

// SessionID returns the console session the markers belong to.
func (g *RecentGuard) SessionID() string {
	return g.sessionID
}

// MarkRecent records displayID as created in this session.
func (g *RecentGuard) MarkRecent(ctx context.Context, displayID string) error {
	if displayID == "" {
		return nil
	}
	g.mu.Lock()
	g.marks[displayID] = struct{}{}
	g.mu.Unlock()
	if g.store == nil {
		return nil
	}
	return g.store.MarkRecent(ctx, g.sessionID, displayID)
}

// IsRecent reports whether displayID was marked in this session.
// Store errors count as not recent.
func (g *RecentGuard) IsRecent(ctx context.Context, displayID string) bool {
	g.mu.Lock()
	_, ok := g.marks[displayID]
	g.mu.Unlock()
	if ok || g.store == nil {
		return ok
	}
	ok, err := g.store.IsRecent(ctx, g.sessionID, displayID)
	return err == nil && ok
}

// ShouldRedirectToNew decides whether opening displayID should redirect to the
// new-chat placeholder. A recent marker always vetoes; otherwise the redirect
// happens only when known does not contain displayID.
func (g *RecentGuard) ShouldRedirectToNew(ctx context.Context, displayID string, known []Conversation) bool {
	if displayID == "" || displayID == NewConversationID {
		return false
	}
	if g.IsRecent(ctx, displayID) {
		return false
	}
	for _, c := range known {
		if c.DisplayID == displayID || c.Key == displayID {
			return false
		}
	}
	return true
}
