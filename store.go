package chatsync

// ============================================================================
// Message Store
// ============================================================================

// Store is the keyed cache of conversation transcripts and the conversation
// registry. It is the single owner of message lists: every other component
// mutates messages through its methods.
//
// Store is not goroutine-safe. The Engine only touches it from its loop.
type Store struct {
	messages      map[string][]Message
	conversations map[string]*Conversation
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		messages:      make(map[string][]Message),
		conversations: make(map[string]*Conversation),
	}
}

// ── Messages ─────────────────────────────────────────────

// Get returns a copy of the ordered message list of a conversation.
func (s *Store) Get(key string) []Message {
	return cloneMessages(s.messages[key])
}

// Len returns the number of messages held for a conversation.
func (s *Store) Len(key string) int {
	return len(s.messages[key])
}

// Append adds a message to the end of a conversation.
func (s *Store) Append(key string, msg Message) {
	s.messages[key] = append(s.messages[key], msg.clone())
}

// Find returns a copy of the message carrying identity id.
func (s *Store) Find(key, id string) (Message, bool) {
	i := s.indexOf(key, id)
	if i < 0 {
		return Message{}, false
	}
	return s.messages[key][i].clone(), true
}

// PatchByIdentity applies update to the message carrying identity id.
// It reports whether the message was found.
func (s *Store) PatchByIdentity(key, id string, update func(*Message)) bool {
	i := s.indexOf(key, id)
	if i < 0 {
		return false
	}
	update(&s.messages[key][i])
	return true
}

// RemoveByIdentity deletes the message carrying identity id.
// It reports whether the message was found.
func (s *Store) RemoveByIdentity(key, id string) bool {
	i := s.indexOf(key, id)
	if i < 0 {
		return false
	}
	list := s.messages[key]
	s.messages[key] = append(list[:i:i], list[i+1:]...)
	return true
}

// Merge reconciles a server-confirmed transcript into the conversation.
func (s *Store) Merge(key string, remote []Message) {
	if len(remote) == 0 {
		return
	}
	s.messages[key] = Merge(s.messages[key], remote)
	last := s.messages[key][len(s.messages[key])-1]
	s.SetLastMessage(key, last)
}

// Move re-keys a conversation, appending any messages already held under the
// target key after the moved ones.
func (s *Store) Move(from, to string) {
	if from == to {
		return
	}
	moved := s.messages[from]
	delete(s.messages, from)
	if len(moved) == 0 {
		return
	}
	s.messages[to] = append(moved, s.messages[to]...)
}

// Drop forgets a conversation's messages.
func (s *Store) Drop(key string) {
	delete(s.messages, key)
}

// indexOf matches ClientID across the whole list first, then ServerID and ID.
func (s *Store) indexOf(key, id string) int {
	if id == "" {
		return -1
	}
	list := s.messages[key]
	for i := range list {
		if list[i].ClientID == id {
			return i
		}
	}
	for i := range list {
		if list[i].ServerID == id || list[i].ID == id {
			return i
		}
	}
	return -1
}

// ── Conversations ────────────────────────────────────────

// Conversation returns the registry entry for key.
func (s *Store) Conversation(key string) (Conversation, bool) {
	c, ok := s.conversations[key]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// PutConversation inserts or replaces a registry entry.
func (s *Store) PutConversation(c Conversation) {
	if c.Key == "" {
		return
	}
	cp := c
	s.conversations[c.Key] = &cp
}

// SetLastMessage updates the conversation's last message snapshot.
func (s *Store) SetLastMessage(key string, msg Message) {
	c, ok := s.conversations[key]
	if !ok {
		c = &Conversation{Key: key}
		s.conversations[key] = c
	}
	snap := msg.clone()
	c.LastMessage = &snap
	if !msg.CreatedAt.IsZero() && msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
}
