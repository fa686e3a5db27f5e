// Package msgstore holds the ordered, deduplicated message collection for a
// single open conversation. It is the single source of truth for rendering.
//
// The store itself performs no locking: the sync engine funnels every
// mutation through one serialized path, so atomicity of Replace is
// structural, not lock-based.
package msgstore

import (
	"sort"

	"chatsync/internal/domain"
)

// Store keeps messages for one conversation ordered by CreatedAt
// (non-decreasing), ties broken by insertion order. All mutations on unknown
// ids are silent no-ops: optimistic rollbacks and duplicate push events must
// be safely ignorable.
type Store struct {
	conversationID string
	messages       []*domain.Message
	closed         bool
}

// New returns an empty store for the given conversation.
func New(conversationID string) *Store {
	return &Store{conversationID: conversationID}
}

// ConversationID returns the conversation this store belongs to.
func (s *Store) ConversationID() string {
	return s.conversationID
}

// Close marks the store as torn down. Every later mutation is a no-op; an
// in-flight network call resolving into a closed store must not crash.
func (s *Store) Close() {
	s.closed = true
	s.messages = nil
}

// Closed reports whether the store has been torn down.
func (s *Store) Closed() bool {
	return s.closed
}

// Len returns the number of messages currently held.
func (s *Store) Len() int {
	return len(s.messages)
}

// Get returns the message with the given id (either identifier space).
func (s *Store) Get(id string) (*domain.Message, bool) {
	if i := s.indexOf(id); i >= 0 {
		return s.messages[i], true
	}
	return nil, false
}

// Messages returns the ordered messages. The returned slice is a copy; the
// message pointers are shared and must be treated as read-only by callers.
func (s *Store) Messages() []*domain.Message {
	out := make([]*domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append inserts a message at its timestamp position. A message whose id is
// already present is ignored.
func (s *Store) Append(m *domain.Message) {
	if s.closed || m == nil {
		return
	}
	if s.indexOf(m.ID) >= 0 {
		return
	}
	s.insert(m)
}

// Replace atomically swaps the placeholder with the given local id for the
// confirmed message: one operation removes the placeholder and inserts the
// confirmation at its correct timestamp position, so no intermediate state
// shows both or neither. Unknown local ids degrade to a deduplicated Append.
func (s *Store) Replace(localID string, confirmed *domain.Message) {
	if s.closed || confirmed == nil {
		return
	}
	if i := s.indexOf(localID); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
	if s.indexOf(confirmed.ID) >= 0 {
		return
	}
	s.insert(confirmed)
}

// Remove deletes the message with the given id. No-op on unknown ids.
func (s *Store) Remove(id string) {
	if s.closed {
		return
	}
	if i := s.indexOf(id); i >= 0 {
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	}
}

// UpdateReactions replaces only the reaction set of the matching message,
// preserving its position.
func (s *Store) UpdateReactions(messageID string, reactions []domain.Reaction) {
	if s.closed {
		return
	}
	i := s.indexOf(messageID)
	if i < 0 {
		return
	}
	rs := make([]domain.Reaction, len(reactions))
	copy(rs, reactions)
	s.messages[i].Reactions = rs
}

// MarkAllRead flips IsRead on every held message.
func (s *Store) MarkAllRead() {
	if s.closed {
		return
	}
	for _, m := range s.messages {
		m.IsRead = true
	}
}

func (s *Store) indexOf(id string) int {
	for i, m := range s.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

// insert places m at the last position whose CreatedAt is <= m's, keeping
// order stable for equal timestamps. Display order is derived purely from
// CreatedAt, never from arrival order.
func (s *Store) insert(m *domain.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(m.CreatedAt)
	})
	s.messages = append(s.messages, nil)
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = m
}
