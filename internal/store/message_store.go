// Package store owns the client-side authoritative list of messages for
// a single conversation: an append-only sequence ordered by
// (created_at, id), with read-state mutation and id-keyed dedupe.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/alumnihub/messaging/internal/models"
)

type MessageStore struct {
	mu             sync.Mutex
	conversationID string
	byID           map[string]*models.Message
	order          []*models.Message // sorted by (CreatedAt, ID)
}

func New(conversationID string) *MessageStore {
	return &MessageStore{
		conversationID: conversationID,
		byID:           make(map[string]*models.Message),
	}
}

func (s *MessageStore) ConversationID() string { return s.conversationID }

// Append inserts m at its sorted position. A message with a known id is
// a no-op, so Append doubles as the dedupe for feed deliveries. Returns
// true when the message was actually inserted.
func (s *MessageStore) Append(m models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return false
	}
	s.insertLocked(&m)
	return true
}

// Has reports whether a message with the given id is present.
func (s *MessageStore) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[id]
	return ok
}

// Replace swaps the provisional entry for the server-acknowledged one.
// The confirmed message keeps the ordering invariant: it is re-inserted
// at the position its server-assigned (created_at, id) dictates.
func (s *MessageStore) Replace(provisionalID string, confirmed models.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[provisionalID]; !ok {
		return false
	}
	s.removeLocked(provisionalID)
	if _, ok := s.byID[confirmed.ID]; ok {
		// Already delivered via the feed while the ack was in flight.
		return true
	}
	s.insertLocked(&confirmed)
	return true
}

// Remove deletes the entry with the given id, if present. Used for
// optimistic rollback.
func (s *MessageStore) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[id]; !ok {
		return false
	}
	s.removeLocked(id)
	return true
}

// MarkRead sets read_at = now on every message not sent by viewerID that
// is still unread. Idempotent. Returns the ids that transitioned.
func (s *MessageStore) MarkRead(viewerID string, now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var changed []string
	for _, m := range s.order {
		if m.SenderID == viewerID || m.ReadAt != nil {
			continue
		}
		t := now
		if t.Before(m.CreatedAt) {
			t = m.CreatedAt
		}
		m.ReadAt = &t
		changed = append(changed, m.ID)
	}
	return changed
}

// MarkOneRead sets read_at on a single message, same rules as MarkRead.
func (s *MessageStore) MarkOneRead(id, viewerID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok || m.SenderID == viewerID || m.ReadAt != nil {
		return false
	}
	t := now
	if t.Before(m.CreatedAt) {
		t = m.CreatedAt
	}
	m.ReadAt = &t
	return true
}

// Messages returns a copy of the sequence in display order.
func (s *MessageStore) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.order))
	for i, m := range s.order {
		out[i] = *m
	}
	return out
}

// UnreadCount counts messages not sent by viewerID with no read receipt.
func (s *MessageStore) UnreadCount(viewerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.order {
		if m.SenderID != viewerID && m.ReadAt == nil {
			n++
		}
	}
	return n
}

func (s *MessageStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *MessageStore) insertLocked(m *models.Message) {
	i := sort.Search(len(s.order), func(i int) bool {
		return m.Before(s.order[i])
	})
	s.order = append(s.order, nil)
	copy(s.order[i+1:], s.order[i:])
	s.order[i] = m
	s.byID[m.ID] = m
}

func (s *MessageStore) removeLocked(id string) {
	m := s.byID[id]
	delete(s.byID, id)
	for i, e := range s.order {
		if e == m {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}
