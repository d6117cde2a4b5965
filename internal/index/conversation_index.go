// Package index maintains the viewer's conversation list: per
// conversation a summary with counterpart identity, unread count, a
// preview of the latest message, ordered by recency.
package index

import (
	"sort"
	"sync"
	"time"

	"github.com/alumnihub/messaging/internal/models"
)

// AttachmentPreview is the fixed placeholder shown instead of raw
// content for file messages.
const AttachmentPreview = "Sent an attachment"

const previewRunes = 35

type Summary struct {
	ConversationID    string    `json:"conversation_id"`
	CounterpartID     string    `json:"counterpart_id"`
	CounterpartName   string    `json:"counterpart_name"`
	CounterpartAvatar string    `json:"counterpart_avatar,omitempty"`
	Online            bool      `json:"online"`
	UnreadCount       int       `json:"unread_count"`
	Preview           string    `json:"preview"`
	LastMessageAt     time.Time `json:"last_message_at"`
}

// Preview renders the conversation-list line for a message.
func Preview(m models.Message) string {
	if m.Type == models.MessageTypeFile {
		return AttachmentPreview
	}
	r := []rune(m.Content)
	if len(r) > previewRunes {
		return string(r[:previewRunes]) + "..."
	}
	return m.Content
}

type Index struct {
	viewerID string

	mu     sync.Mutex
	byConv map[string]*Summary
}

func New(viewerID string) *Index {
	return &Index{viewerID: viewerID, byConv: make(map[string]*Summary)}
}

// Put seeds or overwrites a summary, typically from a list fetch.
func (x *Index) Put(s Summary) {
	x.mu.Lock()
	defer x.mu.Unlock()
	cp := s
	x.byConv[s.ConversationID] = &cp
}

// List returns the summaries ordered by last_message_at descending.
func (x *Index) List() []Summary {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Summary, 0, len(x.byConv))
	for _, s := range x.byConv {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastMessageAt.Equal(out[j].LastMessageAt) {
			return out[i].LastMessageAt.After(out[j].LastMessageAt)
		}
		return out[i].ConversationID < out[j].ConversationID
	})
	return out
}

// Get returns the summary for a conversation, if tracked.
func (x *Index) Get(conversationID string) (Summary, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.byConv[conversationID]
	if !ok {
		return Summary{}, false
	}
	return *s, true
}

// ApplyConfirmed patches the affected summary for a durably confirmed
// message: recency (monotone non-decreasing), preview, and the unread
// count when the message is inbound and unread. Callers must not pass
// provisional entries; a send that might still fail must not move the
// conversation.
func (x *Index) ApplyConfirmed(m models.Message) {
	x.mu.Lock()
	defer x.mu.Unlock()
	s, ok := x.byConv[m.ConversationID]
	if !ok {
		return
	}
	if m.CreatedAt.After(s.LastMessageAt) {
		s.LastMessageAt = m.CreatedAt
	}
	s.Preview = Preview(m)
	if m.SenderID != x.viewerID && m.ReadAt == nil {
		s.UnreadCount++
	}
}

// MarkRead resets the unread count for one conversation.
func (x *Index) MarkRead(conversationID string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.byConv[conversationID]; ok {
		s.UnreadCount = 0
	}
}

// SetOnline updates the counterpart presence flag.
func (x *Index) SetOnline(conversationID string, online bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if s, ok := x.byConv[conversationID]; ok {
		s.Online = online
	}
}
