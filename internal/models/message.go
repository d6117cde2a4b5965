package models

import "time"

const (
	MessageTypeText = "text"
	MessageTypeFile = "file"
)

type Message struct {
	ID             string     `bson:"_id,omitempty" json:"id"`
	ConversationID string     `bson:"conversation_id" json:"conversation_id"`
	SenderID       string     `bson:"sender_id" json:"sender_id"`
	Content        string     `bson:"content" json:"content"`
	Type           string     `bson:"type" json:"type"`
	AttachmentURL  string     `bson:"attachment_url,omitempty" json:"attachment_url,omitempty"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
	ReadAt         *time.Time `bson:"read_at,omitempty" json:"read_at,omitempty"`

	// Provisional marks a client-assigned entry not yet acknowledged by
	// the store. Never persisted.
	Provisional bool `bson:"-" json:"-"`
}

// Before reports whether m sorts ahead of other in display order:
// created_at first, id as tie-break.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
