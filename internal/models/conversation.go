package models

import (
	"strings"
	"time"
)

// Conversation is a durable channel between exactly two participants.
// At most one conversation exists per unordered pair; PairKey is the
// canonical unique key enforcing that.
type Conversation struct {
	ID            string    `bson:"_id,omitempty" json:"id"`
	PairKey       string    `bson:"pair_key" json:"-"`
	ParticipantA  string    `bson:"participant_a" json:"participant_a"`
	ParticipantB  string    `bson:"participant_b" json:"participant_b"`
	LastMessageAt time.Time `bson:"last_message_at" json:"last_message_at"`
	CreatedAt     time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt     time.Time `bson:"updated_at" json:"updated_at"`
}

// PairKey canonicalizes an unordered participant pair.
func PairKey(a, b string) string {
	if strings.Compare(a, b) > 0 {
		a, b = b, a
	}
	return a + ":" + b
}

// Counterpart returns the other participant, or "" when userID is not a member.
func (c *Conversation) Counterpart(userID string) string {
	switch userID {
	case c.ParticipantA:
		return c.ParticipantB
	case c.ParticipantB:
		return c.ParticipantA
	}
	return ""
}

func (c *Conversation) HasParticipant(userID string) bool {
	return c.ParticipantA == userID || c.ParticipantB == userID
}
