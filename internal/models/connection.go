package models

import "time"

const (
	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"
	ConnectionRejected = "rejected"
)

// Connection is a mutual, status-gated relationship between two users.
// Messaging is permitted only while an accepted connection exists, in
// either direction.
type Connection struct {
	ID          string    `bson:"_id,omitempty" json:"id"`
	RequesterID string    `bson:"requester_id" json:"requester_id"`
	RecipientID string    `bson:"recipient_id" json:"recipient_id"`
	Status      string    `bson:"status" json:"status"`
	CreatedAt   time.Time `bson:"created_at" json:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at" json:"updated_at"`
}
