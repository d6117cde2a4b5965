// Package repository is the durable-store contract the engine runs
// against, with a MongoDB implementation.
package repository

import (
	"context"
	"time"

	"github.com/alumnihub/messaging/internal/models"
)

type Repository interface {
	// Conversations
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	// GetOrCreateConversation atomically returns the single
	// conversation for the unordered pair, creating it when absent.
	GetOrCreateConversation(ctx context.Context, userA, userB string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]models.Conversation, error)

	// Messages
	InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	LatestMessage(ctx context.Context, conversationID string) (*models.Message, error)
	CountUnread(ctx context.Context, conversationID, viewerID string) (int64, error)
	MarkMessageRead(ctx context.Context, messageID, viewerID string) error
	// MarkConversationRead is the bulk read-state RPC: one atomic
	// update for every unread inbound message in the conversation.
	MarkConversationRead(ctx context.Context, conversationID, viewerID string) error
	// AttachmentReferenced reports whether any message row points at
	// the attachment URL; the orphan sweep keys off it.
	AttachmentReferenced(ctx context.Context, url string) (bool, error)

	// Connections
	FindConnection(ctx context.Context, userA, userB string) (*models.Connection, error)
	RequestConnection(ctx context.Context, requesterID, recipientID string) (*models.Connection, error)
	UpdateConnectionStatus(ctx context.Context, id, status string, at time.Time) error
	DeleteConnection(ctx context.Context, id string) error
	ListConnectionRequests(ctx context.Context, userID string) (incoming, outgoing []models.Connection, err error)

	// Notifications
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, userID string) ([]models.Notification, error)

	// Profiles
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}
