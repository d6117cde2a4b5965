// Package notify turns inbound messages for conversations the recipient
// is not looking at into exactly one durable notification and one
// transient alert.
package notify

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/metrics"
	"github.com/alumnihub/messaging/internal/models"
)

type NotificationWriter interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
}

type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (*models.Profile, error)
}

// Alerter emits the transient, user-facing alert (a toast on a
// connected client).
type Alerter interface {
	Alert(userID string, payload any)
}

// maxSeenPerRecipient bounds the dedupe window. Redelivery of an id
// evicted from the window notifies again; the bus redelivers within
// seconds, so the window outlives any realistic duplicate.
const maxSeenPerRecipient = 256

// seenWindow is a FIFO-bounded set of handled message ids.
type seenWindow struct {
	ids   map[string]struct{}
	order []string
}

type Dispatcher struct {
	writer   NotificationWriter
	profiles ProfileReader
	alerts   Alerter
	log      *zap.SugaredLogger

	mu   sync.Mutex
	seen map[string]*seenWindow // by recipient
}

func NewDispatcher(w NotificationWriter, profiles ProfileReader, alerts Alerter, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		writer:   w,
		profiles: profiles,
		alerts:   alerts,
		log:      log,
		seen:     make(map[string]*seenWindow),
	}
}

// OnInboundMessage handles one delivery of msg for recipientID.
// openConversationID is the conversation the recipient currently has
// open ("" when none). Duplicate deliveries of the same message id, own
// messages, and messages for the open conversation are all ignored.
func (d *Dispatcher) OnInboundMessage(ctx context.Context, msg models.Message, recipientID, openConversationID string) error {
	if msg.SenderID == recipientID {
		return nil
	}
	if msg.ConversationID == openConversationID {
		return nil
	}
	if !d.markSeen(recipientID, msg.ID) {
		return nil
	}

	senderName := "Someone"
	if p, err := d.profiles.GetProfile(ctx, msg.SenderID); err == nil && p.FullName != "" {
		senderName = p.FullName
	}

	n := &models.Notification{
		UserID:  recipientID,
		Type:    models.NotificationNewMessage,
		Message: fmt.Sprintf("You have a new message from %s.", senderName),
		LinkTo:  "/messages?conversationId=" + msg.ConversationID,
	}
	if err := d.writer.CreateNotification(ctx, n); err != nil {
		// Allow a later delivery of the same event to try again.
		d.unmarkSeen(recipientID, msg.ID)
		return fmt.Errorf("create notification: %w", err)
	}
	metrics.NotificationsDispatched.Inc()

	if d.alerts != nil {
		d.alerts.Alert(recipientID, map[string]any{
			"type":            "new_message",
			"conversation_id": msg.ConversationID,
			"message":         n.Message,
		})
	}
	return nil
}

func (d *Dispatcher) markSeen(recipientID, messageID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.seen[recipientID]
	if !ok {
		w = &seenWindow{ids: make(map[string]struct{})}
		d.seen[recipientID] = w
	}
	if _, dup := w.ids[messageID]; dup {
		return false
	}
	w.ids[messageID] = struct{}{}
	w.order = append(w.order, messageID)
	if len(w.order) > maxSeenPerRecipient {
		delete(w.ids, w.order[0])
		w.order = w.order[1:]
	}
	return true
}

func (d *Dispatcher) unmarkSeen(recipientID, messageID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	w, ok := d.seen[recipientID]
	if !ok {
		return
	}
	delete(w.ids, messageID)
	// Unmark always follows the mark that just appended the id.
	if n := len(w.order); n > 0 && w.order[n-1] == messageID {
		w.order = w.order[:n-1]
	}
}
