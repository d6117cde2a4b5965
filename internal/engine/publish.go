package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/events"
	"github.com/alumnihub/messaging/internal/models"
)

// LivePublisher fans a confirmed message out to live subscribers.
type LivePublisher interface {
	Publish(ctx context.Context, m models.Message) error
}

// EventBus carries the durable message-sent event for recipients
// without a live feed.
type EventBus interface {
	PublishMessageSent(ctx context.Context, ev events.MessageSent) error
}

type conversationGetter interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

// Fanout is the pipeline's publisher: the live push first, then the bus
// event with the recipient resolved from the conversation.
type Fanout struct {
	push  LivePublisher
	bus   EventBus
	convs conversationGetter
	log   *zap.SugaredLogger
}

func NewFanout(push LivePublisher, bus EventBus, convs conversationGetter, log *zap.SugaredLogger) *Fanout {
	return &Fanout{push: push, bus: bus, convs: convs, log: log}
}

func (f *Fanout) PublishMessageSent(ctx context.Context, m models.Message) error {
	if f.push != nil {
		if err := f.push.Publish(ctx, m); err != nil {
			f.log.Warnw("live publish failed", "message", m.ID, "err", err)
		}
	}
	if f.bus == nil {
		return nil
	}
	conv, err := f.convs.GetConversation(ctx, m.ConversationID)
	if err != nil {
		return fmt.Errorf("resolve recipient: %w", err)
	}
	return f.bus.PublishMessageSent(ctx, events.MessageSent{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		RecipientID:    conv.Counterpart(m.SenderID),
		Content:        m.Content,
		Type:           m.Type,
		AttachmentURL:  m.AttachmentURL,
		CreatedAt:      m.CreatedAt,
	})
}

// FromEvent rebuilds the message carried by a bus event.
func FromEvent(ev events.MessageSent) models.Message {
	return models.Message{
		ID:             ev.MessageID,
		ConversationID: ev.ConversationID,
		SenderID:       ev.SenderID,
		Content:        ev.Content,
		Type:           ev.Type,
		AttachmentURL:  ev.AttachmentURL,
		CreatedAt:      ev.CreatedAt,
	}
}
