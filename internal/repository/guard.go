package repository

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alumnihub/messaging/internal/models"
)

// Guarded wraps the repository calls the polling fallback hammers on a
// fixed interval. When the store is down the breaker opens and the
// feed's poll ticks fail fast instead of stacking slow requests; the
// poll loop itself treats every failure as transient.
type Guarded struct {
	Repository
	cb *gobreaker.CircuitBreaker
}

func NewGuarded(r Repository) *Guarded {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "durable-store",
		Timeout: 10 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
	})
	return &Guarded{Repository: r, cb: cb}
}

func (g *Guarded) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	out, err := g.cb.Execute(func() (any, error) {
		return g.Repository.ListMessages(ctx, conversationID)
	})
	if err != nil {
		return nil, err
	}
	return out.([]models.Message), nil
}

func (g *Guarded) MarkMessageRead(ctx context.Context, messageID, viewerID string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.Repository.MarkMessageRead(ctx, messageID, viewerID)
	})
	return err
}

func (g *Guarded) MarkConversationRead(ctx context.Context, conversationID, viewerID string) error {
	_, err := g.cb.Execute(func() (any, error) {
		return nil, g.Repository.MarkConversationRead(ctx, conversationID, viewerID)
	})
	return err
}
