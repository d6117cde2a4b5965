// Package realtime is the push channel: message-insert events fan out
// over Redis pub/sub, one topic per conversation. Subscribe reports
// confirmation or failure synchronously so the feed can choose between
// live delivery and the polling fallback.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/feed"
	"github.com/alumnihub/messaging/internal/models"
)

type Channel struct {
	rdb    *redis.Client
	prefix string
	log    *zap.SugaredLogger
}

func NewChannel(rdb *redis.Client, prefix string, log *zap.SugaredLogger) *Channel {
	return &Channel{rdb: rdb, prefix: prefix, log: log}
}

func (c *Channel) topic(conversationID string) string {
	return fmt.Sprintf("%s:conv:%s", c.prefix, conversationID)
}

// Publish fans a confirmed message out to subscribers of its
// conversation topic.
func (c *Channel) Publish(ctx context.Context, m models.Message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, c.topic(m.ConversationID), b).Err()
}

type subscription struct {
	ps     *redis.PubSub
	events chan models.Message
}

func (s *subscription) Events() <-chan models.Message { return s.events }
func (s *subscription) Close() error                  { return s.ps.Close() }

// Subscribe opens a confirmed subscription for one conversation. The
// returned error means the subscription could not be established and
// the caller should degrade to polling.
func (c *Channel) Subscribe(ctx context.Context, conversationID string) (feed.Subscription, error) {
	ps := c.rdb.Subscribe(ctx, c.topic(conversationID))
	// Receive blocks until the server confirms the subscription.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", conversationID, err)
	}

	sub := &subscription{ps: ps, events: make(chan models.Message, 64)}
	go func() {
		defer close(sub.events)
		for msg := range ps.Channel() {
			var m models.Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				c.log.Warnw("bad realtime payload", "topic", msg.Channel, "err", err)
				continue
			}
			select {
			case sub.events <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sub, nil
}
