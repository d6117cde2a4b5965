package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Handler func(ctx context.Context, ev MessageSent) error

type Consumer struct {
	reader  *kafka.Reader
	handler Handler
	log     *zap.SugaredLogger
}

func NewConsumer(brokers []string, topic, groupID string, handler Handler, log *zap.SugaredLogger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return &Consumer{reader: r, handler: handler, log: log}
}

func (c *Consumer) Start(ctx context.Context) error {
	defer c.reader.Close()
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warnw("kafka read error", "err", err)
			time.Sleep(1 * time.Second)
			continue
		}
		var ev MessageSent
		if err := json.Unmarshal(m.Value, &ev); err != nil {
			c.log.Warnw("bad event payload", "offset", m.Offset, "err", err)
			continue
		}
		if err := c.handler(ctx, ev); err != nil {
			c.log.Warnw("event handler failed", "message", ev.MessageID, "err", err)
		}
	}
}
