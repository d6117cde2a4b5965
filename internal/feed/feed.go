// Package feed delivers new messages for one open conversation. It
// prefers the push channel and degrades to polling when the
// subscription cannot be established; exactly one strategy is active at
// a time, and teardown of both the subscription and the polling ticker
// is guaranteed through the feed's context.
package feed

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/index"
	"github.com/alumnihub/messaging/internal/metrics"
	"github.com/alumnihub/messaging/internal/models"
	"github.com/alumnihub/messaging/internal/store"
)

type State int32

const (
	Disconnected State = iota
	Subscribing
	Live
	PollingFallback
)

func (s State) String() string {
	switch s {
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case PollingFallback:
		return "polling"
	default:
		return "disconnected"
	}
}

// Subscription is a confirmed push-channel stream for one conversation.
type Subscription interface {
	Events() <-chan models.Message
	Close() error
}

// PushChannel establishes subscriptions. Subscribe returns an error
// when the subscription could not be confirmed; the feed then falls
// back to polling.
type PushChannel interface {
	Subscribe(ctx context.Context, conversationID string) (Subscription, error)
}

type MessageLister interface {
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
}

type ReadMarker interface {
	MarkMessageRead(ctx context.Context, messageID, viewerID string) error
	MarkConversationRead(ctx context.Context, conversationID, viewerID string) error
}

type Config struct {
	PollInterval  time.Duration
	MarkReadDelay time.Duration
}

type Feed struct {
	viewerID       string
	conversationID string
	store          *store.MessageStore
	index          *index.Index
	push           PushChannel
	lister         MessageLister
	reads          ReadMarker
	onMessage      func(models.Message)
	log            *zap.SugaredLogger
	cfg            Config

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}
}

// Open starts the feed for one conversation. OnMessage, if non-nil, is
// invoked for every inbound message actually appended (after dedupe).
func Open(ctx context.Context, viewerID string, st *store.MessageStore, idx *index.Index,
	push PushChannel, lister MessageLister, reads ReadMarker,
	onMessage func(models.Message), log *zap.SugaredLogger, cfg Config) *Feed {

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MarkReadDelay <= 0 {
		cfg.MarkReadDelay = 300 * time.Millisecond
	}

	fctx, cancel := context.WithCancel(ctx)
	f := &Feed{
		viewerID:       viewerID,
		conversationID: st.ConversationID(),
		store:          st,
		index:          idx,
		push:           push,
		lister:         lister,
		reads:          reads,
		onMessage:      onMessage,
		log:            log,
		cfg:            cfg,
		cancel:         cancel,
		done:           make(chan struct{}),
	}
	f.state.Store(int32(Subscribing))
	go f.run(fctx)
	return f
}

func (f *Feed) State() State { return State(f.state.Load()) }

// Close tears the feed down and waits for the worker to exit. Safe to
// call more than once.
func (f *Feed) Close() {
	f.cancel()
	<-f.done
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer f.state.Store(int32(Disconnected))

	sub, err := f.push.Subscribe(ctx, f.conversationID)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.log.Infow("push subscribe failed, falling back to polling",
			"conversation", f.conversationID, "err", err)
		metrics.FeedFallbacks.Inc()
		f.state.Store(int32(PollingFallback))
		f.poll(ctx)
		return
	}
	defer sub.Close()
	f.state.Store(int32(Live))

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-sub.Events():
			if !ok {
				// Stream dropped mid-session: same degradation as a
				// failed subscribe.
				if ctx.Err() != nil {
					return
				}
				metrics.FeedFallbacks.Inc()
				f.state.Store(int32(PollingFallback))
				f.poll(ctx)
				return
			}
			f.handle(ctx, m)
		}
	}
}

// poll re-fetches the full message list on a fixed interval and diffs
// against the store by id. Provisional entries are never replaced here.
func (f *Feed) poll(ctx context.Context) {
	t := time.NewTicker(f.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			msgs, err := f.lister.ListMessages(ctx, f.conversationID)
			if err != nil {
				f.log.Debugw("poll fetch failed", "conversation", f.conversationID, "err", err)
				continue
			}
			// Stale-response guard: the conversation may have been
			// switched away while the fetch was in flight.
			if ctx.Err() != nil {
				return
			}
			for _, m := range msgs {
				f.handle(ctx, m)
			}
		}
	}
}

func (f *Feed) handle(ctx context.Context, m models.Message) {
	if m.ConversationID != f.conversationID {
		return
	}
	if m.SenderID == f.viewerID {
		// Already present locally from the send pipeline; only the
		// conversation ordering needs the event.
		f.index.ApplyConfirmed(m)
		return
	}
	if !f.store.Append(m) {
		metrics.MessagesDeduped.Inc()
		return
	}
	f.index.ApplyConfirmed(m)
	if f.onMessage != nil {
		f.onMessage(m)
	}
	f.scheduleMarkRead(ctx, m)
}

// scheduleMarkRead marks an inbound message read after a short delay.
// The viewer has this conversation open, so the receipt is immediate
// from their point of view. A failed direct update is retried once,
// then falls back to the bulk conversation mark; persistent failure is
// logged only.
func (f *Feed) scheduleMarkRead(ctx context.Context, m models.Message) {
	time.AfterFunc(f.cfg.MarkReadDelay, func() {
		if ctx.Err() != nil {
			return
		}
		now := time.Now().UTC()
		f.store.MarkOneRead(m.ID, f.viewerID, now)
		f.index.MarkRead(f.conversationID)

		op := func() error { return f.reads.MarkMessageRead(ctx, m.ID, f.viewerID) }
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 1), ctx)
		if err := backoff.Retry(op, b); err != nil {
			if err2 := f.reads.MarkConversationRead(ctx, f.conversationID, f.viewerID); err2 != nil {
				f.log.Warnw("read receipt not persisted",
					"message", m.ID, "conversation", f.conversationID,
					"err", err, "fallback_err", err2)
			}
		}
	})
}
