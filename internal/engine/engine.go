// Package engine hosts one conversation-engine session per attached
// user: the conversation index, the message store and feed for the
// open conversation, the send pipeline, and notification dispatch for
// everything else.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/apperr"
	"github.com/alumnihub/messaging/internal/feed"
	"github.com/alumnihub/messaging/internal/gate"
	"github.com/alumnihub/messaging/internal/index"
	"github.com/alumnihub/messaging/internal/models"
	"github.com/alumnihub/messaging/internal/notify"
	"github.com/alumnihub/messaging/internal/pipeline"
	"github.com/alumnihub/messaging/internal/repository"
	"github.com/alumnihub/messaging/internal/session"
	"github.com/alumnihub/messaging/internal/store"
)

// OnlineChecker reads the presence flag for a user.
type OnlineChecker interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type Config struct {
	PollInterval  time.Duration
	MarkReadDelay time.Duration
	AdminDomain   string
}

type Engine struct {
	repo       repository.Repository
	gate       *gate.Gate
	push       feed.PushChannel
	pipe       *pipeline.Pipeline
	dispatcher *notify.Dispatcher
	online     OnlineChecker
	log        *zap.SugaredLogger
	cfg        Config

	// One breaker for all feeds; repeated store failures trip it
	// engine-wide rather than per conversation.
	guarded *repository.Guarded

	mu       sync.RWMutex
	sessions map[string]*ClientSession
}

func New(repo repository.Repository, g *gate.Gate, push feed.PushChannel, pipe *pipeline.Pipeline,
	dispatcher *notify.Dispatcher, online OnlineChecker, log *zap.SugaredLogger, cfg Config) *Engine {
	return &Engine{
		repo:       repo,
		gate:       g,
		push:       push,
		pipe:       pipe,
		dispatcher: dispatcher,
		online:     online,
		log:        log,
		cfg:        cfg,
		guarded:    repository.NewGuarded(repo),
		sessions:   make(map[string]*ClientSession),
	}
}

// Attach creates (or returns) the client session for a user. deliver,
// if non-nil, receives payloads to forward to the user's UI client.
func (e *Engine) Attach(ctx context.Context, userID string, deliver func(any)) (*ClientSession, error) {
	e.mu.Lock()
	if cs, ok := e.sessions[userID]; ok {
		e.mu.Unlock()
		// A websocket attach after an HTTP attach upgrades the
		// delivery callback on the live session.
		if deliver != nil {
			cs.setDeliver(deliver)
		}
		return cs, nil
	}
	e.mu.Unlock()

	profile, err := e.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	cs := &ClientSession{
		engine:  e,
		user:    session.New(*profile, e.cfg.AdminDomain),
		index:   index.New(userID),
		deliver: deliver,
		ctx:     base,
		cancel:  cancel,
	}
	if err := cs.loadIndex(ctx); err != nil {
		cancel()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.sessions[userID]; ok {
		cancel()
		if deliver != nil {
			existing.setDeliver(deliver)
		}
		return existing, nil
	}
	e.sessions[userID] = cs
	return cs, nil
}

// Detach tears the session down, closing any active feed.
func (e *Engine) Detach(userID string) {
	e.mu.Lock()
	cs, ok := e.sessions[userID]
	delete(e.sessions, userID)
	e.mu.Unlock()
	if ok {
		cs.close()
	}
}

func (e *Engine) Session(userID string) (*ClientSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cs, ok := e.sessions[userID]
	return cs, ok
}

// HandleMessageSent routes a delivered message-sent event to its
// recipient: notification dispatch when the conversation is not open,
// and an index patch so the conversation list stays current. The open
// conversation's own feed handles the in-window append.
func (e *Engine) HandleMessageSent(ctx context.Context, m models.Message, recipientID string) error {
	openConv := ""
	cs, attached := e.Session(recipientID)
	if attached {
		openConv = cs.OpenConversationID()
		// The bus is at-least-once; only the first delivery of a
		// message id may touch the unread accounting.
		if m.ConversationID != openConv && cs.markEventSeen(m.ID) {
			cs.ensureSummary(ctx, m.ConversationID)
			cs.index.ApplyConfirmed(m)
		}
	}
	return e.dispatcher.OnInboundMessage(ctx, m, recipientID, openConv)
}

// seenEventCap bounds the per-session window of handled bus event ids.
const seenEventCap = 512

// ClientSession is one user's engine state.
type ClientSession struct {
	engine *Engine
	user   *session.Session
	index  *index.Index

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	deliver  func(any)
	openConv string
	store    *store.MessageStore
	feed     *feed.Feed
	composer *pipeline.Composer
	seenIDs  map[string]struct{}
	seenRing []string
}

func (cs *ClientSession) setDeliver(fn func(any)) {
	cs.mu.Lock()
	cs.deliver = fn
	cs.mu.Unlock()
}

func (cs *ClientSession) notifyClient(payload any) {
	cs.mu.Lock()
	fn := cs.deliver
	cs.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

// markEventSeen records a bus event id, reporting whether it was new.
// The window is bounded; ids older than the cap fall out and a very
// late redelivery would count again, which the durable store corrects
// on the next summary load.
func (cs *ClientSession) markEventSeen(id string) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.seenIDs == nil {
		cs.seenIDs = make(map[string]struct{})
	}
	if _, dup := cs.seenIDs[id]; dup {
		return false
	}
	cs.seenIDs[id] = struct{}{}
	cs.seenRing = append(cs.seenRing, id)
	if len(cs.seenRing) > seenEventCap {
		delete(cs.seenIDs, cs.seenRing[0])
		cs.seenRing = cs.seenRing[1:]
	}
	return true
}

func (cs *ClientSession) User() *session.Session { return cs.user }

func (cs *ClientSession) OpenConversationID() string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.openConv
}

// Composer returns the compose state for the open conversation.
func (cs *ClientSession) Composer() *pipeline.Composer {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.composer
}

// StartConversation resolves the single conversation with another user,
// creating it when absent. Requires an accepted connection.
func (cs *ClientSession) StartConversation(ctx context.Context, otherUserID string) (*models.Conversation, error) {
	e := cs.engine
	ok, err := e.gate.IsPermitted(ctx, cs.user.UserID, otherUserID)
	if err != nil {
		return nil, fmt.Errorf("connection check: %w", err)
	}
	if !ok {
		return nil, apperr.ErrNotPermitted
	}
	conv, err := e.repo.GetOrCreateConversation(ctx, cs.user.UserID, otherUserID)
	if err != nil {
		return nil, err
	}
	cs.ensureSummary(ctx, conv.ID)
	return conv, nil
}

// OpenConversation switches the session to a conversation: the previous
// feed is torn down first so a late response for it can never bleed
// into the new one. Returns the message history in display order.
func (cs *ClientSession) OpenConversation(ctx context.Context, conversationID string) ([]models.Message, error) {
	e := cs.engine

	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	counterpart := conv.Counterpart(cs.user.UserID)
	if counterpart == "" {
		return nil, apperr.ErrNotPermitted
	}

	cs.mu.Lock()
	if cs.feed != nil {
		cs.feed.Close()
		cs.feed = nil
	}
	cs.openConv = ""
	cs.mu.Unlock()

	st := store.New(conversationID)
	history, err := e.repo.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	for _, m := range history {
		st.Append(m)
	}

	comp := pipeline.NewComposer()
	// Open-time check decides whether composing is allowed at all; the
	// pipeline re-checks before every persist.
	if ok, err := e.gate.IsPermitted(ctx, cs.user.UserID, counterpart); err == nil && !ok {
		comp.Block()
	}

	cs.ensureSummary(ctx, conversationID)
	cs.markConversationRead(ctx, st, conversationID)

	f := feed.Open(cs.ctx, cs.user.UserID, st, cs.index, e.push, e.guarded, e.guarded,
		func(m models.Message) {
			cs.notifyClient(map[string]any{"type": "message", "data": m})
		},
		e.log, feed.Config{PollInterval: e.cfg.PollInterval, MarkReadDelay: e.cfg.MarkReadDelay})

	cs.mu.Lock()
	cs.openConv = conversationID
	cs.store = st
	cs.feed = f
	cs.composer = comp
	cs.mu.Unlock()

	return st.Messages(), nil
}

// CloseConversation tears down the active feed, if any.
func (cs *ClientSession) CloseConversation() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.feed != nil {
		cs.feed.Close()
		cs.feed = nil
	}
	cs.openConv = ""
	cs.store = nil
	cs.composer = nil
}

// Send runs the draft through the optimistic pipeline for the open
// conversation.
func (cs *ClientSession) Send(ctx context.Context, draft pipeline.Draft) (*models.Message, error) {
	cs.mu.Lock()
	st, comp := cs.store, cs.composer
	cs.mu.Unlock()
	if st == nil {
		return nil, fmt.Errorf("%w: no open conversation", apperr.ErrBadRequest)
	}
	comp.SetDraft(draft)
	return cs.engine.pipe.Send(ctx, cs.user, st, cs.index, comp)
}

// SendTo sends into any conversation the user belongs to without
// changing which conversation is open. A send to the open conversation
// goes through its live store and composer; any other target gets a
// throwaway store so the feed, focus, and read state of the open
// conversation stay untouched.
func (cs *ClientSession) SendTo(ctx context.Context, conversationID string, draft pipeline.Draft) (*models.Message, error) {
	cs.mu.Lock()
	st, comp := cs.store, cs.composer
	open := cs.openConv
	cs.mu.Unlock()

	if conversationID != open || st == nil {
		st = store.New(conversationID)
		comp = pipeline.NewComposer()
		cs.ensureSummary(ctx, conversationID)
	}
	comp.SetDraft(draft)
	return cs.engine.pipe.Send(ctx, cs.user, st, cs.index, comp)
}

// Messages returns the open conversation's current display list.
func (cs *ClientSession) Messages() []models.Message {
	cs.mu.Lock()
	st := cs.store
	cs.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.Messages()
}

// Summaries returns the conversation list with presence refreshed.
func (cs *ClientSession) Summaries(ctx context.Context) []index.Summary {
	out := cs.index.List()
	for i := range out {
		if cs.engine.online == nil {
			break
		}
		on, err := cs.engine.online.IsOnline(ctx, out[i].CounterpartID)
		if err != nil {
			continue
		}
		out[i].Online = on
		cs.index.SetOnline(out[i].ConversationID, on)
	}
	return out
}

// MarkRead resets the unread state for a conversation locally and in
// the durable store.
func (cs *ClientSession) MarkRead(ctx context.Context, conversationID string) {
	cs.mu.Lock()
	st := cs.store
	open := cs.openConv
	cs.mu.Unlock()
	if open == conversationID && st != nil {
		cs.markConversationRead(ctx, st, conversationID)
		return
	}
	cs.index.MarkRead(conversationID)
	cs.persistBulkRead(ctx, conversationID)
}

func (cs *ClientSession) markConversationRead(ctx context.Context, st *store.MessageStore, conversationID string) {
	st.MarkRead(cs.user.UserID, time.Now().UTC())
	cs.index.MarkRead(conversationID)
	cs.persistBulkRead(ctx, conversationID)
}

// persistBulkRead calls the atomic mark-conversation-read RPC, retried
// once; a persistent failure is logged, not surfaced, and the next poll
// or open reconciles.
func (cs *ClientSession) persistBulkRead(ctx context.Context, conversationID string) {
	op := func() error {
		return cs.engine.repo.MarkConversationRead(ctx, conversationID, cs.user.UserID)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(100*time.Millisecond), 1), ctx)
	if err := backoff.Retry(op, b); err != nil {
		cs.engine.log.Warnw("mark conversation read failed", "conversation", conversationID, "err", err)
	}
}

// ensureSummary seeds the index entry for a conversation the session is
// not tracking yet (first contact mid-session).
func (cs *ClientSession) ensureSummary(ctx context.Context, conversationID string) {
	if _, ok := cs.index.Get(conversationID); ok {
		return
	}
	e := cs.engine
	conv, err := e.repo.GetConversation(ctx, conversationID)
	if err != nil {
		e.log.Debugw("summary seed failed", "conversation", conversationID, "err", err)
		return
	}
	cs.index.Put(cs.buildSummary(ctx, conv))
}

func (cs *ClientSession) buildSummary(ctx context.Context, conv *models.Conversation) index.Summary {
	e := cs.engine
	s := index.Summary{
		ConversationID: conv.ID,
		CounterpartID:  conv.Counterpart(cs.user.UserID),
		LastMessageAt:  conv.LastMessageAt,
	}
	if p, err := e.repo.GetProfile(ctx, s.CounterpartID); err == nil {
		s.CounterpartName = p.FullName
		s.CounterpartAvatar = p.AvatarURL
	}
	if n, err := e.repo.CountUnread(ctx, conv.ID, cs.user.UserID); err == nil {
		s.UnreadCount = int(n)
	}
	if last, err := e.repo.LatestMessage(ctx, conv.ID); err == nil {
		s.Preview = index.Preview(*last)
	}
	if e.online != nil {
		if on, err := e.online.IsOnline(ctx, s.CounterpartID); err == nil {
			s.Online = on
		}
	}
	return s
}

func (cs *ClientSession) loadIndex(ctx context.Context) error {
	convs, err := cs.engine.repo.ListConversations(ctx, cs.user.UserID)
	if err != nil {
		return fmt.Errorf("list conversations: %w", err)
	}
	for i := range convs {
		cs.index.Put(cs.buildSummary(ctx, &convs[i]))
	}
	return nil
}

func (cs *ClientSession) close() {
	cs.CloseConversation()
	cs.cancel()
}
