package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alumnihub/messaging/internal/apperr"
	"github.com/alumnihub/messaging/internal/feed"
	"github.com/alumnihub/messaging/internal/gate"
	"github.com/alumnihub/messaging/internal/models"
	"github.com/alumnihub/messaging/internal/notify"
	"github.com/alumnihub/messaging/internal/pipeline"
	"github.com/alumnihub/messaging/internal/session"

	"go.uber.org/zap"
)

// memRepo is an in-memory stand-in for the durable store with the same
// write semantics: server-assigned ids, connection check on insert, and
// monotone conversation recency.
type memRepo struct {
	mu        sync.Mutex
	convs     map[string]*models.Conversation
	msgs      map[string][]models.Message
	conns     []models.Connection
	notes     []models.Notification
	profiles  map[string]models.Profile
	seq       int
	insertErr error

	bulkReads int
}

func newMemRepo() *memRepo {
	return &memRepo{
		convs:    make(map[string]*models.Conversation),
		msgs:     make(map[string][]models.Message),
		profiles: make(map[string]models.Profile),
	}
}

func (r *memRepo) addProfile(p models.Profile) { r.profiles[p.ID] = p }

func (r *memRepo) connect(a, b string) {
	r.conns = append(r.conns, models.Connection{ID: fmt.Sprintf("c%d", len(r.conns)), RequesterID: a, RecipientID: b, Status: models.ConnectionAccepted})
}

func (r *memRepo) seedConversation(a, b string) *models.Conversation {
	r.seq++
	c := &models.Conversation{ID: fmt.Sprintf("conv%d", r.seq), PairKey: models.PairKey(a, b)}
	if c.PairKey == a+":"+b {
		c.ParticipantA, c.ParticipantB = a, b
	} else {
		c.ParticipantA, c.ParticipantB = b, a
	}
	r.convs[c.ID] = c
	return c
}

func (r *memRepo) seedMessage(convID, sender, content string, at time.Time, read bool) models.Message {
	r.seq++
	m := models.Message{ID: fmt.Sprintf("m%d", r.seq), ConversationID: convID, SenderID: sender, Content: content, Type: models.MessageTypeText, CreatedAt: at}
	if read {
		t := at.Add(time.Second)
		m.ReadAt = &t
	}
	r.msgs[convID] = append(r.msgs[convID], m)
	if c := r.convs[convID]; c != nil && at.After(c.LastMessageAt) {
		c.LastMessageAt = at
	}
	return m
}

func (r *memRepo) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.convs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *memRepo) GetOrCreateConversation(_ context.Context, a, b string) (*models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := models.PairKey(a, b)
	for _, c := range r.convs {
		if c.PairKey == key {
			cp := *c
			return &cp, nil
		}
	}
	c := r.seedConversation(a, b)
	cp := *c
	return &cp, nil
}

func (r *memRepo) ListConversations(_ context.Context, userID string) ([]models.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Conversation
	for _, c := range r.convs {
		if c.HasParticipant(userID) {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (r *memRepo) InsertMessage(_ context.Context, m *models.Message) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return nil, r.insertErr
	}
	c, ok := r.convs[m.ConversationID]
	if !ok || !c.HasParticipant(m.SenderID) {
		return nil, apperr.ErrNotPermitted
	}
	if !r.accepted(m.SenderID, c.Counterpart(m.SenderID)) {
		return nil, apperr.ErrNotPermitted
	}
	r.seq++
	rec := *m
	rec.ID = fmt.Sprintf("m%d", r.seq)
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.msgs[rec.ConversationID] = append(r.msgs[rec.ConversationID], rec)
	if rec.CreatedAt.After(c.LastMessageAt) {
		c.LastMessageAt = rec.CreatedAt
	}
	return &rec, nil
}

func (r *memRepo) ListMessages(_ context.Context, convID string) ([]models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Message, len(r.msgs[convID]))
	copy(out, r.msgs[convID])
	return out, nil
}

func (r *memRepo) LatestMessage(_ context.Context, convID string) (*models.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.msgs[convID]
	if len(list) == 0 {
		return nil, apperr.ErrNotFound
	}
	last := list[0]
	for _, m := range list[1:] {
		if last.Before(&m) {
			last = m
		}
	}
	return &last, nil
}

func (r *memRepo) CountUnread(_ context.Context, convID, viewerID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, m := range r.msgs[convID] {
		if m.SenderID != viewerID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) MarkMessageRead(_ context.Context, messageID, viewerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for convID, list := range r.msgs {
		for i := range list {
			if list[i].ID == messageID && list[i].SenderID != viewerID && list[i].ReadAt == nil {
				now := time.Now().UTC()
				r.msgs[convID][i].ReadAt = &now
			}
		}
	}
	return nil
}

func (r *memRepo) MarkConversationRead(_ context.Context, convID, viewerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bulkReads++
	now := time.Now().UTC()
	for i := range r.msgs[convID] {
		if m := &r.msgs[convID][i]; m.SenderID != viewerID && m.ReadAt == nil {
			m.ReadAt = &now
		}
	}
	return nil
}

func (r *memRepo) AttachmentReferenced(_ context.Context, url string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, list := range r.msgs {
		for _, m := range list {
			if m.AttachmentURL == url {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *memRepo) accepted(a, b string) bool {
	for _, c := range r.conns {
		if c.Status != models.ConnectionAccepted {
			continue
		}
		if (c.RequesterID == a && c.RecipientID == b) || (c.RequesterID == b && c.RecipientID == a) {
			return true
		}
	}
	return false
}

func (r *memRepo) FindConnection(_ context.Context, a, b string) (*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.conns {
		if (c.RequesterID == a && c.RecipientID == b) || (c.RequesterID == b && c.RecipientID == a) {
			return &r.conns[i], nil
		}
	}
	return nil, nil
}

func (r *memRepo) RequestConnection(_ context.Context, requesterID, recipientID string) (*models.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := models.Connection{ID: fmt.Sprintf("c%d", len(r.conns)), RequesterID: requesterID, RecipientID: recipientID, Status: models.ConnectionPending, CreatedAt: time.Now().UTC()}
	r.conns = append(r.conns, c)
	return &c, nil
}

func (r *memRepo) UpdateConnectionStatus(_ context.Context, id, status string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.conns {
		if r.conns[i].ID == id {
			r.conns[i].Status = status
			r.conns[i].UpdatedAt = at
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (r *memRepo) DeleteConnection(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.conns {
		if r.conns[i].ID == id {
			r.conns = append(r.conns[:i], r.conns[i+1:]...)
			return nil
		}
	}
	return apperr.ErrNotFound
}

func (r *memRepo) ListConnectionRequests(_ context.Context, userID string) (incoming, outgoing []models.Connection, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		if c.Status != models.ConnectionPending {
			continue
		}
		switch userID {
		case c.RecipientID:
			incoming = append(incoming, c)
		case c.RequesterID:
			outgoing = append(outgoing, c)
		}
	}
	return incoming, outgoing, nil
}

func (r *memRepo) CreateNotification(_ context.Context, n *models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	n.ID = fmt.Sprintf("n%d", r.seq)
	r.notes = append(r.notes, *n)
	return nil
}

func (r *memRepo) ListNotifications(_ context.Context, userID string) ([]models.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Notification
	for _, n := range r.notes {
		if n.UserID == userID {
			out = append(out, n)
		}
	}
	return out, nil
}

func (r *memRepo) GetProfile(_ context.Context, id string) (*models.Profile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &p, nil
}

func (r *memRepo) notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

// Push channel fakes.

type recordedSub struct {
	events chan models.Message
	closed chan struct{}
	once   sync.Once
}

func (s *recordedSub) Events() <-chan models.Message { return s.events }
func (s *recordedSub) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type recordingPush struct {
	mu   sync.Mutex
	subs []*recordedSub
	fail bool
}

func (p *recordingPush) Subscribe(_ context.Context, _ string) (feed.Subscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return nil, fmt.Errorf("channel unavailable")
	}
	s := &recordedSub{events: make(chan models.Message, 8), closed: make(chan struct{})}
	p.subs = append(p.subs, s)
	return s, nil
}

func (p *recordingPush) sub(i int) *recordedSub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.subs[i]
}

func (p *recordingPush) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

type staticOnline map[string]bool

func (o staticOnline) IsOnline(_ context.Context, id string) (bool, error) { return o[id], nil }

func newTestEngine(t *testing.T, repo *memRepo, push feed.PushChannel) *Engine {
	t.Helper()
	log := zap.NewNop().Sugar()
	g := gate.New(repo)
	pipe := pipeline.New(g, repo, repo, nil, nil, log)
	disp := notify.NewDispatcher(repo, repo, nil, log)
	return New(repo, g, push, pipe, disp, staticOnline{}, log, Config{
		PollInterval:  20 * time.Millisecond,
		MarkReadDelay: 5 * time.Millisecond,
		AdminDomain:   "amet.ac.in",
	})
}

func seedPair(repo *memRepo) {
	repo.addProfile(models.Profile{ID: "alice", Email: "alice@example.com", FullName: "Alice Smith"})
	repo.addProfile(models.Profile{ID: "bob", Email: "bob@example.com", FullName: "Bob Jones"})
	repo.connect("alice", "bob")
}

func TestOpenConversationLoadsHistoryAndClearsUnread(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.seedMessage(conv.ID, "bob", "hi", base, false)
	repo.seedMessage(conv.ID, "alice", "hello", base.Add(time.Minute), true)
	repo.seedMessage(conv.ID, "bob", "you there?", base.Add(2*time.Minute), false)

	e := newTestEngine(t, repo, &recordingPush{})
	cs, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")

	msgs, err := cs.OpenConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "you there?", msgs[2].Content)

	s, ok := cs.index.Get(conv.ID)
	require.True(t, ok)
	assert.Zero(t, s.UnreadCount)

	n, err := repo.CountUnread(context.Background(), conv.ID, "alice")
	require.NoError(t, err)
	assert.Zero(t, n, "open should persist the bulk read")
}

func TestOpenConversationRejectsNonParticipant(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	repo.addProfile(models.Profile{ID: "mallory", Email: "m@example.com"})
	conv := repo.seedConversation("alice", "bob")

	e := newTestEngine(t, repo, &recordingPush{})
	cs, err := e.Attach(context.Background(), "mallory", nil)
	require.NoError(t, err)
	defer e.Detach("mallory")

	_, err = cs.OpenConversation(context.Background(), conv.ID)
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)
}

func TestConversationSwitchTearsDownPreviousFeed(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	repo.addProfile(models.Profile{ID: "carol", Email: "c@example.com", FullName: "Carol"})
	repo.connect("alice", "carol")
	convB := repo.seedConversation("alice", "bob")
	convC := repo.seedConversation("alice", "carol")

	push := &recordingPush{}
	e := newTestEngine(t, repo, push)
	cs, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")

	_, err = cs.OpenConversation(context.Background(), convB.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return push.count() == 1 }, time.Second, 5*time.Millisecond)

	_, err = cs.OpenConversation(context.Background(), convC.ID)
	require.NoError(t, err)

	select {
	case <-push.sub(0).closed:
	case <-time.After(time.Second):
		t.Fatal("previous subscription not closed on switch")
	}
	assert.Equal(t, convC.ID, cs.OpenConversationID())
}

func TestStartConversationGatedAndIdempotent(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	repo.addProfile(models.Profile{ID: "mallory", Email: "m@example.com"})

	e := newTestEngine(t, repo, &recordingPush{})
	cs, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")

	_, err = cs.StartConversation(context.Background(), "mallory")
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)

	c1, err := cs.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	c2, err := cs.StartConversation(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, c1.ID, c2.ID)
}

// The full optimistic-send round trip over a degraded push channel: the
// provisional entry is replaced by the confirmed row, the polling
// re-fetch of the same row is deduplicated, and the recipient ends up
// with one unread conversation and a durable notification.
func TestSendRoundTripWithPollingFallback(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")

	push := &recordingPush{fail: true}
	e := newTestEngine(t, repo, push)

	alice, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")
	_, err = alice.OpenConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	bob, err := e.Attach(context.Background(), "bob", nil)
	require.NoError(t, err)
	defer e.Detach("bob")

	sent, err := alice.Send(context.Background(), pipeline.Draft{Text: "Hello"})
	require.NoError(t, err)
	assert.False(t, sent.Provisional)
	assert.NotContains(t, sent.ID, "local-")

	require.NoError(t, e.HandleMessageSent(context.Background(), *sent, "bob"))

	// Let at least one polling cycle re-deliver the confirmed row.
	time.Sleep(60 * time.Millisecond)

	msgs := alice.Messages()
	require.Len(t, msgs, 1, "poll re-fetch must dedupe against the confirmed entry")
	assert.Equal(t, "Hello", msgs[0].Content)

	s, ok := bob.index.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, 1, s.UnreadCount)
	assert.Equal(t, "Hello", s.Preview)

	notes := repo.notifications()
	require.Len(t, notes, 1)
	assert.Equal(t, "bob", notes[0].UserID)
	assert.Equal(t, models.NotificationNewMessage, notes[0].Type)
	assert.Equal(t, "You have a new message from Alice Smith.", notes[0].Message)
	assert.Equal(t, "/messages?conversationId="+conv.ID, notes[0].LinkTo)
}

func TestAttachUpgradesDeliveryCallback(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")

	push := &recordingPush{}
	e := newTestEngine(t, repo, push)

	// First attach comes from a plain HTTP request with nowhere to
	// deliver to; the websocket attaches afterwards.
	first, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")

	var mu sync.Mutex
	var delivered int
	second, err := e.Attach(context.Background(), "alice", func(any) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	require.NoError(t, err)
	require.Same(t, first, second)

	_, err = second.OpenConversation(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return push.count() == 1 }, time.Second, 5*time.Millisecond)

	m := models.Message{ID: "m50", ConversationID: conv.ID, SenderID: "bob", Content: "over here", Type: models.MessageTypeText, CreatedAt: time.Now().UTC()}
	push.sub(0).events <- m

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered == 1
	}, time.Second, 5*time.Millisecond, "socket attached second must still receive feed events")
	assert.Len(t, second.Messages(), 1)
}

func TestHandleMessageSentDedupesRedelivery(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")

	e := newTestEngine(t, repo, &recordingPush{})
	bob, err := e.Attach(context.Background(), "bob", nil)
	require.NoError(t, err)
	defer e.Detach("bob")

	m := models.Message{ID: "m70", ConversationID: conv.ID, SenderID: "alice", Content: "ping", Type: models.MessageTypeText, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.HandleMessageSent(context.Background(), m, "bob"))
	require.NoError(t, e.HandleMessageSent(context.Background(), m, "bob"))

	s, ok := bob.index.Get(conv.ID)
	require.True(t, ok)
	assert.Equal(t, 1, s.UnreadCount, "redelivered event must not inflate the unread count")

	m2 := m
	m2.ID = "m71"
	m2.Content = "pong"
	require.NoError(t, e.HandleMessageSent(context.Background(), m2, "bob"))
	s, _ = bob.index.Get(conv.ID)
	assert.Equal(t, 2, s.UnreadCount)
}

func TestSendToLeavesOpenConversationUntouched(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	repo.addProfile(models.Profile{ID: "carol", Email: "c@example.com", FullName: "Carol"})
	repo.connect("alice", "carol")
	convB := repo.seedConversation("alice", "bob")
	convC := repo.seedConversation("alice", "carol")
	repo.seedMessage(convC.ID, "carol", "lunch?", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC), false)

	push := &recordingPush{}
	e := newTestEngine(t, repo, push)
	cs, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")

	_, err = cs.OpenConversation(context.Background(), convB.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return push.count() == 1 }, time.Second, 5*time.Millisecond)

	sent, err := cs.SendTo(context.Background(), convC.ID, pipeline.Draft{Text: "sure"})
	require.NoError(t, err)
	assert.False(t, sent.Provisional)

	persisted, err := repo.ListMessages(context.Background(), convC.ID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)

	assert.Equal(t, convB.ID, cs.OpenConversationID(), "a direct send must not switch focus")
	assert.Empty(t, cs.Messages(), "the open window must not absorb the other conversation's message")
	select {
	case <-push.sub(0).closed:
		t.Fatal("a direct send must not tear down the open feed")
	default:
	}

	n, err := repo.CountUnread(context.Background(), convC.ID, "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "a direct send must not mark the target conversation read")
}

func TestHandleMessageSentSkipsOpenConversation(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")

	e := newTestEngine(t, repo, &recordingPush{})
	bob, err := e.Attach(context.Background(), "bob", nil)
	require.NoError(t, err)
	defer e.Detach("bob")
	_, err = bob.OpenConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	m := models.Message{ID: "m99", ConversationID: conv.ID, SenderID: "alice", Content: "hey", Type: models.MessageTypeText, CreatedAt: time.Now().UTC()}
	require.NoError(t, e.HandleMessageSent(context.Background(), m, "bob"))

	assert.Empty(t, repo.notifications(), "open conversation must not notify")
}

func TestSendBlockedAfterDisconnect(t *testing.T) {
	repo := newMemRepo()
	seedPair(repo)
	conv := repo.seedConversation("alice", "bob")

	e := newTestEngine(t, repo, &recordingPush{})
	cs, err := e.Attach(context.Background(), "alice", nil)
	require.NoError(t, err)
	defer e.Detach("alice")
	_, err = cs.OpenConversation(context.Background(), conv.ID)
	require.NoError(t, err)

	// Connection revoked after the conversation was opened.
	repo.mu.Lock()
	repo.conns = nil
	repo.mu.Unlock()

	_, err = cs.Send(context.Background(), pipeline.Draft{Text: "hi"})
	assert.ErrorIs(t, err, apperr.ErrNotPermitted)
	blocked, reason := cs.Composer().Blocked()
	assert.True(t, blocked)
	assert.Contains(t, reason, "no longer connected")
	assert.Empty(t, cs.Messages(), "rolled back provisional must not remain")
}

func TestSessionRoleResolution(t *testing.T) {
	repo := newMemRepo()
	repo.addProfile(models.Profile{ID: "staff", Email: "dean@amet.ac.in", IsAdmin: true})

	e := newTestEngine(t, repo, &recordingPush{})
	cs, err := e.Attach(context.Background(), "staff", nil)
	require.NoError(t, err)
	defer e.Detach("staff")

	assert.Equal(t, session.RoleAdmin, cs.User().Role())
}
