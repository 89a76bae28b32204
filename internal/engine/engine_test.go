package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/connectivity"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) SendText(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) SendAttachment(ctx context.Context, req models.CreateMessageRequest) (models.Message, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) EditMessage(ctx context.Context, id, content string) (models.Message, error) {
	args := m.Called(ctx, id, content)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) DeleteMessage(ctx context.Context, id string) error { return m.Called(ctx, id).Error(0) }

func (m *MockAPI) React(ctx context.Context, id, emoji string) (models.ReactionResult, error) {
	args := m.Called(ctx, id, emoji)
	return args.Get(0).(models.ReactionResult), args.Error(1)
}

func (m *MockAPI) Pin(ctx context.Context, id string) error    { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Unpin(ctx context.Context, id string) error  { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Star(ctx context.Context, id string) error   { return m.Called(ctx, id).Error(0) }
func (m *MockAPI) Unstar(ctx context.Context, id string) error { return m.Called(ctx, id).Error(0) }

func (m *MockAPI) Forward(ctx context.Context, id, target string) (models.Message, error) {
	args := m.Called(ctx, id, target)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MockAPI) MarkAsRead(ctx context.Context, conversationID string) error {
	return m.Called(ctx, conversationID).Error(0)
}

func (m *MockAPI) FetchHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	args := m.Called(ctx, conversationID, limit, offset)
	return args.Get(0).([]models.Message), args.Error(1)
}

type emitted struct {
	kind    models.EventKind
	payload models.TypingPayload
}

// fakeChannel is an in-process event bus that records emitted frames.
type fakeChannel struct {
	mu        sync.Mutex
	next      int
	handlers  map[models.EventKind]map[int]func(models.Event)
	frames    []emitted
	connected bool
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[models.EventKind]map[int]func(models.Event)), connected: true}
}

func (c *fakeChannel) On(kind models.EventKind, h func(models.Event)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handlers[kind] == nil {
		c.handlers[kind] = make(map[int]func(models.Event))
	}
	c.next++
	id := c.next
	c.handlers[kind][id] = h
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[kind], id)
	}
}

func (c *fakeChannel) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) Emit(kind models.EventKind, payload interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, emitted{kind: kind, payload: payload.(models.TypingPayload)})
	return nil
}

func (c *fakeChannel) push(t *testing.T, kind models.EventKind, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	c.mu.Lock()
	hs := make([]func(models.Event), 0)
	for _, h := range c.handlers[kind] {
		hs = append(hs, h)
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(models.Event{Kind: kind, Payload: raw})
	}
}

func (c *fakeChannel) subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, hs := range c.handlers {
		n += len(hs)
	}
	return n
}

func (c *fakeChannel) kinds() []models.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.EventKind, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.kind)
	}
	return out
}

type fixture struct {
	api     *MockAPI
	channel *fakeChannel
	conn    *connectivity.Monitor
	clock   *clock.Fake
	outbox  *store.MemoryOutbox
	engine  *Engine

	mu      sync.Mutex
	notices []models.Notice
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	f := &fixture{
		api:     &MockAPI{},
		channel: newFakeChannel(),
		conn:    connectivity.NewMonitor(online, nil),
		clock:   clock.NewFake(t0),
		outbox:  store.NewMemoryOutbox(),
	}
	e, err := New(Config{SelfID: "me", DisplayName: "Me"}, Deps{
		API:          f.api,
		Channel:      f.channel,
		Connectivity: f.conn,
		Outbox:       f.outbox,
		Clock:        f.clock,
	})
	require.NoError(t, err)
	f.engine = e
	e.Subscribe(func(n models.Notice) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.notices = append(f.notices, n)
	})
	t.Cleanup(e.Close)
	return f
}

func (f *fixture) noticeKinds(kind models.NoticeKind) []models.Notice {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Notice
	for _, n := range f.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestOfflineSendIsDeliveredWhenBackOnline(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	msg, err := f.engine.SendMessage(ctx, "c1", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, models.StateQueued, msg.SendState)
	assert.Equal(t, 1, f.engine.QueueLength())
	f.api.AssertNotCalled(t, "SendText", mock.Anything, mock.Anything)

	f.api.On("SendText", mock.Anything, mock.MatchedBy(func(r models.CreateMessageRequest) bool {
		return r.Content == "hi" && r.ClientTempID == msg.TempID
	})).Return(models.Message{ID: "m1", ConversationID: "c1", SenderID: "me", Content: "hi", CreatedAt: t0, Status: models.StatusSent}, nil).Once()

	f.conn.Set(true)

	assert.Eventually(t, func() bool {
		got, ok := f.engine.Message(msg.TempID)
		return ok && got.ID == "m1" && got.SendState == models.StateSent
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, f.engine.Messages("c1"), 1)
	assert.Equal(t, 0, f.engine.QueueLength())
	assert.Len(t, f.noticeKinds(models.NoticeConnectivity), 1)

	persisted, err := f.outbox.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestStart_RestoresAndDrainsPersistedSends(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.outbox.Save(ctx, models.Message{TempID: "tmp_old", ConversationID: "c1", SenderID: "me", Content: "from last run", CreatedAt: t0, SendState: models.StateQueued}))
	f.api.On("SendText", mock.Anything, mock.Anything).Return(models.Message{ID: "m7", ConversationID: "c1", CreatedAt: t0}, nil).Once()

	require.NoError(t, f.engine.Start(ctx))

	assert.Eventually(t, func() bool {
		got, ok := f.engine.Message("tmp_old")
		return ok && got.ID == "m7"
	}, 2*time.Second, time.Millisecond)
	got, _ := f.engine.Message("m7")
	assert.Equal(t, "from last run", got.Content)
}

func TestOpenConversation_MarksReadExactlyOnce(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))
	f.engine.SetUnread("c1", 3)
	f.api.On("MarkAsRead", mock.Anything, "c1").Return(nil)

	s, err := f.engine.OpenConversation("c1")
	require.NoError(t, err)
	again, err := f.engine.OpenConversation("c1")
	require.NoError(t, err)
	assert.Same(t, s, again)

	s.receipts.Wait()
	assert.Equal(t, 0, f.engine.Unread("c1"))
	f.api.AssertNumberOfCalls(t, "MarkAsRead", 1)
	require.Len(t, f.noticeKinds(models.NoticeConversationRead), 1)

	// An interaction right away falls inside the debounce window.
	s.Interact()
	s.receipts.Wait()
	f.api.AssertNumberOfCalls(t, "MarkAsRead", 1)
}

func TestInboundWhileViewingMarksRead(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))
	f.api.On("MarkAsRead", mock.Anything, "c1").Return(nil)

	s, err := f.engine.OpenConversation("c1")
	require.NoError(t, err)
	s.Interact()
	s.receipts.Wait()
	f.api.AssertNumberOfCalls(t, "MarkAsRead", 1)

	// Let the debounce window and the cooldown pass.
	f.clock.Advance(3 * time.Second)

	f.channel.push(t, models.EventNewMessage, models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", Content: "yo", CreatedAt: t0})
	f.channel.push(t, models.EventNewMessage, models.Message{ID: "m2", ConversationID: "c1", SenderID: "alice", Content: "there?", CreatedAt: t0})
	assert.Equal(t, 2, f.engine.Unread("c1"))

	f.clock.Advance(300 * time.Millisecond)
	s.receipts.Wait()
	f.api.AssertNumberOfCalls(t, "MarkAsRead", 2)
	assert.Equal(t, 0, f.engine.Unread("c1"))
}

func TestInboundIgnoredWhenBackgrounded(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))
	f.api.On("MarkAsRead", mock.Anything, "c1").Return(nil)

	s, err := f.engine.OpenConversation("c1")
	require.NoError(t, err)
	s.Interact()
	s.receipts.Wait()
	f.clock.Advance(3 * time.Second)

	s.SetForeground(false)
	f.channel.push(t, models.EventNewMessage, models.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", CreatedAt: t0})
	f.clock.Advance(time.Second)
	s.receipts.Wait()
	f.api.AssertNumberOfCalls(t, "MarkAsRead", 1)
	assert.Equal(t, 1, f.engine.Unread("c1"))
}

func TestSessionPresence(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))
	f.api.On("SendText", mock.Anything, mock.Anything).Return(models.Message{ID: "m1", ConversationID: "c1", CreatedAt: t0}, nil)

	s, err := f.engine.OpenConversation("c1")
	require.NoError(t, err)
	s.Keystroke("hel")
	s.Keystroke("hello")
	_, err = s.SendMessage(context.Background(), "hello", "")
	require.NoError(t, err)
	s.StartRecording()

	f.engine.Close()
	assert.Equal(t, []models.EventKind{
		models.EventTyping, models.EventStopTyping,
		models.EventTyping, models.EventStopTyping,
	}, f.channel.kinds())
	_, ok := f.engine.Session("c1")
	assert.False(t, ok)
}

func TestTypingUsersAndDisconnect(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))

	f.channel.push(t, models.EventTyping, models.TypingPayload{ConversationID: "c1", UserID: "bob", DisplayName: "Bob"})
	assert.Equal(t, []models.TypingUser{{UserID: "bob", DisplayName: "Bob"}}, f.engine.TypingUsers("c1"))
	assert.NotEmpty(t, f.noticeKinds(models.NoticeTypingChanged))

	f.channel.push(t, models.EventDisconnected, map[string]string{})
	assert.Empty(t, f.engine.TypingUsers("c1"))
}

func TestLoadHistory_KeepsPendingLocalEntries(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))

	pending, err := f.engine.SendMessage(ctx, "c1", "draft", "")
	require.NoError(t, err)

	f.api.On("FetchHistory", mock.Anything, "c1", 50, 0).Return([]models.Message{
		{ID: "m1", Content: "old", CreatedAt: t0.Add(-time.Hour), Status: models.StatusRead},
	}, nil).Once()
	f.api.On("FetchHistory", mock.Anything, "c1", 50, 50).Return([]models.Message{
		{ID: "m0", Content: "older", CreatedAt: t0.Add(-2 * time.Hour)},
	}, nil).Once()
	f.api.On("FetchHistory", mock.Anything, "c2", 50, 0).Return([]models.Message(nil), errors.New("boom")).Once()

	msgs, err := f.engine.LoadHistory(ctx, "c1", 50, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, models.StateRead, msgs[0].SendState)
	assert.Equal(t, pending.TempID, msgs[1].TempID)

	msgs, err = f.engine.LoadHistory(ctx, "c1", 50, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m0", msgs[0].ID)

	_, err = f.engine.LoadHistory(ctx, "c2", 50, 0)
	assert.Error(t, err)
}

func TestForgetConversation_AbandonsPendingSends(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	require.NoError(t, f.engine.Start(ctx))
	f.api.On("MarkAsRead", mock.Anything, "c1").Return(nil).Maybe()

	_, err := f.engine.SendMessage(ctx, "c1", "draft", "")
	require.NoError(t, err)
	f.api.On("FetchHistory", mock.Anything, "c1", 50, 0).Return([]models.Message{
		{ID: "m1", Content: "old", CreatedAt: t0.Add(-time.Hour)},
	}, nil).Once()
	_, err = f.engine.LoadHistory(ctx, "c1", 50, 0)
	require.NoError(t, err)
	_, err = f.engine.OpenConversation("c1")
	require.NoError(t, err)

	assert.Equal(t, 1, f.engine.ForgetConversation(ctx, "c1"))
	assert.Empty(t, f.engine.Messages("c1"))
	assert.Equal(t, 0, f.engine.QueueLength())
	_, ok := f.engine.Session("c1")
	assert.False(t, ok)
	persisted, err := f.outbox.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
	assert.Len(t, f.noticeKinds(models.NoticeConversationCleared), 1)

	assert.Equal(t, 0, f.engine.ForgetConversation(ctx, "c1"))
}

func TestClose_ReleasesSubscriptions(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.engine.Start(context.Background()))
	assert.Positive(t, f.channel.subscriptions())

	f.engine.Close()
	assert.Equal(t, 0, f.channel.subscriptions())
	assert.ErrorIs(t, f.engine.Start(context.Background()), ErrClosed)
	_, err := f.engine.OpenConversation("c1")
	assert.ErrorIs(t, err, ErrClosed)
}
