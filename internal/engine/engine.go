// Package engine wires the store, the send pipeline, the event reconciler,
// read receipts and presence into the surface a chat screen talks to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"histeeria-chatsync/internal/chat"
	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/e2e"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/presence"
	"histeeria-chatsync/internal/realtime"
	"histeeria-chatsync/internal/receipts"
	"histeeria-chatsync/internal/store"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("engine is closed")

// API is the server surface the engine calls.
type API interface {
	chat.SendAPI
	chat.MutationAPI
	receipts.Marker
	FetchHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error)
}

// Channel is the real-time channel: events in, presence frames out.
type Channel interface {
	realtime.EventBus
	presence.Emitter
}

// Connectivity is an observable online flag.
type Connectivity interface {
	Online() bool
	Subscribe(fn func(online bool)) (unsubscribe func())
}

// Config holds the tunables. Zero values fall back to package defaults.
type Config struct {
	SelfID              string
	DisplayName         string
	RetiredTempCapacity int
	ReadReceiptDebounce time.Duration
	ReadReceiptCooldown time.Duration
	ReadReceiptSettle   time.Duration
	TypingIdleTimeout   time.Duration
}

// Deps are the collaborators. API, Channel and Connectivity are required.
type Deps struct {
	API          API
	Channel      Channel
	Connectivity Connectivity
	Store        store.MessageStore
	Outbox       store.OutboxStore
	Uploader     chat.Uploader
	Codec        e2e.Codec
	Clock        clock.Clock
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

type Engine struct {
	cfg     Config
	api     API
	channel Channel
	conn    Connectivity
	store   store.MessageStore
	codec   e2e.Codec
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector

	pipeline   *chat.Pipeline
	mutator    *chat.Mutator
	reconciler *realtime.Reconciler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu          sync.Mutex
	started     bool
	closed      bool
	unsubs      []func()
	sessions    map[string]*Session
	subscribers map[uint64]func(models.Notice)
	nextSubID   uint64
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.API == nil || deps.Channel == nil || deps.Connectivity == nil {
		return nil, errors.New("engine: API, Channel and Connectivity are required")
	}
	e := &Engine{
		cfg:         cfg,
		api:         deps.API,
		channel:     deps.Channel,
		conn:        deps.Connectivity,
		store:       deps.Store,
		codec:       deps.Codec,
		clock:       deps.Clock,
		logger:      logging.OrNop(deps.Logger),
		metrics:     deps.Metrics,
		sessions:    make(map[string]*Session),
		subscribers: make(map[uint64]func(models.Notice)),
	}
	if e.store == nil {
		e.store = store.NewMemoryMessageStore(cfg.RetiredTempCapacity)
	}
	if e.codec == nil {
		e.codec = e2e.Plain{}
	}
	if e.clock == nil {
		e.clock = clock.Real()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.pipeline = chat.NewPipeline(chat.PipelineOptions{
		Store:        e.store,
		API:          deps.API,
		Connectivity: deps.Connectivity,
		Outbox:       deps.Outbox,
		Uploader:     deps.Uploader,
		Codec:        e.codec,
		Clock:        e.clock,
		Logger:       e.logger,
		Metrics:      e.metrics,
		SelfID:       cfg.SelfID,
		Notify:       e.publish,
	})
	e.mutator = chat.NewMutator(chat.MutatorOptions{
		Store:   e.store,
		API:     deps.API,
		Codec:   e.codec,
		Clock:   e.clock,
		Logger:  e.logger,
		Metrics: e.metrics,
		SelfID:  cfg.SelfID,
		Notify:  e.publish,
	})
	e.reconciler = realtime.NewReconciler(realtime.Options{
		Store:     e.store,
		Codec:     e.codec,
		Clock:     e.clock,
		Logger:    e.logger,
		Metrics:   e.metrics,
		SelfID:    cfg.SelfID,
		OnInbound: e.onInbound,
		Notify:    e.publish,
	})
	return e, nil
}

// Start restores persisted sends, subscribes to the channel and to
// connectivity, and drains the offline queue if already online.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	restored, err := e.pipeline.Restore(ctx)
	if err != nil {
		e.logger.Error("Engine: outbox restore failed", zap.Error(err))
	} else if restored > 0 {
		e.logger.Info("Engine: restored unsent messages", zap.Int("count", restored))
	}

	e.reconciler.Attach(e.channel)
	unsubConn := e.conn.Subscribe(e.onConnectivity)
	unsubChannel := e.channel.On(models.EventConnected, func(models.Event) {
		if e.conn.Online() {
			e.drainAsync("channel connected")
		}
	})
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubConn, unsubChannel)
	e.mu.Unlock()

	e.logger.Info("Engine: started", zap.String("user_id", e.cfg.SelfID), zap.Bool("online", e.conn.Online()))
	if e.conn.Online() {
		e.drainAsync("start")
	}
	return nil
}

func (e *Engine) onConnectivity(online bool) {
	detail := "offline"
	if online {
		detail = "online"
	}
	e.publish(models.Notice{Kind: models.NoticeConnectivity, Detail: detail})
	if online {
		e.drainAsync("back online")
	}
}

func (e *Engine) drainAsync(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		res, err := e.pipeline.ProcessOfflineQueue(e.ctx)
		if errors.Is(err, chat.ErrDrainInProgress) {
			// The running drain takes another pass for us.
			return
		}
		if err != nil {
			e.logger.Warn("Engine: drain interrupted", zap.String("reason", reason), zap.Error(err))
			return
		}
		e.logger.Debug("Engine: drain finished", zap.String("reason", reason), zap.Int("sent", res.Sent))
	}()
}

// Close releases every subscription, closes open sessions so presence is
// cleared, and waits for background work.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	unsubs := e.unsubs
	e.unsubs = nil
	sessions := make([]*Session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	e.reconciler.Detach()
	for _, unsub := range unsubs {
		unsub()
	}
	e.cancel()
	e.wg.Wait()
	e.logger.Info("Engine: closed")
}

// Subscribe registers fn for every notice. fn runs on the goroutine that
// caused the notice and must not block.
func (e *Engine) Subscribe(fn func(models.Notice)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSubID++
	id := e.nextSubID
	e.subscribers[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subscribers, id)
	}
}

func (e *Engine) publish(n models.Notice) {
	e.mu.Lock()
	targets := make([]func(models.Notice), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		targets = append(targets, fn)
	}
	e.mu.Unlock()
	for _, fn := range targets {
		fn(n)
	}
}

func (e *Engine) onInbound(msg models.Message) {
	e.mu.Lock()
	s := e.sessions[msg.ConversationID]
	e.mu.Unlock()
	if s != nil {
		s.receipts.OnInbound()
	}
}

func (e *Engine) onRead(conversationID string) {
	e.store.SetUnread(conversationID, 0)
	e.publish(models.Notice{Kind: models.NoticeConversationRead, ConversationID: conversationID})
}

func (e *Engine) SendMessage(ctx context.Context, conversationID, content, replyToID string) (models.Message, error) {
	return e.pipeline.SendMessage(ctx, conversationID, content, replyToID)
}

func (e *Engine) SendMessageWithAttachment(ctx context.Context, conversationID, caption string, att models.Attachment, kind models.Kind, replyToID string) (models.Message, error) {
	return e.pipeline.SendMessageWithAttachment(ctx, conversationID, caption, att, kind, replyToID)
}

func (e *Engine) SendFile(ctx context.Context, conversationID, caption string, file models.LocalFile, replyToID string) (models.Message, error) {
	return e.pipeline.SendFile(ctx, conversationID, caption, file, replyToID)
}

func (e *Engine) RetryMessage(ctx context.Context, tempID string) (models.Message, error) {
	return e.pipeline.Retry(ctx, tempID)
}

// RemoveMessage drops a local entry that never reached the server.
func (e *Engine) RemoveMessage(ctx context.Context, key string) (models.Message, error) {
	return e.pipeline.Remove(ctx, key)
}

func (e *Engine) CancelUpload(ctx context.Context, tempID string) bool {
	return e.pipeline.CancelUpload(ctx, tempID)
}

func (e *Engine) ProcessOfflineQueue(ctx context.Context) (chat.DrainResult, error) {
	return e.pipeline.ProcessOfflineQueue(ctx)
}

func (e *Engine) QueueLength() int { return e.pipeline.QueueLength() }

func (e *Engine) EditMessage(ctx context.Context, key, content string) (models.Message, error) {
	return e.mutator.Edit(ctx, key, content)
}

func (e *Engine) DeleteMessage(ctx context.Context, key string) (models.Message, error) {
	return e.mutator.Delete(ctx, key)
}

func (e *Engine) React(ctx context.Context, key, emoji string) (models.Message, error) {
	return e.mutator.React(ctx, key, emoji)
}

func (e *Engine) SetPinned(ctx context.Context, key string, pinned bool) (models.Message, error) {
	return e.mutator.SetPinned(ctx, key, pinned)
}

func (e *Engine) SetStarred(ctx context.Context, key string, starred bool) (models.Message, error) {
	return e.mutator.SetStarred(ctx, key, starred)
}

func (e *Engine) Forward(ctx context.Context, key, targetConversationID string) (models.Message, error) {
	return e.mutator.Forward(ctx, key, targetConversationID)
}

// LoadHistory fetches a page of history. The first page replaces what the
// store holds for the conversation; later pages are merged in.
func (e *Engine) LoadHistory(ctx context.Context, conversationID string, limit, offset int) ([]models.Message, error) {
	page, err := e.api.FetchHistory(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to load history for %s: %w", conversationID, err)
	}
	for i := range page {
		if page[i].ConversationID == "" {
			page[i].ConversationID = conversationID
		}
		if page[i].SenderID == "" && page[i].Sender != nil {
			page[i].SenderID = page[i].Sender.ID
		}
		page[i].SendState = ""
		page[i].SendError = ""
		if out, err := e.codec.Decode(conversationID, page[i].Content); err == nil {
			page[i].Content = out
		} else {
			e.logger.Warn("Engine: decode failed, keeping raw content", zap.String("id", page[i].ID), zap.Error(err))
		}
	}
	if offset == 0 {
		e.store.ReplaceAll(conversationID, page)
	} else {
		for _, m := range page {
			e.store.Upsert(m)
		}
	}
	e.publish(models.Notice{Kind: models.NoticeHistoryLoaded, ConversationID: conversationID})
	return e.store.Messages(conversationID), nil
}

// ForgetConversation tears a conversation down: the session is closed, its
// unconfirmed sends are abandoned and every entry leaves the store.
func (e *Engine) ForgetConversation(ctx context.Context, conversationID string) int {
	if s, ok := e.Session(conversationID); ok {
		s.Close()
	}
	for _, m := range e.store.Messages(conversationID) {
		if m.ID == "" {
			if _, err := e.pipeline.Remove(ctx, m.TempID); err != nil {
				e.logger.Debug("Engine: failed to abandon pending send", zap.String("temp_id", m.TempID), zap.Error(err))
			}
		}
	}
	n := e.store.RemoveConversation(conversationID)
	e.logger.Info("Engine: conversation cleared", zap.String("chat_id", conversationID), zap.Int("removed", n))
	e.publish(models.Notice{Kind: models.NoticeConversationCleared, ConversationID: conversationID})
	return n
}

// Messages returns a snapshot of a conversation.
func (e *Engine) Messages(conversationID string) []models.Message {
	return e.store.Messages(conversationID)
}

// Message looks one entry up by id or temp id.
func (e *Engine) Message(key string) (models.Message, bool) {
	return e.store.Find(key)
}

func (e *Engine) TypingUsers(conversationID string) []models.TypingUser {
	return e.reconciler.Typing().Users(conversationID)
}

func (e *Engine) Unread(conversationID string) int {
	return e.store.Unread(conversationID)
}

func (e *Engine) SetUnread(conversationID string, n int) {
	e.store.SetUnread(conversationID, n)
}

// Online reports the connectivity flag the engine is acting on.
func (e *Engine) Online() bool { return e.conn.Online() }

// ChannelConnected reports whether the real-time channel is up.
func (e *Engine) ChannelConnected() bool { return e.channel.IsConnected() }
