// Package realtime merges server-pushed events into the message store and
// keeps the live typing set.
package realtime

import (
	"sync"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/e2e"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"go.uber.org/zap"
)

// EventBus is the subscription side of the real-time channel.
type EventBus interface {
	On(kind models.EventKind, handler func(models.Event)) (unsubscribe func())
	IsConnected() bool
}

// Options wires a Reconciler. Store is required.
type Options struct {
	Store   store.MessageStore
	Codec   e2e.Codec
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
	SelfID  string
	// OnInbound is called after a new message from another user is stored.
	OnInbound func(msg models.Message)
	Notify    func(models.Notice)
}

type Reconciler struct {
	store     store.MessageStore
	codec     e2e.Codec
	clock     clock.Clock
	logger    *zap.Logger
	metrics   *metrics.Collector
	selfID    string
	onInbound func(models.Message)
	notify    func(models.Notice)

	typing *TypingSet

	mu     sync.Mutex
	unsubs []func()
}

func NewReconciler(opts Options) *Reconciler {
	r := &Reconciler{
		store:     opts.Store,
		codec:     opts.Codec,
		clock:     opts.Clock,
		logger:    logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		selfID:    opts.SelfID,
		onInbound: opts.OnInbound,
		notify:    opts.Notify,
		typing:    NewTypingSet(),
	}
	if r.codec == nil {
		r.codec = e2e.Plain{}
	}
	if r.clock == nil {
		r.clock = clock.Real()
	}
	if r.onInbound == nil {
		r.onInbound = func(models.Message) {}
	}
	if r.notify == nil {
		r.notify = func(models.Notice) {}
	}
	return r
}

// Typing returns the typing set owned by the reconciler.
func (r *Reconciler) Typing() *TypingSet { return r.typing }

// Attach subscribes to bus. Any previous subscription is released first.
func (r *Reconciler) Attach(bus EventBus) {
	r.Detach()
	handlers := map[models.EventKind]func(models.Event){
		models.EventNewMessage:       r.handleNewMessage,
		models.EventMessageDelivered: r.handleStatus,
		models.EventMessageRead:      r.handleStatus,
		models.EventTyping:           r.handleTyping,
		models.EventStopTyping:       r.handleStopTyping,
		models.EventDisconnected:     r.handleDisconnected,
	}
	unsubs := make([]func(), 0, len(handlers))
	for kind, h := range handlers {
		unsubs = append(unsubs, bus.On(kind, h))
	}
	r.mu.Lock()
	r.unsubs = unsubs
	r.mu.Unlock()
	r.logger.Debug("Reconciler: attached", zap.Int("subscriptions", len(unsubs)))
}

// Detach releases every subscription taken by Attach.
func (r *Reconciler) Detach() {
	r.mu.Lock()
	unsubs := r.unsubs
	r.unsubs = nil
	r.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}

func (r *Reconciler) handleNewMessage(ev models.Event) {
	r.metrics.Event(string(ev.Kind))
	var msg models.Message
	if err := ev.Decode(&msg); err != nil {
		r.logger.Warn("Reconciler: dropping malformed new_message", zap.Error(err))
		return
	}
	if msg.ID == "" {
		r.logger.Warn("Reconciler: dropping new_message without id")
		return
	}
	if msg.ConversationID == "" {
		msg.ConversationID = ev.ConversationID
	}
	if msg.SenderID == "" && msg.Sender != nil {
		msg.SenderID = msg.Sender.ID
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.clock.Now()
	}
	if msg.Status == "" {
		msg.Status = models.StatusSent
	}
	// Local fields are never taken from the wire.
	msg.SendState = ""
	msg.SendError = ""

	own := r.selfID != "" && msg.SenderID == r.selfID
	if !own {
		msg.TempID = ""
	}
	if own && r.known(msg) {
		// Keep our local plaintext; the echo may carry ciphertext. An empty
		// content never overwrites in a merge.
		msg.Content = ""
	} else {
		msg.Content = r.decode(msg)
	}

	stored, created := r.store.Upsert(msg)
	if created && !own {
		unread := r.store.IncrementUnread(stored.ConversationID)
		r.logger.Debug("Reconciler: inbound message",
			zap.String("chat_id", stored.ConversationID), zap.String("id", stored.ID), zap.Int("unread", unread))
		r.onInbound(stored)
	}
	r.changed(stored)
}

func (r *Reconciler) known(msg models.Message) bool {
	if _, ok := r.store.Find(msg.ID); ok {
		return true
	}
	if msg.TempID == "" {
		return false
	}
	_, ok := r.store.Find(msg.TempID)
	return ok
}

func (r *Reconciler) decode(msg models.Message) string {
	out, err := r.codec.Decode(msg.ConversationID, msg.Content)
	if err != nil {
		r.logger.Warn("Reconciler: decode failed, keeping raw content", zap.String("id", msg.ID), zap.Error(err))
		return msg.Content
	}
	return out
}

func (r *Reconciler) handleStatus(ev models.Event) {
	r.metrics.Event(string(ev.Kind))
	var p models.StatusPayload
	if err := ev.Decode(&p); err != nil || p.MessageID == "" {
		r.logger.Warn("Reconciler: dropping malformed status event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	state := models.StateDelivered
	if ev.Kind == models.EventMessageRead {
		state = models.StateRead
	}
	msg, ok := r.store.MarkStatus(p.MessageID, state, p.Timestamp.Or(r.clock.Now()))
	if !ok {
		r.logger.Debug("Reconciler: status parked for unknown message", zap.String("id", p.MessageID), zap.String("state", string(state)))
		return
	}
	r.changed(msg)
}

func (r *Reconciler) handleTyping(ev models.Event) {
	r.metrics.Event(string(ev.Kind))
	p, ok := r.typingPayload(ev)
	if !ok {
		return
	}
	name := p.DisplayName
	if name == "" {
		name = p.UserID
	}
	if r.typing.put(p.ConversationID, models.TypingUser{UserID: p.UserID, DisplayName: name, IsRecording: p.IsRecording}) {
		r.typingChanged(p.ConversationID)
	}
}

func (r *Reconciler) handleStopTyping(ev models.Event) {
	r.metrics.Event(string(ev.Kind))
	p, ok := r.typingPayload(ev)
	if !ok {
		return
	}
	if r.typing.remove(p.ConversationID, p.UserID) {
		r.typingChanged(p.ConversationID)
	}
}

func (r *Reconciler) typingPayload(ev models.Event) (models.TypingPayload, bool) {
	var p models.TypingPayload
	if err := ev.Decode(&p); err != nil || p.UserID == "" {
		r.logger.Debug("Reconciler: dropping malformed typing event", zap.Error(err))
		return p, false
	}
	if p.ConversationID == "" {
		p.ConversationID = ev.ConversationID
	}
	if p.ConversationID == "" || p.UserID == r.selfID {
		return p, false
	}
	return p, true
}

// handleDisconnected drops all typing state; it is only meaningful while the
// channel is up.
func (r *Reconciler) handleDisconnected(models.Event) {
	for _, conv := range r.typing.clear() {
		r.typingChanged(conv)
	}
}

func (r *Reconciler) typingChanged(conversationID string) {
	r.notify(models.Notice{Kind: models.NoticeTypingChanged, ConversationID: conversationID})
}

func (r *Reconciler) changed(msg models.Message) {
	r.notify(models.Notice{
		Kind:           models.NoticeMessageUpdated,
		ConversationID: msg.ConversationID,
		MessageKey:     msg.Key(),
		Message:        &msg,
	})
}
