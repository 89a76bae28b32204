package engine

import (
	"context"

	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/presence"
	"histeeria-chatsync/internal/receipts"
)

// Session is one open conversation screen. It owns the read-receipt
// coordinator and the presence broadcaster for that conversation.
type Session struct {
	engine         *Engine
	conversationID string
	receipts       *receipts.Coordinator
	presence       *presence.Broadcaster
}

// OpenConversation returns the session for conversationID, opening it if
// needed. Opening marks the conversation read when it has unread messages.
func (e *Engine) OpenConversation(conversationID string) (*Session, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	if s, ok := e.sessions[conversationID]; ok {
		e.mu.Unlock()
		return s, nil
	}
	s := &Session{
		engine:         e,
		conversationID: conversationID,
		receipts: receipts.New(receipts.Options{
			ConversationID: conversationID,
			Marker:         e.api,
			Clock:          e.clock,
			Debounce:       e.cfg.ReadReceiptDebounce,
			Cooldown:       e.cfg.ReadReceiptCooldown,
			Settle:         e.cfg.ReadReceiptSettle,
			Logger:         e.logger,
			Metrics:        e.metrics,
			OnRead:         e.onRead,
		}),
		presence: presence.New(presence.Options{
			ConversationID: conversationID,
			UserID:         e.cfg.SelfID,
			DisplayName:    e.cfg.DisplayName,
			Emitter:        e.channel,
			Clock:          e.clock,
			IdleTimeout:    e.cfg.TypingIdleTimeout,
			Logger:         e.logger,
			Metrics:        e.metrics,
		}),
	}
	e.sessions[conversationID] = s
	e.mu.Unlock()

	s.receipts.Open(e.store.Unread(conversationID))
	return s, nil
}

// Session returns the open session for conversationID, if any.
func (e *Engine) Session(conversationID string) (*Session, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[conversationID]
	return s, ok
}

func (s *Session) ConversationID() string { return s.conversationID }

// Interact reports a scroll or tap inside the conversation.
func (s *Session) Interact() { s.receipts.Interact() }

func (s *Session) SetVisible(visible bool) { s.receipts.SetVisible(visible) }

// SetForeground reports whether the app is in the foreground.
func (s *Session) SetForeground(foreground bool) { s.receipts.SetForeground(foreground) }

// Keystroke reports the composer's current text.
func (s *Session) Keystroke(text string) { s.presence.Keystroke(text) }

func (s *Session) StartRecording() { s.presence.StartRecording() }

func (s *Session) StopRecording() { s.presence.StopRecording() }

// SendMessage sends text from this screen's composer and ends typing.
func (s *Session) SendMessage(ctx context.Context, content, replyToID string) (models.Message, error) {
	s.presence.Sent()
	return s.engine.SendMessage(ctx, s.conversationID, content, replyToID)
}

// Close clears presence, stops receipt timers and forgets the session.
func (s *Session) Close() {
	s.presence.Close()
	s.receipts.Close()

	e := s.engine
	e.mu.Lock()
	if e.sessions[s.conversationID] == s {
		delete(e.sessions, s.conversationID)
	}
	e.mu.Unlock()
}
