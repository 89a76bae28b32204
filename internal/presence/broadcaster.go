// Package presence announces local typing and recording state on the
// real-time channel.
package presence

import (
	"strings"
	"sync"
	"time"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"

	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long typing is announced after the last keystroke.
const DefaultIdleTimeout = 3 * time.Second

// Emitter sends a frame on the real-time channel. It must not block.
type Emitter interface {
	Emit(kind models.EventKind, payload interface{}) error
}

type Options struct {
	ConversationID string
	UserID         string
	DisplayName    string
	Emitter        Emitter
	Clock          clock.Clock
	IdleTimeout    time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Collector
}

type state int

const (
	stateIdle state = iota
	stateTyping
	stateRecording
)

// Broadcaster tracks one composition surface. Every transition that
// supersedes the idle timer cancels it, and a generation counter keeps a
// timer that already fired from acting on newer state.
type Broadcaster struct {
	conversationID string
	userID         string
	displayName    string
	emitter        Emitter
	clock          clock.Clock
	idleTimeout    time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collector

	mu     sync.Mutex
	state  state
	gen    uint64
	idle   clock.Timer
	closed bool
}

func New(opts Options) *Broadcaster {
	b := &Broadcaster{
		conversationID: opts.ConversationID,
		userID:         opts.UserID,
		displayName:    opts.DisplayName,
		emitter:        opts.Emitter,
		clock:          opts.Clock,
		idleTimeout:    opts.IdleTimeout,
		logger:         logging.OrNop(opts.Logger),
		metrics:        opts.Metrics,
	}
	if b.clock == nil {
		b.clock = clock.Real()
	}
	if b.idleTimeout <= 0 {
		b.idleTimeout = DefaultIdleTimeout
	}
	return b
}

// IsTyping reports whether typing or recording is currently announced.
func (b *Broadcaster) IsTyping() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != stateIdle
}

// IsRecording reports whether recording is currently announced.
func (b *Broadcaster) IsRecording() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == stateRecording
}

// Keystroke reports the current text of the input field.
func (b *Broadcaster) Keystroke(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.state == stateRecording {
		return
	}
	if strings.TrimSpace(text) == "" {
		if b.state == stateTyping {
			b.stopLocked("cleared")
		}
		return
	}
	if b.state == stateIdle {
		b.emitLocked(models.EventTyping, false)
		b.state = stateTyping
	}
	b.armIdleLocked()
}

// Sent ends typing because the message went out.
func (b *Broadcaster) Sent() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateTyping {
		b.stopLocked("sent")
	}
}

// StartRecording announces recording, replacing any typing announcement.
func (b *Broadcaster) StartRecording() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.state == stateRecording {
		return
	}
	b.cancelIdleLocked()
	b.emitLocked(models.EventTyping, true)
	b.state = stateRecording
}

// StopRecording ends a recording for any reason: sent, cancelled or failed.
func (b *Broadcaster) StopRecording() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateRecording {
		b.stopLocked("recording ended")
	}
}

// Close emits stop_typing if anything is still announced. The broadcaster
// ignores every call after Close.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if b.state != stateIdle {
		b.stopLocked("closed")
	}
	b.cancelIdleLocked()
	b.closed = true
}

func (b *Broadcaster) armIdleLocked() {
	b.cancelIdleLocked()
	gen := b.gen
	b.idle = b.clock.AfterFunc(b.idleTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if gen != b.gen || b.state != stateTyping {
			return
		}
		b.idle = nil
		b.stopLocked("idle")
	})
}

func (b *Broadcaster) cancelIdleLocked() {
	b.gen++
	if b.idle != nil {
		b.idle.Stop()
		b.idle = nil
	}
}

func (b *Broadcaster) stopLocked(reason string) {
	b.cancelIdleLocked()
	b.emitLocked(models.EventStopTyping, false)
	b.state = stateIdle
	b.logger.Debug("Presence: stop typing", zap.String("chat_id", b.conversationID), zap.String("reason", reason))
}

func (b *Broadcaster) emitLocked(kind models.EventKind, recording bool) {
	b.metrics.Presence(string(kind))
	payload := models.TypingPayload{
		ConversationID: b.conversationID,
		UserID:         b.userID,
		DisplayName:    b.displayName,
		IsRecording:    recording,
	}
	if err := b.emitter.Emit(kind, payload); err != nil {
		// The channel being down must not wedge local state.
		b.logger.Debug("Presence: emit failed", zap.String("kind", string(kind)), zap.Error(err))
	}
}
