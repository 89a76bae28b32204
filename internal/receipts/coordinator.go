// Package receipts decides when a conversation is reported as read.
package receipts

import (
	"context"
	"sync"
	"time"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"

	"go.uber.org/zap"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultCooldown = 2 * time.Second
	DefaultSettle   = 300 * time.Millisecond
)

// Marker issues the mark-as-read call.
type Marker interface {
	MarkAsRead(ctx context.Context, conversationID string) error
}

// Options configures a Coordinator. Zero durations fall back to the defaults.
type Options struct {
	ConversationID string
	Marker         Marker
	Clock          clock.Clock
	Debounce       time.Duration
	Cooldown       time.Duration
	Settle         time.Duration
	Logger         *zap.Logger
	Metrics        *metrics.Collector
	// OnRead runs after the server accepted a mark-as-read call.
	OnRead func(conversationID string)
}

// Coordinator issues at most one mark-as-read call at a time per
// conversation and suppresses calls closer than the debounce window.
type Coordinator struct {
	conversationID string
	marker         Marker
	clock          clock.Clock
	debounce       time.Duration
	cooldown       time.Duration
	settle         time.Duration
	logger         *zap.Logger
	metrics        *metrics.Collector
	onRead         func(string)

	mu           sync.Mutex
	inFlight     bool
	lastMarkedAt time.Time
	visible      bool
	foreground   bool
	interacted   bool
	closed       bool
	settleTimer  clock.Timer
	coolTimer    clock.Timer

	// ctx is cancelled by Close so an in-flight call does not hold it up.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		conversationID: opts.ConversationID,
		marker:         opts.Marker,
		clock:          opts.Clock,
		debounce:       opts.Debounce,
		cooldown:       opts.Cooldown,
		settle:         opts.Settle,
		logger:         logging.OrNop(opts.Logger),
		metrics:        opts.Metrics,
		onRead:         opts.OnRead,
		foreground:     true,
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.debounce <= 0 {
		c.debounce = DefaultDebounce
	}
	if c.cooldown <= 0 {
		c.cooldown = DefaultCooldown
	}
	if c.settle <= 0 {
		c.settle = DefaultSettle
	}
	if c.onRead == nil {
		c.onRead = func(string) {}
	}
	return c
}

// Open records that the conversation is on screen and marks it read when it
// has unread messages.
func (c *Coordinator) Open(unread int) {
	c.mu.Lock()
	c.visible = true
	c.mu.Unlock()
	if unread > 0 {
		c.trigger("open")
	}
}

// Interact records a scroll or other user interaction. Only the first one
// after open triggers a mark.
func (c *Coordinator) Interact() {
	c.mu.Lock()
	first := !c.interacted
	c.interacted = true
	c.mu.Unlock()
	if first {
		c.trigger("interaction")
	}
}

func (c *Coordinator) SetVisible(visible bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visible = visible
	if !visible {
		c.stopSettleLocked()
	}
}

func (c *Coordinator) SetForeground(foreground bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.foreground = foreground
	if !foreground {
		c.stopSettleLocked()
	}
}

// OnInbound reacts to a new message from someone else. A burst of arrivals
// is coalesced by the settle timer into one trigger.
func (c *Coordinator) OnInbound() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.visible || !c.foreground || !c.interacted {
		return
	}
	if c.settleTimer != nil {
		return
	}
	c.settleTimer = c.clock.AfterFunc(c.settle, func() {
		c.mu.Lock()
		c.settleTimer = nil
		c.mu.Unlock()
		c.trigger("inbound")
	})
}

func (c *Coordinator) trigger(reason string) {
	c.mu.Lock()
	if c.closed || c.inFlight {
		c.mu.Unlock()
		return
	}
	now := c.clock.Now()
	if !c.lastMarkedAt.IsZero() && now.Sub(c.lastMarkedAt) < c.debounce {
		c.mu.Unlock()
		return
	}
	// Set before the call so triggers arriving meanwhile are absorbed.
	c.inFlight = true
	c.lastMarkedAt = now
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Debug("ReadReceipts: marking conversation read", zap.String("chat_id", c.conversationID), zap.String("reason", reason))
	go c.call()
}

func (c *Coordinator) call() {
	defer c.wg.Done()
	err := c.marker.MarkAsRead(c.ctx, c.conversationID)

	c.mu.Lock()
	if err != nil {
		c.lastMarkedAt = time.Time{}
	}
	if c.closed {
		c.inFlight = false
	} else {
		c.coolTimer = c.clock.AfterFunc(c.cooldown, func() {
			c.mu.Lock()
			c.inFlight = false
			c.coolTimer = nil
			c.mu.Unlock()
		})
	}
	c.mu.Unlock()

	if err != nil {
		// Retried by the next qualifying trigger; never surfaced.
		c.metrics.Receipt("failed")
		c.logger.Debug("ReadReceipts: mark as read failed", zap.String("chat_id", c.conversationID), zap.Error(err))
		return
	}
	c.metrics.Receipt("ok")
	c.onRead(c.conversationID)
}

// Wait blocks until the in-flight call, if any, has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Close cancels pending timers and the in-flight call, then waits for it.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.stopSettleLocked()
	if c.coolTimer != nil {
		c.coolTimer.Stop()
		c.coolTimer = nil
	}
	c.mu.Unlock()
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) stopSettleLocked() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
		c.settleTimer = nil
	}
}
