// Package websocket is the client side of the server's real-time channel.
package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrNotConnected   = errors.New("channel is not connected")
	ErrSendBufferFull = errors.New("channel send buffer is full")
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

type Options struct {
	URL    string
	Token  string
	SelfID string
	// Dialer defaults to websocket.DefaultDialer.
	Dialer       *websocket.Dialer
	ReconnectMin time.Duration
	ReconnectMax time.Duration
	Logger       *zap.Logger
	Metrics      *metrics.Collector
}

// Channel keeps one connection to the server open, reconnecting with
// exponential backoff, and fans received events out to subscribers.
type Channel struct {
	url          string
	token        string
	selfID       string
	dialer       *websocket.Dialer
	reconnectMin time.Duration
	reconnectMax time.Duration
	logger       *zap.Logger
	metrics      *metrics.Collector

	handlers      map[models.EventKind]map[uint64]func(models.Event)
	handlersMux   sync.RWMutex
	nextHandlerID uint64

	sendMux   sync.Mutex
	send      chan []byte
	connected atomic.Bool
}

func NewChannel(opts Options) *Channel {
	c := &Channel{
		url:          opts.URL,
		token:        opts.Token,
		selfID:       opts.SelfID,
		dialer:       opts.Dialer,
		reconnectMin: opts.ReconnectMin,
		reconnectMax: opts.ReconnectMax,
		logger:       logging.OrNop(opts.Logger),
		metrics:      opts.Metrics,
		handlers:     make(map[models.EventKind]map[uint64]func(models.Event)),
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	if c.reconnectMin <= 0 {
		c.reconnectMin = time.Second
	}
	if c.reconnectMax < c.reconnectMin {
		c.reconnectMax = 30 * time.Second
		if c.reconnectMax < c.reconnectMin {
			c.reconnectMax = c.reconnectMin
		}
	}
	return c
}

// IsConnected reports whether a connection is currently open.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Emit queues a frame for the open connection. It never blocks.
func (c *Channel) Emit(kind models.EventKind, payload interface{}) error {
	msg := outboundMessage{Type: kind, Payload: payload}
	if p, ok := payload.(models.TypingPayload); ok {
		msg.ConversationID = p.ConversationID
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("channel: encoding %s: %w", kind, err)
	}

	c.sendMux.Lock()
	defer c.sendMux.Unlock()
	if c.send == nil {
		return ErrNotConnected
	}
	select {
	case c.send <- raw:
		return nil
	default:
		c.logger.Warn("Channel: send buffer full, dropping frame", zap.String("type", string(kind)))
		return ErrSendBufferFull
	}
}

// Run connects and serves the channel until ctx is cancelled, reconnecting
// after every failure.
func (c *Channel) Run(ctx context.Context) error {
	delay := c.reconnectMin
	for {
		conn, err := c.dial(ctx)
		if err == nil {
			delay = c.reconnectMin
			c.serve(ctx, conn)
		} else {
			c.logger.Warn("Channel: connect failed", zap.Error(err), zap.Duration("retry_in", delay))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if err != nil {
			delay *= 2
			if delay > c.reconnectMax {
				delay = c.reconnectMax
			}
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid url: %w", err)
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("channel: dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("channel: dial: %w", err)
	}
	return conn, nil
}

// serve runs the pumps for one connection and returns when it is gone.
func (c *Channel) serve(ctx context.Context, conn *websocket.Conn) {
	send := make(chan []byte, sendBuffer)
	c.sendMux.Lock()
	c.send = send
	c.sendMux.Unlock()
	c.setConnected(true)
	c.logger.Info("Channel: connected", zap.String("remote", conn.RemoteAddr().String()))
	c.dispatch(models.Event{Kind: models.EventConnected})

	done := make(chan struct{})
	go func() {
		c.writePump(ctx, conn, send)
		close(done)
	}()
	c.readPump(conn)

	c.sendMux.Lock()
	c.send = nil
	close(send)
	c.sendMux.Unlock()
	<-done

	c.setConnected(false)
	c.logger.Info("Channel: disconnected")
	c.dispatch(models.Event{Kind: models.EventDisconnected})
}

func (c *Channel) setConnected(v bool) {
	c.connected.Store(v)
	c.metrics.Connected(v)
}

func (c *Channel) readPump(conn *websocket.Conn) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("Channel: read error", zap.Error(err))
			} else {
				c.logger.Debug("Channel: connection closed", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logger.Debug("Channel: ignoring non-text frame", zap.Int("type", messageType))
			continue
		}
		message = bytes.TrimSpace(bytes.Replace(message, newline, space, -1))

		var env models.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("Channel: dropping malformed frame", zap.Error(err), zap.ByteString("raw", message))
			continue
		}
		ev, ok := c.normalize(env)
		if !ok {
			c.logger.Debug("Channel: dropping frame", zap.String("type", string(env.Type)))
			continue
		}
		c.dispatch(ev)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("Channel: write failed", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("Channel: ping failed", zap.Error(err))
				return
			}

		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client shutting down"))
			return
		}
	}
}
