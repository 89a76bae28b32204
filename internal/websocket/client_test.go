package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"histeeria-chatsync/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testServer accepts channel connections and lets a test push frames and
// read what the client emitted.
type testServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	mu       sync.Mutex
	tokens   []string
	upgrader websocket.Upgrader
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{conns: make(chan *websocket.Conn, 4)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.tokens = append(s.tokens, r.URL.Query().Get("token"))
		s.mu.Unlock()
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.conns <- conn
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws"
}

func (s *testServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection")
		return nil
	}
}

func push(t *testing.T, conn *websocket.Conn, typ string, payload interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": typ, "payload": payload}))
}

func startChannel(t *testing.T, s *testServer, selfID string) (*Channel, context.CancelFunc, chan error) {
	t.Helper()
	ch := NewChannel(Options{URL: s.wsURL(), Token: "tok", SelfID: selfID, ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()
	t.Cleanup(cancel)
	return ch, cancel, done
}

func collect(ch *Channel, kind models.EventKind) (<-chan models.Event, func()) {
	out := make(chan models.Event, 16)
	unsub := ch.On(kind, func(ev models.Event) { out <- ev })
	return out, unsub
}

func next(t *testing.T, events <-chan models.Event) models.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.Event{}
	}
}

func TestChannel_DispatchesEventsAndEmits(t *testing.T) {
	s := newTestServer(t)
	ch := NewChannel(Options{URL: s.wsURL(), Token: "tok"})
	connected, _ := collect(ch, models.EventConnected)
	messages, _ := collect(ch, models.EventNewMessage)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	conn := s.accept(t)
	next(t, connected)
	assert.True(t, ch.IsConnected())
	assert.Equal(t, []string{"tok"}, s.tokens)

	push(t, conn, "new_message", map[string]string{"id": "m1", "chatId": "c1", "content": "hi"})
	ev := next(t, messages)
	var msg models.Message
	require.NoError(t, ev.Decode(&msg))
	assert.Equal(t, "m1", msg.ID)

	require.NoError(t, ch.Emit(models.EventTyping, models.TypingPayload{ConversationID: "c1", UserID: "me"}))
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var frame struct {
		Type    string               `json:"type"`
		ChatID  string               `json:"chatId"`
		Payload models.TypingPayload `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "typing", frame.Type)
	assert.Equal(t, "c1", frame.ChatID)
	assert.Equal(t, "me", frame.Payload.UserID)
}

func TestChannel_EmitWhileDisconnected(t *testing.T) {
	ch := NewChannel(Options{URL: "ws://127.0.0.1:1/ws"})
	assert.ErrorIs(t, ch.Emit(models.EventStopTyping, models.TypingPayload{}), ErrNotConnected)
	assert.False(t, ch.IsConnected())
}

func TestChannel_ReconnectsAfterDrop(t *testing.T) {
	s := newTestServer(t)
	ch, cancel, done := startChannel(t, s, "")
	connected, _ := collect(ch, models.EventConnected)
	disconnected, _ := collect(ch, models.EventDisconnected)

	first := s.accept(t)
	next(t, connected)
	first.Close()
	next(t, disconnected)
	assert.False(t, ch.IsConnected())

	s.accept(t)
	next(t, connected)
	assert.True(t, ch.IsConnected())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestChannel_NormalizesLegacyFrames(t *testing.T) {
	s := newTestServer(t)
	ch, _, _ := startChannel(t, s, "me")
	read, _ := collect(ch, models.EventMessageRead)
	typing, _ := collect(ch, models.EventTyping)
	stop, _ := collect(ch, models.EventStopTyping)
	acks, _ := collect(ch, models.EventNewMessage)

	conn := s.accept(t)
	push(t, conn, MessageTypeMessageStatusUpdate, map[string]string{"messageId": "m1", "chatId": "c1", "status": "read", "timestamp": "2025-03-01T09:00:00.000Z"})
	push(t, conn, MessageTypeTypingIndicator, map[string]interface{}{"chatId": "c1", "userId": "bob", "isTyping": true})
	push(t, conn, MessageTypeTypingIndicator, map[string]interface{}{"chatId": "c1", "userId": "bob", "isTyping": false})
	push(t, conn, MessageTypeMessageSentAck, map[string]string{"clientTempId": "tmp_1", "serverMsgId": "m2", "chatId": "c1", "status": "sent"})

	var status models.StatusPayload
	require.NoError(t, next(t, read).Decode(&status))
	assert.Equal(t, "m1", status.MessageID)
	assert.False(t, status.Timestamp.Time().IsZero())

	var p models.TypingPayload
	require.NoError(t, next(t, typing).Decode(&p))
	assert.Equal(t, "bob", p.UserID)
	require.NoError(t, next(t, stop).Decode(&p))
	assert.Equal(t, "c1", p.ConversationID)

	var msg models.Message
	require.NoError(t, next(t, acks).Decode(&msg))
	assert.Equal(t, "m2", msg.ID)
	assert.Equal(t, "tmp_1", msg.TempID)
	assert.Equal(t, "me", msg.SenderID)
}

func TestChannel_UnsubscribeAndMalformedFrames(t *testing.T) {
	s := newTestServer(t)
	ch, _, _ := startChannel(t, s, "")
	errorsSeen, _ := collect(ch, models.EventError)
	messages, unsub := collect(ch, models.EventNewMessage)
	unsub()
	unsub()

	conn := s.accept(t)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	push(t, conn, "new_message", map[string]string{"id": "m1"})
	push(t, conn, "error", map[string]string{"message": "bad frame"})

	var p models.ErrorPayload
	require.NoError(t, next(t, errorsSeen).Decode(&p))
	assert.Equal(t, "bad frame", p.Message)
	assert.Empty(t, messages)
}

func TestOutboundFrameShape(t *testing.T) {
	raw, err := json.Marshal(outboundMessage{Type: models.EventStopTyping, ConversationID: "c1", Payload: models.TypingPayload{UserID: "me"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"stop_typing","chatId":"c1","payload":{"chatId":"","userId":"me","isRecording":false}}`, string(raw))
}
