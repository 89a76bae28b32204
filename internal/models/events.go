package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventKind names an event carried by the real-time channel.
type EventKind string

const (
	EventNewMessage       EventKind = "new_message"
	EventMessageDelivered EventKind = "message_delivered"
	EventMessageRead      EventKind = "message_read"
	EventTyping           EventKind = "typing"
	EventStopTyping       EventKind = "stop_typing"
	EventError            EventKind = "error"

	// Raised locally by the channel, never received from the server.
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
)

// Envelope is the wire wrapper for every channel event.
type Envelope struct {
	Type           EventKind       `json:"type"`
	ConversationID string          `json:"chatId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// Event is a decoded envelope handed to subscribers.
type Event struct {
	Kind           EventKind
	ConversationID string
	Payload        json.RawMessage
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("event %s: empty payload", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("event %s: %w", e.Kind, err)
	}
	return nil
}

// StatusPayload reports that a message was delivered to or read by a user.
type StatusPayload struct {
	MessageID      string   `json:"messageId"`
	ConversationID string   `json:"chatId"`
	UserID         string   `json:"userId,omitempty"`
	Timestamp      WireTime `json:"timestamp"`
}

// TypingPayload is carried by typing and stop_typing events in both directions.
type TypingPayload struct {
	ConversationID string `json:"chatId"`
	UserID         string `json:"userId"`
	DisplayName    string `json:"displayName,omitempty"`
	IsRecording    bool   `json:"isRecording"`
}

// ErrorPayload is sent by the server when it rejects a channel frame.
type ErrorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

const rfc3339Milli = "2006-01-02T15:04:05.000Z"

var wireTimeLayouts = []string{
	time.RFC3339Nano,
	rfc3339Milli,
	"2006-01-02T15:04:05Z",
	time.RFC3339,
}

// WireTime accepts the timestamp spellings servers send and always emits
// RFC 3339 in UTC.
type WireTime time.Time

func (t WireTime) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return []byte(`"` + time.Time(t).UTC().Format(time.RFC3339Nano) + `"`), nil
}

func (t *WireTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		*t = WireTime(time.Time{})
		return nil
	}
	var err error
	for _, layout := range wireTimeLayouts {
		var parsed time.Time
		if parsed, err = time.Parse(layout, s); err == nil {
			*t = WireTime(parsed)
			return nil
		}
	}
	return fmt.Errorf("WireTime: cannot parse %q: %w", s, err)
}

// Time returns the wrapped time.
func (t WireTime) Time() time.Time { return time.Time(t) }

// Or returns the wrapped time, or fallback when it is zero.
func (t WireTime) Or(fallback time.Time) time.Time {
	if time.Time(t).IsZero() {
		return fallback
	}
	return time.Time(t)
}
