package websocket

import (
	"encoding/json"

	"histeeria-chatsync/internal/models"
)

// Frame types older servers send instead of the split delivered/read and
// typing/stop_typing events.
const (
	MessageTypeMessageSentAck      = "message_sent_ack"
	MessageTypeMessageStatusUpdate = "message_status_update"
	MessageTypeTypingIndicator     = "typing_indicator"
)

// outboundMessage is the wire form of an emitted frame.
type outboundMessage struct {
	Type           models.EventKind `json:"type"`
	ConversationID string           `json:"chatId,omitempty"`
	Payload        interface{}      `json:"payload,omitempty"`
}

// MessageSentAckPayload confirms a message sent over the channel.
type MessageSentAckPayload struct {
	ClientTempID string               `json:"clientTempId,omitempty"`
	ServerMsgID  string               `json:"serverMsgId"`
	ChatID       string               `json:"chatId"`
	Timestamp    models.WireTime      `json:"timestamp"`
	Status       models.MessageStatus `json:"status"`
}

// MessageStatusUpdatePayload reports delivered or read in one frame type.
type MessageStatusUpdatePayload struct {
	MessageID string               `json:"messageId"`
	ChatID    string               `json:"chatId"`
	Status    models.MessageStatus `json:"status"`
	UserID    string               `json:"userId,omitempty"`
	Timestamp models.WireTime      `json:"timestamp"`
}

// TypingIndicatorPayload reports typing started or stopped in one frame type.
type TypingIndicatorPayload struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	IsTyping    bool   `json:"isTyping"`
	IsRecording bool   `json:"isRecording,omitempty"`
}

// normalize maps a received envelope onto the event kinds subscribers use.
// It returns false for frames that carry nothing a subscriber can act on.
func (c *Channel) normalize(env models.Envelope) (models.Event, bool) {
	ev := models.Event{Kind: env.Type, ConversationID: env.ConversationID, Payload: env.Payload}

	switch env.Type {
	case MessageTypeMessageStatusUpdate:
		var p MessageStatusUpdatePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, false
		}
		switch p.Status {
		case models.StatusDelivered:
			ev.Kind = models.EventMessageDelivered
		case models.StatusRead:
			ev.Kind = models.EventMessageRead
		default:
			return ev, false
		}
		return withPayload(ev, models.StatusPayload{
			MessageID:      p.MessageID,
			ConversationID: p.ChatID,
			UserID:         p.UserID,
			Timestamp:      p.Timestamp,
		})

	case MessageTypeTypingIndicator:
		var p TypingIndicatorPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return ev, false
		}
		ev.Kind = models.EventStopTyping
		if p.IsTyping || p.IsRecording {
			ev.Kind = models.EventTyping
		}
		return withPayload(ev, models.TypingPayload{
			ConversationID: p.ChatID,
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			IsRecording:    p.IsRecording,
		})

	case MessageTypeMessageSentAck:
		// An ack is our own message confirmed; without our id it cannot be
		// told apart from someone else's.
		var p MessageSentAckPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil || p.ServerMsgID == "" || c.selfID == "" {
			return ev, false
		}
		ev.Kind = models.EventNewMessage
		return withPayload(ev, models.Message{
			ID:             p.ServerMsgID,
			TempID:         p.ClientTempID,
			ConversationID: p.ChatID,
			SenderID:       c.selfID,
			CreatedAt:      p.Timestamp.Time(),
			Status:         p.Status,
		})
	}
	return ev, env.Type != ""
}

func withPayload(ev models.Event, payload interface{}) (models.Event, bool) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ev, false
	}
	ev.Payload = raw
	return ev, true
}
