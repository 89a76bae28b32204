package models

import (
	"time"
)

// MessageStatus is the delivery state reported by the server.
type MessageStatus string

const (
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
)

// SendState is the client-only lifecycle of a message. It is never sent to peers.
type SendState string

const (
	StateComposing SendState = "composing"
	StateSending   SendState = "sending"
	StateSent      SendState = "sent"
	StateDelivered SendState = "delivered"
	StateRead      SendState = "read"
	StateFailed    SendState = "failed"
	StateQueued    SendState = "queued"
)

// rank orders the happy path. Off-path states rank zero.
func (s SendState) rank() int {
	switch s {
	case StateSending:
		return 1
	case StateSent:
		return 2
	case StateDelivered:
		return 3
	case StateRead:
		return 4
	}
	return 0
}

// Confirmed reports whether the state implies the server accepted the message.
func (s SendState) Confirmed() bool {
	return s.rank() >= StateSent.rank()
}

// Retriable reports whether an explicit retry may move the message back to sending.
func (s SendState) Retriable() bool {
	return s == StateFailed || s == StateQueued
}

// Advance merges next into s. A confirmed state never regresses and the happy
// path only moves forward; unconfirmed states follow next.
func (s SendState) Advance(next SendState) SendState {
	if next == "" {
		return s
	}
	if s.Confirmed() {
		if next.rank() > s.rank() {
			return next
		}
		return s
	}
	return next
}

// SendStateFor maps a server status onto the client lifecycle.
func SendStateFor(status MessageStatus) SendState {
	switch status {
	case StatusDelivered:
		return StateDelivered
	case StatusRead:
		return StateRead
	default:
		return StateSent
	}
}

// Kind is the content kind of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindImage Kind = "image"
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
	KindFile  Kind = "file"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindImage, KindAudio, KindVideo, KindFile:
		return true
	}
	return false
}

// Attachment describes uploaded media referenced by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// LocalFile is an attachment that still has to be uploaded.
type LocalFile struct {
	Path     string `json:"path"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
	Kind     Kind   `json:"kind"`
}

// Message is a chat message as held by the local store.
type Message struct {
	ID             string      `json:"id,omitempty"`
	TempID         string      `json:"clientTempId,omitempty"`
	ConversationID string      `json:"chatId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Kind           Kind        `json:"kind,omitempty"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	ReplyToID      string      `json:"replyToId,omitempty"`
	Forwarded      bool        `json:"forwarded,omitempty"`

	CreatedAt   time.Time  `json:"timestamp"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ReadAt      *time.Time `json:"readAt,omitempty"`
	EditedAt    *time.Time `json:"editedAt,omitempty"`
	PinnedAt    *time.Time `json:"pinnedAt,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`
	Starred   bool       `json:"starred,omitempty"`
	Pinned    bool       `json:"pinned,omitempty"`

	Status MessageStatus `json:"status,omitempty"`

	SendState SendState `json:"sendState,omitempty"`
	SendError string    `json:"sendError,omitempty"`

	Sender *PublicUser `json:"sender,omitempty"`
}

// Key returns the identity the message is currently known by.
func (m *Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.TempID
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	if m.Attachment != nil {
		a := *m.Attachment
		m.Attachment = &a
	}
	if m.Reactions != nil {
		m.Reactions = append([]Reaction(nil), m.Reactions...)
	}
	if m.Sender != nil {
		s := *m.Sender
		m.Sender = &s
	}
	return m
}

// Reaction is one emoji left by one user. A message holds at most one
// reaction per user and emoji.
type Reaction struct {
	UserID    string    `json:"userId"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToggleReaction adds the reaction, or removes it when the user already used
// that emoji. The input slice is not modified.
func ToggleReaction(reactions []Reaction, userID, emoji string, at time.Time) ([]Reaction, bool) {
	out := make([]Reaction, 0, len(reactions)+1)
	removed := false
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if !removed {
		out = append(out, Reaction{UserID: userID, Emoji: emoji, CreatedAt: at})
	}
	return out, removed
}

// HasReaction reports whether userID reacted with emoji.
func HasReaction(reactions []Reaction, userID, emoji string) bool {
	for _, r := range reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}
