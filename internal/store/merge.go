package store

import (
	"time"

	"histeeria-chatsync/internal/models"
)

// merge folds in into dst. Server-confirmed fields (id, created_at,
// delivered_at, read_at, the star/pin/forward flags) win over optimistic
// values; delivered/read timestamps and the happy-path send state never move
// backwards.
func merge(dst *models.Message, in models.Message) {
	confirmed := in.ID != ""

	if dst.ID == "" {
		dst.ID = in.ID
	}
	if dst.TempID == "" {
		dst.TempID = in.TempID
	}
	if dst.ConversationID == "" {
		dst.ConversationID = in.ConversationID
	}
	if dst.SenderID == "" {
		dst.SenderID = in.SenderID
	}
	if in.Content != "" {
		dst.Content = in.Content
	}
	if in.Kind != "" {
		dst.Kind = in.Kind
	}
	if in.Attachment != nil {
		dst.Attachment = in.Attachment
	}
	if in.ReplyToID != "" {
		dst.ReplyToID = in.ReplyToID
	}
	if in.Sender != nil {
		dst.Sender = in.Sender
	}
	if confirmed {
		dst.Forwarded = in.Forwarded
		dst.Starred = in.Starred
		dst.Pinned = in.Pinned || in.PinnedAt != nil
		dst.PinnedAt = in.PinnedAt
	} else {
		dst.Forwarded = dst.Forwarded || in.Forwarded
		dst.Starred = dst.Starred || in.Starred
		if in.PinnedAt != nil {
			dst.PinnedAt = in.PinnedAt
			dst.Pinned = true
		}
	}

	if !in.CreatedAt.IsZero() && (confirmed || dst.CreatedAt.IsZero()) {
		dst.CreatedAt = in.CreatedAt
	}
	dst.DeliveredAt = earliest(dst.DeliveredAt, in.DeliveredAt)
	dst.ReadAt = earliest(dst.ReadAt, in.ReadAt)
	if in.EditedAt != nil && (dst.EditedAt == nil || in.EditedAt.After(*dst.EditedAt)) {
		dst.EditedAt = in.EditedAt
	}
	if in.Reactions != nil {
		dst.Reactions = in.Reactions
	}
	if statusRank(in.Status) > statusRank(dst.Status) {
		dst.Status = in.Status
	}

	next := in.SendState
	if next == "" && confirmed {
		next = models.SendStateFor(in.Status)
	}
	dst.SendState = dst.SendState.Advance(next)
	if dst.ID != "" {
		if dst.DeliveredAt != nil {
			dst.SendState = dst.SendState.Advance(models.StateDelivered)
		}
		if dst.ReadAt != nil {
			dst.SendState = dst.SendState.Advance(models.StateRead)
		}
	}

	if dst.SendState != models.StateFailed {
		dst.SendError = ""
	} else if in.SendError != "" {
		dst.SendError = in.SendError
	}
}

// applyMark records a delivered or read receipt. Read implies delivered.
func applyMark(m *models.Message, state models.SendState, at time.Time) {
	switch state {
	case models.StateDelivered:
		m.DeliveredAt = earliest(m.DeliveredAt, &at)
		if statusRank(models.StatusDelivered) > statusRank(m.Status) {
			m.Status = models.StatusDelivered
		}
	case models.StateRead:
		m.DeliveredAt = earliest(m.DeliveredAt, &at)
		m.ReadAt = earliest(m.ReadAt, &at)
		m.Status = models.StatusRead
	default:
		return
	}
	if m.SendState.Retriable() {
		// A receipt proves the server has the message; a stale failure must not stick.
		m.SendState = models.StateSent
	}
	m.SendState = m.SendState.Advance(state)
	if m.SendState != models.StateFailed {
		m.SendError = ""
	}
}

func earliest(cur, in *time.Time) *time.Time {
	switch {
	case cur == nil && in == nil:
		return nil
	case cur == nil:
		t := *in
		return &t
	case in == nil || !in.Before(*cur):
		return cur
	default:
		t := *in
		return &t
	}
}

func statusRank(s models.MessageStatus) int {
	switch s {
	case models.StatusSent:
		return 1
	case models.StatusDelivered:
		return 2
	case models.StatusRead:
		return 3
	}
	return 0
}

// boundedIndex is a map that forgets its oldest keys past a fixed size.
type boundedIndex[V any] struct {
	capacity int
	order    []string
	items    map[string]V
}

func newBoundedIndex[V any](capacity int) *boundedIndex[V] {
	return &boundedIndex[V]{capacity: capacity, items: make(map[string]V, capacity)}
}

func (b *boundedIndex[V]) get(key string) (V, bool) {
	v, ok := b.items[key]
	return v, ok
}

func (b *boundedIndex[V]) put(key string, v V) {
	if _, ok := b.items[key]; !ok {
		b.order = append(b.order, key)
	}
	b.items[key] = v
	for len(b.order) > b.capacity {
		oldest := b.order[0]
		b.order = b.order[1:]
		delete(b.items, oldest)
	}
}

func (b *boundedIndex[V]) take(key string) (V, bool) {
	v, ok := b.items[key]
	if ok {
		delete(b.items, key)
		for i, k := range b.order {
			if k == key {
				b.order = append(b.order[:i], b.order[i+1:]...)
				break
			}
		}
	}
	return v, ok
}
