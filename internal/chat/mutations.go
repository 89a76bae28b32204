package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"histeeria-chatsync/internal/clock"
	"histeeria-chatsync/internal/e2e"
	"histeeria-chatsync/internal/logging"
	"histeeria-chatsync/internal/metrics"
	"histeeria-chatsync/internal/models"
	"histeeria-chatsync/internal/store"

	"go.uber.org/zap"
)

var (
	ErrMutationFailed = errors.New("mutation failed")
	ErrNotConfirmed   = errors.New("message is not confirmed by the server yet")
)

// MutationAPI covers the server calls behind user mutations.
type MutationAPI interface {
	EditMessage(ctx context.Context, id, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	React(ctx context.Context, id, emoji string) (models.ReactionResult, error)
	Pin(ctx context.Context, id string) error
	Unpin(ctx context.Context, id string) error
	Star(ctx context.Context, id string) error
	Unstar(ctx context.Context, id string) error
	Forward(ctx context.Context, id, targetConversationID string) (models.Message, error)
}

// MutatorOptions wires a Mutator. Store and API are required.
type MutatorOptions struct {
	Store   store.MessageStore
	API     MutationAPI
	Codec   e2e.Codec
	Clock   clock.Clock
	Logger  *zap.Logger
	Metrics *metrics.Collector
	SelfID  string
	Notify  func(models.Notice)
}

// Mutator applies user mutations optimistically and rolls back exactly the
// fields it touched when the server rejects them.
type Mutator struct {
	store   store.MessageStore
	api     MutationAPI
	codec   e2e.Codec
	clock   clock.Clock
	logger  *zap.Logger
	metrics *metrics.Collector
	selfID  string
	notify  func(models.Notice)
}

func NewMutator(opts MutatorOptions) *Mutator {
	m := &Mutator{
		store:   opts.Store,
		api:     opts.API,
		codec:   opts.Codec,
		clock:   opts.Clock,
		logger:  logging.OrNop(opts.Logger),
		metrics: opts.Metrics,
		selfID:  opts.SelfID,
		notify:  opts.Notify,
	}
	if m.codec == nil {
		m.codec = e2e.Plain{}
	}
	if m.clock == nil {
		m.clock = clock.Real()
	}
	if m.notify == nil {
		m.notify = func(models.Notice) {}
	}
	return m
}

func (m *Mutator) confirmed(key string) (models.Message, error) {
	msg, ok := m.store.Find(key)
	if !ok {
		return models.Message{}, store.ErrMessageNotFound
	}
	if msg.ID == "" {
		return msg, ErrNotConfirmed
	}
	return msg, nil
}

// Edit replaces the content of one of the user's messages.
func (m *Mutator) Edit(ctx context.Context, key, content string) (models.Message, error) {
	if strings.TrimSpace(content) == "" {
		return models.Message{}, ErrEmptyMessage
	}
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	prevContent, prevEdited := msg.Content, msg.EditedAt
	now := m.clock.Now()

	if _, err := m.store.Apply(msg.ID, func(cur *models.Message) {
		cur.Content = content
		cur.EditedAt = &now
	}); err != nil {
		return msg, err
	}

	encoded, err := m.codec.Encode(msg.ConversationID, content)
	if err != nil {
		m.logger.Warn("Mutator: encode failed, sending plaintext",
			zap.String("conversation_id", msg.ConversationID), zap.String("id", msg.ID), zap.Error(err))
		encoded = content
	}
	resp, err := m.api.EditMessage(ctx, msg.ID, encoded)
	if err != nil {
		m.rollback(msg.ID, func(cur *models.Message) {
			if cur.Content == content && cur.EditedAt != nil && cur.EditedAt.Equal(now) {
				cur.Content = prevContent
				cur.EditedAt = prevEdited
			}
		})
		return m.failed(msg, "edit", err)
	}

	updated, err := m.store.Apply(msg.ID, func(cur *models.Message) {
		if resp.EditedAt != nil {
			cur.EditedAt = resp.EditedAt
		}
	})
	m.metrics.Mutation("edit", "ok")
	return updated, err
}

// Delete removes a message on the server. The local entry is dropped only
// once the server confirms.
func (m *Mutator) Delete(ctx context.Context, key string) (models.Message, error) {
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	if err := m.api.DeleteMessage(ctx, msg.ID); err != nil {
		return m.failed(msg, "delete", err)
	}
	removed, ok := m.store.RemoveByID(msg.ID)
	if !ok {
		removed = msg
	}
	m.metrics.Mutation("delete", "ok")
	return removed, nil
}

// React toggles the user's emoji on a message.
func (m *Mutator) React(ctx context.Context, key, emoji string) (models.Message, error) {
	if strings.TrimSpace(emoji) == "" {
		return models.Message{}, fmt.Errorf("%w: empty emoji", ErrMutationFailed)
	}
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	now := m.clock.Now()
	var present bool
	if _, err := m.store.Apply(msg.ID, func(cur *models.Message) {
		var removed bool
		cur.Reactions, removed = models.ToggleReaction(cur.Reactions, m.selfID, emoji, now)
		present = !removed
	}); err != nil {
		return msg, err
	}

	res, err := m.api.React(ctx, msg.ID, emoji)
	if err != nil {
		m.rollback(msg.ID, func(cur *models.Message) {
			if models.HasReaction(cur.Reactions, m.selfID, emoji) == present {
				cur.Reactions, _ = models.ToggleReaction(cur.Reactions, m.selfID, emoji, now)
			}
		})
		return m.failed(msg, "react", err)
	}

	// The server decides the final state of the toggle.
	updated, err := m.store.Apply(msg.ID, func(cur *models.Message) {
		kept := make([]models.Reaction, 0, len(cur.Reactions)+1)
		for _, r := range cur.Reactions {
			if r.UserID == m.selfID && r.Emoji == emoji {
				continue
			}
			kept = append(kept, r)
		}
		if !res.Removed {
			r := models.Reaction{UserID: m.selfID, Emoji: emoji, CreatedAt: now}
			if res.Reaction != nil {
				r = *res.Reaction
			}
			kept = append(kept, r)
		}
		cur.Reactions = kept
	})
	m.metrics.Mutation("react", "ok")
	return updated, err
}

// SetPinned pins or unpins a message.
func (m *Mutator) SetPinned(ctx context.Context, key string, pinned bool) (models.Message, error) {
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	prevPinned, prevAt := msg.Pinned, msg.PinnedAt
	now := m.clock.Now()
	if _, err := m.store.Apply(msg.ID, func(cur *models.Message) {
		cur.Pinned = pinned
		if pinned {
			cur.PinnedAt = &now
		} else {
			cur.PinnedAt = nil
		}
	}); err != nil {
		return msg, err
	}

	op, call := "unpin", m.api.Unpin
	if pinned {
		op, call = "pin", m.api.Pin
	}
	if err := call(ctx, msg.ID); err != nil {
		m.rollback(msg.ID, func(cur *models.Message) {
			if cur.Pinned == pinned {
				cur.Pinned = prevPinned
				cur.PinnedAt = prevAt
			}
		})
		return m.failed(msg, op, err)
	}
	m.metrics.Mutation(op, "ok")
	updated, _ := m.store.Find(msg.ID)
	return updated, nil
}

// SetStarred stars or unstars a message.
func (m *Mutator) SetStarred(ctx context.Context, key string, starred bool) (models.Message, error) {
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	prev := msg.Starred
	if _, err := m.store.Apply(msg.ID, func(cur *models.Message) { cur.Starred = starred }); err != nil {
		return msg, err
	}

	op, call := "unstar", m.api.Unstar
	if starred {
		op, call = "star", m.api.Star
	}
	if err := call(ctx, msg.ID); err != nil {
		m.rollback(msg.ID, func(cur *models.Message) {
			if cur.Starred == starred {
				cur.Starred = prev
			}
		})
		return m.failed(msg, op, err)
	}
	m.metrics.Mutation(op, "ok")
	updated, _ := m.store.Find(msg.ID)
	return updated, nil
}

// Forward copies a message into another conversation. The copy enters the
// store only once the server has created it.
func (m *Mutator) Forward(ctx context.Context, key, targetConversationID string) (models.Message, error) {
	if targetConversationID == "" {
		return models.Message{}, fmt.Errorf("%w: missing target conversation", ErrMutationFailed)
	}
	msg, err := m.confirmed(key)
	if err != nil {
		return msg, err
	}
	resp, err := m.api.Forward(ctx, msg.ID, targetConversationID)
	if err != nil {
		return m.failed(msg, "forward", err)
	}
	if resp.ConversationID == "" {
		resp.ConversationID = targetConversationID
	}
	resp.Forwarded = true
	if decoded, err := m.codec.Decode(resp.ConversationID, resp.Content); err == nil {
		resp.Content = decoded
	}
	stored, _ := m.store.Upsert(resp)
	m.metrics.Mutation("forward", "ok")
	return stored, nil
}

func (m *Mutator) rollback(id string, fn func(*models.Message)) {
	if _, err := m.store.Apply(id, fn); err != nil {
		// Gone already, e.g. deleted by a concurrent event.
		m.logger.Debug("Mutator: nothing to roll back", zap.String("id", id), zap.Error(err))
	}
}

func (m *Mutator) failed(msg models.Message, op string, cause error) (models.Message, error) {
	m.metrics.Mutation(op, "failed")
	m.logger.Warn("Mutator: mutation rejected", zap.String("op", op), zap.String("id", msg.ID), zap.Error(cause))
	cur, ok := m.store.Find(msg.ID)
	if !ok {
		cur = msg
	}
	m.notify(models.Notice{
		Kind:           models.NoticeMutationFailed,
		ConversationID: msg.ConversationID,
		MessageKey:     msg.ID,
		Op:             op,
		Detail:         cause.Error(),
		Message:        &cur,
	})
	return cur, fmt.Errorf("%w: %s: %w", ErrMutationFailed, op, cause)
}
