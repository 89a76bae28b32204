package store

import (
	"errors"
	"sync"
	"time"

	"histeeria-chatsync/internal/models"
)

// ErrMessageNotFound is returned when no entry resolves to the given key.
var ErrMessageNotFound = errors.New("message not found")

// DefaultRetiredCapacity bounds how many confirmed temp ids are remembered.
const DefaultRetiredCapacity = 1024

// MessageStore is the single shared collection of messages. Every writer goes
// through it so identity resolution and field authority are applied the same
// way regardless of where an update came from.
type MessageStore interface {
	// Upsert resolves the message by temp id, then id, and merges it into the
	// existing entry or inserts it. It reports whether a new entry was created.
	Upsert(msg models.Message) (models.Message, bool)
	// RemoveByID removes the entry known by key (id or temp id).
	RemoveByID(key string) (models.Message, bool)
	// Find looks an entry up by id, temp id, or retired temp id.
	Find(key string) (models.Message, bool)
	// ReplaceAll loads a conversation's history. Unconfirmed local entries survive.
	ReplaceAll(conversationID string, msgs []models.Message)
	// Apply runs fn against the entry known by key as one atomic mutation.
	// Identity fields cannot be changed by fn.
	Apply(key string, fn func(*models.Message)) (models.Message, error)
	// MarkStatus advances delivered/read monotonically. Unknown ids are parked
	// and applied once the id appears.
	MarkStatus(id string, state models.SendState, at time.Time) (models.Message, bool)
	// Messages returns a snapshot of a conversation in store order.
	Messages(conversationID string) []models.Message

	Unread(conversationID string) int
	SetUnread(conversationID string, n int)
	IncrementUnread(conversationID string) int
	// RemoveConversation drops every entry of a conversation on teardown.
	RemoveConversation(conversationID string) int
}

type entry struct {
	msg models.Message
}

type conversation struct {
	entries []*entry
	unread  int
}

type statusMark struct {
	delivered *time.Time
	read      *time.Time
}

// MemoryMessageStore implements MessageStore in memory. Each method holds the
// lock for its whole duration, so calls never interleave.
type MemoryMessageStore struct {
	mu sync.RWMutex

	byID   map[string]*entry
	byTemp map[string]*entry
	convs  map[string]*conversation

	retired *boundedIndex[string]
	pending *boundedIndex[statusMark]
}

// NewMemoryMessageStore returns an empty store remembering up to capacity
// retired temp ids and parked status updates.
func NewMemoryMessageStore(capacity int) *MemoryMessageStore {
	if capacity <= 0 {
		capacity = DefaultRetiredCapacity
	}
	return &MemoryMessageStore{
		byID:    make(map[string]*entry),
		byTemp:  make(map[string]*entry),
		convs:   make(map[string]*conversation),
		retired: newBoundedIndex[string](capacity),
		pending: newBoundedIndex[statusMark](capacity),
	}
}

func (s *MemoryMessageStore) Upsert(msg models.Message) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, created := s.upsertLocked(msg.Clone())
	return e.msg.Clone(), created
}

func (s *MemoryMessageStore) upsertLocked(in models.Message) (*entry, bool) {
	e := s.resolveLocked(in.TempID, in.ID)
	if e == nil {
		if in.ID != "" && in.SendState == "" {
			in.SendState = models.SendStateFor(in.Status)
		}
		e = &entry{msg: in}
		s.insertLocked(e)
		s.indexLocked(e)
		s.applyPendingLocked(e)
		return e, true
	}

	// The event channel can deliver a confirmed copy before the send ack
	// reconciles the temp entry; fold the two into one.
	if in.ID != "" && e.msg.ID == "" {
		if dup, ok := s.byID[in.ID]; ok && dup != e {
			s.detachLocked(dup)
			merge(&e.msg, dup.msg)
		}
	}
	merge(&e.msg, in)
	s.indexLocked(e)
	s.applyPendingLocked(e)
	return e, false
}

func (s *MemoryMessageStore) RemoveByID(key string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil {
		return models.Message{}, false
	}
	s.detachLocked(e)
	return e.msg.Clone(), true
}

func (s *MemoryMessageStore) Find(key string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e := s.lookupLocked(key)
	if e == nil {
		return models.Message{}, false
	}
	return e.msg.Clone(), true
}

func (s *MemoryMessageStore) ReplaceAll(conversationID string, msgs []models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.convs[conversationID]; ok {
		for _, e := range append([]*entry(nil), c.entries...) {
			if isLocalOnly(e.msg) {
				continue
			}
			s.detachLocked(e)
		}
	}
	for _, m := range msgs {
		m = m.Clone()
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		s.upsertLocked(m)
	}
}

func (s *MemoryMessageStore) Apply(key string, fn func(*models.Message)) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(key)
	if e == nil {
		return models.Message{}, ErrMessageNotFound
	}
	id, tempID, conv := e.msg.ID, e.msg.TempID, e.msg.ConversationID
	fn(&e.msg)
	e.msg.ID, e.msg.TempID, e.msg.ConversationID = id, tempID, conv
	if e.msg.SendState != models.StateFailed {
		e.msg.SendError = ""
	}
	return e.msg.Clone(), nil
}

func (s *MemoryMessageStore) MarkStatus(id string, state models.SendState, at time.Time) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.lookupLocked(id)
	if e == nil {
		mark, _ := s.pending.get(id)
		switch state {
		case models.StateDelivered:
			mark.delivered = earliest(mark.delivered, &at)
		case models.StateRead:
			mark.read = earliest(mark.read, &at)
		default:
			return models.Message{}, false
		}
		s.pending.put(id, mark)
		return models.Message{}, false
	}
	applyMark(&e.msg, state, at)
	return e.msg.Clone(), true
}

func (s *MemoryMessageStore) Messages(conversationID string) []models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return []models.Message{}
	}
	out := make([]models.Message, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.msg.Clone())
	}
	return out
}

func (s *MemoryMessageStore) Unread(conversationID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.convs[conversationID]; ok {
		return c.unread
	}
	return 0
}

func (s *MemoryMessageStore) SetUnread(conversationID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 0 {
		n = 0
	}
	s.conversationLocked(conversationID).unread = n
}

func (s *MemoryMessageStore) IncrementUnread(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversationLocked(conversationID)
	c.unread++
	return c.unread
}

func (s *MemoryMessageStore) RemoveConversation(conversationID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return 0
	}
	n := len(c.entries)
	for _, e := range append([]*entry(nil), c.entries...) {
		s.detachLocked(e)
	}
	delete(s.convs, conversationID)
	return n
}

func (s *MemoryMessageStore) conversationLocked(id string) *conversation {
	c, ok := s.convs[id]
	if !ok {
		c = &conversation{}
		s.convs[id] = c
	}
	return c
}

func (s *MemoryMessageStore) lookupLocked(key string) *entry {
	if key == "" {
		return nil
	}
	if e, ok := s.byID[key]; ok {
		return e
	}
	return s.resolveLocked(key, "")
}

func (s *MemoryMessageStore) resolveLocked(tempID, id string) *entry {
	if tempID != "" {
		if e, ok := s.byTemp[tempID]; ok {
			return e
		}
		if confirmed, ok := s.retired.get(tempID); ok {
			if e, ok := s.byID[confirmed]; ok {
				return e
			}
		}
	}
	if id != "" {
		if e, ok := s.byID[id]; ok {
			return e
		}
	}
	return nil
}

// insertLocked keeps insertion order merged by CreatedAt: a message older than
// the tail slides back past newer entries, everything else appends.
func (s *MemoryMessageStore) insertLocked(e *entry) {
	c := s.conversationLocked(e.msg.ConversationID)
	i := len(c.entries)
	for i > 0 && c.entries[i-1].msg.CreatedAt.After(e.msg.CreatedAt) {
		i--
	}
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
}

func (s *MemoryMessageStore) indexLocked(e *entry) {
	m := &e.msg
	if m.ID == "" {
		if m.TempID != "" {
			s.byTemp[m.TempID] = e
		}
		return
	}
	s.byID[m.ID] = e
	if m.TempID != "" {
		if cur, ok := s.byTemp[m.TempID]; ok && cur == e {
			delete(s.byTemp, m.TempID)
		}
		s.retired.put(m.TempID, m.ID)
	}
}

func (s *MemoryMessageStore) detachLocked(e *entry) {
	if e.msg.ID != "" && s.byID[e.msg.ID] == e {
		delete(s.byID, e.msg.ID)
	}
	if e.msg.TempID != "" && s.byTemp[e.msg.TempID] == e {
		delete(s.byTemp, e.msg.TempID)
	}
	c, ok := s.convs[e.msg.ConversationID]
	if !ok {
		return
	}
	for i, cur := range c.entries {
		if cur == e {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
}

func (s *MemoryMessageStore) applyPendingLocked(e *entry) {
	if e.msg.ID == "" {
		return
	}
	mark, ok := s.pending.take(e.msg.ID)
	if !ok {
		return
	}
	if mark.delivered != nil {
		applyMark(&e.msg, models.StateDelivered, *mark.delivered)
	}
	if mark.read != nil {
		applyMark(&e.msg, models.StateRead, *mark.read)
	}
}

func isLocalOnly(m models.Message) bool {
	if m.ID != "" {
		return false
	}
	switch m.SendState {
	case models.StateComposing, models.StateSending, models.StateQueued, models.StateFailed:
		return true
	}
	return false
}
