package realtime

import (
	"sort"
	"sync"

	"histeeria-chatsync/internal/models"
)

// TypingSet is the ephemeral per-conversation set of users currently typing
// or recording. It is owned by a Reconciler and handed out by reference.
type TypingSet struct {
	mu     sync.RWMutex
	byConv map[string]map[string]models.TypingUser
}

func NewTypingSet() *TypingSet {
	return &TypingSet{byConv: make(map[string]map[string]models.TypingUser)}
}

// Users returns the typing users of a conversation ordered by user id.
func (s *TypingSet) Users(conversationID string) []models.TypingUser {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := s.byConv[conversationID]
	out := make([]models.TypingUser, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (s *TypingSet) put(conversationID string, u models.TypingUser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byConv[conversationID]
	if !ok {
		users = make(map[string]models.TypingUser)
		s.byConv[conversationID] = users
	}
	if cur, ok := users[u.UserID]; ok && cur == u {
		return false
	}
	users[u.UserID] = u
	return true
}

func (s *TypingSet) remove(conversationID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	users, ok := s.byConv[conversationID]
	if !ok {
		return false
	}
	if _, ok := users[userID]; !ok {
		return false
	}
	delete(users, userID)
	if len(users) == 0 {
		delete(s.byConv, conversationID)
	}
	return true
}

// clear empties the set and returns the conversations that had entries.
func (s *TypingSet) clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]string, 0, len(s.byConv))
	for id := range s.byConv {
		convs = append(convs, id)
	}
	s.byConv = make(map[string]map[string]models.TypingUser)
	return convs
}
