package worker

import (
	"sync"

	"tontoo/internal/models"
)

// userState caches one user's conversations in memory. It is written by the
// user's worker goroutine and purged by redis invalidations.
type userState struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
}

func newUserState() *userState {
	return &userState{
		conversations: make(map[string]*models.Conversation),
	}
}

func (s *userState) get(id string) *models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conversations[id]
}

func (s *userState) set(conv *models.Conversation) {
	if conv == nil {
		return
	}
	s.mu.Lock()
	s.conversations[conv.ID] = conv
	s.mu.Unlock()
}

func (s *userState) purge(id string) {
	s.mu.Lock()
	delete(s.conversations, id)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.conversations = make(map[string]*models.Conversation)
	s.mu.Unlock()
}

func (s *userState) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}
