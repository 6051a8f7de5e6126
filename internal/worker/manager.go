package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tontoo/internal/chatstore"
	"tontoo/internal/models"
	"tontoo/internal/redis"

	"github.com/google/uuid"
)

const defaultIdleTimeout = 10 * time.Minute

// Manager is the conversation store. Every read-modify-write for a user runs
// on that user's worker goroutine, so concurrent connections of the same user
// cannot lose each other's updates.
type Manager struct {
	backend     chatstore.Backend
	cache       *stateRedis
	origin      string
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	workers map[int64]*userWorker
	cancel  context.CancelFunc
}

// NewManager builds the store. cacheClient may be nil.
func NewManager(backend chatstore.Backend, cacheClient *redis.Client) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		backend:     backend,
		cache:       newStateCache(cacheClient),
		origin:      uuid.NewString(),
		idleTimeout: defaultIdleTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		workers:     make(map[int64]*userWorker),
		cancel:      cancel,
	}
	m.cache.startListener(ctx, m.handleInvalidation)
	return m
}

// Load returns the conversation, creating an empty one when it does not exist.
func (m *Manager) Load(ctx context.Context, userID int64, id string) (*models.Conversation, error) {
	if !chatstore.ValidID(id) {
		return nil, chatstore.ErrInvalidID
	}
	var out *models.Conversation
	err := m.do(ctx, userID, func(st *userState) error {
		conv, err := m.loadOrCreate(ctx, st, userID, id, true)
		if err != nil {
			return err
		}
		out = conv.Clone()
		return nil
	})
	return out, err
}

// Append adds one turn. The first turn names the conversation.
func (m *Manager) Append(ctx context.Context, userID int64, id string, turn models.Turn) (*models.Conversation, error) {
	if !chatstore.ValidID(id) {
		return nil, chatstore.ErrInvalidID
	}
	var out *models.Conversation
	err := m.do(ctx, userID, func(st *userState) error {
		conv, err := m.loadOrCreate(ctx, st, userID, id, false)
		if err != nil {
			return err
		}
		next := conv.Clone()
		now := m.now()
		if turn.CreatedAt.IsZero() {
			turn.CreatedAt = now
		}
		next.Turns = append(next.Turns, turn)
		if len(next.Turns) == 1 && (next.Name == "" || next.Name == chatstore.DefaultName) {
			next.Name = chatstore.DisplayName(turn.Content)
		}
		next.UpdatedAt = now
		if err := m.store(ctx, st, next); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	return out, err
}

// Reset clears all turns, keeping the id and name.
func (m *Manager) Reset(ctx context.Context, userID int64, id string) (*models.Conversation, error) {
	if !chatstore.ValidID(id) {
		return nil, chatstore.ErrInvalidID
	}
	var out *models.Conversation
	err := m.do(ctx, userID, func(st *userState) error {
		conv, err := m.loadOrCreate(ctx, st, userID, id, false)
		if err != nil {
			return err
		}
		next := conv.Clone()
		next.Turns = []models.Turn{}
		next.UpdatedAt = m.now()
		if err := m.store(ctx, st, next); err != nil {
			return err
		}
		out = next.Clone()
		return nil
	})
	return out, err
}

// Delete removes the conversation and reports whether it existed.
func (m *Manager) Delete(ctx context.Context, userID int64, id string) (bool, error) {
	if !chatstore.ValidID(id) {
		return false, chatstore.ErrInvalidID
	}
	var existed bool
	err := m.do(ctx, userID, func(st *userState) error {
		var err error
		existed, err = m.backend.Delete(ctx, userID, id)
		if err != nil {
			return err
		}
		st.purge(id)
		m.cache.invalidateConversation(userID, id)
		m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, UserID: userID, ChatID: id, Scope: scopeConversation})
		return nil
	})
	return existed, err
}

// List returns summaries, most recently updated first.
func (m *Manager) List(ctx context.Context, userID int64) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	err := m.do(ctx, userID, func(_ *userState) error {
		var err error
		out, err = m.backend.List(ctx, userID)
		return err
	})
	return out, err
}

// Create starts an explicit new conversation with a fresh short id.
func (m *Manager) Create(ctx context.Context, userID int64) (*models.Conversation, error) {
	var out *models.Conversation
	err := m.do(ctx, userID, func(st *userState) error {
		for attempt := 0; attempt < 5; attempt++ {
			id := chatstore.NewID()
			_, err := m.backend.Get(ctx, userID, id)
			if err == nil {
				continue
			}
			if !errors.Is(err, chatstore.ErrNotFound) {
				return err
			}
			now := m.now()
			conv := &models.Conversation{
				ID:        id,
				UserID:    userID,
				Name:      chatstore.DefaultName,
				Turns:     []models.Turn{},
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := m.store(ctx, st, conv); err != nil {
				return err
			}
			out = conv.Clone()
			return nil
		}
		return errors.New("could not allocate conversation id")
	})
	return out, err
}

// DeleteUser drops every conversation of the user and stops its worker.
func (m *Manager) DeleteUser(ctx context.Context, userID int64) error {
	err := m.do(ctx, userID, func(st *userState) error {
		if err := m.backend.DeleteUser(ctx, userID); err != nil {
			return err
		}
		st.reset()
		m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, UserID: userID, Scope: scopeUser})
		return nil
	})
	m.Stop(userID)
	return err
}

// Stop terminates the user's worker; the next call starts a fresh one.
func (m *Manager) Stop(userID int64) {
	m.mu.Lock()
	w, ok := m.workers[userID]
	if ok {
		delete(m.workers, userID)
	}
	m.mu.Unlock()
	if ok {
		close(w.stopCh)
		<-w.exited
	}
}

// Close stops every worker and the invalidation listener.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	ids := make([]int64, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Stop(id)
	}
}

// do runs fn on the user's worker and waits for its result.
func (m *Manager) do(ctx context.Context, userID int64, fn func(*userState) error) error {
	if userID <= 0 {
		return errors.New("user id required")
	}
	j := job{fn: fn, done: make(chan error, 1)}
	for {
		w := m.ensureWorker(userID)
		select {
		case w.tasks <- j:
		case <-w.exited:
			// raced with idle exit; retry on a fresh worker
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case err := <-j.done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) ensureWorker(userID int64) *userWorker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.workers[userID]; ok {
		return w
	}
	w := newUserWorker(userID)
	m.workers[userID] = w
	go m.runWorker(w)
	debugLog("worker for user %d started", userID)
	return w
}

func (m *Manager) getWorker(userID int64) *userWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[userID]
}

func (m *Manager) loadOrCreate(ctx context.Context, st *userState, userID int64, id string, persist bool) (*models.Conversation, error) {
	if conv := st.get(id); conv != nil {
		return conv, nil
	}
	if conv, ok := m.cache.loadConversation(userID, id); ok {
		st.set(conv)
		return conv, nil
	}
	conv, err := m.backend.Get(ctx, userID, id)
	if err == nil {
		st.set(conv)
		m.cache.cacheConversation(conv)
		return conv, nil
	}
	if !errors.Is(err, chatstore.ErrNotFound) {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	now := m.now()
	conv = &models.Conversation{
		ID:        id,
		UserID:    userID,
		Name:      chatstore.DefaultName,
		Turns:     []models.Turn{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if persist {
		if err := m.store(ctx, st, conv); err != nil {
			return nil, err
		}
	}
	return conv, nil
}

func (m *Manager) store(ctx context.Context, st *userState, conv *models.Conversation) error {
	if err := m.backend.Put(ctx, conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	st.set(conv)
	m.cache.cacheConversation(conv)
	m.cache.publishInvalidation(invalidateMessage{Origin: m.origin, UserID: conv.UserID, ChatID: conv.ID, Scope: scopeConversation})
	return nil
}

func (m *Manager) handleInvalidation(inv invalidateMessage) {
	if inv.Origin == m.origin {
		return
	}
	w := m.getWorker(inv.UserID)
	if w == nil {
		return
	}
	switch inv.Scope {
	case scopeConversation:
		w.state.purge(inv.ChatID)
	case scopeUser:
		w.state.reset()
	}
	debugLog("worker invalidation user=%d chat=%s scope=%s", inv.UserID, inv.ChatID, inv.Scope)
}
