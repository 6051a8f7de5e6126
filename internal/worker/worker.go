package worker

import (
	"time"
)

// job runs on the owning user's goroutine; err is delivered on done.
type job struct {
	fn   func(*userState) error
	done chan error
}

// userWorker is the single writer for one user's conversations.
type userWorker struct {
	userID int64
	state  *userState
	tasks  chan job // unbuffered: a send succeeds only while the loop is alive
	stopCh chan struct{}
	exited chan struct{}
}

func newUserWorker(userID int64) *userWorker {
	return &userWorker{
		userID: userID,
		state:  newUserState(),
		tasks:  make(chan job),
		stopCh: make(chan struct{}),
		exited: make(chan struct{}),
	}
}

func (m *Manager) runWorker(w *userWorker) {
	defer close(w.exited)

	idle := time.NewTimer(m.idleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-w.stopCh:
			m.forget(w)
			debugLog("worker for user %d stopped", w.userID)
			return
		case <-idle.C:
			m.forget(w)
			debugLog("worker for user %d idle, exiting", w.userID)
			return
		case j := <-w.tasks:
			j.done <- j.fn(w.state)
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.idleTimeout)
		}
	}
}

func (m *Manager) forget(w *userWorker) {
	m.mu.Lock()
	if cur, ok := m.workers[w.userID]; ok && cur == w {
		delete(m.workers, w.userID)
	}
	m.mu.Unlock()
}
