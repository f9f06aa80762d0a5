package session

import (
	"sync"
)

// lockMap provides a mutex per session id. Manager operations that create,
// replace or remove a session's controller hold it so a send racing a
// remove of the same id cannot interleave.
type lockMap struct {
	locks sync.Map // sessionID -> *sync.Mutex
}

func (m *lockMap) get(sessionID string) *sync.Mutex {
	lock, _ := m.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu, _ := lock.(*sync.Mutex)
	return mu
}

// with runs fn while holding the lock of sessionID.
func (m *lockMap) with(sessionID string, fn func() error) error {
	mu := m.get(sessionID)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// forget drops the lock of a removed session.
func (m *lockMap) forget(sessionID string) {
	m.locks.Delete(sessionID)
}
