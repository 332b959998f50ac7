package imap

import (
	"sync"

	"go.uber.org/zap"
)

// workerClientSet manages the worker connections of one account.
// The semaphore limits concurrent connections (max 3 by default).
type workerClientSet struct {
	clients   []*clientWithMutex
	semaphore chan struct{}
	mu        sync.Mutex
}

// tryIdle returns a connection of the set that is not in use, locked, or nil.
// The caller must hold a semaphore slot.
func (s *workerClientSet) tryIdle() *clientWithMutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.TryLock() {
			return c
		}
	}
	return nil
}

func (s *workerClientSet) addClient(c *clientWithMutex) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
}

func (s *workerClientSet) remove(c *clientWithMutex) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, existing := range s.clients {
		if existing == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			return
		}
	}
}

// close logs out every connection. Connections in use are logged out too, which makes
// their pending command fail; this only happens on shutdown or account removal.
func (s *workerClientSet) close(logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.clients {
		if c.TryLock() {
			if err := c.client.Logout(); err != nil {
				logger.Debug("failed to logout worker connection", zap.Error(err))
			}
			c.Unlock()
		} else {
			_ = c.client.Logout()
		}
	}
	s.clients = nil
}
