package imap

import (
	"context"
	"time"

	"github.com/emersion/go-imap"
)

// GetListenerConnection gets or creates the dedicated IDLE connection of an account.
// Returns a locked connection that must be unlocked by the caller.
func (p *Pool) GetListenerConnection(ctx context.Context, accountID string, cfg ConnConfig) (*clientWithMutex, error) {
	p.mu.RLock()
	listener, exists := p.listeners[accountID]
	p.mu.RUnlock()

	if exists {
		listener.Lock()
		state := listener.GetClient().State()
		if state == imap.AuthenticatedState || state == imap.SelectedState {
			return listener, nil
		}
		listener.Unlock()
		p.RemoveListenerConnection(accountID)
	}

	c, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	listener = &clientWithMutex{
		client:   c,
		lastUsed: time.Now(),
		role:     roleListener,
	}

	p.mu.Lock()
	if existing, exists := p.listeners[accountID]; exists {
		// another goroutine won the race
		p.mu.Unlock()
		_ = c.Logout()
		existing.Lock()
		return existing, nil
	}
	p.listeners[accountID] = listener
	p.mu.Unlock()

	listener.Lock()
	return listener, nil
}

// RemoveListenerConnection logs out and forgets the listener connection of an account.
func (p *Pool) RemoveListenerConnection(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if listener, exists := p.listeners[accountID]; exists {
		_ = listener.GetClient().Logout()
		delete(p.listeners, accountID)
	}
}
