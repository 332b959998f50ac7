package imap

import (
	"context"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// getOrCreateWorkerSet gets or creates the worker set of an account.
// Uses double-check locking.
func (p *Pool) getOrCreateWorkerSet(accountID string) *workerClientSet {
	p.mu.RLock()
	set, exists := p.workerSets[accountID]
	p.mu.RUnlock()

	if exists {
		return set
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		return set
	}

	set = &workerClientSet{
		clients:   make([]*clientWithMutex, 0),
		semaphore: make(chan struct{}, p.maxWorkers),
	}
	p.workerSets[accountID] = set
	return set
}

// GetClient returns an authenticated worker connection of the account and a release
// function that must be called when the caller is done. It blocks while the account
// already uses maxWorkers connections.
func (p *Pool) GetClient(ctx context.Context, accountID string, cfg ConnConfig) (*client.Client, func(), error) {
	set := p.getOrCreateWorkerSet(accountID)

	select {
	case set.semaphore <- struct{}{}:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
	releaseSlot := func() { <-set.semaphore }

	for {
		c := set.tryIdle()
		if c == nil {
			break
		}
		if p.isUsable(c) {
			c.UpdateLastUsed()
			return c.GetClient(), func() {
				c.Unlock()
				releaseSlot()
			}, nil
		}
		// dead connection: drop it and look for another
		set.remove(c)
		_ = c.GetClient().Logout()
		c.Unlock()
	}

	raw, err := dial(ctx, cfg)
	if err != nil {
		releaseSlot()
		return nil, nil, err
	}

	c := &clientWithMutex{
		client:   raw,
		lastUsed: time.Now(),
		role:     roleWorker,
	}
	c.Lock()
	set.addClient(c)

	return raw, func() {
		c.Unlock()
		releaseSlot()
	}, nil
}

// isUsable checks the state of a locked connection, sending a NOOP when it sat idle
// for longer than healthCheckThreshold.
func (p *Pool) isUsable(c *clientWithMutex) bool {
	state := c.GetClient().State()
	if state != imap.AuthenticatedState && state != imap.SelectedState {
		return false
	}
	if time.Since(c.GetLastUsed()) > healthCheckThreshold {
		return checkConnectionHealth(c)
	}
	return true
}

// checkConnectionHealth performs a NOOP to check if the connection is alive.
// The connection must be locked.
func checkConnectionHealth(c *clientWithMutex) bool {
	return c.client.Noop() == nil
}
