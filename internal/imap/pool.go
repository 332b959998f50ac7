package imap

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// workerIdleTimeout is the maximum time a worker connection can be idle before being closed.
	workerIdleTimeout = 10 * time.Minute
	// healthCheckThreshold is the idle time after which we perform a health check before reuse.
	healthCheckThreshold = 1 * time.Minute
)

// Pool manages IMAP connections per account.
// Supports two types of connections:
// - Worker connections: 1-3 connections per account for sync and mutations (SEARCH, FETCH, STORE)
// - Listener connections: 1 dedicated connection per account for IDLE
//
// Each connection is wrapped with a mutex. Different connections are used concurrently;
// access to the same connection is serialized.
type Pool struct {
	workerSets    map[string]*workerClientSet // accountID -> worker client set
	listeners     map[string]*clientWithMutex // accountID -> listener connection
	mu            sync.RWMutex
	maxWorkers    int
	logger        *zap.Logger
	cleanupCtx    context.Context
	cleanupCancel context.CancelFunc
}

// NewPool creates a new IMAP connection pool with the default worker limit.
func NewPool(logger *zap.Logger) *Pool {
	return NewPoolWithMaxWorkers(3, logger)
}

// NewPoolWithMaxWorkers creates a new IMAP connection pool with a configurable
// maximum number of worker connections per account.
func NewPoolWithMaxWorkers(maxWorkers int, logger *zap.Logger) *Pool {
	if maxWorkers <= 0 {
		maxWorkers = 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workerSets:    make(map[string]*workerClientSet),
		listeners:     make(map[string]*clientWithMutex),
		maxWorkers:    maxWorkers,
		logger:        logger.Named("imap_pool"),
		cleanupCtx:    ctx,
		cleanupCancel: cancel,
	}
	p.startCleanupGoroutine()
	return p
}

// RemoveClient removes all connections (worker and listener) of an account from the pool.
func (p *Pool) RemoveClient(accountID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if set, exists := p.workerSets[accountID]; exists {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	if listener, exists := p.listeners[accountID]; exists {
		// An IDLE loop may hold the listener; Logout unblocks it.
		_ = listener.GetClient().Logout()
		delete(p.listeners, accountID)
	}
}

// Close closes all connections in the pool and stops the cleanup goroutine.
func (p *Pool) Close() {
	p.cleanupCancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.close(p.logger)
		delete(p.workerSets, accountID)
	}

	for accountID, listener := range p.listeners {
		if listener.TryLock() {
			if err := listener.GetClient().Logout(); err != nil {
				p.logger.Debug("failed to logout listener connection", zap.String("account_id", accountID), zap.Error(err))
			}
			listener.Unlock()
		} else {
			// in use by IDLE; closing anyway during shutdown
			_ = listener.GetClient().Logout()
		}
		delete(p.listeners, accountID)
	}
}

// Stats returns the number of open worker connections and listeners of an account.
func (p *Pool) Stats(accountID string) (workers int, listener bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if set, ok := p.workerSets[accountID]; ok {
		set.mu.Lock()
		workers = len(set.clients)
		set.mu.Unlock()
	}
	_, listener = p.listeners[accountID]
	return workers, listener
}
