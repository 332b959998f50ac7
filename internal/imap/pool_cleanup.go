package imap

import (
	"time"
)

// startCleanupGoroutine periodically closes idle worker connections until Pool.Close.
func (p *Pool) startCleanupGoroutine() {
	ticker := time.NewTicker(1 * time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-p.cleanupCtx.Done():
				return
			case <-ticker.C:
				p.cleanupIdleConnections(time.Now())
			}
		}
	}()
}

// cleanupIdleConnections removes worker connections that have been idle too long.
// Connections currently in use are skipped.
func (p *Pool) cleanupIdleConnections(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for accountID, set := range p.workerSets {
		set.mu.Lock()
		kept := set.clients[:0]
		for _, c := range set.clients {
			if !c.TryLock() {
				kept = append(kept, c)
				continue
			}
			if now.Sub(c.GetLastUsed()) > workerIdleTimeout {
				_ = c.GetClient().Logout()
				c.Unlock()
				continue
			}
			c.Unlock()
			kept = append(kept, c)
		}
		set.clients = kept
		if len(set.clients) == 0 && len(set.semaphore) == 0 {
			delete(p.workerSets, accountID)
		}
		set.mu.Unlock()
	}
}
