// Package events fans sync and queue notifications out to subscribers such as the
// WebSocket hub. Delivery is asynchronous and bounded: when subscribers fall behind,
// the oldest undelivered event is dropped.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/vdavid/mailsync/internal/metrics"
	"go.uber.org/zap"
)

// Type names an event.
type Type string

const (
	SyncStarted  Type = "sync_started"
	SyncProgress Type = "sync_progress"
	// SyncCompleted is published once per run, failed runs included; Data carries the error.
	SyncCompleted  Type = "sync_completed"
	PendingChanged Type = "pending_changed"
	NewMail        Type = "new_mail"
)

// Event is one notification. Data must be JSON-encodable.
type Event struct {
	Type      Type      `json:"type"`
	AccountID string    `json:"account_id"`
	Time      time.Time `json:"time"`
	Data      any       `json:"data,omitempty"`
}

// Handler receives events on the bus goroutine. It must not block for long.
type Handler func(Event)

const defaultCapacity = 256

type Bus struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	ch     chan Event
	closed bool

	subMu    sync.RWMutex
	handlers map[int]Handler
	nextID   int

	done chan struct{}
}

// New creates a bus buffering up to capacity events.
func New(capacity int, logger *zap.Logger, m *metrics.Metrics) *Bus {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Bus{
		logger:   logger.Named("events"),
		metrics:  m,
		ch:       make(chan Event, capacity),
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
}

// Publish enqueues e without blocking. After Close it does nothing.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	select {
	case b.ch <- e:
		return
	default:
	}

	// full: make room by dropping the oldest event
	select {
	case old := <-b.ch:
		b.metrics.RecordEventDropped()
		b.logger.Debug("dropped event", zap.String("type", string(old.Type)), zap.String("account_id", old.AccountID))
	default:
	}
	select {
	case b.ch <- e:
	default:
		b.metrics.RecordEventDropped()
	}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) func() {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = h
	return func() {
		b.subMu.Lock()
		defer b.subMu.Unlock()
		delete(b.handlers, id)
	}
}

// Run delivers events until ctx is cancelled or the bus is closed and drained.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-b.ch:
			if !ok {
				return
			}
			b.dispatch(e)
		}
	}
}

// Close stops accepting events. Events already queued are still delivered by Run.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}

// Done is closed when Run returns.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

func (b *Bus) dispatch(e Event) {
	b.subMu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.safeCall(h, e)
	}
}

func (b *Bus) safeCall(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", zap.Any("panic", r), zap.String("type", string(e.Type)))
		}
	}()
	h(e)
}
