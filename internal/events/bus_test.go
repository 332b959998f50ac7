package events

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBusDelivers(t *testing.T) {
	bus := New(8, zap.NewNop(), nil)

	var mu sync.Mutex
	var got []Event
	bus.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, e)
	})

	go bus.Run(context.Background())

	bus.Publish(Event{Type: SyncStarted, AccountID: "acc-1"})
	bus.Publish(Event{Type: SyncCompleted, AccountID: "acc-1"})
	bus.Close()

	select {
	case <-bus.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("bus did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, SyncStarted, got[0].Type)
	assert.Equal(t, SyncCompleted, got[1].Type)
	assert.False(t, got[0].Time.IsZero())
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	bus := New(2, zap.NewNop(), nil)

	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	// nothing drains yet, so the first event is pushed out
	bus.Publish(Event{Type: SyncProgress, AccountID: "1"})
	bus.Publish(Event{Type: SyncProgress, AccountID: "2"})
	bus.Publish(Event{Type: SyncProgress, AccountID: "3"})
	bus.Close()

	bus.Run(context.Background())

	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].AccountID)
	assert.Equal(t, "3", got[1].AccountID)
}

func TestBusUnsubscribeAndPanics(t *testing.T) {
	bus := New(4, zap.NewNop(), nil)

	calls := 0
	unsubscribe := bus.Subscribe(func(Event) { calls++ })
	bus.Subscribe(func(Event) { panic("boom") })

	bus.Publish(Event{Type: NewMail})
	unsubscribe()
	bus.Publish(Event{Type: NewMail})
	bus.Close()
	bus.Publish(Event{Type: NewMail})

	bus.Run(context.Background())

	assert.Equal(t, 0, calls, "handler removed before delivery should not run")
}
