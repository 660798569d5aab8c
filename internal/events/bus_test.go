package events

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/giovanniandreuzza/nimbus/internal/download"
)

func event(kind download.EventKind) download.Event {
	return download.Event{Kind: kind, TaskID: "t1", Version: 1, State: download.Downloading(0)}
}

func TestBus_RoutesByKind(t *testing.T) {
	bus := NewBus()

	var got []download.EventKind

	bus.Subscribe(func(_ context.Context, e download.Event) {
		got = append(got, e.Kind)
	}, download.EventFinished, download.EventFailed)

	bus.Publish(context.Background(),
		event(download.EventStarted),
		event(download.EventFailed),
		event(download.EventProgress),
		event(download.EventFinished),
	)

	assert.Equal(t, []download.EventKind{download.EventFailed, download.EventFinished}, got)
}

func TestBus_SubscribeAll(t *testing.T) {
	bus := NewBus()

	var n int

	bus.Subscribe(func(context.Context, download.Event) { n++ })

	for _, k := range download.AllEventKinds {
		bus.Publish(context.Background(), event(k))
	}

	assert.Equal(t, len(download.AllEventKinds), n)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	var n int

	unsubscribe := bus.Subscribe(func(context.Context, download.Event) { n++ })

	bus.Publish(context.Background(), event(download.EventStarted))
	unsubscribe()
	unsubscribe()
	bus.Publish(context.Background(), event(download.EventStarted))

	assert.Equal(t, 1, n)
}

func TestBus_RecoversPanics(t *testing.T) {
	bus := NewBus()

	var delivered bool

	bus.Subscribe(func(context.Context, download.Event) { panic("boom") })
	bus.Subscribe(func(context.Context, download.Event) { delivered = true })

	assert.NotPanics(t, func() {
		bus.Publish(context.Background(), event(download.EventCanceled))
	})
	assert.True(t, delivered)
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus()

	var n atomic.Int64

	var wg sync.WaitGroup

	for i := 0; i < 8; i++ {
		wg.Add(2)

		go func() {
			defer wg.Done()

			unsubscribe := bus.Subscribe(func(context.Context, download.Event) {})
			unsubscribe()
		}()

		go func() {
			defer wg.Done()

			bus.Publish(context.Background(), event(download.EventProgress))
		}()
	}

	bus.Subscribe(func(context.Context, download.Event) { n.Add(1) }, download.EventProgress)

	wg.Wait()

	bus.Publish(context.Background(), event(download.EventProgress))
	assert.Equal(t, int64(1), n.Load())
}
