// Package events delivers task domain events to in-process subscribers.
package events

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
)

// Handler receives a published event. Handlers run on the publisher's
// goroutine and must not block.
type Handler func(ctx context.Context, e download.Event)

type subscription struct {
	h Handler
}

// Bus routes events to the handlers registered for their kind. The set of
// kinds is fixed at construction.
type Bus struct {
	mu       sync.RWMutex
	handlers map[download.EventKind][]*subscription
}

func NewBus() *Bus {
	handlers := make(map[download.EventKind][]*subscription, len(download.AllEventKinds))
	for _, k := range download.AllEventKinds {
		handlers[k] = nil
	}

	return &Bus{handlers: handlers}
}

// Subscribe registers h for kinds, or for every kind when none are given.
// The returned func removes the registration and is safe to call twice.
func (b *Bus) Subscribe(h Handler, kinds ...download.EventKind) (unsubscribe func()) {
	if len(kinds) == 0 {
		kinds = download.AllEventKinds
	}

	sub := &subscription{h: h}

	b.mu.Lock()
	for _, k := range kinds {
		if _, ok := b.handlers[k]; !ok {
			continue
		}

		b.handlers[k] = append(b.handlers[k], sub)
	}
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			for _, k := range kinds {
				b.handlers[k] = remove(b.handlers[k], sub)
			}
		})
	}
}

// Publish delivers each event to its handlers in order. A panicking handler
// is logged and skipped.
func (b *Bus) Publish(ctx context.Context, events ...download.Event) {
	for _, e := range events {
		b.mu.RLock()
		subs := b.handlers[e.Kind]
		b.mu.RUnlock()

		for _, sub := range subs {
			b.deliver(ctx, sub.h, e)
		}
	}
}

func (b *Bus) deliver(ctx context.Context, h Handler, e download.Event) {
	defer func() {
		if r := recover(); r != nil {
			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "event handler panicked",
				"event", e.Kind.String(), "task_id", e.TaskID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	h(ctx, e)
}

// remove returns subs without sub. It allocates a new slice so snapshots held
// by in-flight publishers stay valid.
func remove(subs []*subscription, sub *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))

	for _, s := range subs {
		if s != sub {
			out = append(out, s)
		}
	}

	return out
}
