package manager

import (
	"context"
	"sync"

	"github.com/giovanniandreuzza/nimbus/internal/download"
)

// Observe streams the state of a task: first the current state, then every
// change. Consecutive progress updates may be coalesced when the reader lags;
// transitions are always delivered. The channel is closed after Finished or
// Failed, after the task is canceled or purged, or when ctx ends.
func (m *Manager) Observe(ctx context.Context, id download.ID) (<-chan download.State, error) {
	box := newMailbox()

	unsubscribe := m.bus.Subscribe(func(_ context.Context, e download.Event) {
		if e.TaskID == id {
			box.put(e)
		}
	})

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		unsubscribe()

		return nil, err
	}

	out := make(chan download.State, 1)
	out <- task.State

	if task.State.IsTerminal() {
		unsubscribe()
		close(out)

		return out, nil
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		box.pump(ctx, out, task.Version)
	}()

	return out, nil
}

type update struct {
	state    download.State
	version  int64
	progress bool
	final    bool
	emit     bool
}

// mailbox buffers events for one observer without ever blocking the
// publisher.
type mailbox struct {
	mu     sync.Mutex
	queue  []update
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (b *mailbox) put(e download.Event) {
	u := update{
		state:    e.State,
		version:  e.Version,
		progress: e.Kind == download.EventProgress,
		emit:     true,
	}

	switch e.Kind {
	case download.EventCanceled, download.EventPurged:
		u.final, u.emit = true, false
	case download.EventFinished, download.EventFailed:
		u.final = true
	}

	b.mu.Lock()
	if n := len(b.queue); n > 0 && u.progress && b.queue[n-1].progress {
		b.queue[n-1] = u
	} else {
		b.queue = append(b.queue, u)
	}
	b.mu.Unlock()

	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *mailbox) take() []update {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := b.queue
	b.queue = nil

	return q
}

// pump forwards queued updates newer than seen to out until a final update
// or the end of ctx. Progress ticks carry the version of the transition they
// follow, so they are accepted at the same version.
func (b *mailbox) pump(ctx context.Context, out chan<- download.State, seen int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.signal:
		}

		for _, u := range b.take() {
			if u.version < seen || (u.version == seen && !u.progress) {
				continue
			}

			seen = u.version

			if u.emit {
				select {
				case out <- u.state:
				case <-ctx.Done():
					return
				}
			}

			if u.final {
				return
			}
		}
	}
}
