// Package manager implements the download use cases on top of the task
// store, the event bus and the transfer scheduler.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/downloader"
	"github.com/giovanniandreuzza/nimbus/internal/events"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/telemetry"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// Manager runs every mutation of a task as load, transition, persist,
// publish, then hands the task to the scheduler or stops it. Mutations of
// one task are serialized.
type Manager struct {
	repo      storage.TaskRepository
	bus       *events.Bus
	transport transfer.Transport
	files     transfer.Storage
	scheduler *downloader.Scheduler
	telemetry *telemetry.Telemetry

	locks keyedMutex
}

func New(
	repo storage.TaskRepository,
	bus *events.Bus,
	transport transfer.Transport,
	files transfer.Storage,
	scheduler *downloader.Scheduler,
	tel *telemetry.Telemetry,
) *Manager {
	return &Manager{
		repo:      repo,
		bus:       bus,
		transport: transport,
		files:     files,
		scheduler: scheduler,
		telemetry: tel,
		locks:     keyedMutex{locks: make(map[download.ID]*refMutex)},
	}
}

// Restore hands tasks persisted as Downloading back to the scheduler. They
// were interrupted by a crash or a shutdown and continue from the bytes on
// disk.
func (m *Manager) Restore(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	tasks, err := m.repo.GetAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	restored := 0

	for id, task := range tasks {
		if task.State.Kind != download.KindDownloading {
			continue
		}

		if err := m.scheduler.Start(ctx, jobOf(task), m); err != nil {
			return fmt.Errorf("failed to restore task %s: %w", id, err)
		}

		restored++
	}

	logger.InfoContext(ctx, "restored tasks", "total", len(tasks), "resumed", restored)

	return nil
}

// Shutdown stops every transfer. Running tasks stay Downloading in the store
// so Restore picks them up on the next start.
func (m *Manager) Shutdown(ctx context.Context) error {
	return m.scheduler.Shutdown(ctx)
}

func (m *Manager) publish(ctx context.Context, task *download.Task) {
	evts := task.PullEvents()

	for _, e := range evts {
		m.telemetry.RecordTransition(e.Kind.String())
	}

	m.bus.Publish(ctx, evts...)
}

func jobOf(t *download.Task) downloader.Job {
	return downloader.Job{
		ID:     t.ID,
		URL:    t.FileURL,
		Target: t.Target(),
		Size:   t.FileSize,
	}
}

type refMutex struct {
	sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per task id and forgets it once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[download.ID]*refMutex
}

func (k *keyedMutex) acquire(id download.ID) *refMutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[id]
	if !ok {
		m = &refMutex{}
		k.locks[id] = m
	}

	m.refs++

	return m
}

func (k *keyedMutex) release(id download.ID, m *refMutex) {
	k.mu.Lock()
	defer k.mu.Unlock()

	m.refs--
	if m.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *keyedMutex) lock(id download.ID) (unlock func()) {
	m := k.acquire(id)
	m.Lock()

	return func() {
		m.Unlock()
		k.release(id, m)
	}
}

func (k *keyedMutex) tryLock(id download.ID) (unlock func(), ok bool) {
	m := k.acquire(id)
	if !m.TryLock() {
		k.release(id, m)

		return nil, false
	}

	return func() {
		m.Unlock()
		k.release(id, m)
	}, true
}
