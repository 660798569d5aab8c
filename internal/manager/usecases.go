package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// Enqueue registers a download of url into path/name. Enqueuing a task that
// already exists is a conflict, except for a failed task, which is moved
// back to Enqueued and keeps its bytes. A new task refuses a non-empty file
// already at its target.
func (m *Manager) Enqueue(ctx context.Context, url, path, name string) (*download.Task, error) {
	task, err := download.NewTask(url, path, name, download.UnknownSize)
	if err != nil {
		return nil, err
	}

	ctx = logctx.WithTaskID(ctx, string(task.ID))
	logger := logctx.LoggerFromContext(ctx)

	unlock := m.locks.lock(task.ID)
	defer unlock()

	existing, err := m.repo.Get(ctx, task.ID)

	switch {
	case err == nil && existing.State.Kind == download.KindFailed:
		return m.requeue(ctx, existing)
	case err == nil:
		return nil, download.NewConflictError(task.ID, existing.State.Kind)
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	present, err := transfer.SizeOrZero(m.files, task.Target())
	if err != nil {
		return nil, fmt.Errorf("failed to inspect target file: %w", err)
	}

	if present > 0 {
		return nil, fmt.Errorf("%w: %s holds %d bytes", download.ErrTargetExists, task.Target(), present)
	}

	size, err := m.transport.Size(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to query size of %s: %w", url, err)
	}

	if size >= 0 {
		task.FileSize = size
	}

	if err := m.files.Create(task.Target()); err != nil {
		return nil, fmt.Errorf("failed to create target file: %w", err)
	}

	if err := m.repo.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	m.publish(ctx, task)

	logger.InfoContext(ctx, "download enqueued", "url", url, "target", task.Target(), "size", task.FileSize)

	return task.Clone(), nil
}

func (m *Manager) requeue(ctx context.Context, task *download.Task) (*download.Task, error) {
	if err := task.Requeue(); err != nil {
		return nil, err
	}

	if err := m.files.Create(task.Target()); err != nil {
		return nil, fmt.Errorf("failed to create target file: %w", err)
	}

	if err := m.repo.Save(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to save task: %w", err)
	}

	m.publish(ctx, task)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "failed download requeued", "version", task.Version)

	return task.Clone(), nil
}

// Start moves an enqueued task to Downloading and schedules its transfer.
func (m *Manager) Start(ctx context.Context, id download.ID) error {
	return m.mutate(ctx, id, "started", func(t *download.Task) error { return t.Start() }, m.schedule)
}

// Pause stops the transfer and keeps the bytes written so far.
func (m *Manager) Pause(ctx context.Context, id download.ID) error {
	return m.mutate(ctx, id, "paused", func(t *download.Task) error { return t.Pause() }, m.stop)
}

// Resume schedules a paused task again. The transfer continues from the bytes
// on disk.
func (m *Manager) Resume(ctx context.Context, id download.ID) error {
	return m.mutate(ctx, id, "resumed", func(t *download.Task) error { return t.Resume() }, m.schedule)
}

// Cancel stops the transfer, removes the task and deletes its target file.
// It is legal from every state.
func (m *Manager) Cancel(ctx context.Context, id download.ID) error {
	ctx = logctx.WithTaskID(ctx, string(id))

	unlock := m.locks.lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	task.Cancel()

	if err := m.scheduler.StopAndWait(ctx, id); err != nil {
		return err
	}

	if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	if err := m.files.Delete(task.Target()); err != nil {
		return fmt.Errorf("failed to delete target file: %w", err)
	}

	m.publish(ctx, task)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download canceled", "target", task.Target())

	return nil
}

// Purge removes the record of a task that finished before cutoff and keeps
// its file. It reports whether the record was removed.
func (m *Manager) Purge(ctx context.Context, id download.ID, cutoff time.Time) (bool, error) {
	ctx = logctx.WithTaskID(ctx, string(id))

	unlock := m.locks.lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if task.State.Kind != download.KindFinished || !task.UpdatedAt.Before(cutoff) {
		return false, nil
	}

	if err := task.Purge(); err != nil {
		return false, err
	}

	if err := m.repo.Delete(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("failed to delete task: %w", err)
	}

	m.publish(ctx, task)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download purged", "target", task.Target())

	return true, nil
}

func (m *Manager) GetTask(ctx context.Context, id download.ID) (*download.Task, error) {
	return m.repo.Get(ctx, id)
}

func (m *Manager) GetAll(ctx context.Context) (map[download.ID]*download.Task, error) {
	return m.repo.GetAll(ctx)
}

// mutate runs one transition under the task lock: load, apply, persist,
// publish, then the scheduler side effect.
func (m *Manager) mutate(
	ctx context.Context,
	id download.ID,
	op string,
	apply func(*download.Task) error,
	then func(context.Context, *download.Task) error,
) error {
	ctx = logctx.WithTaskID(ctx, string(id))

	unlock := m.locks.lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := apply(task); err != nil {
		return err
	}

	if err := m.repo.Save(ctx, task); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	m.publish(ctx, task)

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download "+op, "state", task.State.String(), "version", task.Version)

	return then(ctx, task)
}

func (m *Manager) schedule(ctx context.Context, task *download.Task) error {
	if err := m.scheduler.Start(ctx, jobOf(task), m); err != nil {
		return fmt.Errorf("failed to schedule transfer: %w", err)
	}

	return nil
}

func (m *Manager) stop(_ context.Context, task *download.Task) error {
	m.scheduler.Stop(task.ID)

	return nil
}
