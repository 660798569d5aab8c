package manager

import (
	"context"
	"errors"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
	"github.com/giovanniandreuzza/nimbus/internal/storage"
	"github.com/giovanniandreuzza/nimbus/internal/transfer"
)

// OnProgress publishes a progress tick. Ticks are not persisted: the store
// recomputes progress from the bytes on disk. A tick that arrives while the
// task is being mutated is dropped.
func (m *Manager) OnProgress(ctx context.Context, id download.ID, downloaded, total int64) {
	unlock, ok := m.locks.tryLock(id)
	if !ok {
		return
	}
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if err != nil {
		return
	}

	if err := task.UpdateProgress(download.Progress(downloaded, total)); err != nil {
		return
	}

	m.publish(ctx, task)
}

// OnFinished completes the task. When the size was unknown it becomes the
// number of bytes received.
func (m *Manager) OnFinished(ctx context.Context, id download.ID, downloaded int64) {
	m.settle(ctx, id, "finish", func(t *download.Task) error {
		if t.FileSize < 0 {
			t.FileSize = downloaded
		}

		return t.Finish()
	})
}

// OnFailed records the classified transfer error on the task.
func (m *Manager) OnFailed(ctx context.Context, id download.ID, err error) {
	m.settle(ctx, id, "fail", func(t *download.Task) error {
		return t.Fail(transfer.Code(err), err.Error())
	})
}

// settle applies a scheduler outcome. Outcomes for tasks that were removed or
// moved on meanwhile are ignored.
func (m *Manager) settle(ctx context.Context, id download.ID, op string, apply func(*download.Task) error) {
	logger := logctx.LoggerFromContext(ctx)

	unlock := m.locks.lock(id)
	defer unlock()

	task, err := m.repo.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		logger.DebugContext(ctx, "ignoring transfer outcome for removed task", "op", op)

		return
	}

	if err != nil {
		logger.ErrorContext(ctx, "failed to load task for transfer outcome", "op", op, "err", err)
		m.telemetry.RecordSystemError("manager", "load")

		return
	}

	if err := apply(task); err != nil {
		var te *download.TransitionError
		if errors.As(err, &te) {
			logger.DebugContext(ctx, "ignoring stale transfer outcome", "op", op, "state", te.From.String())

			return
		}

		logger.ErrorContext(ctx, "failed to apply transfer outcome", "op", op, "err", err)
		m.telemetry.RecordSystemError("manager", "apply")

		return
	}

	if err := m.repo.Save(ctx, task); err != nil {
		logger.ErrorContext(ctx, "failed to save transfer outcome", "op", op, "err", err)
		m.telemetry.RecordSystemError("manager", "save")

		return
	}

	m.publish(ctx, task)
}
