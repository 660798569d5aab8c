package cleanup

import (
	"context"
	"time"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
)

// Purger lists tasks and retires finished ones. Purge must re-check the task
// under its own lock, since the listing may be stale by the time it runs.
type Purger interface {
	GetAll(ctx context.Context) (map[download.ID]*download.Task, error)
	Purge(ctx context.Context, id download.ID, cutoff time.Time) (bool, error)
}

// PurgeExpired removes finished task records older than keep. The
// downloaded files stay on disk. Loading the tasks also drops records whose
// files are gone. A zero keep retains finished records forever.
func PurgeExpired(ctx context.Context, p Purger, keep time.Duration, now time.Time) (int, error) {
	logger := logctx.LoggerFromContext(ctx)

	tasks, err := p.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	if keep <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-keep)
	purged := 0

	for id, task := range tasks {
		if task.State.Kind != download.KindFinished || !task.UpdatedAt.Before(cutoff) {
			continue
		}

		ok, err := p.Purge(ctx, id, cutoff)
		if err != nil {
			logger.ErrorContext(ctx, "failed to purge finished task", "task_id", id, "err", err)

			return purged, err
		}

		if ok {
			purged++
		}
	}

	return purged, nil
}

// Run sweeps every interval until ctx ends.
func Run(ctx context.Context, p Purger, interval, keep time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.InfoContext(ctx, "sweeper started", "interval", interval, "keep_finished_for", keep)

	for {
		select {
		case <-ctx.Done():
			logger.InfoContext(ctx, "shutting down sweeper")

			return
		case now := <-ticker.C:
			n, err := PurgeExpired(ctx, p, keep, now)
			if err != nil {
				logger.ErrorContext(ctx, "sweep failed", "err", err)

				continue
			}

			if n > 0 {
				logger.InfoContext(ctx, "sweep finished", "purged", n)
			}
		}
	}
}
