package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/giovanniandreuzza/nimbus/internal/download"
	"github.com/giovanniandreuzza/nimbus/internal/events"
	"github.com/giovanniandreuzza/nimbus/internal/logctx"
)

const sendTimeout = 15 * time.Second

// TaskGetter resolves the task an event refers to.
type TaskGetter interface {
	GetTask(ctx context.Context, id download.ID) (*download.Task, error)
}

// Subscribe sends a message through n whenever a download finishes or
// fails. Messages are sent in the background so publishers never wait on the
// webhook.
func Subscribe(bus *events.Bus, tasks TaskGetter, n Notifier) (unsubscribe func()) {
	return bus.Subscribe(func(ctx context.Context, e download.Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)

		go func() {
			defer cancel()

			logger := logctx.LoggerFromContext(ctx)

			task, err := tasks.GetTask(ctx, e.TaskID)
			if err != nil {
				logger.WarnContext(ctx, "skipping notification for unknown task", "task_id", e.TaskID, "err", err)

				return
			}

			if err := n.Notify(ctx, Message(task, e)); err != nil {
				logger.ErrorContext(ctx, "failed to send notification", "task_id", e.TaskID, "err", err)
			}
		}()
	}, download.EventFinished, download.EventFailed)
}

// Message renders the notification text for e.
func Message(t *download.Task, e download.Event) string {
	switch e.Kind {
	case download.EventFinished:
		if t.FileSize >= 0 {
			return fmt.Sprintf("Download finished: %s (%s)", t.FileName, humanize.Bytes(uint64(t.FileSize)))
		}

		return fmt.Sprintf("Download finished: %s", t.FileName)
	case download.EventFailed:
		return fmt.Sprintf("Download failed: %s [%s] %s", t.FileName, e.State.ErrorCode, e.State.ErrorMessage)
	default:
		return fmt.Sprintf("Download %s: %s", e.Kind, t.FileName)
	}
}
