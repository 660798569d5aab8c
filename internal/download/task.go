package download

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// UnknownSize marks a task whose remote size could not be resolved.
const UnknownSize int64 = -1

// Task is the aggregate root for one download.
type Task struct {
	ID        ID
	FileName  string
	FileURL   string
	FilePath  string
	FileSize  int64
	State     State
	Version   int64
	UpdatedAt time.Time

	events []Event
}

// NewTask creates an enqueued task at version 0 and records the Enqueued event.
func NewTask(url, path, name string, size int64) (*Task, error) {
	if strings.TrimSpace(url) == "" || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: url and name are required", ErrInvalidArguments)
	}

	if name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: name %q must be a plain file name", ErrInvalidArguments, name)
	}

	if size < 0 {
		size = UnknownSize
	}

	t := &Task{
		ID:        NewID(url, path, name),
		FileName:  name,
		FileURL:   url,
		FilePath:  path,
		FileSize:  size,
		State:     Enqueued(),
		UpdatedAt: time.Now().UTC(),
	}
	t.record(EventEnqueued)

	return t, nil
}

// Target is the local path the task writes to.
func (t *Task) Target() string {
	return filepath.Join(t.FilePath, t.FileName)
}

// Clone returns a copy without pending events.
func (t *Task) Clone() *Task {
	c := *t
	c.events = nil

	return &c
}

// Start moves an enqueued task to Downloading(0).
func (t *Task) Start() error {
	if t.State.Kind != KindEnqueued {
		return t.illegal("start")
	}

	t.commit(Downloading(0), EventStarted)

	return nil
}

func (t *Task) Pause() error {
	if t.State.Kind != KindDownloading {
		return t.illegal("pause")
	}

	t.commit(Paused(t.State.Progress), EventPaused)

	return nil
}

func (t *Task) Resume() error {
	if t.State.Kind != KindPaused {
		return t.illegal("resume")
	}

	t.commit(Downloading(t.State.Progress), EventResumed)

	return nil
}

// UpdateProgress records an intermediate progress tick. It does not bump the
// version: ticks are best-effort and are not persisted on their own.
func (t *Task) UpdateProgress(progress float64) error {
	if t.State.Kind != KindDownloading {
		return t.illegal("update progress of")
	}

	t.State = Downloading(progress)
	t.record(EventProgress)

	return nil
}

func (t *Task) Fail(code, message string) error {
	if t.State.Kind != KindDownloading {
		return t.illegal("fail")
	}

	t.commit(Failed(code, message), EventFailed)

	return nil
}

func (t *Task) Finish() error {
	if t.State.Kind != KindDownloading {
		return t.illegal("finish")
	}

	t.commit(Finished(), EventFinished)

	return nil
}

// Cancel is legal from every state. The state is left as is; the caller
// removes the task and its file.
func (t *Task) Cancel() {
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	t.record(EventCanceled)
}

// Purge retires a finished task's record. The downloaded file stays on disk.
func (t *Task) Purge() error {
	if t.State.Kind != KindFinished {
		return t.illegal("purge")
	}

	t.Version++
	t.UpdatedAt = time.Now().UTC()
	t.record(EventPurged)

	return nil
}

// Requeue moves a failed task back to Enqueued so it can be started again.
func (t *Task) Requeue() error {
	if t.State.Kind != KindFailed {
		return t.illegal("requeue")
	}

	t.commit(Enqueued(), EventEnqueued)

	return nil
}

// PullEvents returns the events recorded since the last call and clears them.
func (t *Task) PullEvents() []Event {
	events := t.events
	t.events = nil

	return events
}

func (t *Task) commit(s State, kind EventKind) {
	t.State = s
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	t.record(kind)
}

func (t *Task) record(kind EventKind) {
	t.events = append(t.events, Event{
		Kind:    kind,
		TaskID:  t.ID,
		Version: t.Version,
		State:   t.State,
	})
}

func (t *Task) illegal(op string) error {
	return &TransitionError{Op: op, From: t.State.Kind, Err: stateError(t.State.Kind)}
}
