package download

import "fmt"

// EventKind names a domain event.
type EventKind int

const (
	EventEnqueued EventKind = iota + 1
	EventStarted
	EventPaused
	EventResumed
	EventProgress
	EventFailed
	EventCanceled
	EventFinished
	EventPurged
)

// AllEventKinds lists every event kind, in declaration order.
var AllEventKinds = []EventKind{
	EventEnqueued,
	EventStarted,
	EventPaused,
	EventResumed,
	EventProgress,
	EventFailed,
	EventCanceled,
	EventFinished,
	EventPurged,
}

func (k EventKind) String() string {
	switch k {
	case EventEnqueued:
		return "enqueued"
	case EventStarted:
		return "started"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventProgress:
		return "progress"
	case EventFailed:
		return "failed"
	case EventCanceled:
		return "canceled"
	case EventFinished:
		return "finished"
	case EventPurged:
		return "purged"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is produced by a task transition and published once by the use case
// that caused it. State is the state the task was left in; for Canceled it is
// the state the task had when it was removed.
type Event struct {
	Kind    EventKind
	TaskID  ID
	Version int64
	State   State
}
