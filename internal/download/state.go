package download

import "fmt"

// Kind enumerates the states a task can be in.
type Kind int

const (
	KindEnqueued Kind = iota + 1
	KindDownloading
	KindPaused
	KindFailed
	KindFinished
)

func (k Kind) String() string {
	switch k {
	case KindEnqueued:
		return "enqueued"
	case KindDownloading:
		return "downloading"
	case KindPaused:
		return "paused"
	case KindFailed:
		return "failed"
	case KindFinished:
		return "finished"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindEnqueued, KindDownloading, KindPaused, KindFailed, KindFinished} {
		if k.String() == s {
			return k, nil
		}
	}

	return 0, fmt.Errorf("unknown download state %q", s)
}

// State is the tagged union of task states. Only the fields belonging to
// Kind are meaningful: Progress for Downloading and Paused, ErrorCode and
// ErrorMessage for Failed.
type State struct {
	Kind         Kind
	Progress     float64
	ErrorCode    string
	ErrorMessage string
}

func Enqueued() State { return State{Kind: KindEnqueued} }

func Downloading(progress float64) State {
	return State{Kind: KindDownloading, Progress: clamp(progress)}
}

func Paused(progress float64) State {
	return State{Kind: KindPaused, Progress: clamp(progress)}
}

func Failed(code, message string) State {
	return State{Kind: KindFailed, ErrorCode: code, ErrorMessage: message}
}

func Finished() State { return State{Kind: KindFinished} }

// IsTerminal reports whether no further transfer happens without user action.
func (s State) IsTerminal() bool {
	switch s.Kind {
	case KindFailed, KindFinished:
		return true
	case KindEnqueued, KindDownloading, KindPaused:
		return false
	default:
		panic(fmt.Sprintf("download: unhandled state %v", s.Kind))
	}
}

// HasProgress reports whether Progress is meaningful for the state.
func (s State) HasProgress() bool {
	switch s.Kind {
	case KindDownloading, KindPaused:
		return true
	case KindEnqueued, KindFailed, KindFinished:
		return false
	default:
		panic(fmt.Sprintf("download: unhandled state %v", s.Kind))
	}
}

// WithProgress returns a copy of s carrying progress, or s unchanged when the
// state has no progress.
func (s State) WithProgress(progress float64) State {
	if !s.HasProgress() {
		return s
	}

	s.Progress = clamp(progress)

	return s
}

func (s State) String() string {
	switch s.Kind {
	case KindDownloading, KindPaused:
		return fmt.Sprintf("%s(%.2f)", s.Kind, s.Progress)
	case KindFailed:
		return fmt.Sprintf("%s(%s: %s)", s.Kind, s.ErrorCode, s.ErrorMessage)
	case KindEnqueued, KindFinished:
		return s.Kind.String()
	default:
		panic(fmt.Sprintf("download: unhandled state %v", s.Kind))
	}
}
