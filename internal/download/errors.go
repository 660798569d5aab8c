package download

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound     = errors.New("download task not found")
	ErrAlreadyEnqueued  = errors.New("download already enqueued")
	ErrNotStarted       = errors.New("download not started")
	ErrAlreadyStarted   = errors.New("download already started")
	ErrIsPaused         = errors.New("download is paused")
	ErrIsFailed         = errors.New("download has failed")
	ErrAlreadyFinished  = errors.New("download already finished")
	ErrInvalidArguments = errors.New("invalid download arguments")
	ErrTargetExists     = errors.New("download target already exists")
)

// TransitionError is returned when an operation is not legal from the task's
// current state. Err is the sentinel describing that state.
type TransitionError struct {
	Op   string
	From Kind
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s download in state %s: %v", e.Op, e.From, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ConflictError is returned by Enqueue when a task already exists for the
// derived identifier.
type ConflictError struct {
	ID    ID
	State Kind
	Err   error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("download %s conflicts with existing task: %v", e.ID, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflictError builds the conflict error matching the existing task's state.
func NewConflictError(id ID, state Kind) *ConflictError {
	err := ErrAlreadyEnqueued
	if state != KindEnqueued {
		err = stateError(state)
	}

	return &ConflictError{ID: id, State: state, Err: err}
}

func stateError(k Kind) error {
	switch k {
	case KindEnqueued:
		return ErrNotStarted
	case KindDownloading:
		return ErrAlreadyStarted
	case KindPaused:
		return ErrIsPaused
	case KindFailed:
		return ErrIsFailed
	case KindFinished:
		return ErrAlreadyFinished
	default:
		panic(fmt.Sprintf("download: unhandled state %v", k))
	}
}
