package scheduler

import (
	"errors"
	"fmt"
	"reflect"

	"taskbot/internal/task/store"
)

var (
	ErrHandlerExists        = errors.New("handler already registered")
	ErrUnknownHandler       = errors.New("unknown handler")
	ErrForeignHandler       = errors.New("handler id was not issued by this scheduler")
	ErrInsufficientCapacity = errors.New("executor must have at least 3 free workers")
	ErrAlreadyStarted       = errors.New("scheduler already started")
	ErrShutdown             = errors.New("scheduler shut down")
	ErrNoSchedule           = errors.New("task schedule required")

	// ErrTaskExists is returned by CreateTask for a duplicate moniker.
	ErrTaskExists = store.ErrTaskExists
)

// PanicError is the failure recorded when a handler panics.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// DecodeError is the failure recorded when stored params or a checkpoint
// cannot be decoded by the handler.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string { return "decode " + e.Field + ": " + e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// ErrorClass names the kind of a handler failure. Errors may choose their class
// with an ErrorClass() string method; otherwise the dynamic type name is used.
func ErrorClass(err error) string {
	if err == nil {
		return ""
	}
	var c interface{ ErrorClass() string }
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() != "" {
		return t.Name()
	}
	return t.String()
}
