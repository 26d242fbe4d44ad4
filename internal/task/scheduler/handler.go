package scheduler

import (
	"context"
	"encoding/json"
	"reflect"

	"taskbot/internal/task"
)

// Handler executes the tasks bound to it.
//
// Params and checkpoints are stored as opaque strings; the handler owns their
// encoding. Handle should poll Context.Aborted and return early once it reports
// true: cancellation is cooperative.
type Handler interface {
	Moniker() string
	Handle(ctx context.Context, c Context) error

	MarshalParams(v any) (string, error)
	UnmarshalParams(s string) (any, error)
	MarshalCheckpoint(v any) (string, error)
	UnmarshalCheckpoint(s string) (any, error)
}

// Context is the view a handler has of the task it runs.
type Context interface {
	Moniker() string
	// Params returns the decoded params, or nil when the task has none.
	Params() any
	// Checkpoint returns the decoded checkpoint, or nil when none was saved.
	Checkpoint() any
	// SetCheckpoint stores v immediately.
	SetCheckpoint(v any) error
	Progress() task.Progress
	// SetProgress updates the progress. Store writes are debounced.
	SetProgress(p task.Progress)
	// Aborted reports whether the task was removed or the run was cancelled.
	Aborted() bool
}

// HandlerID binds a registered handler to the scheduler that registered it.
type HandlerID struct {
	h     Handler
	owner *Scheduler
}

func (id HandlerID) Moniker() string {
	if id.h == nil {
		return ""
	}
	return id.h.Moniker()
}

func (id HandlerID) IsZero() bool { return id.h == nil }

// TypeMoniker returns the package-qualified type name of v, for handlers
// named after their implementation type.
func TypeMoniker(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return ""
	}
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "" {
		return t.String()
	}
	return t.PkgPath() + "." + t.Name()
}

// HandlerFunc is the body of a handler built with NewHandler.
type HandlerFunc[P, M any] func(ctx context.Context, c *TypedContext[P, M]) error

// NewHandler returns a handler that stores params of type P and checkpoints of
// type M as JSON.
func NewHandler[P, M any](moniker string, fn HandlerFunc[P, M]) Handler {
	return &jsonHandler[P, M]{moniker: moniker, fn: fn}
}

type jsonHandler[P, M any] struct {
	moniker string
	fn      HandlerFunc[P, M]
}

func (h *jsonHandler[P, M]) Moniker() string { return h.moniker }

func (h *jsonHandler[P, M]) Handle(ctx context.Context, c Context) error {
	return h.fn(ctx, &TypedContext[P, M]{Context: c})
}

func (h *jsonHandler[P, M]) MarshalParams(v any) (string, error) { return marshalJSON(v) }

func (h *jsonHandler[P, M]) UnmarshalParams(s string) (any, error) {
	var p P
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func (h *jsonHandler[P, M]) MarshalCheckpoint(v any) (string, error) { return marshalJSON(v) }

func (h *jsonHandler[P, M]) UnmarshalCheckpoint(s string) (any, error) {
	var m M
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// TypedContext is a Context with typed params and checkpoint accessors.
type TypedContext[P, M any] struct {
	Context
}

// Params returns the decoded params, or the zero P when the task has none.
func (c *TypedContext[P, M]) Params() P {
	v, _ := c.Context.Params().(P)
	return v
}

// Checkpoint returns the saved checkpoint. ok is false when none was saved.
func (c *TypedContext[P, M]) Checkpoint() (m M, ok bool) {
	m, ok = c.Context.Checkpoint().(M)
	return m, ok
}

func (c *TypedContext[P, M]) SetCheckpoint(m M) error { return c.Context.SetCheckpoint(m) }
