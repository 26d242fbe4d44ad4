// Package store keeps task records and publishes changes to them with
// compare-and-swap.
//
// A Record is an immutable snapshot of one task as observed at some point in
// time. Writers derive a new task value from a record and publish it with CAS;
// the publish fails with ErrConflict when anyone else changed the task first.
package store

import (
	"errors"
	"iter"
	"time"

	"taskbot/internal/task"
)

var (
	ErrTaskExists     = errors.New("task already exists")
	ErrInvalidMoniker = errors.New("invalid task moniker")
	ErrConflict       = errors.New("task changed concurrently")
	ErrForeignRecord  = errors.New("record was not issued by this store")
)

// Record is a read-only snapshot of a task, bound to the storage slot it was
// read from. Once its task is removed a record never becomes valid again, even
// if a task with the same moniker is created later.
type Record struct {
	moniker string
	task    *task.Task
	slot    *slot
	owner   *Memory
}

func (r *Record) Moniker() string { return r.moniker }

// Task returns a copy of the snapshot. Modifying it does not affect the store.
func (r *Record) Task() task.Task { return *r.task }

func (r *Record) NextRun() time.Time { return r.task.NextRun }

func (r *Record) State() task.State { return r.task.State }

// ListFilter narrows ListScheduled. Empty fields match everything.
type ListFilter struct {
	Handlers []string
	States   []task.State
	// Before is an inclusive upper bound on NextRun. Zero means unbounded.
	Before time.Time
}

// Store is the task storage contract used by the scheduler.
//
// Contention is never a panic: NewTask reports ErrTaskExists and CAS reports
// ErrConflict, and the caller decides whether to reload and retry.
type Store interface {
	NewTask(t task.Task) (*Record, error)
	Find(moniker string) (*Record, bool)
	CAS(old *Record, t task.Task) (*Record, error)
	Reload(r *Record) (*Record, bool)
	Remove(moniker string) bool

	// ListScheduled yields tasks with a NextRun in ascending NextRun order.
	ListScheduled(f ListFilter) iter.Seq[*Record]
	// ListScheduledToNeverRun yields tasks whose NextRun is zero.
	ListScheduledToNeverRun() iter.Seq[*Record]
	All() []*Record
}

// Update reloads r, applies mutate to a copy and publishes it, retrying on
// conflict. It returns false when the task is gone or mutate returned false.
// Removal wins: a mutation of a removed task is dropped without error.
func Update(s Store, r *Record, mutate func(t *task.Task) bool) (*Record, bool) {
	if r == nil {
		return nil, false
	}
	for {
		cur, ok := s.Reload(r)
		if !ok {
			return nil, false
		}
		t := cur.Task()
		if !mutate(&t) {
			return cur, false
		}
		next, err := s.CAS(cur, t)
		if err == nil {
			return next, true
		}
		if !errors.Is(err, ErrConflict) {
			return nil, false
		}
		r = cur
	}
}
