package task

import (
	"encoding/json"
	"fmt"
	"time"
)

// State is the run state of a task.
type State int

const (
	Scheduled State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Scheduled:
		return "SCHEDULED"
	case Running:
		return "RUNNING"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "SCHEDULED":
		*s = Scheduled
	case "RUNNING":
		*s = Running
	default:
		return fmt.Errorf("unknown task state %q", string(b))
	}
	return nil
}

// Task is the full persisted state of a scheduled task.
//
// A Task is treated as a frozen value once published to a store. To change it,
// copy it, modify the copy and publish the copy with a compare-and-swap.
// Zero times mean "never"/"not set".
type Task struct {
	Moniker        string
	State          State
	HandlerMoniker string

	Schedule       Schedule
	FailedSchedule Schedule

	LastRunStart     time.Time
	LastRunFinish    time.Time
	LastSuccess      time.Time
	LastErrorClass   string
	LastErrorMessage string

	NextRun time.Time

	Params     *string
	Checkpoint *string
	Progress   Progress
}

// EffectiveFailedSchedule returns the schedule used after a failed run.
// It falls back to the normal schedule when no failure schedule was set.
func (t Task) EffectiveFailedSchedule() Schedule {
	if t.FailedSchedule.IsZero() {
		return t.Schedule
	}
	return t.FailedSchedule
}

// HasError reports whether the last failed run left an error behind.
func (t Task) HasError() bool { return t.LastErrorClass != "" || t.LastErrorMessage != "" }

// StrPtr is a convenience for building Params/Checkpoint values.
func StrPtr(s string) *string { return &s }

type taskJSON struct {
	Moniker          string   `json:"moniker"`
	State            State    `json:"state"`
	HandlerMoniker   string   `json:"handler"`
	Schedule         Schedule `json:"schedule"`
	FailedSchedule   Schedule `json:"failed_schedule"`
	LastRunStart     *int64   `json:"last_run_start"`
	LastRunFinish    *int64   `json:"last_run_finish"`
	LastSuccess      *int64   `json:"last_success"`
	LastErrorClass   string   `json:"last_error_class,omitempty"`
	LastErrorMessage string   `json:"last_error_message,omitempty"`
	NextRun          *int64   `json:"next_run"`
	Params           *string  `json:"params"`
	Checkpoint       *string  `json:"checkpoint"`
	Progress         Progress `json:"progress"`
}

func (t Task) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskJSON{
		Moniker:          t.Moniker,
		State:            t.State,
		HandlerMoniker:   t.HandlerMoniker,
		Schedule:         t.Schedule,
		FailedSchedule:   t.FailedSchedule,
		LastRunStart:     millisPtr(t.LastRunStart),
		LastRunFinish:    millisPtr(t.LastRunFinish),
		LastSuccess:      millisPtr(t.LastSuccess),
		LastErrorClass:   t.LastErrorClass,
		LastErrorMessage: t.LastErrorMessage,
		NextRun:          millisPtr(t.NextRun),
		Params:           t.Params,
		Checkpoint:       t.Checkpoint,
		Progress:         t.Progress,
	})
}

func (t *Task) UnmarshalJSON(b []byte) error {
	var w taskJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*t = Task{
		Moniker:          w.Moniker,
		State:            w.State,
		HandlerMoniker:   w.HandlerMoniker,
		Schedule:         w.Schedule,
		FailedSchedule:   w.FailedSchedule,
		LastRunStart:     fromMillisPtr(w.LastRunStart),
		LastRunFinish:    fromMillisPtr(w.LastRunFinish),
		LastSuccess:      fromMillisPtr(w.LastSuccess),
		LastErrorClass:   w.LastErrorClass,
		LastErrorMessage: w.LastErrorMessage,
		NextRun:          fromMillisPtr(w.NextRun),
		Params:           w.Params,
		Checkpoint:       w.Checkpoint,
		Progress:         w.Progress,
	}
	return nil
}

func millisPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillisPtr(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return time.UnixMilli(*ms)
}
