package scheduler

import (
	"time"

	"taskbot/internal/eventbus"
	"taskbot/internal/task/store"
)

// Event types published on the bus.
const (
	EventClaimed   = "task.claimed"
	EventUnclaimed = "task.unclaimed"
	EventSucceeded = "task.succeeded"
	EventFailed    = "task.failed"
)

// TaskEvent is the payload of every task lifecycle event.
type TaskEvent struct {
	Moniker      string        `json:"moniker"`
	Handler      string        `json:"handler"`
	Started      time.Time     `json:"started,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`
	NextRun      time.Time     `json:"next_run,omitempty"`
	ErrorClass   string        `json:"error_class,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

func (s *Scheduler) publish(typ string, r *store.Record, ev TaskEvent) {
	if s.bus == nil {
		return
	}
	if r != nil {
		t := r.Task()
		ev.Moniker = t.Moniker
		ev.Handler = t.HandlerMoniker
		if ev.NextRun.IsZero() {
			ev.NextRun = t.NextRun
		}
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
