package store

import (
	"fmt"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

// slot is the storage cell of one task. It holds the current value and is
// cleared exactly once, on removal.
type slot struct {
	moniker string
	cur     atomic.Pointer[task.Task]
}

// Memory is the in-memory Store.
//
// Tasks live in a concurrent map keyed by moniker. A secondary index orders them
// by NextRun; it is maintained without a global lock and may briefly hold stale
// entries, which listings filter out.
type Memory struct {
	log   logx.Logger
	tasks sync.Map // moniker -> *slot
	idx   *timeIndex
}

var _ Store = (*Memory)(nil)

func NewMemory(log logx.Logger) *Memory {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.Comp("task.store"))
	return &Memory{log: log, idx: newTimeIndex(log)}
}

func (m *Memory) record(s *slot, t *task.Task) *Record {
	return &Record{moniker: s.moniker, task: t, slot: s, owner: m}
}

func (m *Memory) NewTask(t task.Task) (*Record, error) {
	if strings.TrimSpace(t.Moniker) == "" {
		return nil, ErrInvalidMoniker
	}
	tp := &t
	s := &slot{moniker: t.Moniker}
	s.cur.Store(tp)
	if _, loaded := m.tasks.LoadOrStore(t.Moniker, s); loaded {
		return nil, fmt.Errorf("%w: %s", ErrTaskExists, t.Moniker)
	}
	m.idx.add(tp.NextRun, s)
	return m.record(s, tp), nil
}

func (m *Memory) Find(moniker string) (*Record, bool) {
	v, ok := m.tasks.Load(moniker)
	if !ok {
		return nil, false
	}
	s := v.(*slot)
	cur := s.cur.Load()
	if cur == nil {
		return nil, false
	}
	return m.record(s, cur), true
}

func (m *Memory) CAS(old *Record, t task.Task) (*Record, error) {
	if old == nil || old.owner != m {
		return nil, ErrForeignRecord
	}
	if t.Moniker != old.moniker {
		return nil, fmt.Errorf("%w: moniker change %q -> %q", ErrForeignRecord, old.moniker, t.Moniker)
	}
	tp := &t
	if !old.slot.cur.CompareAndSwap(old.task, tp) {
		return nil, ErrConflict
	}
	if !old.task.NextRun.Equal(tp.NextRun) {
		// New position first, then the old one: readers may see both for a moment.
		m.idx.add(tp.NextRun, old.slot)
		m.idx.remove(old.task.NextRun, old.slot)
		// A concurrent CAS may have removed the entry its successor needs.
		if cur := old.slot.cur.Load(); cur != nil && cur != tp {
			m.idx.add(cur.NextRun, old.slot)
		}
	}
	return m.record(old.slot, tp), nil
}

func (m *Memory) Reload(r *Record) (*Record, bool) {
	if r == nil || r.owner != m {
		return nil, false
	}
	cur := r.slot.cur.Load()
	if cur == nil {
		return nil, false
	}
	if cur == r.task {
		return r, true
	}
	return m.record(r.slot, cur), true
}

func (m *Memory) Remove(moniker string) bool {
	v, ok := m.tasks.LoadAndDelete(moniker)
	if !ok {
		return false
	}
	s := v.(*slot)
	prev := s.cur.Swap(nil)
	if prev == nil {
		return false
	}
	m.idx.remove(prev.NextRun, s)
	return true
}

func (m *Memory) ListScheduled(f ListFilter) iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		seen := map[*slot]struct{}{}
		for _, b := range m.idx.snapshot(f.Before) {
			for _, s := range b.members() {
				cur := s.cur.Load()
				if cur == nil || !belongs(b, m.idx.never, cur) {
					m.idx.prune(b, s)
					continue
				}
				if _, dup := seen[s]; dup {
					continue
				}
				seen[s] = struct{}{}
				if !f.match(cur) {
					continue
				}
				if !yield(m.record(s, cur)) {
					return
				}
			}
		}
	}
}

func (m *Memory) ListScheduledToNeverRun() iter.Seq[*Record] {
	return func(yield func(*Record) bool) {
		for _, s := range m.idx.never.members() {
			cur := s.cur.Load()
			if cur == nil || !cur.NextRun.IsZero() {
				m.idx.prune(m.idx.never, s)
				continue
			}
			if !yield(m.record(s, cur)) {
				return
			}
		}
	}
}

// All returns every live task ordered by moniker.
func (m *Memory) All() []*Record {
	var out []*Record
	m.tasks.Range(func(_, v any) bool {
		s := v.(*slot)
		if cur := s.cur.Load(); cur != nil {
			out = append(out, m.record(s, cur))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].moniker < out[j].moniker })
	return out
}

func (f ListFilter) match(t *task.Task) bool {
	if len(f.Handlers) > 0 && !slices.Contains(f.Handlers, t.HandlerMoniker) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, t.State) {
		return false
	}
	if !f.Before.IsZero() && t.NextRun.After(f.Before) {
		return false
	}
	return true
}
