package store

import (
	"sort"
	"sync"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"taskbot/internal/task"
	logx "taskbot/pkg/logx"
)

// bucket holds the slots whose task is due at one millisecond.
// A bucket is marked dead when it empties; adders never reuse a dead bucket.
type bucket struct {
	key   int64
	mu    sync.Mutex
	dead  bool
	slots map[*slot]struct{}
}

func newBucket(key int64) *bucket {
	return &bucket{key: key, slots: map[*slot]struct{}{}}
}

// members returns the bucket's slots ordered by moniker.
func (b *bucket) members() []*slot {
	b.mu.Lock()
	out := make([]*slot, 0, len(b.slots))
	for s := range b.slots {
		out = append(out, s)
	}
	b.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].moniker < out[j].moniker })
	return out
}

// timeIndex orders slots by the NextRun of their current task.
//
// The tree lock only guards bucket lookup and insertion; membership changes take
// the per-bucket lock. Entries can be stale (a slot whose task moved or was
// removed) and readers must re-validate them.
type timeIndex struct {
	log  logx.Logger
	warn *rate.Limiter

	mu    sync.RWMutex
	tree  *btree.BTreeG[*bucket]
	never *bucket
}

func newTimeIndex(log logx.Logger) *timeIndex {
	return &timeIndex{
		log:   log,
		warn:  rate.NewLimiter(rate.Every(10*time.Second), 3),
		tree:  btree.NewG(16, func(a, b *bucket) bool { return a.key < b.key }),
		never: newBucket(0),
	}
}

func (x *timeIndex) lookup(key int64) (*bucket, bool) {
	x.mu.RLock()
	b, ok := x.tree.Get(&bucket{key: key})
	x.mu.RUnlock()
	return b, ok
}

func (x *timeIndex) add(at time.Time, s *slot) {
	if at.IsZero() {
		x.never.mu.Lock()
		x.never.slots[s] = struct{}{}
		x.never.mu.Unlock()
		return
	}
	key := at.UnixMilli()
	if b, ok := x.lookup(key); ok {
		b.mu.Lock()
		if !b.dead {
			b.slots[s] = struct{}{}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.tree.Get(&bucket{key: key})
	if ok {
		b.mu.Lock()
		if !b.dead {
			b.slots[s] = struct{}{}
			b.mu.Unlock()
			return
		}
		b.mu.Unlock()
	}
	nb := newBucket(key)
	nb.slots[s] = struct{}{}
	x.tree.ReplaceOrInsert(nb)
}

// remove drops s from the bucket for at. A missing bucket or entry is logged
// and otherwise ignored.
func (x *timeIndex) remove(at time.Time, s *slot) {
	if at.IsZero() {
		x.never.mu.Lock()
		delete(x.never.slots, s)
		x.never.mu.Unlock()
		return
	}
	key := at.UnixMilli()
	b, ok := x.lookup(key)
	if !ok {
		x.warnf("index bucket missing on remove", s.moniker, key)
		return
	}
	b.mu.Lock()
	if _, ok := b.slots[s]; !ok {
		b.mu.Unlock()
		x.warnf("index entry missing on remove", s.moniker, key)
		return
	}
	delete(b.slots, s)
	empty := len(b.slots) == 0
	if empty {
		b.dead = true
	}
	b.mu.Unlock()
	if empty {
		x.drop(b)
	}
}

// prune removes s from b if its current task no longer belongs there.
func (x *timeIndex) prune(b *bucket, s *slot) {
	b.mu.Lock()
	if _, ok := b.slots[s]; !ok {
		b.mu.Unlock()
		return
	}
	if cur := s.cur.Load(); cur != nil && belongs(b, x.never, cur) {
		b.mu.Unlock()
		return
	}
	delete(b.slots, s)
	empty := b != x.never && len(b.slots) == 0
	if empty {
		b.dead = true
	}
	b.mu.Unlock()
	if empty {
		x.drop(b)
	}
}

func (x *timeIndex) drop(b *bucket) {
	x.mu.Lock()
	if cur, ok := x.tree.Get(b); ok && cur == b {
		x.tree.Delete(b)
	}
	x.mu.Unlock()
}

// snapshot returns the live buckets with a key at or before limit, in order.
// A zero limit returns every bucket.
func (x *timeIndex) snapshot(limit time.Time) []*bucket {
	var out []*bucket
	collect := func(b *bucket) bool {
		out = append(out, b)
		return true
	}
	x.mu.RLock()
	if limit.IsZero() {
		x.tree.Ascend(collect)
	} else {
		x.tree.AscendLessThan(&bucket{key: limit.UnixMilli() + 1}, collect)
	}
	x.mu.RUnlock()
	return out
}

func (x *timeIndex) warnf(msg, moniker string, key int64) {
	if x.log.IsZero() || !x.warn.Allow() {
		return
	}
	x.log.Warn(msg, logx.Task(moniker), logx.Int64("next_run_ms", key))
}

func belongs(b, never *bucket, t *task.Task) bool {
	if b == never {
		return t.NextRun.IsZero()
	}
	return !t.NextRun.IsZero() && t.NextRun.UnixMilli() == b.key
}
