package clockutil

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is a manually advanced Clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	at      time.Time
	ch      chan time.Time
	fn      func()
	stopped atomic.Bool
}

func NewFake(start time.Time) *Fake {
	if start.IsZero() {
		start = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &fakeWaiter{at: f.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		w.ch <- f.now
		return w.ch
	}
	f.waiters = append(f.waiters, w)
	return w.ch
}

func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	w := &fakeWaiter{at: f.now.Add(d), fn: fn}
	if d <= 0 {
		f.mu.Unlock()
		// Matches time.AfterFunc: the callback never runs on the
		// caller's stack.
		go fn()
		return w
	}
	f.waiters = append(f.waiters, w)
	f.mu.Unlock()
	return w
}

func (f *Fake) Sleep(d time.Duration) {
	<-f.After(d)
}

// Advance moves the fake clock forward, firing due waiters in order.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	for {
		due := f.dueWaiterLocked(target)
		if due == nil {
			break
		}
		if due.at.After(f.now) {
			f.now = due.at
		}
		f.removeWaiterLocked(due)
		if due.stopped.Load() {
			continue
		}
		if due.fn != nil {
			fn := due.fn
			f.mu.Unlock()
			fn()
			f.mu.Lock()
			continue
		}
		select {
		case due.ch <- f.now:
		default:
		}
	}
	f.now = target
	f.mu.Unlock()
}

func (f *Fake) dueWaiterLocked(target time.Time) *fakeWaiter {
	pending := make([]*fakeWaiter, 0, len(f.waiters))
	for _, w := range f.waiters {
		if !w.stopped.Load() && !w.at.After(target) {
			pending = append(pending, w)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].at.Before(pending[j].at) })
	return pending[0]
}

func (f *Fake) removeWaiterLocked(target *fakeWaiter) {
	out := f.waiters[:0]
	for _, w := range f.waiters {
		if w != target {
			out = append(out, w)
		}
	}
	f.waiters = out
}

func (w *fakeWaiter) Stop() bool {
	return !w.stopped.Swap(true)
}
