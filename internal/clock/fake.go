package clock

import (
	"sync"
	"time"
)

// FakeClock delivers deterministic timer signals for tests. Each waiter keeps
// its own deadline, so a 50ms timer and a 2s timer registered at the same
// instant fire at different Advance steps. Fire remains available for tests
// that only care about "the next timer", regardless of duration.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []*fakeWaiter
	pending int
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock constructs a fake clock with buffered notifications.
func NewFakeClock() *FakeClock {
	return &FakeClock{now: time.Unix(0, 0)}
}

// Now returns the fake current time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a waiter due at Now()+d. Non-positive durations signal
// immediately, matching time.After. A waiter may also be satisfied by a
// Fire call that happened before the registration (a pending tick).
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.mu.Lock()
	if d <= 0 {
		now := f.now
		f.mu.Unlock()
		ch <- now
		return ch
	}
	if f.pending > 0 {
		f.pending--
		now := f.now
		f.mu.Unlock()
		ch <- now
		return ch
	}
	f.waiters = append(f.waiters, &fakeWaiter{deadline: f.now.Add(d), ch: ch})
	f.mu.Unlock()
	return ch
}

// Advance moves the fake time forward by d and delivers a tick to every
// waiter whose deadline has been reached.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now

	var due []*fakeWaiter
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range due {
		w.ch <- now
	}
}

// Fire delivers a single timer event to all current waiters without moving
// the clock. If no waiter is registered the event is remembered and consumed
// by the next After call.
func (f *FakeClock) Fire() {
	f.mu.Lock()
	if len(f.waiters) == 0 {
		f.pending++
		f.mu.Unlock()
		return
	}
	waiters := append([]*fakeWaiter(nil), f.waiters...)
	now := f.now
	f.waiters = nil
	f.mu.Unlock()

	for _, w := range waiters {
		w.ch <- now
	}
}

// WaiterCount reports the number of unexpired timers, letting tests assert
// that an abandoned delayed call released its timer.
func (f *FakeClock) WaiterCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters)
}
