// Package clock abstracts the time source so lifecycle rules (room aging,
// hot/cold checks, rate-limit cooldowns) can be driven deterministically in
// tests.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is the subset of the time package the actors depend on.
type Clock interface {
	Now() time.Time

	// AfterFunc calls f in its own goroutine once d has elapsed. The
	// returned function cancels the call and reports whether it did so.
	AfterFunc(d time.Duration, f func()) (stop func() bool)
}

type realClock struct{}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

// Fake is a manually advanced clock. Pending AfterFunc callbacks run
// synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	nextID  int
	pending map[int]fakeTimer
}

type fakeTimer struct {
	at time.Time
	f  func()
}

// NewFake returns a fake clock set to start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start, pending: make(map[int]fakeTimer)}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) AfterFunc(d time.Duration, f func()) func() bool {
	c.mu.Lock()
	if d <= 0 {
		c.mu.Unlock()
		f()
		return func() bool { return false }
	}
	id := c.nextID
	c.nextID++
	c.pending[id] = fakeTimer{at: c.now.Add(d), f: f}
	c.mu.Unlock()

	return func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.pending[id]; !ok {
			return false
		}
		delete(c.pending, id)
		return true
	}
}

// Advance moves the clock forward and fires every callback that came due.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now

	var due []fakeTimer
	for id, t := range c.pending {
		if !t.at.After(now) {
			due = append(due, t)
			delete(c.pending, id)
		}
	}
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

// Pending reports how many callbacks are waiting to fire.
func (c *Fake) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
