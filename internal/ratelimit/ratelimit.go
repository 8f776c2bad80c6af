// Package ratelimit implements the per-user cooldown limiter: one limiter
// actor per user, a registry that hands out references to them, and the
// room-side client that keeps at most one check in flight.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice-board/internal/actor"
	"github.com/manpreetbhatti/lattice-board/internal/clock"
)

// Options tune the "next eligible time" counter.
type Options struct {
	// Increment is added to the next allowed time per action.
	Increment time.Duration
	// Grace is the burst allowance subtracted from the reported cooldown.
	Grace time.Duration
}

func DefaultOptions() Options {
	return Options{
		Increment: time.Second,
		Grace:     10 * time.Second,
	}
}

// Limiter is the rate limiter actor of one user.
type Limiter struct {
	mailbox *actor.Mailbox
	clock   clock.Clock
	opts    Options

	// owned by the mailbox goroutine
	nextAllowed time.Time
}

func NewLimiter(clk clock.Clock, opts Options) *Limiter {
	l := &Limiter{
		mailbox:     actor.NewMailbox(),
		clock:       clk,
		opts:        opts,
		nextAllowed: clk.Now(),
	}
	go l.mailbox.Run()
	return l
}

// Update advances the next allowed time, charging one action when
// didAction is set, and returns how long the caller should wait before
// acting again. It fails with actor.ErrStopped once the limiter is stopped.
func (l *Limiter) Update(ctx context.Context, didAction bool) (time.Duration, error) {
	var cooldown time.Duration
	err := l.mailbox.Do(ctx, func() {
		now := l.clock.Now()
		if l.nextAllowed.Before(now) {
			l.nextAllowed = now
		}
		if didAction {
			l.nextAllowed = l.nextAllowed.Add(l.opts.Increment)
		}
		cooldown = l.nextAllowed.Sub(now) - l.opts.Grace
		if cooldown < 0 {
			cooldown = 0
		}
	})
	return cooldown, err
}

// idle reports whether the limiter carries no pending cooldown, i.e. a
// fresh limiter would behave identically.
func (l *Limiter) idle(ctx context.Context) (bool, error) {
	var idle bool
	err := l.mailbox.Do(ctx, func() {
		idle = !l.nextAllowed.After(l.clock.Now())
	})
	return idle, err
}

func (l *Limiter) Stop() {
	l.mailbox.Stop()
}

// Registry owns the limiter actors, keyed by user id.
type Registry struct {
	limiters map[string]*Limiter
	clock    clock.Clock
	opts     Options
	log      logrus.FieldLogger
	mu       sync.Mutex
}

func NewRegistry(clk clock.Clock, opts Options, log logrus.FieldLogger) *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
		clock:    clk,
		opts:     opts,
		log:      log,
	}
}

// Get returns the live limiter of a user, spawning one if needed.
func (r *Registry) Get(userID string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limiter, ok := r.limiters[userID]; ok {
		return limiter
	}

	limiter := NewLimiter(r.clock, r.opts)
	r.limiters[userID] = limiter
	return limiter
}

// Reap stops every limiter whose cooldown has fully elapsed. References
// still held by clients become stale and fail with actor.ErrStopped.
func (r *Registry) Reap(ctx context.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	reaped := 0
	for userID, limiter := range r.limiters {
		idle, err := limiter.idle(ctx)
		stopped := errors.Is(err, actor.ErrStopped)
		if err != nil && !stopped {
			r.log.WithError(err).WithField("user", userID).Warn("rate limiter did not answer idle check")
			continue
		}
		if idle || stopped {
			limiter.Stop()
			delete(r.limiters, userID)
			reaped++
		}
	}
	return reaped
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID, limiter := range r.limiters {
		limiter.Stop()
		delete(r.limiters, userID)
	}
}
