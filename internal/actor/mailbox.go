// Package actor provides the single-consumer mailbox every stateful
// component (room, room manager, rate limiter) runs on. Work submitted to a
// mailbox executes one item at a time, in arrival order, on one goroutine,
// so the owner's state needs no further locking.
package actor

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned for work submitted to a stopped mailbox. A caller
// holding a reference to a stopped actor must acquire a fresh one.
var ErrStopped = errors.New("actor: stopped")

type Mailbox struct {
	inbox    chan func()
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		inbox:   make(chan func()),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Run executes submitted work until Stop is called. It must run on exactly
// one goroutine.
func (m *Mailbox) Run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.stop:
			return
		case fn := <-m.inbox:
			fn()
		}
	}
}

// Do runs fn on the mailbox goroutine and waits for it to finish. Once fn
// has been accepted it always runs to completion; ctx only bounds the wait
// for acceptance. A panic in fn is re-raised on the caller's goroutine and
// the mailbox keeps running. Do must not be called from inside a running fn.
func (m *Mailbox) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	var panicked any
	work := func() {
		defer close(done)
		defer func() { panicked = recover() }()
		fn()
	}

	select {
	case m.inbox <- work:
	case <-m.stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	<-done
	if panicked != nil {
		panic(panicked)
	}
	return nil
}

// Stop ends Run after the work in progress, if any, completes.
func (m *Mailbox) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// Done is closed once Run has returned.
func (m *Mailbox) Done() <-chan struct{} {
	return m.stopped
}

// Stopping reports whether Stop has been called.
func (m *Mailbox) Stopping() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}
