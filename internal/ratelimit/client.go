package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice-board/internal/clock"
)

// Client is the room-side view of one user's limiter. Actions are admitted
// immediately and charged to the limiter in the background, one call at a
// time. Allow reports false only while a cooldown returned by the limiter
// is running.
//
// A failed call is retried exactly once against a freshly acquired
// limiter. A second failure is handed to onError and the client stays
// closed; the owner is expected to drop the connection.
type Client struct {
	acquire func() *Limiter
	clock   clock.Clock
	onError func(error)

	mu         sync.Mutex
	limiter    *Limiter
	pending    int // admitted actions not yet charged
	inFlight   bool
	inCooldown bool
	closed     bool
	cooldownID int
	cancel     func() bool
}

func NewClient(acquire func() *Limiter, clk clock.Clock, onError func(error)) *Client {
	return &Client{
		acquire: acquire,
		clock:   clk,
		onError: onError,
		limiter: acquire(),
	}
}

// Allow reports whether the user may act now and, if so, queues the action
// to be charged.
func (c *Client) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.inCooldown {
		return false
	}
	c.pending++
	if !c.inFlight {
		c.inFlight = true
		go c.charge()
	}
	return true
}

// InCooldown reports whether the limiter asked the user to wait.
func (c *Client) InCooldown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inCooldown
}

// Busy reports whether admitted actions are still being charged.
func (c *Client) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inFlight
}

// Close stops admitting actions and cancels a pending cooldown timer.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
}

// charge drains pending actions, one limiter call each.
func (c *Client) charge() {
	ctx := context.Background()
	for {
		c.mu.Lock()
		if c.pending == 0 || c.closed {
			c.pending = 0
			c.inFlight = false
			c.mu.Unlock()
			return
		}
		c.pending--
		limiter := c.limiter
		c.mu.Unlock()

		cooldown, err := limiter.Update(ctx, true)
		if err != nil {
			limiter = c.reacquire()
			cooldown, err = limiter.Update(ctx, true)
		}
		if err != nil {
			c.mu.Lock()
			c.closed = true
			c.pending = 0
			c.inFlight = false
			c.mu.Unlock()
			c.onError(err)
			return
		}
		if cooldown > 0 {
			c.startCooldown(cooldown)
		}
	}
}

func (c *Client) startCooldown(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cooldownID++
	id := c.cooldownID
	c.inCooldown = true
	c.cancel = c.clock.AfterFunc(d, func() { c.release(id) })
}

func (c *Client) reacquire() *Limiter {
	limiter := c.acquire()

	c.mu.Lock()
	c.limiter = limiter
	c.mu.Unlock()
	return limiter
}

// release ends cooldown id unless a later one replaced it.
func (c *Client) release(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.cooldownID {
		return
	}
	c.inCooldown = false
	c.cancel = nil
}
