// Package timer implements the second-granularity timer controller that
// schedules heartbeats, idle deadlines, retry timers, and timed unbans. The
// owner drains due callbacks from its own goroutine, so callbacks run under
// whatever serialization discipline the owner already has.
package timer

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/queue"
)

// entry is one scheduled callback in the priority queue.
type entry struct {
	id       uint64
	deadline time.Time
	interval time.Duration
	oneshot  bool
	cb       func()
	dead     bool
}

// Less implements queue.PriorityQueueItem. The earliest deadline drains
// first.
func (e *entry) Less(other queue.PriorityQueueItem) bool {
	return e.deadline.Before(other.(*entry).deadline)
}

// =============================================================================

// Controller manages a time-ordered set of callbacks. Deleted and reset
// timers are removed lazily when they surface at the top of the queue.
type Controller struct {
	mu sync.Mutex

	clock   clock.Clock
	queue   queue.PriorityQueue
	entries map[uint64]*entry
	nextID  uint64
}

// NewController constructs a controller on the specified clock.
func NewController(clk clock.Clock) *Controller {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}

	return &Controller{
		clock:   clk,
		entries: make(map[uint64]*entry),
	}
}

// Add schedules a callback to fire every interval, or once when oneshot is
// set, and returns its timer id.
func (c *Controller) Add(interval time.Duration, oneshot bool, cb func()) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	e := entry{
		id:       c.nextID,
		deadline: c.clock.Now().Add(interval),
		interval: interval,
		oneshot:  oneshot,
		cb:       cb,
	}

	c.entries[e.id] = &e
	c.queue.Push(&e)

	return e.id
}

// Reset pushes the timer's next deadline a full interval away from now.
func (c *Controller) Reset(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old, exists := c.entries[id]
	if !exists {
		return
	}
	old.dead = true

	fresh := entry{
		id:       id,
		deadline: c.clock.Now().Add(old.interval),
		interval: old.interval,
		oneshot:  old.oneshot,
		cb:       old.cb,
	}

	c.entries[id] = &fresh
	c.queue.Push(&fresh)
}

// Del cancels the timer.
func (c *Controller) Del(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, exists := c.entries[id]; exists {
		e.dead = true
		delete(c.entries, id)
	}
}

// Run drains every callback whose deadline passed and reschedules the
// recurring ones. Callbacks run on the caller's goroutine with no lock held.
func (c *Controller) Run() {
	now := c.clock.Now()

	for {
		c.mu.Lock()

		if c.queue.Empty() {
			c.mu.Unlock()
			return
		}

		top := c.queue.Top().(*entry)
		if top.dead {
			c.queue.Pop()
			c.mu.Unlock()
			continue
		}

		if top.deadline.After(now) {
			c.mu.Unlock()
			return
		}

		c.queue.Pop()

		if top.oneshot {
			delete(c.entries, top.id)
		} else {
			next := entry{
				id:       top.id,
				deadline: now.Add(top.interval),
				interval: top.interval,
				oneshot:  false,
				cb:       top.cb,
			}
			c.entries[top.id] = &next
			c.queue.Push(&next)
		}

		cb := top.cb
		c.mu.Unlock()

		cb()
	}
}

// Clear drops every scheduled callback.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, e := range c.entries {
		e.dead = true
		delete(c.entries, id)
	}
}
