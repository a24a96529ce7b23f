package clock

import (
	"sync"
	"time"

	"example.com/tempctl/base/timebase"
)

// SimClock is a manually advanced clock for simulations and tests.
type SimClock struct {
	mu  sync.Mutex
	now time.Time
}

var _ timebase.LocalClock = (*SimClock)(nil)

func NewSimClock(t0 time.Time) *SimClock {
	return &SimClock{now: t0}
}

func (c *SimClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *SimClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.Before(c.now) {
		panic("simulated clock must not run backwards")
	}
	c.now = t
}

func (c *SimClock) Add(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d < 0 {
		panic("simulated clock must not run backwards")
	}
	c.now = c.now.Add(d)
	return c.now
}
