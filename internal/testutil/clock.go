// Package testutil holds the fakes shared across package tests: a
// manually advanced clock and a scripted LLM invoker.
package testutil

import (
	"sync"
	"time"
)

// Clock is a fake clock frozen at a fixed instant until a test advances
// it. It satisfies the per-package Clock interfaces (Now() time.Time).
type Clock struct {
	mu sync.Mutex
	t  time.Time
}

// NewClock returns a clock frozen at 2025-06-01 12:00:00 UTC, the
// instant the test suites are written against.
func NewClock() *Clock {
	return NewClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

// NewClockAt returns a clock frozen at t.
func NewClockAt(t time.Time) *Clock {
	return &Clock{t: t}
}

// Now returns the current fake instant.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Set pins the clock to t.
func (c *Clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}
