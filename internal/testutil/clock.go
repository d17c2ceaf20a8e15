package testutil

import (
	"sync"
	"time"
)

// DefaultEpoch is where a DeterministicClock starts unless told otherwise.
var DefaultEpoch = time.Date(2026, time.March, 1, 9, 0, 0, 0, time.UTC)

// DeterministicClock is a wall clock for tests that advances by a fixed step
// on every reading.
//
// Two runs that read the clock the same number of times see identical
// timestamps, which keeps golden change traces stable. Safe for concurrent
// use.
type DeterministicClock struct {
	mu    sync.Mutex
	start time.Time
	step  time.Duration
	ticks int64
}

// NewDeterministicClock creates a clock starting at DefaultEpoch with a
// one-second step. The first call to Now returns DefaultEpoch + 1s.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(DefaultEpoch, time.Second)
}

// NewDeterministicClockAt creates a clock with an explicit start and step.
// A non-positive step is replaced by one second.
func NewDeterministicClockAt(start time.Time, step time.Duration) *DeterministicClock {
	if step <= 0 {
		step = time.Second
	}
	return &DeterministicClock{start: start.UTC(), step: step}
}

// Now advances the clock one step and returns the new time. Its signature
// matches time.Now so it can be passed wherever a time source is expected.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks++
	return c.at(c.ticks)
}

// Current returns the last time handed out without advancing.
// Before the first call to Now it returns the start time.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at(c.ticks)
}

// Ticks returns how many times Now has been called.
func (c *DeterministicClock) Ticks() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ticks
}

// Reset rewinds the clock to its start.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks = 0
}

func (c *DeterministicClock) at(ticks int64) time.Time {
	return c.start.Add(time.Duration(ticks) * c.step)
}
