package engine

import (
	"sync/atomic"
	"time"
)

// Clock stamps versions with wall-clock time that never repeats or runs
// backwards within one engine, so timestamps order the changelog the same
// way seq orders the chain.
//
// Safe for concurrent use.
type Clock struct {
	source func() time.Time
	last   atomic.Int64 // unix nanos of the last reading
}

// NewClock wraps source. A nil source uses time.Now.
func NewClock(source func() time.Time) *Clock {
	if source == nil {
		source = time.Now
	}
	return &Clock{source: source}
}

// Now returns the source time, or one nanosecond past the previous reading
// if the source has not advanced.
func (c *Clock) Now() time.Time {
	for {
		prev := c.last.Load()
		next := c.source().UnixNano()
		if next <= prev {
			next = prev + 1
		}
		if c.last.CompareAndSwap(prev, next) {
			return time.Unix(0, next).UTC()
		}
	}
}

// Last returns the most recent reading, or the zero time before the first.
func (c *Clock) Last() time.Time {
	n := c.last.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
