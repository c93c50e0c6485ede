package types

import (
	"sync"
	"time"
)

// Clock is the single time source used for all timestamps so behavior
// stays deterministic under test.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// FixedClock returns a fixed instant until advanced. Test helper.
type FixedClock struct {
	mu      sync.Mutex
	instant time.Time
}

func NewFixedClock(instant time.Time) *FixedClock {
	return &FixedClock{instant: instant}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instant
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instant = c.instant.Add(d)
}
