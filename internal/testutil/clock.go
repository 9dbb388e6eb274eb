package testutil

import (
	"sync"
	"time"
)

// DefaultBase is the first instant a DeterministicClock reports.
var DefaultBase = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// DefaultStep is how far a DeterministicClock advances per reading.
const DefaultStep = time.Second

// DeterministicClock is a stepping wall clock for tests.
//
// Each call to Now returns the current instant and then advances it by
// step, so every draft created in a test gets a distinct, predictable
// client_created_at. Golden snapshots stay byte-identical across runs.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type DeterministicClock struct {
	mu   sync.Mutex
	base time.Time
	now  time.Time
	step time.Duration
}

// NewDeterministicClock creates a clock starting at DefaultBase that
// advances by DefaultStep.
func NewDeterministicClock() *DeterministicClock {
	return NewDeterministicClockAt(DefaultBase, DefaultStep)
}

// NewDeterministicClockAt creates a clock starting at base that advances
// by step on each reading. A zero step freezes the clock.
func NewDeterministicClockAt(base time.Time, step time.Duration) *DeterministicClock {
	base = base.UTC().Truncate(time.Millisecond)
	return &DeterministicClock{base: base, now: base, step: step}
}

// Now returns the current instant and advances the clock.
//
// Implements engine.Clock.
func (c *DeterministicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// Current returns the instant the next Now will report, without advancing.
func (c *DeterministicClock) Current() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *DeterministicClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Reset returns the clock to its base.
//
// Used for test reuse. After Reset(), the next call to Now() returns base.
func (c *DeterministicClock) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.base
}
