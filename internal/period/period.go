// Package period implements a counter that resets itself when its fixed
// window elapses.
package period

import (
	"fmt"
	"sync"
	"time"

	"github.com/npezzotti/roomsync/internal/types"
)

const day = 24 * time.Hour

// Length returns the fixed duration of a window kind. Months are 30 days.
func Length(kind types.WindowKind) (time.Duration, error) {
	switch kind {
	case types.WindowDaily:
		return day, nil
	case types.WindowWeekly:
		return 7 * day, nil
	case types.WindowMonthly:
		return 30 * day, nil
	}
	return 0, fmt.Errorf("unknown period kind %q", kind)
}

// Counter counts events in the current window. Every read first checks the
// window boundary, so a count is never attributed to an expired window.
type Counter struct {
	mu     sync.Mutex
	kind   types.WindowKind
	length time.Duration
	start  time.Time
	count  int
	now    func() time.Time
}

// New restores a counter from its stored form. A zero start opens a fresh
// window at now.
func New(cfg types.PeriodConfig, now func() time.Time) (*Counter, error) {
	length, err := Length(cfg.Kind)
	if err != nil {
		return nil, err
	}
	if now == nil {
		now = types.Now
	}

	c := &Counter{
		kind:   cfg.Kind,
		length: length,
		count:  cfg.Count,
		now:    now,
	}
	if cfg.Start == 0 {
		c.start = now()
		c.count = 0
	} else {
		c.start = types.FromMillis(cfg.Start)
	}
	return c, nil
}

// rollover resets the window if it has elapsed. Callers hold mu.
func (c *Counter) rollover(now time.Time) bool {
	if now.Sub(c.start) < c.length {
		return false
	}
	c.start = now
	c.count = 0
	return true
}

// Rollover applies a pending reset and reports whether one happened.
func (c *Counter) Rollover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollover(c.now())
}

func (c *Counter) Increment() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())
	c.count++
	return c.count
}

func (c *Counter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())
	return c.count
}

// Tally recounts the current window from event times. Times outside the
// window are ignored. It returns the new count.
func (c *Counter) Tally(times []time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollover(c.now())
	end := c.start.Add(c.length)
	n := 0
	for _, t := range times {
		if !t.Before(c.start) && t.Before(end) {
			n++
		}
	}
	c.count = n
	return n
}

// Remaining returns the time left in the current window, never negative.
func (c *Counter) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.rollover(now)
	rem := c.start.Add(c.length).Sub(now)
	switch {
	case rem < 0:
		return 0
	case rem > c.length:
		// start is ahead of our clock
		return c.length
	}
	return rem
}

// Config returns the stored form of the counter.
func (c *Counter) Config() types.PeriodConfig {
	c.mu.Lock()
	defer c.mu.Unlock()

	return types.PeriodConfig{
		Kind:  c.kind,
		Start: types.Millis(c.start),
		Count: c.count,
	}
}

// Adopt merges the stored form written by another participant. A newer
// window or a different kind replaces the local one; inside the same window
// the larger count wins. Callers that hold the event log should Tally
// afterwards, since a stored count can lag behind concurrent increments.
func (c *Counter) Adopt(cfg types.PeriodConfig) error {
	if cfg.Start == 0 {
		return nil
	}
	length, err := Length(cfg.Kind)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	local := types.Millis(c.start)
	switch {
	case cfg.Kind != c.kind || cfg.Start > local:
		c.kind = cfg.Kind
		c.length = length
		c.start = types.FromMillis(cfg.Start)
		c.count = cfg.Count
	case cfg.Start == local && cfg.Count > c.count:
		c.count = cfg.Count
	}
	return nil
}
