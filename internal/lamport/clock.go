package lamport

import "go.uber.org/atomic"

// Clock is a Lamport logical clock backed by a single atomic cell.
// It is safe for concurrent use without external locking.
type Clock struct {
	t *atomic.Int64
}

// New returns a clock starting at zero.
func New() *Clock {
	return &Clock{t: atomic.NewInt64(0)}
}

// Tick advances the clock by one and returns the new value.
func (c *Clock) Tick() int64 {
	return c.t.Inc()
}

// Adjust moves the clock to max(current, observed+1) and returns the result.
// The clock never decreases.
func (c *Clock) Adjust(observed int64) int64 {
	for {
		cur := c.t.Load()
		next := observed + 1
		if next <= cur {
			return cur
		}
		if c.t.CAS(cur, next) {
			return next
		}
	}
}

// Time returns the current value.
func (c *Clock) Time() int64 {
	return c.t.Load()
}
