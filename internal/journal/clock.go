package journal

import "sync/atomic"

// Clock is a monotonic logical clock for event ordering. It is safe for
// concurrent use; pool workers stamp events from several goroutines.
type Clock struct {
	seq atomic.Int64
}

// NewClockAt creates a clock starting at start. Open uses it to resume
// after the highest seq already in the journal.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next increments the clock and returns the new value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}
