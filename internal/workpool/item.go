package workpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Op is one step of a work item.
type Op[S any] struct {
	Name string
	Fn   func(ctx context.Context, s S) error
}

// Item is an ordered list of operations bound to one session. An item
// never spans more than one session.
type Item[S any] struct {
	// ID identifies the item in results and events.
	ID string

	// Session is owned by the item for as long as it runs.
	Session S

	Ops []Op[S]

	// Retry is how many times the whole item is re-run after a failure the
	// pool's Retryable accepts. Zero runs the item once.
	Retry int
}

// Stage identifies the group of items submitted by one Run call.
type Stage struct {
	Index int
	Name  string
}

// Result is the outcome of one item.
type Result struct {
	// Item is the item's ID.
	Item string

	// Err is the first error the item raised, wrapped in an *OpError, or
	// nil when every operation succeeded.
	Err error

	// Attempts counts runs of the item, including retries.
	Attempts int

	// Completed counts the operations that succeeded on the last attempt.
	Completed int

	Elapsed time.Duration
}

// OK reports whether the item succeeded.
func (r Result) OK() bool { return r.Err == nil }

// OpError attributes an error to the operation that raised it.
type OpError struct {
	Item  string
	Index int
	Name  string
	Err   error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("item %s: op %d (%s): %v", e.Item, e.Index, e.Name, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// AsOpError extracts the *OpError from err.
func AsOpError(err error) (*OpError, bool) {
	var oe *OpError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
