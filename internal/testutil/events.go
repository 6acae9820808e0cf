// Package testutil holds helpers shared by package tests.
package testutil

import (
	"sync"

	"github.com/roach88/refrace/internal/workpool"
)

// Stamped is an observed pool event with the order it arrived in.
type Stamped struct {
	Seq int64
	workpool.Event
}

// EventLog is a workpool.Observer that keeps every event in arrival order.
//
// Each event is stamped with a logical seq starting at 1, so tests can
// compare orderings without relying on wall-clock time. Reset rewinds the
// seq for reuse across runs.
//
// Thread-safety: all methods are safe for concurrent use.
type EventLog struct {
	mu     sync.Mutex
	seq    int64
	events []Stamped
}

var _ workpool.Observer = (*EventLog)(nil)

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{}
}

// Observe implements workpool.Observer.
func (l *EventLog) Observe(e workpool.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.events = append(l.events, Stamped{Seq: l.seq, Event: e})
}

// Events returns a copy of the observed events.
func (l *EventLog) Events() []Stamped {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Stamped(nil), l.events...)
}

// Count returns how many events of kind were observed.
func (l *EventLog) Count(kind workpool.EventKind) int {
	n := 0
	for _, e := range l.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// ForItem returns the events of one item in arrival order.
func (l *EventLog) ForItem(item string) []Stamped {
	var out []Stamped
	for _, e := range l.Events() {
		if e.Item == item {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops every event. The next event is stamped 1.
func (l *EventLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq = 0
	l.events = nil
}
