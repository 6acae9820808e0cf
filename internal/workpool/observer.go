package workpool

import "time"

// EventKind distinguishes pool events.
type EventKind int

const (
	StageStarted EventKind = iota + 1
	StageFinished
	ItemStarted
	ItemRetried
	ItemFinished
	OpStarted
	OpFinished
)

var eventKindNames = map[EventKind]string{
	StageStarted:  "stage_started",
	StageFinished: "stage_finished",
	ItemStarted:   "item_started",
	ItemRetried:   "item_retried",
	ItemFinished:  "item_finished",
	OpStarted:     "op_started",
	OpFinished:    "op_finished",
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Event is one observation of pool progress. Fields that do not apply to
// the kind are zero: stage events carry no Item, item events no Op.
type Event struct {
	Kind    EventKind
	Stage   Stage
	Item    string
	Attempt int
	OpIndex int
	Op      string
	Err     error
	Elapsed time.Duration
}

// Observer receives pool events. Item and op events arrive from worker
// goroutines, so implementations must be safe for concurrent use.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// Multi fans events out to every non-nil observer in order.
func Multi(observers ...Observer) Observer {
	var out multi
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

type multi []Observer

func (m multi) Observe(e Event) {
	for _, o := range m {
		o.Observe(e)
	}
}

type nopObserver struct{}

func (nopObserver) Observe(Event) {}
