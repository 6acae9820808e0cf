package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/workpool"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
)

// StageState tracks a stage through a run. States only move forward.
type StageState int

const (
	StagePending StageState = iota
	StageDispatched
	StageChecked
)

func (s StageState) String() string {
	switch s {
	case StagePending:
		return "pending"
	case StageDispatched:
		return "dispatched"
	case StageChecked:
		return "checked"
	default:
		return "unknown"
	}
}

func (s StageState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Report is the outcome of one run.
type Report struct {
	Script   string        `json:"script"`
	Backend  string        `json:"backend"`
	Database string        `json:"database"`
	Workers  int           `json:"workers"`
	Status   string        `json:"status"`
	Stages   []StageReport `json:"stages"`
	Failure  *StageFailure `json:"failure,omitempty"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// StageReport is the aggregated outcome of one stage.
type StageReport struct {
	Index int          `json:"index"`
	Name  string       `json:"name"`
	State StageState   `json:"state"`
	Items []ItemReport `json:"items,omitempty"`
}

// ItemReport is one item's result.
type ItemReport struct {
	ID        string        `json:"id"`
	Ops       int           `json:"ops"`
	Completed int           `json:"completed"`
	Attempts  int           `json:"attempts"`
	FailedOp  string        `json:"failed_op,omitempty"`
	Error     string        `json:"error,omitempty"`
	Elapsed   time.Duration `json:"elapsed_ns"`
}

// OK reports whether the item succeeded.
func (r ItemReport) OK() bool { return r.Error == "" }

// StageFailure is the first failure of an aborted run.
type StageFailure struct {
	Stage   int    `json:"stage"`
	Name    string `json:"name"`
	Item    string `json:"item"`
	Failed  int    `json:"failed"`
	Message string `json:"error"`
	Err     error  `json:"-"`
}

func (f *StageFailure) Error() string {
	msg := fmt.Sprintf("stage %d (%s): %v", f.Stage, f.Name, f.Err)
	if f.Failed > 1 {
		msg += fmt.Sprintf(" (and %d more failed items)", f.Failed-1)
	}
	return msg
}

func (f *StageFailure) Unwrap() error {
	return f.Err
}

func newReport(s *Script, backend, database string, workers int) *Report {
	r := &Report{
		Script:   s.Name,
		Backend:  backend,
		Database: database,
		Workers:  workers,
		Status:   StatusRunning,
		Stages:   make([]StageReport, len(s.Stages)),
	}
	for i := range s.Stages {
		r.Stages[i] = StageReport{Index: i, Name: s.StageName(i)}
	}
	return r
}

// advance moves stage i forward to state.
func (r *Report) advance(i int, state StageState) {
	if state <= r.Stages[i].State {
		panic(fmt.Sprintf("stage %d: cannot move from %s to %s", i, r.Stages[i].State, state))
	}
	r.Stages[i].State = state
}

// aggregate records the stage's results and returns its first failure in
// submission order, or nil.
func (r *Report) aggregate(i int, items []workpool.Item[*refstore.Conn], results []workpool.Result) *StageFailure {
	st := &r.Stages[i]
	st.Items = make([]ItemReport, len(results))

	var failure *StageFailure
	for j, res := range results {
		ir := ItemReport{
			ID:        res.Item,
			Ops:       len(items[j].Ops),
			Completed: res.Completed,
			Attempts:  res.Attempts,
			Elapsed:   res.Elapsed,
		}
		if res.Err != nil {
			ir.Error = res.Err.Error()
			if oe, ok := workpool.AsOpError(res.Err); ok {
				ir.FailedOp = fmt.Sprintf("%d (%s)", oe.Index, oe.Name)
			}
			if failure == nil {
				failure = &StageFailure{Stage: i, Name: st.Name, Item: res.Item, Message: ir.Error, Err: res.Err}
			}
			failure.Failed++
		}
		st.Items[j] = ir
	}
	r.advance(i, StageChecked)

	if failure != nil {
		failure.Message = failure.Error()
	}
	return failure
}

// WriteText renders the report for humans. Durations are left out so the
// output is stable across runs.
func (r *Report) WriteText(w io.Writer) error {
	var b strings.Builder
	fmt.Fprintf(&b, "script: %s\n", r.Script)
	fmt.Fprintf(&b, "backend: %s (database %s, %s)\n", r.Backend, r.Database, plural(r.Workers, "worker"))
	for _, st := range r.Stages {
		fmt.Fprintf(&b, "stage %d %s: %s\n", st.Index, st.Name, st.State)
		for _, it := range st.Items {
			fmt.Fprintf(&b, "  %s: ", it.ID)
			if it.OK() {
				b.WriteString("ok")
			} else {
				fmt.Fprintf(&b, "FAILED at op %s", it.FailedOp)
			}
			fmt.Fprintf(&b, " (%d/%d ops, %s)\n", it.Completed, it.Ops, plural(it.Attempts, "attempt"))
			if !it.OK() {
				fmt.Fprintf(&b, "    %s\n", it.Error)
			}
		}
	}
	fmt.Fprintf(&b, "status: %s\n", r.Status)
	if r.Failure != nil {
		fmt.Fprintf(&b, "failure: %s\n", r.Failure.Message)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}
