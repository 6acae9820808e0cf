package journal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/refrace/internal/workpool"
)

// Entry is one journaled event.
type Entry struct {
	Seq        int64
	RunID      string
	Kind       string
	StageIndex int
	StageName  string
	Item       string
	Attempt    int
	OpIndex    int
	Op         string
	Error      string
	Elapsed    time.Duration
}

// Append stamps e with the next seq and stores it under runID.
func (j *Journal) Append(ctx context.Context, runID string, e workpool.Event) (int64, error) {
	seq := j.clock.Next()
	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO events
		(seq, run_id, kind, stage_index, stage_name, item, attempt, op_index, op, error, elapsed_us)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		seq,
		runID,
		e.Kind.String(),
		e.Stage.Index,
		e.Stage.Name,
		e.Item,
		e.Attempt,
		e.OpIndex,
		e.Op,
		errText,
		e.Elapsed.Microseconds(),
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return seq, nil
}

// Events returns a run's events in seq order. A non-empty item restricts
// the result to that item's events. Returns an empty slice, not nil, when
// nothing matches.
func (j *Journal) Events(ctx context.Context, runID, item string) ([]Entry, error) {
	query := `
		SELECT seq, run_id, kind, stage_index, stage_name, item, attempt, op_index, op, error, elapsed_us
		FROM events
		WHERE run_id = ?`
	args := []any{runID}
	if item != "" {
		query += ` AND item = ?`
		args = append(args, item)
	}
	query += ` ORDER BY seq ASC`

	rows, err := j.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			us int64
		)
		if err := rows.Scan(&e.Seq, &e.RunID, &e.Kind, &e.StageIndex, &e.StageName,
			&e.Item, &e.Attempt, &e.OpIndex, &e.Op, &e.Error, &us); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Elapsed = time.Duration(us) * time.Microsecond
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return entries, nil
}

// Recorder journals pool events for one run. Write failures do not stop
// the run; the first one is logged and kept for Err.
type Recorder struct {
	ctx     context.Context
	journal *Journal
	runID   string
	logger  *slog.Logger

	mu  sync.Mutex
	err error
}

var _ workpool.Observer = (*Recorder)(nil)

// NewRecorder returns a workpool.Observer appending to j under runID.
func NewRecorder(ctx context.Context, j *Journal, runID string, logger *slog.Logger) *Recorder {
	return &Recorder{ctx: ctx, journal: j, runID: runID, logger: logger}
}

// Observe implements workpool.Observer.
func (r *Recorder) Observe(e workpool.Event) {
	if _, err := r.journal.Append(r.ctx, r.runID, e); err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.err == nil {
			r.err = err
			if r.logger != nil {
				r.logger.Warn("journal write failed", slog.String("run", r.runID), slog.String("error", err.Error()))
			}
		}
	}
}

// Err returns the first write failure.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}
