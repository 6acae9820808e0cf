package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusAborted  = "aborted"
)

// ErrRunNotFound is returned when a run id is not in the journal.
var ErrRunNotFound = errors.New("run not found")

// Run is one harness execution.
type Run struct {
	ID      string
	Script  string
	Backend string
	Workers int
	Stages  int

	// Seq is the clock value when the run began.
	Seq int64

	Status  string
	Failure string
}

// NewRunID returns a fresh UUIDv7 run id. UUIDv7 sorts by creation time.
func NewRunID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// BeginRun records a new run with status running. An empty run.ID is
// replaced by NewRunID; the stored run is returned.
func (j *Journal) BeginRun(ctx context.Context, run Run) (Run, error) {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	run.Seq = j.clock.Next()
	run.Status = StatusRunning
	run.Failure = ""

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO runs (id, script, backend, workers, stages, seq, status, failure)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.Script, run.Backend, run.Workers, run.Stages, run.Seq, run.Status, run.Failure)
	if err != nil {
		return Run{}, fmt.Errorf("begin run: %w", err)
	}
	return run, nil
}

// FinishRun sets the run's final status and first failure message.
func (j *Journal) FinishRun(ctx context.Context, id, status, failure string) error {
	res, err := j.db.ExecContext(ctx, `UPDATE runs SET status = ?, failure = ? WHERE id = ?`, status, failure, id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// Run returns the run with the given id.
func (j *Journal) Run(ctx context.Context, id string) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, script, backend, workers, stages, seq, status, failure
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return run, err
}

// LatestRun returns the most recently started run.
func (j *Journal) LatestRun(ctx context.Context) (Run, error) {
	row := j.db.QueryRowContext(ctx, `
		SELECT id, script, backend, workers, stages, seq, status, failure
		FROM runs ORDER BY seq DESC LIMIT 1
	`)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("latest run: %w", ErrRunNotFound)
	}
	return run, err
}

// Runs returns every run ordered by seq. Returns an empty slice, not nil,
// when the journal has none.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, script, backend, workers, stages, seq, status, failure
		FROM runs ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var r Run
	err := s.Scan(&r.ID, &r.Script, &r.Backend, &r.Workers, &r.Stages, &r.Seq, &r.Status, &r.Failure)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	return r, nil
}
