package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/refrace/internal/metrics"
	"github.com/roach88/refrace/internal/refstore"
	"github.com/roach88/refrace/internal/workpool"
)

// Options configures a Runner.
type Options struct {
	// Database is used when the script names none.
	Database string

	// Workers fixes the pool size. Zero uses the script's workers, then
	// the largest stage.
	Workers int

	// Observer receives pool events, e.g. a journal.Recorder. Optional.
	Observer workpool.Observer

	// Metrics counts items, ops and protocol errors. Optional.
	Metrics *metrics.Collector

	// BackOff schedules item retries. Defaults to workpool.DefaultBackOff.
	BackOff func() backoff.BackOff

	Logger *slog.Logger
}

// Runner executes scripts stage by stage. Stage i+1 is not enqueued until
// every item of stage i has finished and the stage has been checked.
type Runner struct {
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// NewRunner returns a Runner using backend for storage and sessions.
func NewRunner(backend Backend, opts Options) *Runner {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{backend: backend, opts: opts, logger: logger}
}

// PoolSize returns the worker count used for s.
func (r *Runner) PoolSize(s *Script) int {
	switch {
	case r.opts.Workers > 0:
		return r.opts.Workers
	case s.Workers > 0:
		return s.Workers
	default:
		return s.LargestStage()
	}
}

// Database returns the database s runs against.
func (r *Runner) Database(s *Script) string {
	if s.Database != "" {
		return s.Database
	}
	return r.opts.Database
}

// Run provisions the backend, opens one session per script client and
// runs every stage. A failed stage stops the run: the report is returned
// along with its *StageFailure. Setup errors return a nil report.
func (r *Runner) Run(ctx context.Context, s *Script) (*Report, error) {
	start := time.Now()
	database := r.Database(s)
	if database == "" {
		return nil, errors.New("database is required")
	}

	workers := r.PoolSize(s)
	if largest := s.LargestStage(); workers < largest {
		r.logger.Warn("pool smaller than largest stage; items will queue",
			slog.Int("workers", workers),
			slog.Int("largest_stage", largest))
	}

	if err := r.backend.Provision(ctx, database, s.Schema); err != nil {
		return nil, fmt.Errorf("provision %s: %w", database, err)
	}

	sessions, err := r.openSessions(ctx, s.Sessions(), database)
	defer func() {
		if err := sessions.closeAll(); err != nil {
			r.logger.Warn("closing sessions failed", slog.String("error", err.Error()))
		}
	}()
	if err != nil {
		return nil, err
	}

	pool := workpool.New[*refstore.Conn](workpool.Options{
		Workers:   workers,
		Observer:  r.observer(),
		Retryable: retryable,
		BackOff:   r.opts.BackOff,
		Logger:    r.logger,
	})
	defer pool.Close()

	report := newReport(s, r.backend.Name(), database, workers)
	defer func() { report.Elapsed = time.Since(start) }()

	r.logger.Info("run started",
		slog.String("script", s.Name),
		slog.String("backend", r.backend.Name()),
		slog.String("database", database),
		slog.Int("workers", workers),
		slog.Int("stages", len(s.Stages)))

	for i := range s.Stages {
		stage := workpool.Stage{Index: i, Name: s.StageName(i)}

		items, err := r.buildItems(s.Stages[i], sessions)
		if err != nil {
			report.Status = StatusAborted
			return report, fmt.Errorf("stage %d (%s): %w", i, stage.Name, err)
		}

		report.advance(i, StageDispatched)
		results, err := pool.Run(ctx, stage, items)
		for _, it := range items {
			sessions.checkin(it.ID)
		}
		if err != nil {
			report.Status = StatusAborted
			return report, fmt.Errorf("stage %d (%s): %w", i, stage.Name, err)
		}

		if failure := report.aggregate(i, items, results); failure != nil {
			report.Status = StatusAborted
			report.Failure = failure
			r.logger.Error("stage failed",
				slog.Int("stage", i),
				slog.String("name", stage.Name),
				slog.String("item", failure.Item),
				slog.String("error", failure.Err.Error()))
			return report, failure
		}
		r.logger.Info("stage checked", slog.Int("stage", i), slog.String("name", stage.Name))
	}

	report.Status = StatusComplete
	r.logger.Info("run complete", slog.String("script", s.Name))
	return report, nil
}

// retryable accepts lost CAS races the script did not expect.
func retryable(err error) bool {
	return refstore.IsCASRejected(err) && !IsExpectationError(err)
}

func (r *Runner) observer() workpool.Observer {
	var observers []workpool.Observer
	if r.opts.Observer != nil {
		observers = append(observers, r.opts.Observer)
	}
	if r.opts.Metrics != nil {
		observers = append(observers, r.opts.Metrics)
	}
	return workpool.Multi(observers...)
}

func (r *Runner) openSessions(ctx context.Context, names []string, database string) (*sessionSet, error) {
	set := newSessionSet()
	dialect := refstore.Dialect{Database: database}
	for _, name := range names {
		sess, err := r.backend.Open(ctx, name, database)
		if err != nil {
			return set, fmt.Errorf("open session %s: %w", name, err)
		}
		set.add(refstore.NewConn(name, sess, dialect, r.logger))
	}
	return set, nil
}

// buildItems checks out each item's session for the stage.
func (r *Runner) buildItems(def StageDef, sessions *sessionSet) ([]workpool.Item[*refstore.Conn], error) {
	items := make([]workpool.Item[*refstore.Conn], 0, len(def.Items))
	release := func() {
		for _, it := range items {
			sessions.checkin(it.ID)
		}
	}

	for j, it := range def.Items {
		ops := make([]workpool.Op[*refstore.Conn], len(it.Steps))
		for k, step := range it.Steps {
			op, err := r.stepOp(step)
			if err != nil {
				release()
				return nil, fmt.Errorf("items[%d].steps[%d]: %w", j, k, err)
			}
			ops[k] = op
		}

		conn, err := sessions.checkout(it.Session)
		if err != nil {
			release()
			return nil, fmt.Errorf("items[%d]: %w", j, err)
		}
		items = append(items, workpool.Item[*refstore.Conn]{
			ID:      it.Session,
			Session: conn,
			Ops:     ops,
			Retry:   it.Retry,
		})
	}
	return items, nil
}

// stepOp wraps a step as a pool operation that executes the protocol
// operation and applies the step's expectation.
func (r *Runner) stepOp(step Step) (workpool.Op[*refstore.Conn], error) {
	op, err := step.Op()
	if err != nil {
		return workpool.Op[*refstore.Conn]{}, err
	}
	name := op.Name()
	return workpool.Op[*refstore.Conn]{
		Name: name,
		Fn: func(ctx context.Context, c *refstore.Conn) error {
			out, err := refstore.Exec(ctx, c, op)
			r.record(out, err)
			return step.Expect.check(name, out, err)
		},
	}, nil
}

// record counts every protocol error, expected or not.
func (r *Runner) record(out *refstore.Outcome, err error) {
	if r.opts.Metrics == nil {
		return
	}
	if err != nil {
		r.opts.Metrics.RecordError(ErrorKind(err))
	}
	if out != nil && out.Resolved > 0 {
		r.opts.Metrics.AddResolved(out.Resolved)
	}
}
