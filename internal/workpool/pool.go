package workpool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// ErrClosed is returned by Run after Close.
var ErrClosed = errors.New("workpool: pool closed")

// Options configures a Pool.
type Options struct {
	// Workers is the fixed number of workers. Values below 1 mean 1.
	Workers int

	// Observer receives stage, item and op events. Optional.
	Observer Observer

	// Retryable decides whether a failed item may be re-run. Items are never
	// retried when nil.
	Retryable func(error) bool

	// BackOff builds the wait schedule between item attempts. Defaults to
	// DefaultBackOff.
	BackOff func() backoff.BackOff

	Logger *slog.Logger
}

// DefaultBackOff is a short exponential schedule suited to retrying a
// lost CAS race.
func DefaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0
	return b
}

type job[S any] struct {
	ctx   context.Context
	stage Stage
	item  Item[S]
	slot  *Result
	done  *sync.WaitGroup
}

// Pool is a fixed set of workers fed by a bounded channel.
type Pool[S any] struct {
	workers   int
	observer  Observer
	retryable func(error) bool
	backOff   func() backoff.BackOff
	logger    *slog.Logger

	jobs  chan job[S]
	group errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// New starts a pool. Close must be called to stop its workers.
func New[S any](opts Options) *Pool[S] {
	p := &Pool[S]{
		workers:   max(opts.Workers, 1),
		observer:  opts.Observer,
		retryable: opts.Retryable,
		backOff:   opts.BackOff,
		logger:    opts.Logger,
	}
	if p.observer == nil {
		p.observer = nopObserver{}
	}
	if p.retryable == nil {
		p.retryable = func(error) bool { return false }
	}
	if p.backOff == nil {
		p.backOff = DefaultBackOff
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	p.jobs = make(chan job[S], p.workers)
	for w := 0; w < p.workers; w++ {
		p.group.Go(func() error {
			for j := range p.jobs {
				*j.slot = p.runItem(j.ctx, j.stage, j.item)
				j.done.Done()
			}
			return nil
		})
	}
	return p
}

// Workers returns the pool size.
func (p *Pool[S]) Workers() int { return p.workers }

// Run submits items as one stage and blocks until all of them finished.
// Results are index-aligned with items. If ctx ends before every item was
// submitted, the unsubmitted items get ctx's error as their result, the
// submitted ones still run to completion, and Run returns ctx's error.
func (p *Pool[S]) Run(ctx context.Context, stage Stage, items []Item[S]) ([]Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}

	start := time.Now()
	p.observer.Observe(Event{Kind: StageStarted, Stage: stage})

	results := make([]Result, len(items))
	var (
		done sync.WaitGroup
		err  error
	)
	for i := range items {
		if err = p.submit(ctx, job[S]{ctx: ctx, stage: stage, item: items[i], slot: &results[i], done: &done}); err != nil {
			for j := i; j < len(items); j++ {
				results[j] = Result{Item: items[j].ID, Err: err}
			}
			break
		}
	}
	done.Wait()

	p.observer.Observe(Event{Kind: StageFinished, Stage: stage, Elapsed: time.Since(start)})
	return results, err
}

func (p *Pool[S]) submit(ctx context.Context, j job[S]) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.done.Add(1)
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		j.done.Done()
		return ctx.Err()
	}
}

// Close stops accepting work, waits for in-flight stages, and stops the
// workers. It is safe to call more than once.
func (p *Pool[S]) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
	p.mu.Unlock()
	return p.group.Wait()
}

func (p *Pool[S]) runItem(ctx context.Context, stage Stage, item Item[S]) Result {
	start := time.Now()
	res := Result{Item: item.ID}

	attempt := func() error {
		res.Attempts++
		p.observer.Observe(Event{Kind: ItemStarted, Stage: stage, Item: item.ID, Attempt: res.Attempts})
		n, err := p.runOps(ctx, stage, item, res.Attempts)
		res.Completed = n
		return err
	}

	var err error
	if item.Retry <= 0 {
		err = attempt()
	} else {
		var last error
		b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(item.Retry)), ctx)
		err = backoff.RetryNotify(func() error {
			last = attempt()
			if last != nil && !p.retryable(last) {
				return backoff.Permanent(last)
			}
			return last
		}, b, func(err error, wait time.Duration) {
			p.logger.Debug("retrying item",
				slog.String("item", item.ID),
				slog.Int("attempt", res.Attempts),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()))
			p.observer.Observe(Event{
				Kind: ItemRetried, Stage: stage, Item: item.ID,
				Attempt: res.Attempts, Err: err, Elapsed: wait,
			})
		})
		// A cancelled wait reports only the context error; keep the attempt's.
		if err != nil && last != nil && !errors.Is(err, last) {
			err = errors.Join(last, err)
		}
	}

	res.Err = err
	res.Elapsed = time.Since(start)
	p.observer.Observe(Event{
		Kind: ItemFinished, Stage: stage, Item: item.ID,
		Attempt: res.Attempts, Err: err, Elapsed: res.Elapsed,
	})
	return res
}

// runOps runs item's operations in order and returns how many succeeded.
func (p *Pool[S]) runOps(ctx context.Context, stage Stage, item Item[S], attempt int) (int, error) {
	for i, op := range item.Ops {
		p.observer.Observe(Event{Kind: OpStarted, Stage: stage, Item: item.ID, Attempt: attempt, OpIndex: i, Op: op.Name})
		start := time.Now()
		err := call(ctx, op, item.Session)
		p.observer.Observe(Event{
			Kind: OpFinished, Stage: stage, Item: item.ID, Attempt: attempt,
			OpIndex: i, Op: op.Name, Err: err, Elapsed: time.Since(start),
		})
		if err != nil {
			return i, &OpError{Item: item.ID, Index: i, Name: op.Name, Err: err}
		}
	}
	return len(item.Ops), nil
}

func call[S any](ctx context.Context, op Op[S], s S) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if op.Fn == nil {
		return errors.New("operation has no function")
	}
	return op.Fn(ctx, s)
}
