package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrTaskTimeout marks a task that exceeded its per-task bound.
var ErrTaskTimeout = errors.New("task timed out")

// Task is one independently executable unit of work.
type Task func(ctx context.Context) (interface{}, error)

// Result is the settled outcome of one task. Failure is data, not an
// exception: callers always receive one result per requested task.
type Result struct {
	Value    interface{}
	Err      error
	Duration time.Duration
}

// Success reports whether the task settled without error.
func (r Result) Success() bool {
	return r.Err == nil
}

// TimedOut reports whether the task failed on its per-task timeout.
func (r Result) TimedOut() bool {
	return errors.Is(r.Err, ErrTaskTimeout)
}

// Options controls one fan-out call.
type Options struct {
	// Timeout bounds each task independently; zero means unbounded.
	Timeout time.Duration
	// FailFast returns on the first settled failure with partial results.
	// Outstanding tasks are abandoned, not cancelled.
	FailFast bool
	// MaxConcurrency bounds simultaneous task starts; zero means unbounded.
	MaxConcurrency int
	// LogResults logs each settled result.
	LogResults bool
}

// Executor runs named independent tasks concurrently and joins their results.
type Executor struct {
	logger *zap.Logger
}

// New creates an executor.
func New(logger *zap.Logger) *Executor {
	return &Executor{logger: logger}
}

type settled struct {
	name string
	res  Result
}

// Run starts every named task concurrently and collects results. With
// FailFast unset the call waits for all tasks to settle; with it set the
// first failure (including timeout) returns immediately with the results
// settled so far.
func (e *Executor) Run(ctx context.Context, tasks map[string]Task, opts Options) map[string]Result {
	results := make(map[string]Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}

	var sem chan struct{}
	if opts.MaxConcurrency > 0 {
		sem = make(chan struct{}, opts.MaxConcurrency)
	}

	settledCh := make(chan settled, len(tasks))
	for name, task := range tasks {
		go e.runOne(ctx, name, task, opts, sem, settledCh)
	}

	for i := 0; i < len(tasks); i++ {
		s := <-settledCh
		results[s.name] = s.res

		if opts.LogResults {
			if s.res.Err != nil {
				e.logger.Warn("Parallel task failed",
					zap.String("task", s.name),
					zap.Duration("duration", s.res.Duration),
					zap.Error(s.res.Err),
				)
			} else {
				e.logger.Debug("Parallel task completed",
					zap.String("task", s.name),
					zap.Duration("duration", s.res.Duration),
				)
			}
		}

		if opts.FailFast && s.res.Err != nil {
			return results
		}
	}
	return results
}

// runOne executes a single task under its own timeout, recovering panics
// into errors so a misbehaving task never takes down the join.
func (e *Executor) runOne(ctx context.Context, name string, task Task, opts Options, sem chan struct{}, out chan<- settled) {
	if sem != nil {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			out <- settled{name: name, res: Result{Err: ctx.Err()}}
			return
		}
	}

	tctx := ctx
	var cancel context.CancelFunc
	if opts.Timeout > 0 {
		tctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Err: fmt.Errorf("task panicked: %v", p)}
			}
		}()
		value, err := task(tctx)
		done <- Result{Value: value, Err: err}
	}()

	select {
	case res := <-done:
		res.Duration = time.Since(start)
		out <- settled{name: name, res: res}
	case <-tctx.Done():
		err := tctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrTaskTimeout, opts.Timeout)
		}
		out <- settled{name: name, res: Result{Err: err, Duration: time.Since(start)}}
	}
}
