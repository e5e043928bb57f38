// Package executor runs tasks across a pool of devices with bounded
// concurrency.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agent462/devherd/internal/adb"
	"github.com/agent462/devherd/internal/pool"
	"github.com/agent462/devherd/internal/process"
)

// Func is the work a task performs on the device it was given.
type Func func(ctx context.Context, dev *adb.Device) (*process.Result, error)

// Task is a named unit of work that needs one device.
type Task struct {
	Name    string
	Timeout time.Duration // zero uses the executor timeout
	Run     Func
}

// ShellTask returns a task running command through the device shell. The
// timeout is enforced by the process runner so partial output is kept.
func ShellTask(name, command string, timeout time.Duration) Task {
	return Task{
		Name:    name,
		Timeout: timeout,
		Run: func(ctx context.Context, dev *adb.Device) (*process.Result, error) {
			return dev.ShellTimeout(ctx, timeout, command)
		},
	}
}

// Executor fans tasks out over a device pool.
type Executor struct {
	pool        *pool.Pool[*adb.Device]
	concurrency int
	timeout     time.Duration
	observer    func(Event)
	log         zerolog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithConcurrency caps the number of tasks in flight. The default is the
// pool size.
func WithConcurrency(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithTimeout sets the default per-task timeout. Zero means none.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d >= 0 {
			e.timeout = d
		}
	}
}

// WithObserver registers fn to receive task events. fn is called from task
// goroutines and must not block for long.
func WithObserver(fn func(Event)) Option {
	return func(e *Executor) {
		e.observer = fn
	}
}

// WithLogger sets the executor logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Executor) {
		e.log = l
	}
}

// New creates an Executor over p.
func New(p *pool.Pool[*adb.Device], opts ...Option) *Executor {
	e := &Executor{
		pool:        p,
		concurrency: p.Len(),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes tasks, each on whichever device the pool hands out next.
// Tasks queue on the pool in input order. Results are returned in the same
// order as tasks and share one run ID.
func (e *Executor) Run(ctx context.Context, tasks []Task) []*Result {
	results := make([]*Result, len(tasks))
	if len(tasks) == 0 {
		return results
	}
	runID := uuid.NewString()
	log := e.log.With().Str("run_id", runID).Logger()
	log.Info().Int("tasks", len(tasks)).Int("devices", e.pool.Len()).Msg("run started")

	for _, task := range tasks {
		e.emit(Event{Kind: EventQueued, RunID: runID, Task: task.Name})
	}
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, task := range tasks {
		g.Go(func() error {
			results[i] = e.runTask(ctx, runID, task, log)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if !r.Success() {
			failed++
		}
	}
	log.Info().Int("failed", failed).Msg("run finished")
	return results
}

func (e *Executor) runTask(ctx context.Context, runID string, task Task, log zerolog.Logger) *Result {
	result := &Result{RunID: runID, Task: task.Name}

	dev, err := e.pool.Acquire(ctx)
	if err != nil {
		result.Err = err
		e.emit(Event{Kind: EventFinished, RunID: runID, Task: task.Name, Result: result})
		return result
	}
	defer e.release(dev, log)

	result.Serial = dev.Serial()
	e.emit(Event{Kind: EventStarted, RunID: runID, Task: task.Name, Serial: result.Serial})
	e.execute(ctx, dev, task, result)
	log.Debug().
		Str("task", task.Name).
		Str("serial", result.Serial).
		Int("exit_code", result.ExitCode).
		Bool("timed_out", result.TimedOut).
		Dur("duration", result.Duration).
		Err(result.Err).
		Msg("task finished")
	e.emit(Event{Kind: EventFinished, RunID: runID, Task: task.Name, Serial: result.Serial, Result: result})
	return result
}

// execute runs task on dev under the per-task timeout and records the
// outcome in result.
func (e *Executor) execute(ctx context.Context, dev *adb.Device, task Task, result *Result) {
	timeout := task.Timeout
	if timeout == 0 {
		timeout = e.timeout
	}
	taskCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		taskCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := task.Run(taskCtx, dev)
	result.Duration = time.Since(start)
	result.fill(res)
	result.Err = err

	// A task that ignored its context still counts as timed out.
	if result.Err == nil && !result.TimedOut && errors.Is(taskCtx.Err(), context.DeadlineExceeded) {
		result.Err = context.DeadlineExceeded
	}
}

func (e *Executor) release(dev *adb.Device, log zerolog.Logger) {
	if err := e.pool.Release(dev); err != nil {
		log.Error().Err(err).Str("serial", dev.Serial()).Msg("release device")
	}
}

// Broadcast runs fn once on every device. It first takes every device out
// of the pool, so nothing else runs on them until all are done. Results
// follow pool member order. An error is returned only when the devices
// could not all be acquired.
func (e *Executor) Broadcast(ctx context.Context, name string, fn Func) ([]*Result, error) {
	members := e.pool.Members()
	held := make([]*adb.Device, 0, len(members))
	defer func() {
		for _, dev := range held {
			e.release(dev, e.log)
		}
	}()
	for range members {
		dev, err := e.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		held = append(held, dev)
	}

	runID := uuid.NewString()
	log := e.log.With().Str("run_id", runID).Logger()
	log.Info().Str("task", name).Int("devices", len(members)).Msg("broadcast started")

	results := make([]*Result, len(members))
	task := Task{Name: name, Run: fn}
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, dev := range members {
		g.Go(func() error {
			r := &Result{RunID: runID, Task: name, Serial: dev.Serial()}
			e.emit(Event{Kind: EventStarted, RunID: runID, Task: name, Serial: r.Serial})
			e.execute(ctx, dev, task, r)
			e.emit(Event{Kind: EventFinished, RunID: runID, Task: name, Serial: r.Serial, Result: r})
			results[i] = r
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (e *Executor) emit(ev Event) {
	if e.observer != nil {
		e.observer(ev)
	}
}
