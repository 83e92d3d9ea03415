// Package workerpool provides a bounded pool for fanning a batch of
// independent tasks across a fixed number of goroutines. Built for per-user
// cohort computations, which are pure and share no state, so tasks write
// their own results and the pool only bounds parallelism.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is one unit of work. Tasks must be safe to run concurrently with each
// other.
type Task func(ctx context.Context) error

// Pool executes task batches with bounded concurrency.
type Pool struct {
	workers int
	logger  *zap.Logger

	tasksRun    int64
	tasksFailed int64
}

// New creates a pool. workers <= 1 degrades to sequential execution, which
// keeps small report runs allocation-free.
func New(workers int, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, logger: logger}
}

// Run executes every task and blocks until all have finished or the context
// is cancelled. The first task error (or the context error) is returned;
// remaining tasks still run so partial batches never leave holes.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	if p.workers <= 1 {
		return p.runSequential(ctx, tasks)
	}

	taskChan := make(chan Task)
	errOnce := sync.Once{}
	var firstErr error
	var wg sync.WaitGroup

	workers := p.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if err := p.runOne(ctx, task); err != nil {
					errOnce.Do(func() { firstErr = err })
				}
			}
		}()
	}

submit:
	for _, task := range tasks {
		select {
		case <-ctx.Done():
			errOnce.Do(func() { firstErr = ctx.Err() })
			break submit
		case taskChan <- task:
		}
	}
	close(taskChan)
	wg.Wait()

	return firstErr
}

func (p *Pool) runSequential(ctx context.Context, tasks []Task) error {
	var firstErr error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}
		if err := p.runOne(ctx, task); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runOne executes a single task with a panic guard so one bad record cannot
// take down a whole report run.
func (p *Pool) runOne(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
		atomic.AddInt64(&p.tasksRun, 1)
		if err != nil {
			atomic.AddInt64(&p.tasksFailed, 1)
		}
	}()
	return task(ctx)
}

// Stats holds cumulative pool counters.
type Stats struct {
	TasksRun    int64
	TasksFailed int64
}

// Stats returns cumulative counters across all Run calls.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksRun:    atomic.LoadInt64(&p.tasksRun),
		TasksFailed: atomic.LoadInt64(&p.tasksFailed),
	}
}
