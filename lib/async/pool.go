// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/crumbgate/crumbgate/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool defines a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once
}

type job struct {
	ctx    context.Context
	fn     Task
	result chan<- error
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := new(Pool)
	p.ctx = ctx
	p.cancel = cancel
	p.jobs = make(chan job, queue)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the provided task for execution respecting pool backpressure.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.submit(ctx, fn, nil)
}

// RunBatch executes every task through the pool's workers and waits for all
// of them to settle. The returned slice holds one entry per task, nil on
// success. Unlike Submit, RunBatch blocks rather than rejecting when the
// pool is saturated: bulk mutations need every task to run.
func (p *Pool) RunBatch(ctx context.Context, tasks []Task) []error {
	results := make([]error, len(tasks))
	var pending sync.WaitGroup
	for i, fn := range tasks {
		ch := make(chan error, 1)
		if err := p.submitBlocking(ctx, fn, ch); err != nil {
			results[i] = err
			continue
		}
		pending.Add(1)
		go func(idx int, ch <-chan error) {
			defer pending.Done()
			results[idx] = <-ch
		}(i, ch)
	}
	pending.Wait()
	return results
}

func (p *Pool) submit(ctx context.Context, fn Task, result chan<- error) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn, result: result}:
		return nil
	default:
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

func (p *Pool) submitBlocking(ctx context.Context, fn Task, result chan<- error) error {
	if fn == nil {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return errs.New("lib/async", errs.CodeUnavailable, errs.WithMessage("pool closed"))
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("submit context: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn, result: result}:
		return nil
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			ctx := job.ctx
			if ctx == nil {
				ctx = p.ctx
			}
			p.execute(ctx, job)
			p.wg.Done()
		}
	}
}

func (p *Pool) execute(ctx context.Context, j job) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = errs.New("lib/async", errs.CodeUnavailable,
					errs.WithMessage(fmt.Sprintf("task panicked: %v", r)))
			}
		}()
		err = j.fn(ctx)
	}()
	if j.result != nil {
		j.result <- err
	}
}
