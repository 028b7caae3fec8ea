package server

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RunnerPool bounds how many background pipelines execute concurrently.
// Excess submissions wait their turn; cancelling a waiting task releases
// it without ever running the pipeline.
type RunnerPool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup
}

// NewRunnerPool returns a pool allowing size concurrent pipelines.
func NewRunnerPool(size int) *RunnerPool {
	return &RunnerPool{
		sem: semaphore.NewWeighted(int64(size)),
	}
}

// Go schedules run on the pool. finish receives the terminal status
// exactly once, including when the task is cancelled while still queued.
func (p *RunnerPool) Go(ctx context.Context, run func() error, finish func(error)) {
	p.wg.Add(1)

	// A free slot is taken before the goroutine starts, so a later
	// submission can never overtake an earlier one for it.
	acquired := p.sem.TryAcquire(1)
	go func() {
		defer p.wg.Done()

		if !acquired {
			err := p.sem.Acquire(ctx, 1)
			if err == nil && ctx.Err() != nil {
				// The slot arrived together with the cancellation.
				p.sem.Release(1)
				err = ctx.Err()
			}
			if err != nil {
				finish(status.Error(codes.Canceled, "the task was cancelled before it could start"))
				return
			}
		}
		defer p.sem.Release(1)

		finish(run())
	}()
}

// Wait blocks until every scheduled pipeline has finished.
func (p *RunnerPool) Wait() {
	p.wg.Wait()
}
