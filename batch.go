package transactions

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BatchOperation is one unit of work executed by a BatchExecutor.
type BatchOperation func(ctx context.Context) (interface{}, error)

// BatchResult pairs an operation's outcome with its submission index.
type BatchResult struct {
	Index int
	Value interface{}
	Err   error
}

// BatchExecutor runs a set of independent operations with bounded
// parallelism.  Every submitted operation runs to completion even when
// another fails; failures are reported only after the batch has drained, with
// the first error in submission order as the batch error.
type BatchExecutor struct {
	parallelism int64
}

// NewBatchExecutor creates an executor which runs at most parallelism
// operations concurrently.  A parallelism below one means serial execution.
func NewBatchExecutor(parallelism int) *BatchExecutor {
	if parallelism < 1 {
		parallelism = 1
	}

	return &BatchExecutor{
		parallelism: int64(parallelism),
	}
}

// Execute runs all ops and returns their results in submission order.  The
// returned error is the first failure in submission order, or nil when every
// operation succeeded.
func (e *BatchExecutor) Execute(ctx context.Context, ops []BatchOperation) ([]BatchResult, error) {
	results := make([]BatchResult, len(ops))

	sem := semaphore.NewWeighted(e.parallelism)
	var wg sync.WaitGroup

	for i, op := range ops {
		results[i].Index = i

		if err := sem.Acquire(ctx, 1); err != nil {
			// The context is gone; everything not yet dispatched fails with
			// the context error, but work already running still drains.
			results[i].Err = err
			continue
		}

		wg.Add(1)
		go func(idx int, op BatchOperation) {
			defer wg.Done()
			defer sem.Release(1)

			val, err := op(ctx)
			results[idx].Value = val
			results[idx].Err = err
		}(i, op)
	}

	wg.Wait()

	for i := range results {
		if results[i].Err != nil {
			return results, results[i].Err
		}
	}

	return results, nil
}
