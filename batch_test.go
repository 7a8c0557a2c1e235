package transactions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchExecutorRunsAll(t *testing.T) {
	exec := NewBatchExecutor(4)

	ops := make([]BatchOperation, 16)
	for i := range ops {
		i := i
		ops[i] = func(ctx context.Context) (interface{}, error) {
			return i * 2, nil
		}
	}

	results, err := exec.Execute(context.Background(), ops)
	require.NoError(t, err)
	require.Len(t, results, 16)

	for i, res := range results {
		assert.Equal(t, i, res.Index)
		assert.Equal(t, i*2, res.Value)
		assert.NoError(t, res.Err)
	}
}

func TestBatchExecutorFirstErrorInSubmissionOrder(t *testing.T) {
	exec := NewBatchExecutor(8)

	errEarly := errors.New("early")
	errLate := errors.New("late")

	ops := []BatchOperation{
		func(ctx context.Context) (interface{}, error) {
			return "ok", nil
		},
		func(ctx context.Context) (interface{}, error) {
			// Finishes last but submitted first among the failures.
			time.Sleep(20 * time.Millisecond)
			return nil, errEarly
		},
		func(ctx context.Context) (interface{}, error) {
			return nil, errLate
		},
	}

	results, err := exec.Execute(context.Background(), ops)
	assert.ErrorIs(t, err, errEarly)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.ErrorIs(t, results[1].Err, errEarly)
	assert.ErrorIs(t, results[2].Err, errLate)
}

func TestBatchExecutorBoundedParallelism(t *testing.T) {
	const parallelism = 3

	exec := NewBatchExecutor(parallelism)

	var running int32
	var peak int32

	ops := make([]BatchOperation, 24)
	for i := range ops {
		ops[i] = func(ctx context.Context) (interface{}, error) {
			cur := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&peak)
				if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil, nil
		}
	}

	_, err := exec.Execute(context.Background(), ops)
	require.NoError(t, err)

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(parallelism))
}

func TestBatchExecutorDrainsDespiteFailures(t *testing.T) {
	exec := NewBatchExecutor(2)

	var completed int32

	ops := make([]BatchOperation, 10)
	for i := range ops {
		i := i
		ops[i] = func(ctx context.Context) (interface{}, error) {
			atomic.AddInt32(&completed, 1)
			if i%2 == 0 {
				return nil, errors.New("boom")
			}
			return nil, nil
		}
	}

	_, err := exec.Execute(context.Background(), ops)
	assert.Error(t, err)
	assert.Equal(t, int32(10), atomic.LoadInt32(&completed))
}

func TestBatchExecutorCancelledContext(t *testing.T) {
	exec := NewBatchExecutor(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ops := []BatchOperation{
		func(ctx context.Context) (interface{}, error) {
			return nil, nil
		},
	}

	results, err := exec.Execute(ctx, ops)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, context.Canceled)
}
