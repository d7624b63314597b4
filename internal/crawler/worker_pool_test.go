package crawler

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsEveryAcceptedJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	pool, err := NewWorkerPool(ctx, 2, 8)
	require.NoError(t, err)

	var ran atomic.Int32
	for i := 0; i < 6; i++ {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) {
			ran.Add(1)
		}))
	}
	cancel()
	pool.Close()

	require.EqualValues(t, 6, ran.Load())
	require.Error(t, pool.Submit(context.Background(), func(context.Context) {}))
}

func TestWorkerPoolRejectsBadSizes(t *testing.T) {
	_, err := NewWorkerPool(context.Background(), 0, 1)
	require.Error(t, err)
	_, err = NewWorkerPool(context.Background(), 1, 0)
	require.Error(t, err)
}
