package async

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRejectsInvalidConstruction(t *testing.T) {
	_, err := NewPool(0, 4)
	require.Error(t, err)
}

func TestSubmitRunsTask(t *testing.T) {
	p, err := NewPool(2, 4)
	require.NoError(t, err)
	defer p.Close()

	var ran atomic.Bool
	require.NoError(t, p.Submit(context.Background(), func(context.Context) error {
		ran.Store(true)
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
	require.True(t, ran.Load())
}

func TestRunBatchCollectsPerTaskErrors(t *testing.T) {
	p, err := NewPool(3, 0)
	require.NoError(t, err)
	defer p.Close()

	boom := errors.New("boom")
	var succeeded atomic.Int64
	tasks := make([]Task, 10)
	for i := range tasks {
		fail := i%3 == 0
		tasks[i] = func(context.Context) error {
			if fail {
				return boom
			}
			succeeded.Add(1)
			return nil
		}
	}

	results := p.RunBatch(context.Background(), tasks)
	require.Len(t, results, 10)
	var failures int
	for _, res := range results {
		if res != nil {
			failures++
			require.ErrorIs(t, res, boom)
		}
	}
	require.Equal(t, 4, failures)
	require.Equal(t, int64(6), succeeded.Load())
}

func TestRunBatchSurvivesPanics(t *testing.T) {
	p, err := NewPool(1, 0)
	require.NoError(t, err)
	defer p.Close()

	results := p.RunBatch(context.Background(), []Task{
		func(context.Context) error { panic("kaboom") },
		func(context.Context) error { return nil },
	})
	require.Error(t, results[0])
	require.NoError(t, results[1])
}

func TestSubmitAfterCloseFails(t *testing.T) {
	p, err := NewPool(1, 0)
	require.NoError(t, err)
	p.Close()
	require.Error(t, p.Submit(context.Background(), func(context.Context) error { return nil }))
}
