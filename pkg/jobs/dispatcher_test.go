package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/robomem/robomem/pkg/core"
)

func newDispatcher(t *testing.T, backend string, workers int) *Dispatcher {
	t.Helper()
	d, err := NewDispatcher(core.JobsConfig{Backend: backend, PoolWorkers: workers}, zerolog.Nop(), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = d.Close(ctx)
	})
	return d
}

func TestInlineBackendReturnsErrors(t *testing.T) {
	d := newDispatcher(t, BackendInline, 0)

	ran := false
	id, err := d.Enqueue("ok", func(ctx context.Context) error {
		ran = true
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.True(t, ran)

	_, err = d.Enqueue("fails", func(ctx context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
}

func TestThreadBackendRunsAsync(t *testing.T) {
	d := newDispatcher(t, BackendThread, 0)

	done := make(chan struct{})
	_, err := d.Enqueue("async", func(ctx context.Context) error {
		close(done)
		return nil
	})
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
}

func TestPoolBackendExecutesAllTasks(t *testing.T) {
	d := newDispatcher(t, BackendPool, 3)

	var mu sync.Mutex
	seen := map[int]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		i := i
		wg.Add(1)
		_, err := d.Enqueue("work", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			seen[i] = true
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.Len(t, seen, 20)
}

func TestQueueBackendPreservesFIFO(t *testing.T) {
	d := newDispatcher(t, BackendQueue, 0)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		_, err := d.Enqueue("work", func(ctx context.Context) error {
			defer wg.Done()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()

	for i, v := range order {
		require.Equal(t, i, v)
	}
}

func TestPanicIsIsolated(t *testing.T) {
	d := newDispatcher(t, BackendInline, 0)

	_, err := d.Enqueue("explodes", func(ctx context.Context) error {
		panic("kaboom")
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "kaboom")

	// Dispatcher still usable afterwards.
	_, err = d.Enqueue("fine", func(ctx context.Context) error { return nil })
	require.NoError(t, err)
}

func TestEnqueueAfterCloseFails(t *testing.T) {
	d, err := NewDispatcher(core.JobsConfig{Backend: BackendPool, PoolWorkers: 1}, zerolog.Nop(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	_, err = d.Enqueue("late", func(ctx context.Context) error { return nil })
	require.True(t, core.IsKind(err, core.KindResourceExhausted))

	// Close is idempotent.
	require.NoError(t, d.Close(ctx))
}

func TestCloseDrainsInFlight(t *testing.T) {
	d, err := NewDispatcher(core.JobsConfig{Backend: BackendQueue}, zerolog.Nop(), nil)
	require.NoError(t, err)

	finished := false
	started := make(chan struct{})
	_, err = d.Enqueue("slow", func(ctx context.Context) error {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished = true
		return nil
	})
	require.NoError(t, err)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.True(t, finished)
}

func TestConcurrentEnqueueAndClose(t *testing.T) {
	for _, backend := range []string{BackendThread, BackendPool, BackendQueue} {
		t.Run(backend, func(t *testing.T) {
			for round := 0; round < 50; round++ {
				d, err := NewDispatcher(core.JobsConfig{Backend: backend, PoolWorkers: 2}, zerolog.Nop(), nil)
				require.NoError(t, err)

				start := make(chan struct{})
				errs := make(chan error, 4)
				var wg sync.WaitGroup
				for g := 0; g < 4; g++ {
					wg.Add(1)
					go func() {
						defer wg.Done()
						<-start
						for i := 0; i < 20; i++ {
							if _, err := d.Enqueue("churn", func(ctx context.Context) error { return nil }); err != nil {
								errs <- err
								return
							}
						}
					}()
				}
				close(start)

				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				require.NoError(t, d.Close(ctx))
				cancel()
				wg.Wait()

				close(errs)
				for err := range errs {
					require.True(t, core.IsKind(err, core.KindResourceExhausted))
				}
			}
		})
	}
}

func TestEnqueueParallelInlineIsSequential(t *testing.T) {
	d := newDispatcher(t, BackendInline, 0)

	var active atomic.Int32
	fns := map[string]func(ctx context.Context) error{}
	for _, name := range []string{"a", "b", "c", "d"} {
		fns[name] = func(ctx context.Context) error {
			require.Equal(t, int32(1), active.Add(1))
			time.Sleep(2 * time.Millisecond)
			active.Add(-1)
			return nil
		}
	}
	require.NoError(t, d.EnqueueParallel(context.Background(), fns))
}

func TestEnqueueParallelPropagatesFirstError(t *testing.T) {
	d := newDispatcher(t, BackendPool, 2)

	err := d.EnqueueParallel(context.Background(), map[string]func(ctx context.Context) error{
		"a": func(ctx context.Context) error { return nil },
		"b": func(ctx context.Context) error { return errors.New("b failed") },
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "b failed")
}

func TestUnknownBackendRejected(t *testing.T) {
	_, err := NewDispatcher(core.JobsConfig{Backend: "fibers"}, zerolog.Nop(), nil)
	require.True(t, core.IsKind(err, core.KindConfiguration))

	_, err = NewDispatcher(core.JobsConfig{Backend: BackendPool, PoolWorkers: 0}, zerolog.Nop(), nil)
	require.True(t, core.IsKind(err, core.KindConfiguration))
}
