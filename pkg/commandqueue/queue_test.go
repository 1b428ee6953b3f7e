package commandqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandQueue_BasicEnqueue(t *testing.T) {
	cq := New()
	defer cq.Close()

	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return "result", nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, "result", result)
}

func TestCommandQueue_TaskError(t *testing.T) {
	cq := New()
	defer cq.Close()

	expected := errors.New("task failed")
	result, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		return nil, expected
	}, nil)

	assert.ErrorIs(t, err, expected)
	assert.Nil(t, result)
}

func TestCommandQueue_PanicBecomesError(t *testing.T) {
	cq := New()
	defer cq.Close()

	_, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) {
		panic("boom")
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	// The lane keeps working afterwards.
	v, err := cq.Enqueue("test", func(ctx context.Context) (interface{}, error) { return 1, nil }, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestCommandQueue_FIFOWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	<-started

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			}, nil)
		}()
		// Enqueue order is the submission order.
		require.Eventually(t, func() bool { return cq.QueueSize("lane") == i+1 }, time.Second, time.Millisecond)
	}

	close(release)
	wg.Wait()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCommandQueue_NoOverlapWithinLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cq.Enqueue("serial", func(ctx context.Context) (interface{}, error) {
				n := active.Add(1)
				for {
					m := maxActive.Load()
					if n <= m || maxActive.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			}, nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestCommandQueue_LanesRunConcurrently(t *testing.T) {
	cq := New()
	defer cq.Close()

	barrier := make(chan struct{})
	var wg sync.WaitGroup
	for _, lane := range []string{"a", "b"} {
		lane := lane
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cq.Enqueue(lane, func(ctx context.Context) (interface{}, error) {
				select {
				case barrier <- struct{}{}:
				case <-barrier:
				case <-time.After(time.Second):
					return nil, errors.New("lanes did not overlap")
				}
				return nil, nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestCommandQueue_SetConcurrency(t *testing.T) {
	cq := New()
	defer cq.Close()

	cq.SetConcurrency("wide", 3)
	assert.Equal(t, 3, cq.Stats()["wide"].Concurrency)
}

func TestCommandQueue_AbandonedTaskIsSkipped(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		_, err := cq.EnqueueWithContext(ctx, "lane", func(ctx context.Context) (interface{}, error) {
			ran.Store(true)
			return nil, nil
		}, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return cq.QueueSize("lane") == 1 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	close(release)
	_, err := cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	require.NoError(t, err)
	assert.False(t, ran.Load())
}

func TestCommandQueue_ClearAndRemoveLane(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	<-started

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
			errs <- err
		}()
	}
	require.Eventually(t, func() bool { return cq.QueueSize("lane") == 2 }, time.Second, time.Millisecond)

	assert.Equal(t, 2, cq.ClearLane("lane"))
	assert.ErrorIs(t, <-errs, ErrLaneCleared)
	assert.ErrorIs(t, <-errs, ErrLaneCleared)

	cq.RemoveLane("lane")
	close(release)
	_, ok := cq.Stats()["lane"]
	assert.False(t, ok)
}

func TestCommandQueue_WarnAfter(t *testing.T) {
	cq := New()
	defer cq.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	go cq.Enqueue("slow", func(ctx context.Context) (interface{}, error) {
		close(started)
		<-release
		return nil, nil
	}, nil)
	<-started

	waited := make(chan int, 1)
	go cq.Enqueue("slow", func(ctx context.Context) (interface{}, error) { return nil, nil }, &TaskOptions{
		WarnAfter: 10 * time.Millisecond,
		OnWait:    func(_ time.Duration, pos int) { waited <- pos },
	})

	select {
	case pos := <-waited:
		assert.Equal(t, 0, pos)
	case <-time.After(time.Second):
		t.Fatal("OnWait not called")
	}
	close(release)
}

func TestCommandQueue_WaitForActive(t *testing.T) {
	cq := New()
	defer cq.Close()

	go cq.Enqueue("busy", func(ctx context.Context) (interface{}, error) {
		time.Sleep(30 * time.Millisecond)
		return nil, nil
	}, nil)
	require.Eventually(t, func() bool { return cq.RunningCount("busy") == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cq.WaitForActive(ctx))
	assert.Equal(t, 0, cq.RunningCount("busy"))
}

func TestCommandQueue_Close(t *testing.T) {
	cq := New()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}, nil)
		done <- err
	}()
	<-started

	require.NoError(t, cq.Close())
	assert.ErrorIs(t, <-done, context.Canceled)

	_, err := cq.Enqueue("lane", func(ctx context.Context) (interface{}, error) { return nil, nil }, nil)
	assert.ErrorIs(t, err, ErrClosed)
}
