package sched

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_SingleWorkerIsFIFO(t *testing.T) {
	p := NewPool(Options{Workers: 1})
	defer p.Shutdown()

	const n = 200
	var mu sync.Mutex
	var order []int
	futures := make([]*Future[int], 0, n)
	for i := 0; i < n; i++ {
		i := i
		f, err := Submit(p, func() (int, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return i * 2, nil
		})
		require.NoError(t, err)
		futures = append(futures, f)
	}

	for i, f := range futures {
		v, err := f.Get()
		require.NoError(t, err)
		assert.Equal(t, i*2, v)
	}
	want := make([]int, n)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, order)
}

func TestPool_ShutdownDrainsQueue(t *testing.T) {
	p := NewPool(Options{Workers: 2})

	var completed atomic.Int64
	block := make(chan struct{})
	for i := 0; i < 50; i++ {
		_, err := Submit(p, func() (struct{}, error) {
			<-block
			completed.Add(1)
			return struct{}{}, nil
		})
		require.NoError(t, err)
	}
	close(block)
	p.Shutdown()

	assert.Equal(t, int64(50), completed.Load())
	assert.Zero(t, p.Pending())
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	p := NewPool(Options{Workers: 1})
	p.Shutdown()
	p.Shutdown()

	f, err := Submit(p, func() (int, error) { return 1, nil })
	assert.Nil(t, f)
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_TaskErrorsAndPanics(t *testing.T) {
	p := NewPool(Options{Workers: 1})
	defer p.Shutdown()

	boom := errors.New("boom")
	f1, err := Submit(p, func() (int, error) { return 0, boom })
	require.NoError(t, err)
	f2, err := Submit(p, func() (int, error) { panic("kaboom") })
	require.NoError(t, err)
	f3, err := Submit(p, func() (string, error) { return "still running", nil })
	require.NoError(t, err)

	_, err = f1.Get()
	assert.ErrorIs(t, err, boom)
	_, err = f2.Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	v, err := f3.Get()
	require.NoError(t, err)
	assert.Equal(t, "still running", v)
}

func TestFuture_WaitContext(t *testing.T) {
	p := NewPool(Options{Workers: 1})
	release := make(chan struct{})
	f, err := Submit(p, func() (int, error) {
		<-release
		return 7, nil
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	p.Shutdown()
}

func TestPool_ParallelWorkers(t *testing.T) {
	p := NewPool(Options{Workers: 4})
	defer p.Shutdown()

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		_, err := Submit(p, func() (bool, error) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			running.Add(-1)
			return true, nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Greater(t, peak.Load(), int64(1))
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 0, PriorityNone.Level())
	assert.Equal(t, 99, PriorityMax.Level())
	assert.Less(t, PriorityLow.Level(), PriorityHigh.Level())

	p, err := ParsePriority("high")
	require.NoError(t, err)
	assert.Equal(t, PriorityHigh, p)
	p, err = ParsePriority("")
	require.NoError(t, err)
	assert.Equal(t, PriorityNone, p)
	_, err = ParsePriority("urgent")
	assert.Error(t, err)
}

func TestAffinity_PinToCurrentSet(t *testing.T) {
	if runtime.GOOS != "linux" {
		assert.ErrorIs(t, SetAffinity([]int{0}), ErrUnsupported)
		return
	}
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpus, err := Affinity()
	require.NoError(t, err)
	require.NotEmpty(t, cpus)

	require.NoError(t, SetAffinity(cpus[:1]))
	got, err := Affinity()
	require.NoError(t, err)
	assert.Equal(t, cpus[:1], got)

	require.NoError(t, SetAffinity(cpus))
	assert.Error(t, SetAffinity([]int{-1}))
}
