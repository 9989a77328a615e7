// Package sched runs pipeline work on a fixed pool of OS-thread-locked
// workers, optionally pinned to CPUs at real-time priority.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/banshee-data/tagvision/internal/monitoring"
)

// ErrPoolClosed is returned by Submit once Shutdown has begun.
var ErrPoolClosed = errors.New("sched: pool closed")

// Options configures a Pool.
type Options struct {
	// Workers is the number of worker threads; at least 1.
	Workers int
	// CPUs pins every worker to this CPU set when non-empty.
	CPUs []int
	// Priority is applied to every worker thread.
	Priority Priority
}

// Pool is a fixed set of workers draining a FIFO queue.
type Pool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	wg     sync.WaitGroup
}

// NewPool starts the workers. Failing to apply CPU affinity or priority is
// logged and the worker continues at normal scheduling.
func NewPool(opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	p := &Pool{}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i, opts)
	}
	return p
}

func (p *Pool) worker(id int, opts Options) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if len(opts.CPUs) > 0 {
		if err := SetAffinity(opts.CPUs); err != nil {
			monitoring.Logf("sched: worker %d: affinity %v: %v", id, opts.CPUs, err)
		}
	}
	if opts.Priority != PriorityNone {
		if err := SetPriority(opts.Priority); err != nil {
			monitoring.Logf("sched: worker %d: priority %v: %v", id, opts.Priority, err)
		}
	}

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		task()
	}
}

func (p *Pool) enqueue(task func()) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.queue = append(p.queue, task)
	p.cond.Signal()
	return nil
}

// Pending returns the number of queued tasks not yet started.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Shutdown stops accepting tasks, runs everything already queued and waits
// for the workers to exit. It is safe to call more than once.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Future is the handle to a submitted task's result.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed when the task has finished.
func (f *Future[T]) Done() <-chan struct{} { return f.done }

// Get blocks until the task finishes and returns its result.
func (f *Future[T]) Get() (T, error) {
	<-f.done
	return f.val, f.err
}

// Wait is Get bounded by ctx. The task keeps running if ctx ends first.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues fn and returns a handle to its result. A panic in fn is
// recovered and reported as the handle's error.
func Submit[T any](p *Pool, fn func() (T, error)) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}
	err := p.enqueue(func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("sched: task panic: %v\n%s", r, debug.Stack())
			}
		}()
		f.val, f.err = fn()
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}
