// Package executor provides the single-concurrency FIFO queue that serializes
// every operation against one datastore instance.
package executor

import (
	"context"
	"sync"
)

type job struct {
	fn   func()
	done chan struct{}
}

// Executor runs submitted tasks one at a time, in submission order. Until
// ProcessBuffer is called, tasks are buffered instead of run, except those
// pushed with forced admission (the database load itself). A task admitted to
// the queue always runs to completion exactly once, even when the submitter
// stops waiting.
type Executor struct {
	mu      sync.Mutex
	queue   []*job
	buffer  []*job
	ready   bool
	running bool
}

// New returns an executor that buffers tasks until ProcessBuffer.
func New() *Executor {
	return &Executor{}
}

// Push submits a task and waits for it to finish. When the executor is not
// ready and forced is false the task joins the pre-load buffer. The context
// only bounds the wait: a task already admitted still runs if ctx expires.
func (e *Executor) Push(ctx context.Context, forced bool, fn func()) error {
	j := &job{fn: fn, done: make(chan struct{})}
	e.mu.Lock()
	if !e.ready && !forced {
		e.buffer = append(e.buffer, j)
	} else {
		e.queue = append(e.queue, j)
		e.kick()
	}
	e.mu.Unlock()

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessBuffer flips the executor to ready and enqueues every buffered task
// in arrival order. Safe to call more than once.
func (e *Executor) ProcessBuffer() {
	e.mu.Lock()
	e.ready = true
	e.queue = append(e.queue, e.buffer...)
	e.buffer = nil
	e.kick()
	e.mu.Unlock()
}

// Ready reports whether buffering has ended.
func (e *Executor) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// kick starts the drain goroutine if none is running. Caller holds e.mu.
func (e *Executor) kick() {
	if e.running || len(e.queue) == 0 {
		return
	}
	e.running = true
	go e.drain()
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		j := e.queue[0]
		e.queue = e.queue[1:]
		e.mu.Unlock()

		j.fn()
		close(j.done)
	}
}
