package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Thread is a goroutine that owns one working set and runs tasks against it
// one at a time, in FIFO order.
//
// Thread-safety model:
//   - Post, Do and Submit: safe from any goroutine
//   - the Context passed to a task: a handle revoked when the task returns
//   - Stop: safe from any goroutine, including a task on the Thread itself
//
// Do and Submit(...).Wait must not be called from a task running on the same
// Thread; the task would wait for itself.
type Thread struct {
	name    string
	mgr     *Manager
	queue   *taskQueue
	done    chan struct{}
	stopped atomic.Bool

	// ws is created by the first task and only touched on the goroutine.
	ws *workspace
}

func newThread(m *Manager, name string) *Thread {
	t := &Thread{
		name:  name,
		mgr:   m,
		queue: newTaskQueue(),
		done:  make(chan struct{}),
	}
	go t.run()
	return t
}

// Name returns the name the Thread was created with.
func (t *Thread) Name() string {
	return t.name
}

// Manager returns the Manager that owns the Thread.
func (t *Thread) Manager() *Manager {
	return t.mgr
}

// Done is closed once the Thread's goroutine has exited and its Context has
// been discarded.
func (t *Thread) Done() <-chan struct{} {
	return t.done
}

// Post enqueues fn without waiting for it. Returns ErrThreadStopped if the
// Thread no longer accepts work.
func (t *Thread) Post(fn func(*Context)) error {
	if !t.queue.push(task{run: fn}) {
		return ErrThreadStopped
	}
	return nil
}

// Do runs fn on the Thread and waits for it to finish or for ctx to be
// cancelled. Cancelling ctx stops the wait, not the task.
func (t *Thread) Do(ctx context.Context, fn func(*Context) error) error {
	f := Submit(t, func(c *Context) (struct{}, error) {
		return struct{}{}, fn(c)
	})
	_, err := f.Wait(ctx)
	return err
}

// Stop closes the Thread. Tasks not yet started are dropped, the task in
// progress (if any) runs to completion, and then the Context is discarded.
func (t *Thread) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}
	for _, tk := range t.queue.close() {
		if tk.drop != nil {
			tk.drop()
		}
	}
	t.mgr.forgetThread(t)
}

func (t *Thread) run() {
	defer close(t.done)
	log := t.mgr.logger.With("model", t.mgr.name, "thread", t.name)
	log.Debug("thread started")

	for {
		tk, ok := t.queue.pop()
		if !ok {
			break
		}
		t.exec(tk)
	}

	if t.ws != nil {
		t.ws.discard()
	}
	log.Debug("thread stopped")
}

// exec runs one task with a fresh Context handle over the Thread's working
// set. The handle is revoked when the task returns. A panicking task is
// logged; the Thread keeps running.
func (t *Thread) exec(tk task) {
	if t.ws == nil {
		t.ws = newWorkspace(t.mgr, t)
	}
	c, revoke := t.ws.lease()
	defer revoke()
	defer func() {
		if r := recover(); r != nil {
			t.mgr.logger.Error("thread task panicked",
				"model", t.mgr.name,
				"thread", t.name,
				"panic", r,
			)
		}
	}()

	tk.run(c)
}

// Future is the result of a task submitted with Submit. It resolves exactly
// once: with the task's result, with the task's panic as an error, or with
// ErrThreadStopped if the Thread stopped before running it.
type Future[T any] struct {
	done chan struct{}
	once sync.Once
	val  T
	err  error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(v T, err error) {
	f.once.Do(func() {
		f.val, f.err = v, err
		close(f.done)
	})
}

// Done is closed when the Future resolves.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Future resolves or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit enqueues fn on t and returns a Future for its result.
func Submit[T any](t *Thread, fn func(*Context) (T, error)) *Future[T] {
	f := newFuture[T]()
	var zero T

	ok := t.queue.push(task{
		run: func(c *Context) {
			defer func() {
				if r := recover(); r != nil {
					if err, isErr := r.(error); isErr {
						f.resolve(zero, fmt.Errorf("task panicked: %w", err))
						return
					}
					f.resolve(zero, fmt.Errorf("task panicked: %v", r))
				}
			}()
			f.resolve(fn(c))
		},
		drop: func() { f.resolve(zero, ErrThreadStopped) },
	})
	if !ok {
		f.resolve(zero, ErrThreadStopped)
	}
	return f
}
