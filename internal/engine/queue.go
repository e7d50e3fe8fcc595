package engine

import "sync"

// task is one unit of work for a Thread. drop, when set, is called instead
// of run if the Thread stops before the task is dequeued.
type task struct {
	run  func(*Context)
	drop func()
}

// taskQueue is the unbounded FIFO feeding a Thread. A commit enqueues merges
// on every other Thread, so push never blocks; only the owning goroutine
// blocks, in pop.
type taskQueue struct {
	mu     sync.Mutex
	ready  *sync.Cond
	tasks  []task
	head   int
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// push appends t. Returns false once the queue is closed.
func (q *taskQueue) push(t task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)
	q.ready.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed. The second
// result is false only after close.
func (q *taskQueue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.head == len(q.tasks) && !q.closed {
		q.ready.Wait()
	}
	if q.closed {
		return task{}, false
	}

	t := q.tasks[q.head]
	q.tasks[q.head] = task{}
	q.head++
	if q.head == len(q.tasks) {
		q.tasks, q.head = q.tasks[:0], 0
	}
	return t, true
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks) - q.head
}

// close stops the queue, wakes the waiter and hands back the tasks that were
// never popped. Closing twice returns nil.
func (q *taskQueue) close() []task {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.ready.Broadcast()

	pending := q.tasks[q.head:]
	q.tasks, q.head = nil, 0
	return pending
}
