package core

import "sync"

// queue is an unbounded FIFO. Producers never block beyond the lock.
// Consumers either block in pop or wait on ready() and take everything with drain.
type queue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []T
	closed  bool
	aborted bool
	readyCh chan struct{}
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{readyCh: make(chan struct{}, 1)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends an item; it returns false once the queue is closed
func (q *queue[T]) push(item T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.cond.Signal()
	q.notify()
	return true
}

// pop blocks until an item is available. ok is false once the queue is
// closed and empty, or aborted.
func (q *queue[T]) pop() (item T, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.aborted || len(q.items) == 0 {
		return item, false
	}

	item = q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// drain takes every queued item without blocking. done reports that the
// queue is closed and nothing will follow the returned items.
func (q *queue[T]) drain() (items []T, done bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	items = q.items
	q.items = nil
	return items, q.closed
}

// ready is signalled after every push and on close
func (q *queue[T]) ready() <-chan struct{} {
	return q.readyCh
}

// close stops accepting items; queued items stay poppable
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.cond.Broadcast()
	q.notify()
}

// abort closes the queue and discards what is left, returning the discarded count
func (q *queue[T]) abort() int {
	q.mu.Lock()
	dropped := len(q.items)
	q.closed = true
	q.aborted = true
	q.items = nil
	q.mu.Unlock()

	q.cond.Broadcast()
	q.notify()
	return dropped
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *queue[T]) notify() {
	select {
	case q.readyCh <- struct{}{}:
	default:
	}
}
