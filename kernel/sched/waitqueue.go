package sched

import (
	"wasmos/kernel/sync"
	"wasmos/kernel/task"
)

// Waker wakes blocked threads. Both *Scheduler (for callers outside any
// thread) and *Env implement it.
type Waker interface {
	Unblock(id task.ID) error
}

// WaitQueue is a FIFO of items handed from producers to consumer threads.
// Pop blocks the calling thread while the queue is empty; Push wakes the
// longest waiting consumer. Producers may run on any goroutine.
type WaitQueue[T any] struct {
	lock    sync.Spinlock
	items   []T
	waiters []task.ID
}

// Len returns the number of queued items.
func (q *WaitQueue[T]) Len() int {
	q.lock.Acquire()
	defer q.lock.Release()
	return len(q.items)
}

// Push appends item and wakes one waiting consumer.
func (q *WaitQueue[T]) Push(w Waker, item T) error {
	q.lock.Acquire()
	q.items = append(q.items, item)
	var waiter task.ID
	if len(q.waiters) != 0 {
		waiter = q.waiters[0]
		q.waiters = q.waiters[1:]
	}
	q.lock.Release()

	if waiter == 0 {
		return nil
	}
	return w.Unblock(waiter)
}

// TryPop removes the item at the front without blocking.
func (q *WaitQueue[T]) TryPop() (T, bool) {
	q.lock.Acquire()
	defer q.lock.Release()
	return q.popLocked()
}

func (q *WaitQueue[T]) popLocked() (T, bool) {
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// parkFn runs after a consumer registered as a waiter, right before it
// suspends. Tests use it to interleave producers and competing consumers.
var parkFn = func() {}

// Pop removes the item at the front, blocking the calling thread until one
// is available.
func (q *WaitQueue[T]) Pop(env *Env) T {
	if item, ok := q.TryPop(); ok {
		return item
	}

	for {
		// The thread is marked blocked before it registers, so a Push that
		// finds the waiter always turns the following Block into a no-op or
		// a real wakeup. A woken consumer that lost the item to another one
		// registers again.
		token := env.PrepareBlock()

		q.lock.Acquire()
		item, ok := q.popLocked()
		if !ok {
			q.waiters = append(q.waiters, env.ID())
		}
		q.lock.Release()

		if ok {
			// cancel the prepared block
			_ = env.Unblock(env.ID())
			env.Block(token)
			return item
		}

		parkFn()
		env.Block(token)

		// Push unregisters the waiter it wakes; drop a registration left
		// behind by any other wakeup.
		q.lock.Acquire()
		q.removeWaiter(env.ID())
		q.lock.Release()
	}
}

func (q *WaitQueue[T]) removeWaiter(id task.ID) {
	for i, waiter := range q.waiters {
		if waiter == id {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return
		}
	}
}
