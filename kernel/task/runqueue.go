package task

import "wasmos/kernel"

var (
	errAlreadyQueued = &kernel.Error{Module: "task", Message: "thread is already in a run queue", Kind: kernel.KindCorruptedSchedulerState}
	errNotReady      = &kernel.Error{Module: "task", Message: "only ready threads can be queued", Kind: kernel.KindCorruptedSchedulerState}
)

// RunQueue is an intrusive FIFO of ready threads. It is not safe for
// concurrent use; the owning core serializes access.
type RunQueue struct {
	head, tail *Thread
	length     int
}

// Push appends t. Only Ready threads that are not queued anywhere may be
// pushed.
func (q *RunQueue) Push(t *Thread) *kernel.Error {
	switch {
	case t.queued:
		return errAlreadyQueued
	case t.state != Ready:
		return errNotReady
	}

	t.queued, t.next = true, nil
	if q.tail == nil {
		q.head = t
	} else {
		q.tail.next = t
	}
	q.tail = t
	q.length++
	return nil
}

// Pop removes and returns the thread at the front or nil.
func (q *RunQueue) Pop() *Thread {
	t := q.head
	if t == nil {
		return nil
	}

	q.head = t.next
	if q.head == nil {
		q.tail = nil
	}
	t.queued, t.next = false, nil
	q.length--
	return t
}

// Remove unlinks t and returns true if it was queued here.
func (q *RunQueue) Remove(t *Thread) bool {
	var prev *Thread
	for cur := q.head; cur != nil; prev, cur = cur, cur.next {
		if cur != t {
			continue
		}
		if prev == nil {
			q.head = cur.next
		} else {
			prev.next = cur.next
		}
		if q.tail == cur {
			q.tail = prev
		}
		cur.queued, cur.next = false, nil
		q.length--
		return true
	}
	return false
}

// Len returns the number of queued threads.
func (q *RunQueue) Len() int { return q.length }

// Each visits the queued threads from front to back.
func (q *RunQueue) Each(fn func(*Thread)) {
	for cur := q.head; cur != nil; cur = cur.next {
		fn(cur)
	}
}
