// Package sync provides the spinlock implementations used by the kernel
// allocators and the scheduler.
package sync

import (
	"runtime"
	"sync/atomic"
)

var (
	// yieldFn is invoked by Acquire after spinning for attemptsBeforeYielding
	// iterations so that a lock holder running on another logical core gets
	// a chance to make progress.
	yieldFn = runtime.Gosched
)

// attemptsBeforeYielding is the number of failed acquisition attempts before
// Acquire yields the host thread.
const attemptsBeforeYielding = 64

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		// Test followed by test-and-set keeps the cache line shared while
		// the lock is held by someone else.
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%attemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// InterruptMask is implemented by logical cores that can mask interrupt
// delivery.
type InterruptMask interface {
	// SaveAndDisableInterrupts disables interrupt delivery and returns
	// whether interrupts were enabled before the call.
	SaveAndDisableInterrupts() bool

	// RestoreInterrupts re-enables interrupt delivery if enabled is true.
	RestoreInterrupts(enabled bool)
}

// IRQSpinlock is a spinlock that also disables interrupt delivery on the
// acquiring core for the duration of the critical section. It must be used
// for any state that is also touched from interrupt context.
type IRQSpinlock struct {
	lock Spinlock
}

// Acquire disables interrupts on the supplied core, acquires the lock and
// returns the previous interrupt state which must be passed to Release.
func (l *IRQSpinlock) Acquire(mask InterruptMask) bool {
	state := mask.SaveAndDisableInterrupts()
	l.lock.Acquire()
	return state
}

// Release drops the lock and restores the interrupt state captured by the
// matching Acquire call.
func (l *IRQSpinlock) Release(mask InterruptMask, state bool) {
	l.lock.Release()
	mask.RestoreInterrupts(state)
}

// Held returns true if the lock is currently held.
func (l *IRQSpinlock) Held() bool {
	return l.lock.Held()
}
