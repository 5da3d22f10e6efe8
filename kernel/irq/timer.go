package irq

import (
	"context"
	"sync/atomic"
	"time"
)

// Timer is the periodic interval timer wired to TimerLine.
type Timer struct {
	ctrl  *Controller
	ticks uint64
}

// NewTimer returns a timer raising TimerLine on ctrl.
func NewTimer(ctrl *Controller) *Timer {
	return &Timer{ctrl: ctrl}
}

// Tick raises a single timer interrupt.
func (t *Timer) Tick() {
	atomic.AddUint64(&t.ticks, 1)
	t.ctrl.Raise(TimerLine)
}

// Ticks returns the number of raised timer interrupts.
func (t *Timer) Ticks() uint64 {
	return atomic.LoadUint64(&t.ticks)
}

// Start raises a timer interrupt every period until ctx is cancelled. The
// returned channel is closed once the timer has stopped.
func (t *Timer) Start(ctx context.Context, period time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.Tick()
			}
		}
	}()
	return done
}
