package arch

import (
	"runtime"
)

// Context is the execution context of a kernel thread: the goroutine that
// backs it and the callee-saved registers it owns while running.
type Context struct {
	// Regs holds the callee-saved registers of the thread. Switch stores
	// them in the outgoing frame and reloads them from the incoming one.
	Regs Frame

	resume  chan Frame
	started bool
}

// NewContext returns the context of a thread that has not run yet.
func NewContext() *Context {
	return &Context{resume: make(chan Frame, 1)}
}

// NewRunningContext returns the context of the calling goroutine, which
// becomes a kernel thread that is already running (e.g. a core's idle
// thread).
func NewRunningContext() *Context {
	ctx := NewContext()
	ctx.started = true
	return ctx
}

// Started returns true once the thread has been dispatched at least once.
func (ctx *Context) Started() bool { return ctx.started }

// SwitchState is the thread-side half of a context switch.
type SwitchState interface {
	// Context returns the execution context of the thread.
	Context() *Context

	// SavedSP returns the stack pointer recorded by the last switch away
	// from the thread.
	SavedSP() uintptr

	// SetSavedSP records the stack pointer of a suspended thread.
	SetSavedSP(sp uintptr)
}

// Switch describes a context switch from the calling thread to another one.
type Switch struct {
	From, To SwitchState

	// FromStack and ToStack access the stacks of From and To.
	FromStack, ToStack Stack

	// RFlags is the flags register saved for From.
	RFlags uint64

	// Exiting skips saving From; the calling goroutine terminates once To
	// has been started.
	Exiting bool

	// Commit runs after the incoming stack pointer has been loaded and
	// before the incoming frame is popped. It switches address spaces.
	Commit func()

	// Trampoline runs on the new goroutine of a thread dispatched for the
	// first time. It receives the popped initial frame.
	Trampoline func(Frame)
}

// Run performs the switch on the goroutine backing From:
//
//  1. unless exiting, push the registers, RFlags and ResumeAddr on the
//     outgoing stack and record the stack pointer in From
//  2. load the stack pointer of To and run Commit
//  3. pop the incoming frame and validate its return address
//  4. resume To on its own goroutine, or start it at the trampoline
//  5. park until another switch resumes From, or exit the goroutine
//
// Run returns the frame that resumed From. Errors are returned before any
// control is handed over; the outgoing state then stays intact on its stack.
func (sw *Switch) Run() (Frame, error) {
	from, to := sw.From.Context(), sw.To.Context()

	if !sw.Exiting {
		saved := from.Regs
		saved.RFlags = sw.RFlags | rflagsReserved
		saved.RIP = ResumeAddr

		sp, err := PushFrame(sw.FromStack, sw.From.SavedSP(), saved)
		if err != nil {
			return Frame{}, err
		}
		sw.From.SetSavedSP(sp)
	}

	sp := sw.To.SavedSP()
	if sw.Commit != nil {
		sw.Commit()
	}

	frame, sp, err := PopFrame(sw.ToStack, sp)
	if err != nil {
		return Frame{}, err
	}

	switch frame.RIP {
	case TrampolineAddr:
		if to.started {
			return Frame{}, errStartedTwice
		}
	case ResumeAddr:
		if !to.started {
			return Frame{}, errNeverStarted
		}
	default:
		return Frame{}, errCorruptFrame
	}
	sw.To.SetSavedSP(sp)

	to.Regs = frame
	to.Regs.RFlags, to.Regs.RIP = 0, 0
	if frame.RIP == TrampolineAddr {
		to.started = true
		go sw.Trampoline(frame)
	} else {
		to.resume <- frame
	}

	if sw.Exiting {
		runtime.Goexit()
	}

	return <-from.resume, nil
}
