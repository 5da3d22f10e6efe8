package sched

import (
	"context"
	"sync/atomic"

	"wasmos/kernel"
	"wasmos/kernel/arch"
	"wasmos/kernel/cpu"
	"wasmos/kernel/irq"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm/vmm"
	"wasmos/kernel/sync"
	"wasmos/kernel/task"

	"github.com/hashicorp/go-hclog"
)

// Reason tells reschedule why the running thread gives up its core.
type Reason uint8

const (
	// Voluntary is a yield; the thread stays runnable.
	Voluntary Reason = iota

	// Preempt is a timer preemption; the thread stays runnable.
	Preempt

	// Block suspends the thread until it is unblocked.
	Block

	// Exit terminates the thread. The switch never returns.
	Exit
)

var reasonNames = [...]string{
	Voluntary: "voluntary",
	Preempt:   "preempt",
	Block:     "block",
	Exit:      "exit",
}

// String implements fmt.Stringer.
func (r Reason) String() string {
	if int(r) < len(reasonNames) {
		return reasonNames[r]
	}
	return "unknown"
}

var (
	errBlockState  = &kernel.Error{Module: "sched", Message: "blocking thread is neither blocked nor woken", Kind: kernel.KindCorruptedSchedulerState}
	errIdleSuspend = &kernel.Error{Module: "sched", Message: "idle thread cannot block or exit", Kind: kernel.KindCorruptedSchedulerState}
	errEntryArg    = &kernel.Error{Module: "sched", Message: "initial frame does not belong to the dispatched thread", Kind: kernel.KindCorruptedSchedulerState}
	errCoreRunning = &kernel.Error{Module: "sched", Message: "core idle loop is already running", Kind: kernel.KindInvalidArgument}
	errPreemptOff  = &kernel.Error{Module: "sched", Message: "thread blocks with preemption disabled", Kind: kernel.KindCorruptedSchedulerState}
)

var (
	// panicFn halts the kernel on corrupted scheduler state. Tests replace
	// it to observe the error.
	panicFn = kfmt.Panic

	// commitHookFn runs while a switch is in flight, right after the
	// incoming address space has been loaded.
	commitHookFn = func(*Core) {}
)

// Core is the scheduler instance of one logical core. All of its switching
// state is only touched by the thread that currently runs on the core, with
// interrupts disabled; the run queue and the current thread are additionally
// guarded by lock so that other cores can wake threads pinned here.
type Core struct {
	index int
	sched *Scheduler
	cpu   *cpu.CPU
	log   hclog.Logger

	lock    sync.IRQSpinlock
	queue   task.RunQueue
	current *task.Thread
	idle    *task.Thread

	// switching is set while a switch is in flight.
	switching bool

	// preemptOff counts the nested preemption-disabled sections of the
	// running thread; postponed records a switch request that arrived
	// meanwhile.
	preemptOff int
	postponed  bool

	// garbage is an exited thread whose resources are reclaimed by the
	// thread that runs next.
	garbage *task.Thread

	running uint32

	switches    uint64
	preemptions uint64
	dropped     uint64
	postpones   uint64
}

// Stats is a snapshot of the counters of a core.
type Stats struct {
	Switches    uint64
	Preemptions uint64

	// DroppedSwitches counts switch requests discarded because another
	// switch was in flight on the core, including timer ticks that were
	// latched during a switch.
	DroppedSwitches uint64

	// PostponedSwitches counts switch requests deferred until the running
	// thread re-enabled preemption.
	PostponedSwitches uint64

	Queued  int
	Current task.ID
}

// Index returns the core number.
func (core *Core) Index() int { return core.index }

// CPU returns the logical core this scheduler runs on.
func (core *Core) CPU() *cpu.CPU { return core.cpu }

// Stats returns a snapshot of the core counters.
func (core *Core) Stats() Stats {
	state := core.lock.Acquire(nopMask{})
	st := Stats{Queued: core.queue.Len(), Current: core.current.ID()}
	core.lock.Release(nopMask{}, state)

	st.Switches = atomic.LoadUint64(&core.switches)
	st.Preemptions = atomic.LoadUint64(&core.preemptions)
	st.DroppedSwitches = atomic.LoadUint64(&core.dropped)
	st.PostponedSwitches = atomic.LoadUint64(&core.postpones)
	return st
}

// enqueue makes the Ready thread t runnable on this core and wakes the core.
func (core *Core) enqueue(mask sync.InterruptMask, t *task.Thread) {
	state := core.lock.Acquire(mask)
	err := core.queue.Push(t)
	core.lock.Release(mask, state)

	if err != nil {
		panicFn(err)
		return
	}
	core.cpu.Kick()
}

// reschedule gives up the core on behalf of the running thread. It is the
// only path that performs a context switch. A request arriving while another
// switch is in flight on this core is discarded; a yield or preemption of a
// thread that disabled preemption is postponed.
func (core *Core) reschedule(reason Reason) {
	irqState := core.cpu.SaveAndDisableInterrupts()
	if core.switching {
		atomic.AddUint64(&core.dropped, 1)
		core.cpu.RestoreInterrupts(irqState)
		return
	}

	switch {
	case core.preemptOff == 0:
	case reason == Voluntary || reason == Preempt:
		core.postponed = true
		atomic.AddUint64(&core.postpones, 1)
		core.cpu.RestoreInterrupts(irqState)
		return
	case reason == Block && core.blocked():
		core.cpu.RestoreInterrupts(irqState)
		panicFn(errPreemptOff)
		return
	case reason == Exit:
		core.preemptOff, core.postponed = 0, false
	}
	core.switching = true

	state := core.lock.Acquire(core.cpu)
	prev := core.current
	next, err := core.pickNext(prev, reason)
	if next != nil {
		core.current = next
	}
	core.lock.Release(core.cpu, state)

	if err != nil {
		panicFn(err)
		return
	}

	if next == nil {
		core.switching = false
		core.cpu.RestoreInterrupts(irqState)
		return
	}

	if reason == Preempt {
		atomic.AddUint64(&core.preemptions, 1)
	}
	core.switchTo(prev, next, reason, irqState)
}

// blocked reports whether the running thread is marked Blocked.
func (core *Core) blocked() bool {
	state := core.lock.Acquire(core.cpu)
	blocked := core.current.State() == task.Blocked
	core.lock.Release(core.cpu, state)
	return blocked
}

// pickNext updates the state of prev for reason and selects the thread to
// run next. It returns nil if prev keeps the core. Called with core.lock held.
func (core *Core) pickNext(prev *task.Thread, reason Reason) (*task.Thread, *kernel.Error) {
	// Threads between PrepareBlock and Block: an interrupted one suspends
	// right away; an exiting or already woken one is running again.
	switch prev.State() {
	case task.Blocked:
		if reason != Exit {
			reason = Block
			break
		}
		if err := prev.SetState(task.Ready); err != nil {
			return nil, err
		}
		fallthrough
	case task.Ready:
		if reason != Block {
			if err := prev.SetState(task.Running); err != nil {
				return nil, err
			}
		}
	}

	switch reason {
	case Voluntary, Preempt:
		if core.queue.Len() == 0 {
			return nil, nil
		}
		if err := prev.SetState(task.Ready); err != nil {
			return nil, err
		}
		if prev != core.idle {
			if err := core.queue.Push(prev); err != nil {
				return nil, err
			}
		}
	case Block:
		if prev == core.idle {
			return nil, errIdleSuspend
		}
		switch prev.State() {
		case task.Ready:
			// woken before it could switch away
			return nil, prev.SetState(task.Running)
		case task.Running:
			// suspended by a preemption and already woken
			return nil, nil
		case task.Blocked:
		default:
			return nil, errBlockState
		}
	case Exit:
		if prev == core.idle {
			return nil, errIdleSuspend
		}
		if err := prev.SetState(task.Exited); err != nil {
			return nil, err
		}
	}

	next := core.queue.Pop()
	if next == nil {
		next = core.idle
	}
	if err := next.SetState(task.Running); err != nil {
		return nil, err
	}
	return next, nil
}

// switchTo transfers the core from prev to next. It returns once prev is
// resumed by a later switch; for Exit it never returns.
func (core *Core) switchTo(prev, next *task.Thread, reason Reason, irqState bool) {
	var rflags uint64
	if irqState {
		rflags = arch.RFlagsIF
	}
	if reason == Exit {
		core.garbage = prev
	}

	sw := arch.Switch{
		From:      prev,
		To:        next,
		FromStack: core.stackOf(prev),
		ToStack:   core.stackOf(next),
		RFlags:    rflags,
		Exiting:   reason == Exit,
		Commit: func() {
			core.loadAddressSpace(next.AddressSpace)
			commitHookFn(core)
		},
		Trampoline: func(frame arch.Frame) {
			core.trampoline(next, frame)
		},
	}

	atomic.AddUint64(&core.switches, 1)
	core.log.Trace("switch", "from", prev.ID(), "to", next.ID(), "reason", reason.String())

	frame, err := sw.Run()
	if err != nil {
		panicFn(err)
		return
	}

	core.finishSwitch()
	core.cpu.RestoreInterrupts(frame.InterruptsEnabled())
}

// loadAddressSpace reloads CR3 if as is not already active.
func (core *Core) loadAddressSpace(as *vmm.AddressSpace) {
	if root := as.Root(); core.cpu.ActivePDT() != root {
		core.cpu.SwitchAddressSpace(root, as.ASID())
	}
}

func (core *Core) stackOf(t *task.Thread) arch.Stack {
	return stackView{mgr: core.sched.mgr, cpu: core.cpu, as: t.AddressSpace}
}

// finishSwitch runs on the incoming thread once it owns the core, before
// interrupts are enabled again. A timer tick latched while the switch was in
// flight is discarded rather than preempting the thread just dispatched.
func (core *Core) finishSwitch() {
	core.switching = false
	if core.cpu.ClearIRQ(uint8(irq.TimerLine)) {
		core.sched.ctrl.Acknowledge(core.cpu, irq.TimerLine)
		atomic.AddUint64(&core.dropped, 1)
	}
	if dead := core.garbage; dead != nil {
		core.garbage = nil
		core.sched.reap(dead)
	}
}

// trampoline is the first code a spawned thread runs. It completes the switch
// that dispatched the thread, enables interrupts per the initial frame and
// calls the bound entry point. A thread returning from its entry exits with
// code 0.
func (core *Core) trampoline(t *task.Thread, frame arch.Frame) {
	core.finishSwitch()
	if frame.R12 != uint64(t.ID()) {
		panicFn(errEntryArg)
		return
	}

	env := &Env{core: core, thread: t}
	fn, err := core.sched.entryFor(t.AddressSpace, uintptr(frame.RBX))
	core.cpu.RestoreInterrupts(frame.InterruptsEnabled())

	if err != nil {
		core.log.Warn("thread entry is not executable", "thread", t.ID(), "entry", hclog.Fmt("0x%x", frame.RBX), "err", err)
		env.Exit(ExitFault)
		return
	}

	fn(env)
	env.Exit(0)
}

// Run turns the calling goroutine into the idle thread of the core. It
// dispatches runnable threads and halts the core while none are ready. Run
// returns when ctx is cancelled and the idle thread owns the core again.
func (core *Core) Run(ctx context.Context) error {
	if !atomic.CompareAndSwapUint32(&core.running, 0, 1) {
		return errCoreRunning
	}
	defer atomic.StoreUint32(&core.running, 0)

	core.log.Debug("idle loop started")
	core.cpu.EnableInterrupts()
	for {
		core.cpu.CheckInterrupts()
		core.reschedule(Voluntary)

		if err := ctx.Err(); err != nil {
			core.cpu.DisableInterrupts()
			return err
		}

		if core.runnable() == 0 {
			_ = core.cpu.Halt(ctx)
		}
	}
}

func (core *Core) runnable() int {
	state := core.lock.Acquire(core.cpu)
	n := core.queue.Len()
	core.lock.Release(core.cpu, state)
	return n
}

// nopMask is the interrupt mask used by callers that do not run on a core,
// such as device goroutines waking a blocked thread.
type nopMask struct{}

func (nopMask) SaveAndDisableInterrupts() bool { return false }
func (nopMask) RestoreInterrupts(bool)         {}
