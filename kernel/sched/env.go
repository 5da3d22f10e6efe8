package sched

import (
	"encoding/binary"

	"wasmos/kernel"
	"wasmos/kernel/mm/vma"
	"wasmos/kernel/mm/vmm"
	"wasmos/kernel/task"

	"github.com/hashicorp/go-hclog"
)

var (
	errForeignToken = &kernel.Error{Module: "sched", Message: "wait token belongs to another thread", Kind: kernel.KindCorruptedSchedulerState}
	errExitReturned = &kernel.Error{Module: "sched", Message: "exit switch returned to the exited thread", Kind: kernel.KindCorruptedSchedulerState}
	errExitedEnv    = &kernel.Error{Module: "sched", Message: "kernel call from a thread that has exited", Kind: kernel.KindCorruptedSchedulerState}
	errPreemptCount = &kernel.Error{Module: "sched", Message: "preemption enabled more often than disabled", Kind: kernel.KindCorruptedSchedulerState}
)

// WaitToken is returned by PrepareBlock and consumed by Block.
type WaitToken struct {
	thread task.ID
}

// Env is the interface between a thread and the kernel. Every call is an
// instruction boundary: interrupts latched on the core are delivered before
// the call proceeds. An Env must only be used by the thread it was created
// for, and never after Exit: functions deferred by an entry that calls Exit
// run once the core belongs to another thread and must not use the Env.
type Env struct {
	core   *Core
	thread *task.Thread
	exited bool
}

// ID returns the id of the calling thread.
func (e *Env) ID() task.ID { return e.thread.ID() }

// Core returns the index of the core the thread is pinned to.
func (e *Env) Core() int { return e.core.index }

// AddressSpace returns the address space the thread runs in.
func (e *Env) AddressSpace() *vmm.AddressSpace { return e.thread.AddressSpace }

// live returns false, after reporting the corruption, once the thread has
// exited.
func (e *Env) live() bool {
	if e.exited {
		panicFn(errExitedEnv)
		return false
	}
	return true
}

// kernelCall runs fn with interrupts disabled on the core of the thread, so
// that no interrupt is taken while fn holds allocator or address space
// locks. Interrupts latched meanwhile are delivered once fn returns.
func (e *Env) kernelCall(fn func()) {
	state := e.core.cpu.SaveAndDisableInterrupts()
	fn()
	e.core.cpu.RestoreInterrupts(state)
}

// Poll delivers pending interrupts. Long computations call it to remain
// preemptible.
func (e *Env) Poll() {
	if e.live() {
		e.core.cpu.CheckInterrupts()
	}
}

// Yield gives up the rest of the time slice. It returns once the thread is
// scheduled again.
func (e *Env) Yield() {
	if !e.live() {
		return
	}
	e.Poll()
	e.core.reschedule(Voluntary)
}

// DisablePreemption starts a section in which neither timer ticks nor Yield
// switch the thread away; the switch is postponed until the matching
// EnablePreemption. Sections nest. The thread must not block inside one.
func (e *Env) DisablePreemption() {
	if e.live() {
		e.core.preemptOff++
	}
}

// EnablePreemption ends a section started by DisablePreemption. Leaving the
// outermost section performs a switch postponed in the meantime.
func (e *Env) EnablePreemption() {
	if !e.live() {
		return
	}

	core := e.core
	if core.preemptOff == 0 {
		panicFn(errPreemptCount)
		return
	}
	if core.preemptOff--; core.preemptOff == 0 && core.postponed {
		core.postponed = false
		core.reschedule(Preempt)
	}
}

// Exit terminates the calling thread. It never returns.
func (e *Env) Exit(code int) {
	if !e.live() {
		return
	}
	e.exited = true
	e.thread.ExitCode = code
	e.core.log.Debug("thread exit", "thread", e.thread.ID(), "code", code)
	e.core.reschedule(Exit)
	panicFn(errExitReturned)
}

// PrepareBlock marks the calling thread as blocked and returns the token to
// pass to Block. The thread keeps running until Block; an Unblock arriving in
// between makes Block return immediately, so the caller can publish the token
// before suspending without losing a wakeup.
func (e *Env) PrepareBlock() WaitToken {
	if !e.live() {
		return WaitToken{}
	}

	core := e.core
	state := core.lock.Acquire(core.cpu)
	err := e.thread.SetState(task.Blocked)
	core.lock.Release(core.cpu, state)

	if err != nil {
		panicFn(err)
	}
	return WaitToken{thread: e.thread.ID()}
}

// Block suspends the calling thread until it is unblocked. It returns
// immediately if the thread has already been unblocked since PrepareBlock.
func (e *Env) Block(token WaitToken) {
	if !e.live() {
		return
	}
	if token.thread != e.thread.ID() {
		panicFn(errForeignToken)
		return
	}
	e.core.reschedule(Block)
}

// Unblock wakes the blocked thread id.
func (e *Env) Unblock(id task.ID) error {
	if !e.live() {
		return errExitedEnv
	}
	return e.core.sched.unblock(e.core.cpu, id)
}

// Spawn starts a new thread, see Scheduler.Spawn.
func (e *Env) Spawn(entry uintptr, as *vmm.AddressSpace, stackSize uintptr) (task.ID, error) {
	if !e.live() {
		return 0, errExitedEnv
	}
	e.Poll()

	var (
		id  task.ID
		err error
	)
	e.kernelCall(func() { id, err = e.core.sched.spawn(e.core.cpu, entry, as, stackSize) })
	return id, err
}

// Map creates an anonymous, user accessible area in the thread address
// space. See vmm.Manager.Map for the placement rules.
func (e *Env) Map(hint, length uintptr, flags vma.Flags, opts ...vmm.MapOption) (uintptr, error) {
	if !e.live() {
		return 0, errExitedEnv
	}
	e.Poll()

	var (
		base uintptr
		err  error
	)
	e.kernelCall(func() {
		base, err = e.core.sched.mgr.Map(e.thread.AddressSpace, hint, length, flags|vma.FlagUser, vma.Backing{Kind: vma.Anonymous}, opts...)
	})
	return base, err
}

// Unmap removes [base, base+length) from the thread address space.
func (e *Env) Unmap(base, length uintptr) error {
	if !e.live() {
		return errExitedEnv
	}
	e.Poll()

	var err error
	e.kernelCall(func() { err = e.core.sched.mgr.Unmap(e.thread.AddressSpace, base, length) })
	return err
}

// Read copies memory at addr into buf. A faulting access kills the thread.
func (e *Env) Read(addr uintptr, buf []byte) {
	if !e.live() {
		return
	}
	e.Poll()

	var err error
	e.kernelCall(func() { err = e.core.sched.mgr.Read(e.core.cpu, e.thread.AddressSpace, addr, buf, vmm.AccessUser) })
	if err != nil {
		e.fault(addr, err)
	}
}

// Write copies data to addr. A faulting access kills the thread.
func (e *Env) Write(addr uintptr, data []byte) {
	if !e.live() {
		return
	}
	e.Poll()

	var err error
	e.kernelCall(func() { err = e.core.sched.mgr.Write(e.core.cpu, e.thread.AddressSpace, addr, data, vmm.AccessUser) })
	if err != nil {
		e.fault(addr, err)
	}
}

// Load returns the little-endian word at addr.
func (e *Env) Load(addr uintptr) uint64 {
	var buf [8]byte
	e.Read(addr, buf[:])
	return binary.LittleEndian.Uint64(buf[:])
}

// Store writes value as a little-endian word to addr.
func (e *Env) Store(addr uintptr, value uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	e.Write(addr, buf[:])
}

// fault kills the thread after a memory access it cannot complete.
func (e *Env) fault(addr uintptr, err error) {
	if vmm.IsInvalidAccess(err) {
		e.core.log.Warn("invalid access, killing thread", "thread", e.thread.ID(), "addr", hclog.Fmt("0x%x", addr), "cr2", hclog.Fmt("0x%x", e.core.cpu.ReadCR2()))
	} else {
		e.core.log.Error("unresolvable page fault, killing thread", "thread", e.thread.ID(), "addr", hclog.Fmt("0x%x", addr), "err", err)
	}
	e.Exit(ExitFault)
}
