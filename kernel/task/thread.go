// Package task defines kernel threads, their state machine, the per-core run
// queue and the thread table.
package task

import (
	"encoding/binary"

	"wasmos/kernel"
	"wasmos/kernel/arch"
	"wasmos/kernel/mm/heap"
	"wasmos/kernel/mm/vmm"
)

// ID uniquely identifies a thread. IDs are never reused.
type ID uint64

// State is the scheduling state of a thread.
type State uint8

const (
	// Ready threads wait in a run queue.
	Ready State = iota

	// Running threads own a core.
	Running

	// Blocked threads wait for an event and are in no run queue.
	Blocked

	// Exited is the terminal state.
	Exited
)

var stateNames = [...]string{
	Ready:   "ready",
	Running: "running",
	Blocked: "blocked",
	Exited:  "exited",
}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// validTransitions[from] is the set of states reachable from from.
var validTransitions = [...][]State{
	Ready:   {Running},
	Running: {Ready, Blocked, Exited},
	Blocked: {Ready},
	Exited:  nil,
}

// The control block record is a fixed-size kernel heap object.
const (
	// RecordSize is the size of a control block record.
	RecordSize = 64

	recordSP    = 0
	recordID    = 8
	recordState = 16
	recordCore  = 24
)

var (
	errBadTransition = &kernel.Error{Module: "task", Message: "invalid thread state transition", Kind: kernel.KindCorruptedSchedulerState}
)

// Thread is a kernel thread. The saved stack pointer, id and state live in a
// control block record allocated from the kernel heap; the remaining fields
// are bookkeeping owned by the scheduler.
type Thread struct {
	id     ID
	state  State
	core   int
	ctx    *arch.Context
	heap   *heap.Heap
	record heap.Handle

	// AddressSpace is the address space the thread runs in. The thread
	// holds one reference to it.
	AddressSpace *vmm.AddressSpace

	// StackBase and StackSize describe the stack area; GuardSize bytes
	// below StackBase are a guard area.
	StackBase, StackSize, GuardSize uintptr

	// ExitCode is set when the thread exits.
	ExitCode int

	// run queue linkage
	next   *Thread
	queued bool
}

// New allocates the control block record of a thread in state Ready. ctx is
// the execution context that backs the thread.
func New(id ID, core int, h *heap.Heap, ctx *arch.Context) (*Thread, *kernel.Error) {
	record, err := h.Alloc(RecordSize, RecordSize)
	if err != nil {
		return nil, err
	}

	t := &Thread{id: id, core: core, ctx: ctx, heap: h, record: record}
	b := t.bytes()
	binary.LittleEndian.PutUint64(b[recordID:], uint64(id))
	binary.LittleEndian.PutUint64(b[recordCore:], uint64(core))
	t.writeState(Ready)
	return t, nil
}

func (t *Thread) bytes() []byte {
	return t.heap.Bytes(t.record, RecordSize)
}

func (t *Thread) writeState(s State) {
	t.state = s
	t.bytes()[recordState] = byte(s)
}

// ID returns the thread id.
func (t *Thread) ID() ID { return t.id }

// Core returns the core the thread is pinned to.
func (t *Thread) Core() int { return t.core }

// State returns the scheduling state.
func (t *Thread) State() State { return t.state }

// Record returns the heap handle of the control block record.
func (t *Thread) Record() heap.Handle { return t.record }

// Context implements arch.SwitchState.
func (t *Thread) Context() *arch.Context { return t.ctx }

// SavedSP implements arch.SwitchState.
func (t *Thread) SavedSP() uintptr {
	return uintptr(binary.LittleEndian.Uint64(t.bytes()[recordSP:]))
}

// SetSavedSP implements arch.SwitchState.
func (t *Thread) SetSavedSP(sp uintptr) {
	binary.LittleEndian.PutUint64(t.bytes()[recordSP:], uint64(sp))
}

// SetState moves the thread to state to. Transitions not allowed by the
// thread state machine fail with a CorruptedSchedulerState error.
func (t *Thread) SetState(to State) *kernel.Error {
	if kernel.DebugChecks && t.state != State(t.bytes()[recordState]) {
		return errBadTransition
	}

	for _, allowed := range validTransitions[t.state] {
		if allowed == to {
			t.writeState(to)
			return nil
		}
	}
	return errBadTransition
}

// Abort frees the control block record of a thread that was never queued or
// dispatched.
func (t *Thread) Abort() *kernel.Error {
	if t.state != Ready || t.queued || t.ctx.Started() {
		return errBadTransition
	}
	t.writeState(Exited)
	return t.Release()
}

// Release frees the control block record. The thread must have exited.
func (t *Thread) Release() *kernel.Error {
	if t.state != Exited {
		return errBadTransition
	}
	if t.record == heap.Null {
		return nil
	}

	err := t.heap.Free(t.record, RecordSize, RecordSize)
	t.record = heap.Null
	return err
}
