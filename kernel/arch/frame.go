// Package arch implements the architecture boundary of the scheduler: the
// register frame saved on a kernel stack by a context switch and the switch
// primitive that moves execution from one kernel thread to another.
//
// Kernel threads are backed by goroutines. Exactly one goroutine per core is
// runnable at any time; all others are parked inside Switch waiting for the
// frame that resumes them.
package arch

import (
	"wasmos/kernel"
	"wasmos/kernel/kfmt"
)

const (
	// FrameSize is the number of bytes occupied by a Frame on the stack.
	FrameSize = 8 * 8

	// StackAlignment is the alignment of a stack pointer at thread entry.
	StackAlignment = 16

	// ResumeAddr is the return address saved by Switch. A frame holding
	// this address belongs to a thread suspended inside Switch.
	ResumeAddr = uint64(0xffff_ffff_8010_0000)

	// TrampolineAddr is the return address of a thread that has never run.
	// Popping such a frame enters the thread trampoline.
	TrampolineAddr = uint64(0xffff_ffff_8010_0040)

	// RFlagsIF is the interrupt enable bit of the flags register.
	RFlagsIF = uint64(1 << 9)

	// rflagsReserved is the always-one bit 1 of the flags register.
	rflagsReserved = uint64(1 << 1)

	// InitialRFlags enables interrupts for a newly started thread.
	InitialRFlags = rflagsReserved | RFlagsIF
)

var (
	errCorruptFrame = &kernel.Error{Module: "arch", Message: "popped frame has an unknown return address", Kind: kernel.KindCorruptedSchedulerState}
	errStartedTwice = &kernel.Error{Module: "arch", Message: "trampoline frame popped for a thread that already runs", Kind: kernel.KindCorruptedSchedulerState}
	errNeverStarted = &kernel.Error{Module: "arch", Message: "resume frame popped for a thread that never ran", Kind: kernel.KindCorruptedSchedulerState}
)

// Frame is the register state pushed by Switch, listed from the lowest stack
// address up: callee-saved registers, the flags register and the return
// address.
type Frame struct {
	R15    uint64
	R14    uint64
	R13    uint64
	R12    uint64
	RBP    uint64
	RBX    uint64
	RFlags uint64
	RIP    uint64
}

// InitialFrame returns the frame that starts a thread at the trampoline. The
// trampoline calls entry(arg); entry travels in RBX and arg in R12.
func InitialFrame(entry, arg uint64) Frame {
	return Frame{
		RBX:    entry,
		R12:    arg,
		RFlags: InitialRFlags,
		RIP:    TrampolineAddr,
	}
}

// InterruptsEnabled returns the interrupt enable bit of the saved flags.
func (f *Frame) InterruptsEnabled() bool {
	return f.RFlags&RFlagsIF != 0
}

// Print outputs a dump of the frame to the active console.
func (f *Frame) Print() {
	kfmt.Printf("RIP = %16x RFL = %16x\n", f.RIP, f.RFlags)
	kfmt.Printf("RBX = %16x RBP = %16x\n", f.RBX, f.RBP)
	kfmt.Printf("R12 = %16x R13 = %16x\n", f.R12, f.R13)
	kfmt.Printf("R14 = %16x R15 = %16x\n", f.R14, f.R15)
}

func (f *Frame) words() [8]uint64 {
	return [8]uint64{f.R15, f.R14, f.R13, f.R12, f.RBP, f.RBX, f.RFlags, f.RIP}
}

func frameFromWords(w [8]uint64) Frame {
	return Frame{R15: w[0], R14: w[1], R13: w[2], R12: w[3], RBP: w[4], RBX: w[5], RFlags: w[6], RIP: w[7]}
}

// Stack is the memory through which a thread stack is accessed. Accesses go
// through the MMU of the core performing the switch.
type Stack interface {
	ReadUint64(addr uintptr) (uint64, error)
	WriteUint64(addr uintptr, value uint64) error
}

// PushFrame stores f below sp and returns the new stack pointer.
func PushFrame(stack Stack, sp uintptr, f Frame) (uintptr, error) {
	sp -= FrameSize
	for i, w := range f.words() {
		if err := stack.WriteUint64(sp+uintptr(i)*8, w); err != nil {
			return 0, err
		}
	}
	return sp, nil
}

// PopFrame loads the frame stored at sp and returns it together with the
// stack pointer above it.
func PopFrame(stack Stack, sp uintptr) (Frame, uintptr, error) {
	var words [8]uint64
	for i := range words {
		w, err := stack.ReadUint64(sp + uintptr(i)*8)
		if err != nil {
			return Frame{}, 0, err
		}
		words[i] = w
	}
	return frameFromWords(words), sp + FrameSize, nil
}

// StackTop returns the initial stack pointer for a stack occupying
// [base, base+size).
func StackTop(base, size uintptr) uintptr {
	return (base + size) &^ (StackAlignment - 1)
}
