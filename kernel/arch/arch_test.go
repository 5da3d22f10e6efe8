package arch

import (
	"errors"
	"sync"
	"testing"

	"wasmos/kernel"

	"github.com/stretchr/testify/require"
)

type fakeStack struct {
	mu    sync.Mutex
	words map[uintptr]uint64
	fail  bool
}

func newFakeStack() *fakeStack {
	return &fakeStack{words: make(map[uintptr]uint64)}
}

func (s *fakeStack) ReadUint64(addr uintptr) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return 0, errors.New("stack fault")
	}
	return s.words[addr], nil
}

func (s *fakeStack) WriteUint64(addr uintptr, value uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("stack fault")
	}
	s.words[addr] = value
	return nil
}

type fakeThread struct {
	ctx *Context
	sp  uintptr
}

func (t *fakeThread) Context() *Context     { return t.ctx }
func (t *fakeThread) SavedSP() uintptr      { return t.sp }
func (t *fakeThread) SetSavedSP(sp uintptr) { t.sp = sp }

func TestPushPopFrame(t *testing.T) {
	stack := newFakeStack()
	in := Frame{R15: 1, R14: 2, R13: 3, R12: 4, RBP: 5, RBX: 6, RFlags: 7, RIP: 8}

	sp, err := PushFrame(stack, 0x10000, in)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x10000-FrameSize), sp)

	// the return address sits right below the old stack pointer and the
	// last pushed register at the new one
	require.Equal(t, uint64(8), stack.words[0x10000-8])
	require.Equal(t, uint64(1), stack.words[sp])

	out, top, err := PopFrame(stack, sp)
	require.NoError(t, err)
	require.Equal(t, in, out)
	require.Equal(t, uintptr(0x10000), top)

	stack.fail = true
	_, err = PushFrame(stack, 0x10000, in)
	require.Error(t, err)
	_, _, err = PopFrame(stack, sp)
	require.Error(t, err)
}

func TestInitialFrame(t *testing.T) {
	f := InitialFrame(0xcafe, 42)
	require.Equal(t, TrampolineAddr, f.RIP)
	require.Equal(t, uint64(0xcafe), f.RBX)
	require.Equal(t, uint64(42), f.R12)
	require.Equal(t, uint64(0x202), f.RFlags)
	require.True(t, f.InterruptsEnabled())

	require.Equal(t, uintptr(0x20000), StackTop(0x10000, 0x10000))
	require.Equal(t, uintptr(0x10010), StackTop(0x10000, 0x1f))
}

func TestSwitchPingPong(t *testing.T) {
	stackA, stackB := newFakeStack(), newFakeStack()
	a := &fakeThread{ctx: NewRunningContext(), sp: 0x8000}
	b := &fakeThread{ctx: NewContext(), sp: 0x4000}
	require.True(t, a.ctx.Started())
	require.False(t, b.ctx.Started())

	b.sp, _ = PushFrame(stackB, b.sp, InitialFrame(0xb0b, 7))

	var (
		trace   []string
		commits int
	)
	switchTo := func(from, to *fakeThread, fromStack, toStack Stack, exiting bool, trampoline func(Frame)) Frame {
		sw := Switch{
			From: from, To: to,
			FromStack: fromStack, ToStack: toStack,
			Exiting:    exiting,
			Commit:     func() { commits++ },
			Trampoline: trampoline,
		}
		frame, err := sw.Run()
		require.NoError(t, err)
		return frame
	}

	done := make(chan struct{})
	trampoline := func(f Frame) {
		defer close(done)
		trace = append(trace, "b start")
		require.Equal(t, uint64(0xb0b), f.RBX)
		require.Equal(t, uint64(7), b.ctx.Regs.R12)
		require.Equal(t, uintptr(0x4000), b.sp)

		resumed := switchTo(b, a, stackB, stackA, false, nil)
		require.Equal(t, ResumeAddr, resumed.RIP)
		trace = append(trace, "b resumed")

		switchTo(b, a, stackB, stackA, true, nil)
		t.Error("exiting switch returned")
	}

	a.ctx.Regs.RBP = 0xfeed
	resumed := switchTo(a, b, stackA, stackB, false, trampoline)
	trace = append(trace, "a resumed")
	require.Equal(t, ResumeAddr, resumed.RIP)
	require.Equal(t, uint64(0xfeed), a.ctx.Regs.RBP)
	require.Equal(t, uintptr(0x8000), a.sp)

	resumed = switchTo(a, b, stackA, stackB, false, nil)
	trace = append(trace, "a resumed again")

	<-done
	require.Equal(t, []string{"b start", "a resumed", "b resumed", "a resumed again"}, trace)
	require.Equal(t, 4, commits)
	require.True(t, b.ctx.Started())
}

func TestSwitchRejectsCorruptFrames(t *testing.T) {
	specs := []struct {
		rip     uint64
		started bool
		expErr  *kernel.Error
	}{
		{0xdeadbeef, false, errCorruptFrame},
		{ResumeAddr, false, errNeverStarted},
		{TrampolineAddr, true, errStartedTwice},
	}

	for specIndex, spec := range specs {
		stackA, stackB := newFakeStack(), newFakeStack()
		a := &fakeThread{ctx: NewRunningContext(), sp: 0x8000}
		b := &fakeThread{ctx: NewContext(), sp: 0x4000}
		b.ctx.started = spec.started
		b.sp, _ = PushFrame(stackB, b.sp, Frame{RIP: spec.rip})

		sw := Switch{From: a, To: b, FromStack: stackA, ToStack: stackB}
		_, err := sw.Run()
		require.Equal(t, spec.expErr, err, "spec %d", specIndex)
		require.True(t, kernel.IsKind(err, kernel.KindCorruptedSchedulerState))
		require.Equal(t, uintptr(0x4000-FrameSize), b.sp, "spec %d: incoming stack pointer changed", specIndex)
	}

	// failing to save the outgoing frame hands nothing over
	stackA := newFakeStack()
	stackA.fail = true
	a := &fakeThread{ctx: NewRunningContext(), sp: 0x8000}
	b := &fakeThread{ctx: NewContext(), sp: 0x4000}
	sw := Switch{From: a, To: b, FromStack: stackA, ToStack: newFakeStack()}
	_, err := sw.Run()
	require.Error(t, err)
	require.Equal(t, uintptr(0x8000), a.sp)
}
