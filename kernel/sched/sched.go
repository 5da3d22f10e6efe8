// Package sched implements the round-robin thread scheduler: one scheduler
// instance per logical core, thread spawn and exit, blocking and the timer
// driven preemption path.
package sched

import (
	"io"
	"sync/atomic"

	"wasmos/kernel"
	"wasmos/kernel/arch"
	"wasmos/kernel/cpu"
	"wasmos/kernel/irq"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/heap"
	"wasmos/kernel/mm/vma"
	"wasmos/kernel/mm/vmm"
	"wasmos/kernel/sync"
	"wasmos/kernel/task"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

const (
	// ExitFault is the exit code of a thread killed by an invalid memory
	// access.
	ExitFault = -1

	// DefaultStackSize is the stack size used when Spawn is given none.
	DefaultStackSize = 256 * mm.Kb

	// DefaultGuardPages is the number of unbacked pages below each stack.
	DefaultGuardPages = 2

	// idleStackSize is the stack size of the per-core idle threads.
	idleStackSize = 4 * mm.PageSize

	// stackAttempts bounds the retries of a stack placement that races
	// with a concurrent mapping in the same address space.
	stackAttempts = 4
)

var (
	errNoCores      = &kernel.Error{Module: "sched", Message: "interrupt controller has no cores attached", Kind: kernel.KindInvalidArgument}
	errBadEntry     = &kernel.Error{Module: "sched", Message: "entry address is not a bound executable address", Kind: kernel.KindInvalidArgument}
	errEmptyImage   = &kernel.Error{Module: "sched", Message: "module image is empty", Kind: kernel.KindInvalidArgument}
	errNoSuchThread = &kernel.Error{Module: "sched", Message: "no thread with this id", Kind: kernel.KindInvalidArgument}
	errStackRace    = &kernel.Error{Module: "sched", Message: "could not place stack next to its guard area", Kind: kernel.KindAddressInUse}
)

// EntryFunc is the code a thread runs. It is bound to an executable address
// with Load.
type EntryFunc func(env *Env)

// Options configure a Scheduler.
type Options struct {
	// StackSize is used by Spawn when no stack size is given.
	StackSize mm.Size

	// GuardPages is the number of guard pages mapped below each stack.
	GuardPages int

	// OnExit, if set, is invoked once a thread has been reclaimed. It runs
	// on a core with interrupts disabled and must not block.
	OnExit func(id task.ID, code int)
}

// DefaultOptions returns the options used by the kernel.
func DefaultOptions() Options {
	return Options{StackSize: DefaultStackSize, GuardPages: DefaultGuardPages}
}

type entryKey struct {
	as   uint64
	addr uintptr
}

// Scheduler owns the per-core schedulers, the thread table and the entry
// points bound by Load.
type Scheduler struct {
	opts    Options
	mgr     *vmm.Manager
	heap    *heap.Heap
	ctrl    *irq.Controller
	log     hclog.Logger
	threads *task.Table

	kernelAS *vmm.AddressSpace
	cores    []*Core
	nextCore uint32

	entryLock sync.Spinlock
	entries   map[entryKey]EntryFunc
}

// New creates a scheduler instance for every core attached to ctrl and
// installs the timer interrupt handler. Each core starts out running its
// idle thread in the kernel address space.
func New(mgr *vmm.Manager, h *heap.Heap, ctrl *irq.Controller, opts Options) (*Scheduler, error) {
	if len(ctrl.CPUs()) == 0 {
		return nil, errNoCores
	}
	if opts.StackSize == 0 {
		opts.StackSize = DefaultStackSize
	}

	kernelAS, err := mgr.NewKernelAddressSpace()
	if err != nil {
		return nil, errors.Wrap(err, "creating kernel address space")
	}

	s := &Scheduler{
		opts:     opts,
		mgr:      mgr,
		heap:     h,
		ctrl:     ctrl,
		log:      kfmt.Logger("sched"),
		threads:  task.NewTable(),
		kernelAS: kernelAS,
		entries:  make(map[entryKey]EntryFunc),
	}

	for index, c := range ctrl.CPUs() {
		core, err := s.newCore(index, c)
		if err != nil {
			s.Shutdown()
			return nil, errors.Wrapf(err, "initializing core %d", index)
		}
		s.cores = append(s.cores, core)
	}

	ctrl.HandleInterrupt(irq.TimerLine, s.timerInterrupt)
	s.log.Info("scheduler ready", "cores", len(s.cores), "stack", uint64(opts.StackSize), "guard_pages", opts.GuardPages)
	return s, nil
}

func (s *Scheduler) newCore(index int, c *cpu.CPU) (*Core, error) {
	core := &Core{
		index: index,
		sched: s,
		cpu:   c,
		log:   kfmt.Logger("sched").With("core", index),
	}

	idle, err := task.New(0, index, s.heap, arch.NewRunningContext())
	if err != nil {
		return nil, err
	}
	_ = idle.SetState(task.Running)
	idle.AddressSpace = s.kernelAS.Share()
	if err := s.allocStack(idle, idleStackSize); err != nil {
		_ = idle.AddressSpace.Release()
		_ = idle.SetState(task.Exited)
		_ = idle.Release()
		return nil, err
	}
	idle.SetSavedSP(arch.StackTop(idle.StackBase, idle.StackSize))

	core.idle, core.current = idle, idle
	s.mgr.RegisterCPU(c)
	c.SwitchAddressSpace(s.kernelAS.Root(), s.kernelAS.ASID())
	return core, nil
}

// Cores returns the per-core schedulers.
func (s *Scheduler) Cores() []*Core { return s.cores }

// KernelAddressSpace returns the address space of the idle threads.
func (s *Scheduler) KernelAddressSpace() *vmm.AddressSpace { return s.kernelAS }

// Threads returns the number of live threads, excluding idle threads.
func (s *Scheduler) Threads() int { return s.threads.Len() }

// Load maps image into as as an executable, file-backed area and binds fn to
// its first byte. The returned entry address can be passed to Spawn.
func (s *Scheduler) Load(as *vmm.AddressSpace, image *vma.Image, fn EntryFunc) (uintptr, error) {
	if image == nil || len(image.Data) == 0 {
		return 0, errEmptyImage
	}

	base, err := s.mgr.Map(as, 0, uintptr(len(image.Data)), vma.FlagRead|vma.FlagExec|vma.FlagUser, vma.Backing{Kind: vma.File, Image: image})
	if err != nil {
		return 0, errors.Wrapf(err, "loading image %q", image.Name)
	}

	s.entryLock.Acquire()
	s.entries[entryKey{as.ID(), base}] = fn
	s.entryLock.Release()

	s.log.Debug("image loaded", "image", image.Name, "as", as.ID(), "entry", hclog.Fmt("0x%x", base), "size", len(image.Data))
	return base, nil
}

// entryFor returns the function bound to entry if entry still lies in an
// executable area of as.
func (s *Scheduler) entryFor(as *vmm.AddressSpace, entry uintptr) (EntryFunc, error) {
	area, err := s.mgr.Find(as, entry)
	if err != nil || area.Flags&vma.FlagExec == 0 {
		return nil, errBadEntry
	}

	s.entryLock.Acquire()
	fn := s.entries[entryKey{as.ID(), entry}]
	s.entryLock.Release()

	if fn == nil {
		return nil, errBadEntry
	}
	return fn, nil
}

// Spawn creates a thread running the code bound to entry inside as. The
// thread takes its own reference to as, gets a populated stack of stackSize
// bytes (the configured default if zero) below which guard pages are mapped,
// and is queued as Ready on the next core in round-robin order.
func (s *Scheduler) Spawn(entry uintptr, as *vmm.AddressSpace, stackSize uintptr) (task.ID, error) {
	return s.spawn(nopMask{}, entry, as, stackSize)
}

func (s *Scheduler) spawn(mask sync.InterruptMask, entry uintptr, as *vmm.AddressSpace, stackSize uintptr) (task.ID, error) {
	if _, err := s.entryFor(as, entry); err != nil {
		return 0, errors.Wrapf(err, "spawning thread at 0x%x", entry)
	}
	if stackSize == 0 {
		stackSize = uintptr(s.opts.StackSize)
	}

	core := s.cores[int(atomic.AddUint32(&s.nextCore, 1)-1)%len(s.cores)]
	id := s.threads.NextID()

	t, kerr := task.New(id, core.index, s.heap, arch.NewContext())
	if kerr != nil {
		return 0, errors.Wrapf(kerr, "allocating control block of thread %d", id)
	}

	t.AddressSpace = as.Share()
	if err := s.allocStack(t, stackSize); err != nil {
		s.abort(t)
		return 0, errors.Wrapf(err, "allocating stack of thread %d", id)
	}

	stack := stackView{mgr: s.mgr, as: as}
	sp, err := arch.PushFrame(stack, arch.StackTop(t.StackBase, t.StackSize), arch.InitialFrame(uint64(entry), uint64(id)))
	if err != nil {
		s.freeStack(t)
		s.abort(t)
		return 0, errors.Wrapf(err, "building initial frame of thread %d", id)
	}
	t.SetSavedSP(sp)

	s.threads.Insert(t)
	core.enqueue(mask, t)

	s.log.Debug("thread spawned", "thread", id, "core", core.index, "as", as.ID(), "entry", hclog.Fmt("0x%x", entry), "stack", hclog.Fmt("0x%x", t.StackBase))
	return id, nil
}

// allocStack maps the guard area and the populated stack of t.
func (s *Scheduler) allocStack(t *task.Thread, stackSize uintptr) error {
	as := t.AddressSpace
	stackSize = mm.PageRoundUp(stackSize)
	guardSize := uintptr(s.opts.GuardPages) << mm.PageShift

	for attempt := 0; attempt < stackAttempts; attempt++ {
		var hint uintptr
		if guardSize != 0 {
			guard, err := s.mgr.Map(as, 0, guardSize, 0, vma.Backing{Kind: vma.Guard})
			if err != nil {
				return err
			}
			hint = guard + guardSize
		}

		base, err := s.mgr.Map(as, hint, stackSize, vma.FlagRead|vma.FlagWrite, vma.Backing{Kind: vma.Anonymous}, vmm.Populate)
		if err == nil {
			t.StackBase, t.StackSize, t.GuardSize = base, stackSize, guardSize
			return nil
		}

		if guardSize != 0 {
			_ = s.mgr.Unmap(as, hint-guardSize, guardSize)
		}
		if !kernel.IsKind(err, kernel.KindAddressInUse) {
			return err
		}
	}
	return errStackRace
}

func (s *Scheduler) freeStack(t *task.Thread) {
	if t.StackSize == 0 {
		return
	}
	if err := s.mgr.Unmap(t.AddressSpace, t.StackBase-t.GuardSize, t.GuardSize+t.StackSize); err != nil {
		s.log.Error("releasing stack failed", "thread", t.ID(), "err", err)
	}

	// DumpTo reads the stack bounds under the lock of the owning core.
	if t.Core() >= len(s.cores) {
		t.StackSize = 0
		return
	}
	core := s.cores[t.Core()]
	state := core.lock.Acquire(nopMask{})
	t.StackSize = 0
	core.lock.Release(nopMask{}, state)
}

// abort undoes a spawn that failed before the thread was queued.
func (s *Scheduler) abort(t *task.Thread) {
	s.releaseAddressSpace(t)
	if err := t.Abort(); err != nil {
		panicFn(err)
	}
}

func (s *Scheduler) releaseAddressSpace(t *task.Thread) {
	as := t.AddressSpace
	if err := as.Release(); err != nil {
		s.log.Error("releasing address space failed", "thread", t.ID(), "as", as.ID(), "err", err)
	}
	if as.Refs() == 0 {
		s.forgetEntries(as)
	}
}

// forgetEntries drops the entry points bound in a destroyed address space.
func (s *Scheduler) forgetEntries(as *vmm.AddressSpace) {
	s.entryLock.Acquire()
	for key := range s.entries {
		if key.as == as.ID() {
			delete(s.entries, key)
		}
	}
	s.entryLock.Release()
}

// reap reclaims the stack, address space reference and control block of an
// exited thread. It runs on the thread that took over the core.
func (s *Scheduler) reap(t *task.Thread) {
	s.freeStack(t)
	s.releaseAddressSpace(t)
	s.threads.Remove(t.ID())
	if err := t.Release(); err != nil {
		panicFn(err)
		return
	}

	s.log.Debug("thread reaped", "thread", t.ID(), "code", t.ExitCode)
	if s.opts.OnExit != nil {
		s.opts.OnExit(t.ID(), t.ExitCode)
	}
}

// Unblock makes the blocked thread id runnable again and wakes its core. It
// may be called from any goroutine. Unblocking a thread that is not blocked
// has no effect; if the thread is still on its way to block, it will not
// suspend.
func (s *Scheduler) Unblock(id task.ID) error {
	return s.unblock(nopMask{}, id)
}

func (s *Scheduler) unblock(mask sync.InterruptMask, id task.ID) error {
	t := s.threads.Lookup(id)
	if t == nil {
		return errNoSuchThread
	}
	core := s.cores[t.Core()]

	state := core.lock.Acquire(mask)
	var err *kernel.Error
	woken := t.State() == task.Blocked
	if woken {
		if err = t.SetState(task.Ready); err == nil && core.current != t {
			err = core.queue.Push(t)
		}
	}
	core.lock.Release(mask, state)

	if err != nil {
		panicFn(err)
		return err
	}
	if woken {
		core.cpu.Kick()
	}
	return nil
}

// timerInterrupt is the IRQ0 handler: acknowledge the controller, then
// preempt the running thread.
func (s *Scheduler) timerInterrupt(c *cpu.CPU, line irq.Line) {
	s.ctrl.Acknowledge(c, line)
	s.cores[c.ID()].reschedule(Preempt)
}

// DumpTo writes the state of every core and thread to w.
func (s *Scheduler) DumpTo(w io.Writer) {
	for _, core := range s.cores {
		st := core.Stats()
		kfmt.Fprintf(w, "core %d: current=%d queued=%d switches=%d preemptions=%d dropped=%d postponed=%d\n",
			core.index, st.Current, st.Queued, st.Switches, st.Preemptions, st.DroppedSwitches, st.PostponedSwitches)
	}

	pw := &kfmt.PrefixWriter{Sink: w, Prefix: []byte("  ")}
	kfmt.Fprintf(w, "threads:\n")
	for _, t := range s.threads.Snapshot() {
		core := s.cores[t.Core()]
		state := core.lock.Acquire(nopMask{})
		ts, base, size := t.State(), t.StackBase, t.StackSize
		core.lock.Release(nopMask{}, state)

		kfmt.Fprintf(pw, "[%d] core=%d state=%s as=%d stack=0x%x-0x%x\n",
			t.ID(), t.Core(), ts.String(), t.AddressSpace.ID(), base, base+size)
	}
}

// Shutdown releases the idle stacks and the kernel address space. It must
// only be called once every core's Run loop has returned.
func (s *Scheduler) Shutdown() {
	for _, core := range s.cores {
		s.freeStack(core.idle)
		if err := core.idle.AddressSpace.Release(); err != nil {
			s.log.Error("releasing kernel address space failed", "core", core.index, "err", err)
		}
		_ = core.idle.SetState(task.Exited)
		_ = core.idle.Release()
	}
	s.cores = nil

	if s.kernelAS != nil {
		if err := s.kernelAS.Release(); err != nil {
			s.log.Error("releasing kernel address space failed", "err", err)
		}
		s.kernelAS = nil
	}
}
