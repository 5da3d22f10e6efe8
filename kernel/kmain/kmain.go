// Package kmain boots the hosted machine: it carves physical memory, brings up
// the frame allocator, the kernel heap, the address space manager, the cores
// with their interrupt controller and timer, and the scheduler.
package kmain

import (
	"context"
	"io"

	"wasmos/kernel"
	"wasmos/kernel/cpu"
	"wasmos/kernel/irq"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/heap"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/mm/pmm"
	"wasmos/kernel/mm/vmm"
	"wasmos/kernel/sched"
	"wasmos/kernel/task"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	errLeakedFrames = &kernel.Error{Module: "kmain", Message: "frames still allocated after shutdown", Kind: kernel.KindOutOfMemory}
)

// exitBacklog bounds the exit notifications buffered for Exits.
const exitBacklog = 1024

// ExitStatus reports a reclaimed thread.
type ExitStatus struct {
	ID   task.ID
	Code int
}

// Kernel is a booted machine.
type Kernel struct {
	cfg Config
	log hclog.Logger

	Mem    *physmem.Memory
	Frames *pmm.BuddyAllocator
	Heap   *heap.Heap
	VMM    *vmm.Manager
	IRQ    *irq.Controller
	Timer  *irq.Timer
	Sched  *sched.Scheduler

	exits chan ExitStatus
}

// Boot brings up a machine described by cfg.
func Boot(cfg Config) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	k := &Kernel{
		cfg:    cfg,
		log:    kfmt.Logger("kmain"),
		Frames: &pmm.BuddyAllocator{},
		exits:  make(chan ExitStatus, exitBacklog),
	}

	mem, kerr := physmem.New(cfg.MemorySize)
	if kerr != nil {
		return nil, errors.Wrap(kerr, "reserving physical memory")
	}
	k.Mem = mem

	regions := cfg.MemoryMap()
	pmm.PrintMemoryMap(kfmt.GetOutputSink(), regions)
	if kerr = k.Frames.Init(mem, regions); kerr != nil {
		_ = mem.Close()
		return nil, errors.Wrap(kerr, "initializing frame allocator")
	}

	k.Heap = heap.New(mem, k.Frames)
	k.VMM = vmm.NewManager(mem, k.Frames, cfg.Layout)

	cpus := make([]*cpu.CPU, cfg.Cores)
	for i := range cpus {
		cpus[i] = cpu.New(i, cfg.TLBEntries)
	}
	k.IRQ = irq.NewController(cpus...)
	k.Timer = irq.NewTimer(k.IRQ)

	s, err := sched.New(k.VMM, k.Heap, k.IRQ, sched.Options{
		StackSize:  cfg.StackSize,
		GuardPages: cfg.GuardPages,
		OnExit:     k.threadExited,
	})
	if err != nil {
		_ = mem.Close()
		return nil, errors.Wrap(err, "starting scheduler")
	}
	k.Sched = s

	k.log.Info("boot complete", "memory", uint64(cfg.MemorySize), "free_frames", k.Frames.FreeFrames(), "cores", cfg.Cores, "tick", cfg.TickPeriod)
	return k, nil
}

// threadExited runs on a core with interrupts disabled and must not block.
func (k *Kernel) threadExited(id task.ID, code int) {
	select {
	case k.exits <- ExitStatus{ID: id, Code: code}:
	default:
		k.log.Warn("exit backlog full, dropping notification", "thread", id, "code", code)
	}
}

// Exits delivers an ExitStatus for every reclaimed thread.
func (k *Kernel) Exits() <-chan ExitStatus { return k.exits }

// Config returns the configuration the kernel was booted with.
func (k *Kernel) Config() Config { return k.cfg }

// Run starts the preemption timer and the idle loop of every core and blocks
// until ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var timerDone <-chan struct{}
	if k.cfg.TickPeriod > 0 {
		timerDone = k.Timer.Start(ctx, k.cfg.TickPeriod)
	}

	cores := k.Sched.Cores()
	errCh := make(chan error, len(cores))
	for _, core := range cores {
		go func(core *sched.Core) {
			errCh <- errors.Wrapf(core.Run(ctx), "core %d", core.Index())
		}(core)
	}

	var first error
	for range cores {
		err := <-errCh
		switch cause := errors.Cause(err); {
		case cause == nil, cause == context.Canceled, cause == context.DeadlineExceeded:
		case first == nil:
			first = err
			cancel()
		}
	}

	if timerDone != nil {
		<-timerDone
	}
	return first
}

// PrintStats writes the allocator, address space and scheduler counters to w.
func (k *Kernel) PrintStats(w io.Writer) {
	hs := k.Heap.Stats()
	demand, invalid := k.VMM.FaultStats()

	kfmt.Fprintf(w, "[kmain] frames: %d/%d free\n", k.Frames.FreeFrames(), k.Frames.TotalFrames())
	kfmt.Fprintf(w, "[kmain] heap: %d objects, %d slabs, %d large blocks, %d frames\n", hs.Objects, hs.Slabs, hs.LargeBlocks, hs.Frames)
	kfmt.Fprintf(w, "[kmain] vmm: %d address spaces, %d demand faults, %d invalid accesses\n", k.VMM.LiveAddressSpaces(), demand, invalid)
	kfmt.Fprintf(w, "[kmain] timer: %d ticks, %d acknowledged, %d coalesced\n", k.Timer.Ticks(), k.IRQ.Acks(irq.TimerLine), k.IRQ.Coalesced(irq.TimerLine))
	for _, c := range k.IRQ.CPUs() {
		st := c.Stats()
		kfmt.Fprintf(w, "[kmain] cpu %d: %d CR3 loads, %d halts, TLB %d hits / %d misses\n", c.ID(), st.CR3Loads, st.Halts, st.TLBHits, st.TLBMiss)
	}
	k.Sched.DumpTo(&kfmt.PrefixWriter{Sink: w, Prefix: []byte("[sched] ")})
}

// Shutdown tears the scheduler down and releases physical memory. It must
// only be called after Run has returned. Frames that are neither free nor
// cached by the heap at that point are reported as leaked.
func (k *Kernel) Shutdown() error {
	k.Sched.Shutdown()

	held := uintptr(k.Heap.Stats().Frames)
	leaked := k.Frames.TotalFrames() - k.Frames.FreeFrames() - held

	if err := k.Mem.Close(); err != nil {
		return errors.Wrap(err, "releasing physical memory")
	}
	if leaked != 0 {
		return errors.Wrapf(errLeakedFrames, "%d frames (%s)", leaked, kfmt.Sprintf("%d bytes", uint64(leaked)<<uint64(mm.PageShift)))
	}
	k.log.Info("shutdown complete")
	return nil
}
