package kmain

import (
	"context"
	"time"

	"wasmos/kernel/mm"
	"wasmos/kernel/mm/vma"
	"wasmos/kernel/sched"
	"wasmos/kernel/task"

	"github.com/pkg/errors"
)

// faultAddr lies in the user range but is never mapped by the demo.
const faultAddr = uintptr(0x7fff_0000_0000)

// DemoConfig describes the demo workload.
type DemoConfig struct {
	// Threads is the number of counter threads.
	Threads int

	// Iterations is the number of increments per thread.
	Iterations int

	// Faulty adds a thread that touches unmapped memory.
	Faulty bool
}

// DemoResult summarizes a finished demo run.
type DemoResult struct {
	Counter   uint64
	ExitCodes map[task.ID]int
	Elapsed   time.Duration
}

// RunDemo runs a workload of threads sharing one address space. Every thread
// increments a counter in shared memory under a lock built from a wait queue,
// scribbles over a private scratch area and yields after each step; the
// optional faulty thread is killed on its first access. RunDemo drives the
// cores itself and returns once every thread has been reclaimed.
func RunDemo(ctx context.Context, k *Kernel, cfg DemoConfig) (*DemoResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	as, err := k.VMM.NewAddressSpace()
	if err != nil {
		return nil, errors.Wrap(err, "creating demo address space")
	}
	defer func() { _ = as.Release() }()

	counter, err := k.VMM.Map(as, 0, mm.PageSize, vma.FlagRead|vma.FlagWrite|vma.FlagUser, vma.Backing{Kind: vma.Anonymous})
	if err != nil {
		return nil, errors.Wrap(err, "mapping shared counter")
	}

	var lock sched.WaitQueue[struct{}]
	_ = lock.Push(k.Sched, struct{}{})

	worker, err := k.Sched.Load(as, &vma.Image{Name: "counter", Data: []byte{0x90, 0xc3}}, func(env *sched.Env) {
		scratch, err := env.Map(0, 2*mm.PageSize, vma.FlagRead|vma.FlagWrite)
		if err != nil {
			env.Exit(2)
		}

		for i := 0; i < cfg.Iterations; i++ {
			lock.Pop(env)
			env.DisablePreemption()
			env.Store(counter, env.Load(counter)+1)
			env.EnablePreemption()
			_ = lock.Push(env, struct{}{})

			env.Store(scratch+uintptr(i%2)*mm.PageSize, uint64(env.ID()))
			env.Yield()
		}

		if err := env.Unmap(scratch, 2*mm.PageSize); err != nil {
			env.Exit(3)
		}
	})
	if err != nil {
		return nil, err
	}

	spawned := 0
	spawn := func(entry uintptr) error {
		if _, err := k.Sched.Spawn(entry, as, 0); err != nil {
			return err
		}
		spawned++
		return nil
	}

	var runErr error
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		runErr = k.Run(ctx)
	}()
	stop := func() error {
		cancel()
		<-runDone
		return runErr
	}

	start := time.Now()
	for i := 0; i < cfg.Threads; i++ {
		if err := spawn(worker); err != nil {
			_ = stop()
			return nil, errors.Wrapf(err, "spawning worker %d", i)
		}
	}

	if cfg.Faulty {
		faulty, err := k.Sched.Load(as, &vma.Image{Name: "faulty", Data: []byte{0xc3}}, func(env *sched.Env) {
			env.Load(faultAddr)
		})
		if err == nil {
			err = spawn(faulty)
		}
		if err != nil {
			_ = stop()
			return nil, errors.Wrap(err, "spawning faulty thread")
		}
	}

	res := &DemoResult{ExitCodes: make(map[task.ID]int, spawned)}
	for len(res.ExitCodes) < spawned {
		select {
		case st := <-k.Exits():
			res.ExitCodes[st.ID] = st.Code
		case <-ctx.Done():
			_ = stop()
			return nil, errors.Wrapf(ctx.Err(), "%d of %d threads exited", len(res.ExitCodes), spawned)
		}
	}
	res.Elapsed = time.Since(start)

	if err := stop(); err != nil {
		return nil, err
	}

	if res.Counter, err = k.VMM.ReadUint64(nil, as, counter); err != nil {
		return nil, errors.Wrap(err, "reading shared counter")
	}
	return res, nil
}
