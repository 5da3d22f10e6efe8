package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"time"

	"wasmos/kernel/kfmt"
	"wasmos/kernel/kmain"
	"wasmos/kernel/mm"
	"wasmos/kernel/sched"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
)

// main boots the hosted machine, runs the demo workload on it and prints the
// kernel counters once every thread has been reclaimed.
func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg := kmain.DefaultConfig()
	demo := kmain.DemoConfig{Threads: 3, Iterations: 100, Faulty: true}

	flags := pflag.NewFlagSet("wasmos", pflag.ContinueOnError)
	memMiB := flags.Uint64("memory", uint64(cfg.MemorySize/mm.Mb), "physical memory in MiB")
	stackKiB := flags.Uint64("stack", uint64(cfg.StackSize/mm.Kb), "default thread stack size in KiB")
	flags.IntVar(&cfg.Cores, "cores", cfg.Cores, "number of logical cores")
	flags.IntVar(&cfg.GuardPages, "guard-pages", cfg.GuardPages, "guard pages below each thread stack")
	flags.DurationVar(&cfg.TickPeriod, "tick", cfg.TickPeriod, "preemption timer period (0 disables preemption)")
	flags.IntVar(&demo.Threads, "threads", demo.Threads, "number of counter threads")
	flags.IntVar(&demo.Iterations, "iterations", demo.Iterations, "increments per counter thread")
	flags.BoolVar(&demo.Faulty, "faulty", demo.Faulty, "spawn a thread that touches unmapped memory")
	timeout := flags.Duration("timeout", 30*time.Second, "abort the demo after this long")
	cp437 := flags.Bool("cp437", false, "encode console output as code page 437")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg.MemorySize = mm.Size(*memMiB) * mm.Mb
	cfg.StackSize = mm.Size(*stackKiB) * mm.Kb

	if *cp437 {
		stdout = kfmt.NewCP437Writer(stdout)
	}
	kfmt.SetOutputSink(stdout)
	if *verbose {
		kfmt.SetLogLevel(hclog.Debug)
	}

	k, err := kmain.Boot(cfg)
	if err != nil {
		kfmt.Printf("boot failed: %v\n", err)
		return 1
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, *timeout)
	defer cancelTimeout()

	res, err := kmain.RunDemo(ctx, k, demo)
	if err != nil {
		kfmt.Printf("demo failed: %v\n", err)
		return 1
	}

	kfmt.Printf("counter=%d expected=%d elapsed=%s\n", res.Counter, uint64(demo.Threads*demo.Iterations), res.Elapsed)
	for id, code := range res.ExitCodes {
		if code == sched.ExitFault {
			kfmt.Printf("thread %d was killed by an invalid access\n", id)
		}
	}
	k.PrintStats(kfmt.GetOutputSink())

	if err := k.Shutdown(); err != nil {
		kfmt.Printf("shutdown failed: %v\n", err)
		return 1
	}
	return 0
}
