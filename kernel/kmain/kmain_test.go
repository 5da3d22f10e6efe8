package kmain

import (
	"bytes"
	"context"
	"testing"
	"time"

	"wasmos/kernel"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/pmm"
	"wasmos/kernel/sched"

	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemorySize = 16 * mm.Mb
	cfg.StackSize = 16 * mm.Kb
	cfg.TickPeriod = time.Millisecond
	return cfg
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	specs := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero memory", func(c *Config) { c.MemorySize = 0 }},
		{"unaligned memory", func(c *Config) { c.MemorySize = 64*mm.Mb + 1 }},
		{"unaligned reservation", func(c *Config) { c.LowMemory = 100 }},
		{"no usable memory", func(c *Config) { c.MemorySize = 3 * mm.Mb }},
		{"no cores", func(c *Config) { c.Cores = 0 }},
		{"too many cores", func(c *Config) { c.Cores = MaxCores + 1 }},
		{"no tlb", func(c *Config) { c.TLBEntries = 0 }},
		{"tiny stack", func(c *Config) { c.StackSize = 512 }},
		{"negative guard", func(c *Config) { c.GuardPages = -1 }},
		{"negative tick", func(c *Config) { c.TickPeriod = -time.Second }},
		{"inverted user range", func(c *Config) { c.Layout.UserFloor = c.Layout.UserCeiling }},
		{"overlapping ranges", func(c *Config) { c.Layout.KernelFloor = c.Layout.UserCeiling - mm.PageSize }},
	}

	for _, spec := range specs {
		cfg := DefaultConfig()
		spec.mutate(&cfg)

		err := cfg.Validate()
		require.Error(t, err, spec.name)
		assert.True(t, kernel.IsKind(err, kernel.KindInvalidArgument), "%s: %v", spec.name, err)
	}
}

func TestMemoryMap(t *testing.T) {
	cfg := DefaultConfig()
	exp := []pmm.MemoryRegion{
		{PhysAddress: 0, Length: uint64(mm.Mb), Type: pmm.RegionReserved},
		{PhysAddress: uint64(mm.Mb), Length: uint64(2 * mm.Mb), Type: pmm.RegionKernel},
		{PhysAddress: uint64(3 * mm.Mb), Length: uint64(61 * mm.Mb), Type: pmm.RegionAvailable},
	}
	assert.Equal(t, exp, cfg.MemoryMap())

	cfg.LowMemory, cfg.KernelImage = 0, 0
	regions := cfg.MemoryMap()
	require.Len(t, regions, 1, spew.Sdump(regions))
	assert.Equal(t, pmm.RegionAvailable, regions[0].Type)
}

func TestBootRunShutdown(t *testing.T) {
	var console bytes.Buffer
	kfmt.SetOutputSink(&console)
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		cores  int
		faulty bool
	}{
		{1, false},
		{2, true},
	}

	for _, spec := range specs {
		cfg := testConfig()
		cfg.Cores = spec.cores

		k, err := Boot(cfg)
		require.NoError(t, err)

		// low memory and the kernel image are never handed out
		assert.Equal(t, uintptr((cfg.MemorySize-3*mm.Mb)>>mm.Size(mm.PageShift)), k.Frames.TotalFrames())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		res, err := RunDemo(ctx, k, DemoConfig{Threads: 3, Iterations: 100, Faulty: spec.faulty})
		cancel()
		require.NoError(t, err)

		assert.Equal(t, uint64(300), res.Counter, spew.Sdump(res))
		faults := 0
		for id, code := range res.ExitCodes {
			if code == sched.ExitFault {
				faults++
				continue
			}
			assert.Zero(t, code, "thread %d", id)
		}
		if spec.faulty {
			assert.Equal(t, 1, faults)
			assert.Len(t, res.ExitCodes, 4)
		} else {
			assert.Zero(t, faults)
			assert.Len(t, res.ExitCodes, 3)
		}

		var stats bytes.Buffer
		k.PrintStats(&stats)
		assert.Contains(t, stats.String(), "[kmain] frames:")
		assert.Contains(t, stats.String(), "[sched] core 0:")

		assert.Equal(t, 1, k.VMM.LiveAddressSpaces(), "demo address space must be destroyed")
		require.NoError(t, k.Shutdown())
	}

	assert.Contains(t, console.String(), "system memory map:")
}

func TestRunStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.Cores = 2

	k, err := Boot(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, k.Run(ctx))

	assert.NotZero(t, k.Timer.Ticks())
	require.NoError(t, k.Shutdown())
}

func TestBootRejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Cores = 0

	_, err := Boot(cfg)
	assert.True(t, kernel.IsKind(err, kernel.KindInvalidArgument), "%v", err)
}
