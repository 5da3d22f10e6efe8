package kmain

import (
	"time"

	"wasmos/kernel"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/pmm"
	"wasmos/kernel/mm/vmm"
	"wasmos/kernel/sched"

	"github.com/pkg/errors"
)

var (
	errBadMemory = &kernel.Error{Module: "kmain", Message: "invalid memory configuration", Kind: kernel.KindInvalidArgument}
	errBadCores  = &kernel.Error{Module: "kmain", Message: "invalid core configuration", Kind: kernel.KindInvalidArgument}
	errBadStack  = &kernel.Error{Module: "kmain", Message: "invalid stack configuration", Kind: kernel.KindInvalidArgument}
	errBadLayout = &kernel.Error{Module: "kmain", Message: "invalid address space layout", Kind: kernel.KindInvalidArgument}
	errBadTick   = &kernel.Error{Module: "kmain", Message: "negative timer period", Kind: kernel.KindInvalidArgument}
)

// MaxCores is the number of cores the interrupt controller can route to.
const MaxCores = 32

// Config describes the machine and the kernel tunables.
type Config struct {
	// MemorySize is the amount of physical memory.
	MemorySize mm.Size

	// LowMemory is reserved at physical address zero, the way firmware
	// areas are on a PC.
	LowMemory mm.Size

	// KernelImage is reserved right after LowMemory for the kernel image.
	KernelImage mm.Size

	// Cores is the number of logical cores.
	Cores int

	// TLBEntries is the TLB capacity of each core.
	TLBEntries int

	// TickPeriod is the period of the preemption timer. Zero disables
	// preemption.
	TickPeriod time.Duration

	// StackSize is the default thread stack size.
	StackSize mm.Size

	// GuardPages is the number of guard pages below each thread stack.
	GuardPages int

	// Layout describes the user and kernel address space ranges.
	Layout vmm.Layout
}

// DefaultConfig returns the configuration of the default machine: 64 MiB of
// RAM, one core and a 10ms timer tick.
func DefaultConfig() Config {
	return Config{
		MemorySize:  64 * mm.Mb,
		LowMemory:   1 * mm.Mb,
		KernelImage: 2 * mm.Mb,
		Cores:       1,
		TLBEntries:  64,
		TickPeriod:  10 * time.Millisecond,
		StackSize:   sched.DefaultStackSize,
		GuardPages:  sched.DefaultGuardPages,
		Layout:      vmm.DefaultLayout(),
	}
}

// Validate checks the configuration for consistency.
func (cfg Config) Validate() error {
	reserved := cfg.LowMemory + cfg.KernelImage
	switch {
	case cfg.MemorySize == 0 || uint64(cfg.MemorySize)%uint64(mm.PageSize) != 0:
		return errors.Wrapf(errBadMemory, "memory size %d is not a non-zero multiple of the page size", cfg.MemorySize)
	case uint64(cfg.LowMemory)%uint64(mm.PageSize) != 0 || uint64(cfg.KernelImage)%uint64(mm.PageSize) != 0:
		return errors.Wrap(errBadMemory, "reserved regions must be page aligned")
	case reserved >= cfg.MemorySize:
		return errors.Wrapf(errBadMemory, "reserved regions (%d bytes) leave no usable memory", reserved)
	case cfg.Cores < 1 || cfg.Cores > MaxCores:
		return errors.Wrapf(errBadCores, "core count %d outside [1, %d]", cfg.Cores, MaxCores)
	case cfg.TLBEntries < 1:
		return errors.Wrapf(errBadCores, "TLB capacity %d", cfg.TLBEntries)
	case cfg.StackSize < mm.Size(mm.PageSize):
		return errors.Wrapf(errBadStack, "stack size %d is smaller than a page", cfg.StackSize)
	case cfg.GuardPages < 0:
		return errors.Wrapf(errBadStack, "guard pages %d", cfg.GuardPages)
	case cfg.TickPeriod < 0:
		return errBadTick
	}

	l := cfg.Layout
	if !mm.PageAligned(l.UserFloor) || !mm.PageAligned(l.UserCeiling) || l.UserFloor >= l.UserCeiling ||
		!mm.PageAligned(l.KernelFloor) || !mm.PageAligned(l.KernelCeiling) || l.KernelFloor >= l.KernelCeiling ||
		l.UserCeiling > l.KernelFloor {
		return errors.Wrapf(errBadLayout, "user [0x%x, 0x%x) kernel [0x%x, 0x%x)", l.UserFloor, l.UserCeiling, l.KernelFloor, l.KernelCeiling)
	}
	return nil
}

// MemoryMap returns the physical memory regions of the configured machine.
func (cfg Config) MemoryMap() []pmm.MemoryRegion {
	low, image := uint64(cfg.LowMemory), uint64(cfg.KernelImage)
	regions := []pmm.MemoryRegion{
		{PhysAddress: 0, Length: low, Type: pmm.RegionReserved},
		{PhysAddress: low, Length: image, Type: pmm.RegionKernel},
		{PhysAddress: low + image, Length: uint64(cfg.MemorySize) - low - image, Type: pmm.RegionAvailable},
	}

	out := regions[:0]
	for _, r := range regions {
		if r.Length != 0 {
			out = append(out, r)
		}
	}
	return out
}
