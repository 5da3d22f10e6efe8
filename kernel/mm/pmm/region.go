package pmm

import (
	"io"

	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
)

// RegionType defines the type of a MemoryRegion.
type RegionType uint32

const (
	// RegionAvailable indicates that the memory region is available for use.
	RegionAvailable RegionType = iota + 1

	// RegionReserved indicates that the memory region is not available for use.
	RegionReserved

	// RegionKernel marks memory occupied by the kernel image and its boot
	// structures.
	RegionKernel
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionKernel:
		return "kernel"
	default:
		return "unknown"
	}
}

// MemoryRegion describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryRegion struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type RegionType
}

// PrintMemoryMap writes the memory map and the amount of usable memory to w.
func PrintMemoryMap(w io.Writer, regions []MemoryRegion) {
	kfmt.Fprintf(w, "[pmm] system memory map:\n")
	var totalFree mm.Size
	for _, region := range regions {
		kfmt.Fprintf(w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == RegionAvailable {
			totalFree += mm.Size(region.Length)
		}
	}
	kfmt.Fprintf(w, "[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
}
