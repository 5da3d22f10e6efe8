package mm

import (
	"math"

	"wasmos/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns a pointer to the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to
// the given physical address. This function can handle
// both page-aligned and not aligned addresses. in the
// latter case, the input address will be rounded down
// to the frame that contains it.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// FrameAllocator hands out runs of 2^order physically contiguous frames.
type FrameAllocator interface {
	// Alloc reserves 2^order contiguous frames and returns the first
	// one.
	Alloc(order uint8) (Frame, *kernel.Error)

	// Free returns a run previously obtained from Alloc with
	// the same order.
	Free(frame Frame, order uint8) *kernel.Error
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns a pointer to the virtual memory address pointed to by this Page.
func (f Page) Address() uintptr {
	return uintptr(f << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. This function can handle both page-aligned and not aligned virtual
// addresses. in the latter case, the input address will be rounded down to the
// page that contains it.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageAligned returns true if addr is a multiple of PageSize.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// PageRoundUp rounds size up to the nearest multiple of PageSize.
func PageRoundUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// PhysToVirt returns the direct-map kernel virtual address for physAddr.
func PhysToVirt(physAddr uintptr) uintptr {
	return DirectMapBase + physAddr
}

// VirtToPhys converts a direct-map kernel virtual address back to the
// physical address it refers to.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - DirectMapBase
}

// OrderForPages returns the smallest order k such that 2^k >= pages.
func OrderForPages(pages uintptr) uint8 {
	var order uint8
	for (uintptr(1) << order) < pages {
		order++
	}
	return order
}
