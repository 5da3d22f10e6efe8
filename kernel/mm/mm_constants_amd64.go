package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// DirectMapBase is the start of the kernel's direct map of physical
	// memory. Kernel virtual address DirectMapBase+p refers to physical
	// address p.
	DirectMapBase = uintptr(0xffff_8000_0000_0000)
)
