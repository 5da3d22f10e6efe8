package vmm

import (
	"wasmos/kernel"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
)

var (
	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvalidArgument}
)

// PageDirectoryTable describes the top-most table in a multi-level paging scheme.
// All tables live in physical memory and are accessed through their physical
// addresses.
type PageDirectoryTable struct {
	pdtFrame mm.Frame
	mem      *physmem.Memory
	frames   mm.FrameAllocator

	// tables counts the frames used by this hierarchy including the
	// top-level table.
	tables uintptr
}

// NewPageDirectoryTable allocates and clears a top-level table.
func NewPageDirectoryTable(mem *physmem.Memory, frames mm.FrameAllocator) (*PageDirectoryTable, *kernel.Error) {
	pdtFrame, err := frames.Alloc(0)
	if err != nil {
		return nil, err
	}
	mem.ZeroFrames(pdtFrame, 1)

	return &PageDirectoryTable{
		pdtFrame: pdtFrame,
		mem:      mem,
		frames:   frames,
		tables:   1,
	}, nil
}

// Frame returns the frame holding the top-level table. Its address is the
// value loaded into CR3.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// TableFrames returns the number of frames used by the table hierarchy.
func (pdt *PageDirectoryTable) TableFrames() uintptr {
	return pdt.tables
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing intermediate tables are allocated from the frame allocator
// and cleared. Intermediate entries are permissive; the final entry carries
// the access restrictions.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	pdt.walk(page.Address(), func(pteLevel uint8, entryAddr uintptr) bool {
		pte := pdt.entry(entryAddr)

		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present
		if pteLevel == pageLevels-1 {
			pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			pdt.setEntry(entryAddr, pte)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = pdt.frames.Alloc(0); err != nil {
				return false
			}
			pdt.mem.ZeroFrames(newTableFrame, 1)
			pdt.tables++

			pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
			pdt.setEntry(entryAddr, pte)
		}

		return true
	})

	return err
}

// Unmap removes the mapping for page and returns the frame it pointed to.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	var (
		frame = mm.InvalidFrame
		err   *kernel.Error
	)

	pdt.walk(page.Address(), func(pteLevel uint8, entryAddr uintptr) bool {
		pte := pdt.entry(entryAddr)

		// Next table is not present; this is an invalid mapping
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pteLevel == pageLevels-1 {
			frame = pte.Frame()
			pdt.setEntry(entryAddr, 0)
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// Lookup returns the final page table entry for virtAddr. The walk stops with
// ErrInvalidMapping at the first non-present entry.
func (pdt *PageDirectoryTable) Lookup(virtAddr uintptr) (pageTableEntry, *kernel.Error) {
	var (
		entry pageTableEntry
		err   *kernel.Error
	)

	pdt.walk(virtAddr, func(pteLevel uint8, entryAddr uintptr) bool {
		pte := pdt.entry(entryAddr)
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (pdt *PageDirectoryTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pdt.Lookup(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the physical frame address and
	// appending the offset from the virtual address
	return pte.Frame().Address() + PageOffset(virtAddr), nil
}

// Destroy releases every table frame of the hierarchy. Frames referenced by
// the final level entries are not touched; the caller owns them.
func (pdt *PageDirectoryTable) Destroy() *kernel.Error {
	if err := pdt.destroyTable(pdt.pdtFrame, 0); err != nil {
		return err
	}
	pdt.tables = 0
	pdt.pdtFrame = mm.InvalidFrame
	return nil
}

func (pdt *PageDirectoryTable) destroyTable(table mm.Frame, level uint8) *kernel.Error {
	if level < pageLevels-1 {
		for index := uintptr(0); index < entriesPerTable; index++ {
			pte := pdt.entry(table.Address() + index<<mm.PointerShift)
			if !pte.HasFlags(FlagPresent) {
				continue
			}
			if err := pdt.destroyTable(pte.Frame(), level+1); err != nil {
				return err
			}
		}
	}
	return pdt.frames.Free(table, 0)
}

// canonicalMask selects the 48 implemented virtual address bits.
const canonicalMask = uintptr(1)<<48 - 1

// canonical sign-extends bit 47 of a 48-bit virtual address.
func canonical(addr uintptr) uintptr {
	if addr&(1<<47) != 0 {
		return addr | ^canonicalMask
	}
	return addr
}

// UnmapRange removes every mapping in [start, end) and invokes fn with each
// page that was mapped and the frame it pointed to. Only tables that are
// present are visited.
func (pdt *PageDirectoryTable) UnmapRange(start, end uintptr, fn func(page mm.Page, frame mm.Frame)) {
	if end <= start {
		return
	}
	start48 := start & canonicalMask
	pdt.unmapRange(pdt.pdtFrame, 0, 0, start48, start48+(end-start), fn)
}

func (pdt *PageDirectoryTable) unmapRange(table mm.Frame, level uint8, base, start, end uintptr, fn func(mm.Page, mm.Frame)) {
	shift := pageLevelShifts[level]
	span := uintptr(1) << shift

	first, last := uintptr(0), uintptr(entriesPerTable-1)
	if start > base {
		first = (start - base) >> shift
	}
	if end-1 < base+(entriesPerTable<<shift)-1 {
		last = (end - 1 - base) >> shift
	}

	for index := first; index <= last; index++ {
		entryAddr := table.Address() + index<<mm.PointerShift
		pte := pdt.entry(entryAddr)
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		entryBase := base + index*span
		if level == pageLevels-1 {
			pdt.setEntry(entryAddr, 0)
			fn(mm.PageFromAddress(canonical(entryBase)), pte.Frame())
			continue
		}
		pdt.unmapRange(pte.Frame(), level+1, entryBase, start, end, fn)
	}
}
