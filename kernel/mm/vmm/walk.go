package vmm

import (
	"wasmos/kernel/mm"
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and the physical address of the
// page table entry for that level. If the function returns false, then the
// page walk is aborted.
type pageTableWalker func(pteLevel uint8, entryAddr uintptr) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in rootFrame. It calls the supplied walkFn with the entry
// that corresponds to each page table level. Tables at the next level are
// located through the frame stored in the previous entry so walkFn must
// populate missing entries if it wants the walk to continue.
func (pdt *PageDirectoryTable) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableAddr := pdt.pdtFrame.Address()
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := tableAddr + (entryIndex << mm.PointerShift)

		if !walkFn(level, entryAddr) {
			return
		}

		tableAddr = pdt.entry(entryAddr).Frame().Address()
	}
}

func (pdt *PageDirectoryTable) entry(entryAddr uintptr) pageTableEntry {
	return pageTableEntry(pdt.mem.ReadUint64(entryAddr))
}

func (pdt *PageDirectoryTable) setEntry(entryAddr uintptr, pte pageTableEntry) {
	pdt.mem.WriteUint64(entryAddr, uint64(pte))
}
