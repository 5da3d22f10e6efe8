package vmm

import (
	"sync/atomic"

	"wasmos/kernel"
	"wasmos/kernel/cpu"
	"wasmos/kernel/mm/vma"
	"wasmos/kernel/sync"
)

var (
	errReleased = &kernel.Error{Module: "vmm", Message: "address space released more times than it was shared", Kind: kernel.KindInvalidArgument}
)

// AddressSpace is a set of virtual memory areas together with the page tables
// that back them. Address spaces are reference counted; the last Release
// unmaps every area, returns all frames and frees the page tables.
type AddressSpace struct {
	id     uint64
	mgr    *Manager
	kernel bool
	asid   cpu.ASID

	lock  sync.Spinlock
	pdt   *PageDirectoryTable
	areas vma.Tree
	free  *vma.FreeTree

	// resident counts the leaf pages currently mapped.
	resident uintptr

	refs int32
}

// ID returns the address space identifier.
func (as *AddressSpace) ID() uint64 { return as.id }

// ASID returns the tag of the TLB entries of this address space, or
// cpu.NoASID if it runs untagged.
func (as *AddressSpace) ASID() cpu.ASID { return as.asid }

// IsKernel returns true for the kernel address space.
func (as *AddressSpace) IsKernel() bool { return as.kernel }

// Root returns the physical address of the top-level page table.
func (as *AddressSpace) Root() uintptr {
	return as.pdt.Frame().Address()
}

// Share takes an additional reference to the address space.
func (as *AddressSpace) Share() *AddressSpace {
	atomic.AddInt32(&as.refs, 1)
	return as
}

// Refs returns the current number of references.
func (as *AddressSpace) Refs() int {
	return int(atomic.LoadInt32(&as.refs))
}

// Release drops a reference. Dropping the last reference destroys the address
// space.
func (as *AddressSpace) Release() error {
	switch refs := atomic.AddInt32(&as.refs, -1); {
	case refs > 0:
		return nil
	case refs < 0:
		return errReleased
	}
	return as.mgr.destroy(as)
}

// Areas returns a snapshot of the areas in ascending address order.
func (as *AddressSpace) Areas() []vma.Area {
	as.lock.Acquire()
	defer as.lock.Release()

	out := make([]vma.Area, 0, as.areas.Len())
	as.areas.Walk(func(a *vma.Area) bool {
		out = append(out, *a)
		return true
	})
	return out
}

// ResidentPages returns the number of pages currently backed by a frame.
func (as *AddressSpace) ResidentPages() uintptr {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.resident
}

// PageTableFrames returns the number of frames used by the page tables.
func (as *AddressSpace) PageTableFrames() uintptr {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.pdt.TableFrames()
}
