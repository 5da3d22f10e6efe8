// Package vmm implements the address space manager: per address space page
// tables, virtual memory area bookkeeping, demand paging of anonymous memory
// and the MMU translation path used by kernel threads.
package vmm

import (
	"sync/atomic"

	"wasmos/kernel"
	"wasmos/kernel/cpu"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/mm/vma"
	"wasmos/kernel/sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

var (
	errBadLength     = &kernel.Error{Module: "vmm", Message: "mapping length must be non-zero", Kind: kernel.KindInvalidArgument}
	errUnaligned     = &kernel.Error{Module: "vmm", Message: "address is not page aligned", Kind: kernel.KindInvalidArgument}
	errOutOfRange    = &kernel.Error{Module: "vmm", Message: "range lies outside the address space", Kind: kernel.KindInvalidArgument}
	errAddressInUse  = &kernel.Error{Module: "vmm", Message: "range overlaps an existing mapping", Kind: kernel.KindAddressInUse}
	errNoVirtSpace   = &kernel.Error{Module: "vmm", Message: "no free virtual range large enough", Kind: kernel.KindOutOfMemory}
	errNotMapped     = &kernel.Error{Module: "vmm", Message: "no mapping covers the requested range", Kind: kernel.KindNotMapped}
	errMissingImage  = &kernel.Error{Module: "vmm", Message: "file-backed mapping without an image", Kind: kernel.KindInvalidArgument}
	errInvalidAccess = &kernel.Error{Module: "vmm", Message: "invalid memory access", Kind: kernel.KindInvalidAccess}

	// panicFn halts the kernel when the area bookkeeping is found
	// corrupted. Tests replace it.
	panicFn = kfmt.Panic
)

// MapOption modifies the behaviour of Manager.Map.
type MapOption uint8

const (
	// Populate backs every page of an anonymous mapping with a zeroed frame
	// before Map returns.
	Populate MapOption = 1 << iota
)

// Layout describes the virtual ranges available to user and kernel address
// spaces.
type Layout struct {
	UserFloor, UserCeiling     uintptr
	KernelFloor, KernelCeiling uintptr
}

// DefaultLayout returns the standard amd64 split: user space starts above
// the first 4 MiB and ends at the canonical hole; kernel mappings live in the
// top 512 GiB below the direct map window.
func DefaultLayout() Layout {
	return Layout{
		UserFloor:     0x400000,
		UserCeiling:   0x0000_8000_0000_0000,
		KernelFloor:   0xffff_ff00_0000_0000,
		KernelCeiling: 0xffff_ff80_0000_0000,
	}
}

// Manager creates address spaces and implements the operations on them.
type Manager struct {
	mem    *physmem.Memory
	frames mm.FrameAllocator
	layout Layout
	log    hclog.Logger

	cpuLock sync.Spinlock
	cpus    []*cpu.CPU

	asids *asidAllocator

	nextID uint64
	live   int64

	demandFaults  uint64
	invalidFaults uint64
}

// NewManager returns a manager that backs address spaces with frames from
// frames.
func NewManager(mem *physmem.Memory, frames mm.FrameAllocator, layout Layout) *Manager {
	return &Manager{
		mem:    mem,
		frames: frames,
		layout: layout,
		log:    kfmt.Logger("vmm"),
		asids:  newASIDAllocator(MaxASIDs),
	}
}

// RegisterCPU adds c to the set of cores whose TLBs are kept coherent with
// page table updates.
func (m *Manager) RegisterCPU(c *cpu.CPU) {
	m.cpuLock.Acquire()
	m.cpus = append(m.cpus, c)
	m.cpuLock.Release()
}

// LiveAddressSpaces returns the number of address spaces not yet destroyed.
func (m *Manager) LiveAddressSpaces() int {
	return int(atomic.LoadInt64(&m.live))
}

// FaultStats returns the number of resolved demand faults and the number of
// rejected invalid accesses.
func (m *Manager) FaultStats() (demand, invalid uint64) {
	return atomic.LoadUint64(&m.demandFaults), atomic.LoadUint64(&m.invalidFaults)
}

// NewAddressSpace creates an empty user address space holding one reference.
func (m *Manager) NewAddressSpace() (*AddressSpace, error) {
	return m.newAddressSpace(false, m.layout.UserFloor, m.layout.UserCeiling)
}

// NewKernelAddressSpace creates an empty address space for kernel threads.
func (m *Manager) NewKernelAddressSpace() (*AddressSpace, error) {
	return m.newAddressSpace(true, m.layout.KernelFloor, m.layout.KernelCeiling)
}

func (m *Manager) newAddressSpace(kernelSpace bool, floor, ceiling uintptr) (*AddressSpace, error) {
	pdt, err := NewPageDirectoryTable(m.mem, m.frames)
	if err != nil {
		return nil, errors.Wrap(err, "allocating top-level page table")
	}

	as := &AddressSpace{
		id:     atomic.AddUint64(&m.nextID, 1),
		mgr:    m,
		kernel: kernelSpace,
		pdt:    pdt,
		free:   vma.NewFreeTree(floor, ceiling),
		refs:   1,
		asid:   m.asids.alloc(),
	}
	atomic.AddInt64(&m.live, 1)
	return as, nil
}

// Map creates an area of length bytes (rounded up to whole pages) in as. A
// non-zero hint requests a fixed base address which must be page aligned and
// free; otherwise the lowest free range is used. The new area is merged with
// adjacent areas that have identical attributes. Anonymous areas are backed
// on first touch unless Populate is requested; file areas are copied from
// their image eagerly; guard areas are never backed.
func (m *Manager) Map(as *AddressSpace, hint, length uintptr, flags vma.Flags, backing vma.Backing, opts ...MapOption) (uintptr, error) {
	var opt MapOption
	for _, o := range opts {
		opt |= o
	}

	if length == 0 {
		return 0, errBadLength
	}
	if !mm.PageAligned(hint) {
		return 0, errUnaligned
	}
	if backing.Kind == vma.File && backing.Image == nil {
		return 0, errMissingImage
	}
	length = mm.PageRoundUp(length)

	as.lock.Acquire()
	defer as.lock.Release()

	base := hint
	if hint != 0 {
		if as.areas.FirstOverlap(hint, length) != nil {
			return 0, errAddressInUse
		}
		if !as.free.Reserve(hint, length) {
			return 0, errOutOfRange
		}
	} else {
		var ok bool
		if base, ok = as.free.FirstFit(length); !ok {
			return 0, errNoVirtSpace
		}
	}

	area := &vma.Area{Base: base, Len: length, Flags: flags, Backing: backing}
	if backing.Kind == vma.File || (backing.Kind == vma.Anonymous && opt&Populate != 0) {
		if err := m.populate(as, area, base, area.End()); err != nil {
			m.unmapPages(as, base, area.End())
			as.free.ReturnInterval(base, length)
			return 0, errors.Wrapf(err, "populating %d pages at 0x%x", length>>mm.PageShift, base)
		}
	}

	m.insertMerged(as, area)
	m.log.Trace("map", "as", as.id, "base", hclog.Fmt("0x%x", base), "len", length, "flags", flags.String(), "backing", backing.Kind.String())
	return base, nil
}

// insertMerged adds area to the tree, coalescing it with identical neighbours.
func (m *Manager) insertMerged(as *AddressSpace, area *vma.Area) {
	if prev := as.areas.Predecessor(area.Base); prev != nil && prev.CanMerge(area) {
		as.areas.Remove(prev.Base)
		prev.Len += area.Len
		area = prev
	}
	if next := as.areas.Successor(area.Base); next != nil && area.CanMerge(next) {
		as.areas.Remove(next.Base)
		area.Len += next.Len
	}

	// The range was reserved in the free tree so the insert cannot overlap.
	if err := as.areas.Insert(area); err != nil {
		panicFn(err)
	}
}

// pteFlags converts area permissions to page table entry flags.
func pteFlags(flags vma.Flags) PageTableEntryFlag {
	pteFlags := FlagPresent
	if flags&vma.FlagWrite != 0 {
		pteFlags |= FlagRW
	}
	if flags&vma.FlagUser != 0 {
		pteFlags |= FlagUserAccessible
	}
	if flags&vma.FlagExec == 0 {
		pteFlags |= FlagNoExecute
	}
	return pteFlags
}

// populate backs every page of area in [start, end) that is not yet mapped.
func (m *Manager) populate(as *AddressSpace, area *vma.Area, start, end uintptr) *kernel.Error {
	for addr := start; addr < end; addr += mm.PageSize {
		if _, err := as.pdt.Lookup(addr); err == nil {
			continue
		}
		if err := m.backPage(as, area, addr); err != nil {
			return err
		}
	}
	return nil
}

// backPage allocates a frame for the page at addr, fills it from the area
// backing and installs the mapping.
func (m *Manager) backPage(as *AddressSpace, area *vma.Area, addr uintptr) *kernel.Error {
	frame, err := m.frames.Alloc(0)
	if err != nil {
		return err
	}

	m.mem.ZeroFrames(frame, 1)
	if off, ok := area.FileOffset(addr); ok {
		kernel.Memcopy(area.Backing.Image.Data[off:], m.mem.Frame(frame))
	}

	if err = as.pdt.Map(mm.PageFromAddress(addr), frame, pteFlags(area.Flags)); err != nil {
		if ferr := m.frames.Free(frame, 0); ferr != nil {
			panicFn(ferr)
		}
		return err
	}
	as.resident++
	return nil
}

// unmapPages removes the mappings in [start, end), frees their frames and
// invalidates stale TLB entries.
func (m *Manager) unmapPages(as *AddressSpace, start, end uintptr) {
	as.pdt.UnmapRange(start, end, func(_ mm.Page, frame mm.Frame) {
		if err := m.frames.Free(frame, 0); err != nil {
			panicFn(err)
		}
		as.resident--
	})
	m.shootdown(as, start, end)
}

// shootdownFullFlush is the range size above which whole TLBs are flushed
// instead of individual entries.
const shootdownFullFlush = 64 * mm.PageSize

// shootdown flushes [start, end) of as from the TLBs. Tagged entries may be
// cached by any core; untagged ones only by cores that have as loaded.
func (m *Manager) shootdown(as *AddressSpace, start, end uintptr) {
	root := as.Root()

	m.cpuLock.Acquire()
	defer m.cpuLock.Release()

	for _, c := range m.cpus {
		if as.asid == cpu.NoASID && c.ActivePDT() != root {
			continue
		}
		if end-start > shootdownFullFlush {
			c.TLB().FlushASID(as.asid)
			continue
		}
		for addr := start; addr < end; addr += mm.PageSize {
			c.FlushTLBEntry(as.asid, addr)
		}
	}
}

// retireASID drops every entry tagged with the ASID of a destroyed address
// space and makes the tag available again.
func (m *Manager) retireASID(as *AddressSpace) {
	if as.asid == cpu.NoASID {
		return
	}

	m.cpuLock.Acquire()
	for _, c := range m.cpus {
		c.TLB().FlushASID(as.asid)
	}
	m.cpuLock.Release()

	m.asids.free(as.asid)
	as.asid = cpu.NoASID
}

// Unmap removes [base, base+length) from as. Areas partially covered by the
// range are trimmed or split so that at most two residual areas with the
// original attributes remain. Unmap fails with a NotMapped error if no area
// intersects the range.
func (m *Manager) Unmap(as *AddressSpace, base, length uintptr) error {
	if length == 0 {
		return errBadLength
	}
	if !mm.PageAligned(base) {
		return errUnaligned
	}
	length = mm.PageRoundUp(length)
	end := base + length

	as.lock.Acquire()
	defer as.lock.Release()

	var victims []*vma.Area
	as.areas.VisitOverlapping(base, length, func(a *vma.Area) bool {
		victims = append(victims, a)
		return true
	})
	if len(victims) == 0 {
		return errNotMapped
	}

	for _, area := range victims {
		as.areas.Remove(area.Base)

		// The residual pieces lie inside the removed area, so they only
		// collide with a neighbour if the tree is corrupted.
		if area.Base < base {
			if err := as.areas.Insert(area.Slice(area.Base, base)); err != nil {
				panicFn(err)
			}
		}
		if end < area.End() {
			if err := as.areas.Insert(area.Slice(end, area.End())); err != nil {
				panicFn(err)
			}
		}

		removed := area.Slice(base, end)
		m.unmapPages(as, removed.Base, removed.End())
		as.free.ReturnInterval(removed.Base, removed.Len)
	}

	m.log.Trace("unmap", "as", as.id, "base", hclog.Fmt("0x%x", base), "len", length, "areas", len(victims))
	return nil
}

// Find returns a copy of the area containing addr.
func (m *Manager) Find(as *AddressSpace, addr uintptr) (vma.Area, error) {
	as.lock.Acquire()
	defer as.lock.Release()

	if area := as.areas.Find(addr); area != nil {
		return *area, nil
	}
	return vma.Area{}, errNotMapped
}

// destroy unmaps every area of as and frees its page tables.
func (m *Manager) destroy(as *AddressSpace) error {
	as.lock.Acquire()
	defer as.lock.Release()

	for _, area := range as.areas.Areas() {
		as.areas.Remove(area.Base)
		m.unmapPages(as, area.Base, area.End())
		as.free.ReturnInterval(area.Base, area.Len)
	}

	if err := as.pdt.Destroy(); err != nil {
		return errors.Wrapf(err, "destroying page tables of address space %d", as.id)
	}
	m.retireASID(as)
	atomic.AddInt64(&m.live, -1)
	m.log.Debug("address space destroyed", "as", as.id)
	return nil
}
