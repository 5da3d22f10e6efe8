// Package pmm implements the physical frame allocator. Frames are handed out
// in power-of-two runs by a binary buddy allocator whose free lists are
// threaded through the free frames themselves.
package pmm

import (
	"wasmos/kernel"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/sync"
)

// MaxOrder is the largest block order managed by the allocator. The largest
// block spans 2^MaxOrder frames (4 MiB).
const MaxOrder = 10

// Each frame carries a state byte. Only the first frame of a block records the
// block state; the remaining frames of a block are tagged as tail frames.
const (
	stateReserved  = uint8(0x00)
	stateTail      = uint8(0x01)
	stateFree      = uint8(0x80)
	stateAllocated = uint8(0x40)
	stateOrderMask = uint8(0x3f)
)

// Free list links are stored in the first two words of a free block as
// frame index + 1 so that zero encodes the end of the list.
const (
	linkNext = 0
	linkPrev = 8
	linkNil  = uint64(0)
)

var (
	errOutOfMemory     = &kernel.Error{Module: "pmm", Message: "out of memory", Kind: kernel.KindOutOfMemory}
	errBadOrder        = &kernel.Error{Module: "pmm", Message: "requested block order exceeds the maximum supported order", Kind: kernel.KindInvalidArgument}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "double free of physical frame block", Kind: kernel.KindInvalidArgument}
	errOrderMismatch   = &kernel.Error{Module: "pmm", Message: "block freed with a different order than it was allocated with", Kind: kernel.KindInvalidArgument}
	errNotAllocated    = &kernel.Error{Module: "pmm", Message: "attempt to free a frame that was never allocated", Kind: kernel.KindInvalidArgument}
	errMisalignedBlock = &kernel.Error{Module: "pmm", Message: "block address is not aligned to its order", Kind: kernel.KindInvalidArgument}
	errNoMemory        = &kernel.Error{Module: "pmm", Message: "allocator has not been initialized with physical memory", Kind: kernel.KindInvalidArgument}
)

// BuddyAllocator is a binary buddy allocator for physical frames. It is safe
// for concurrent use.
type BuddyAllocator struct {
	lock sync.Spinlock
	mem  *physmem.Memory

	// heads[k] is the first free block of order k plus one; zero when the
	// list is empty.
	heads  [MaxOrder + 1]uint64
	blocks [MaxOrder + 1]uintptr

	state []uint8

	totalFrames uintptr
	freeFrames  uintptr
}

// Init seeds the free lists with every frame of mem that is covered by an
// available region and not covered by any other region. Frames outside the
// available regions are never handed out.
func (alloc *BuddyAllocator) Init(mem *physmem.Memory, regions []MemoryRegion) *kernel.Error {
	if mem == nil {
		return errNoMemory
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	alloc.mem = mem
	alloc.state = make([]uint8, mem.FrameCount())
	alloc.heads = [MaxOrder + 1]uint64{}
	alloc.blocks = [MaxOrder + 1]uintptr{}
	alloc.totalFrames, alloc.freeFrames = 0, 0

	usable := make([]bool, mem.FrameCount())
	markRange := func(region MemoryRegion, value bool) {
		start, end := uint64(0), region.PhysAddress+region.Length
		if value {
			// Only frames lying completely inside the region are usable
			start = (region.PhysAddress + uint64(mm.PageSize-1)) >> mm.PageShift
			end >>= mm.PageShift
		} else {
			// Any frame touching a reserved region is reserved
			start = region.PhysAddress >> mm.PageShift
			end = (end + uint64(mm.PageSize-1)) >> mm.PageShift
		}
		if end > uint64(len(usable)) {
			end = uint64(len(usable))
		}
		for f := start; f < end; f++ {
			usable[f] = value
		}
	}

	for _, region := range regions {
		if region.Type == RegionAvailable {
			markRange(region, true)
		}
	}
	for _, region := range regions {
		if region.Type != RegionAvailable {
			markRange(region, false)
		}
	}

	for frame := uintptr(0); frame < uintptr(len(usable)); {
		if !usable[frame] {
			frame++
			continue
		}

		// Carve the largest naturally aligned block that fits in the
		// current run of usable frames.
		order := uint8(MaxOrder)
		for ; order > 0; order-- {
			size := uintptr(1) << order
			if frame&(size-1) != 0 || frame+size > uintptr(len(usable)) {
				continue
			}
			if allUsable(usable[frame : frame+size]) {
				break
			}
		}

		alloc.markBlock(mm.Frame(frame), order, stateFree)
		alloc.push(mm.Frame(frame), order)
		alloc.totalFrames += 1 << order
		alloc.freeFrames += 1 << order
		frame += 1 << order
	}

	return nil
}

func allUsable(run []bool) bool {
	for _, ok := range run {
		if !ok {
			return false
		}
	}
	return true
}

// Alloc reserves 2^order contiguous frames and returns the first one. Larger
// free blocks are split as needed; the upper halves are returned to the free
// lists of the lower orders.
func (alloc *BuddyAllocator) Alloc(order uint8) (mm.Frame, *kernel.Error) {
	if order > MaxOrder {
		return mm.InvalidFrame, errBadOrder
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	k := order
	for ; k <= MaxOrder && alloc.heads[k] == linkNil; k++ {
	}
	if k > MaxOrder {
		return mm.InvalidFrame, errOutOfMemory
	}

	frame := mm.Frame(alloc.heads[k] - 1)
	alloc.unlink(frame, k)

	for k > order {
		k--
		upper := frame + mm.Frame(1)<<k
		alloc.state[upper] = stateFree | k
		alloc.push(upper, k)
	}

	alloc.state[frame] = stateAllocated | order
	alloc.freeFrames -= 1 << order
	return frame, nil
}

// Free returns a block obtained from Alloc. The block is merged with its buddy
// for as long as the buddy is a free block of the same order.
func (alloc *BuddyAllocator) Free(frame mm.Frame, order uint8) *kernel.Error {
	if order > MaxOrder {
		return errBadOrder
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if kernel.DebugChecks {
		if err := alloc.checkFree(frame, order); err != nil {
			return err
		}
	}

	alloc.freeFrames += 1 << order
	alloc.markBlock(frame, order, stateTail)

	for order < MaxOrder {
		buddy := frame ^ (mm.Frame(1) << order)
		if uintptr(buddy) >= uintptr(len(alloc.state)) || alloc.state[buddy] != stateFree|order {
			break
		}

		alloc.unlink(buddy, order)
		alloc.state[buddy] = stateTail
		if buddy < frame {
			frame = buddy
		}
		order++
	}

	alloc.state[frame] = stateFree | order
	alloc.push(frame, order)
	return nil
}

func (alloc *BuddyAllocator) checkFree(frame mm.Frame, order uint8) *kernel.Error {
	if !frame.Valid() || uintptr(frame)+uintptr(1)<<order > uintptr(len(alloc.state)) {
		return errNotAllocated
	}
	if uintptr(frame)&(uintptr(1)<<order-1) != 0 {
		return errMisalignedBlock
	}

	switch st := alloc.state[frame]; {
	case st&stateFree != 0:
		return errDoubleFree
	case st&stateAllocated == 0:
		return errNotAllocated
	case st&stateOrderMask != order:
		return errOrderMismatch
	}
	return nil
}

// markBlock sets the head frame of a block to headState and tags the rest of
// the block as tail frames.
func (alloc *BuddyAllocator) markBlock(frame mm.Frame, order uint8, headState uint8) {
	alloc.state[frame] = headState
	if headState == stateFree {
		alloc.state[frame] |= order
	}
	for i := uintptr(1); i < uintptr(1)<<order; i++ {
		alloc.state[uintptr(frame)+i] = stateTail
	}
}

func (alloc *BuddyAllocator) push(frame mm.Frame, order uint8) {
	addr := frame.Address()
	head := alloc.heads[order]

	alloc.mem.WriteUint64(addr+linkNext, head)
	alloc.mem.WriteUint64(addr+linkPrev, linkNil)
	if head != linkNil {
		alloc.mem.WriteUint64(mm.Frame(head-1).Address()+linkPrev, uint64(frame)+1)
	}

	alloc.heads[order] = uint64(frame) + 1
	alloc.blocks[order]++
}

func (alloc *BuddyAllocator) unlink(frame mm.Frame, order uint8) {
	addr := frame.Address()
	next := alloc.mem.ReadUint64(addr + linkNext)
	prev := alloc.mem.ReadUint64(addr + linkPrev)

	if prev == linkNil {
		alloc.heads[order] = next
	} else {
		alloc.mem.WriteUint64(mm.Frame(prev-1).Address()+linkNext, next)
	}
	if next != linkNil {
		alloc.mem.WriteUint64(mm.Frame(next-1).Address()+linkPrev, prev)
	}

	alloc.blocks[order]--
}

// FreeFrames returns the number of unallocated frames.
func (alloc *BuddyAllocator) FreeFrames() uintptr {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.freeFrames
}

// TotalFrames returns the number of frames managed by the allocator.
func (alloc *BuddyAllocator) TotalFrames() uintptr {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalFrames
}

// FreeBlocks returns the number of blocks on the free list of the given order.
func (alloc *BuddyAllocator) FreeBlocks(order uint8) uintptr {
	if order > MaxOrder {
		return 0
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.blocks[order]
}

// VisitFreeBlocks invokes visitor for each free block, walking the free lists
// from order 0 up. The visitor must not call back into the allocator and can
// return false to stop the walk.
func (alloc *BuddyAllocator) VisitFreeBlocks(visitor func(frame mm.Frame, order uint8) bool) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for order := uint8(0); order <= MaxOrder; order++ {
		for link := alloc.heads[order]; link != linkNil; {
			frame := mm.Frame(link - 1)
			if !visitor(frame, order) {
				return
			}
			link = alloc.mem.ReadUint64(frame.Address() + linkNext)
		}
	}
}

// PrintStats logs the free block distribution.
func (alloc *BuddyAllocator) PrintStats() {
	kfmt.Printf("[pmm] free frames: %d/%d\n", alloc.FreeFrames(), alloc.TotalFrames())
	for order := uint8(0); order <= MaxOrder; order++ {
		if n := alloc.FreeBlocks(order); n != 0 {
			kfmt.Printf("[pmm]   order %2d: %d blocks\n", order, n)
		}
	}
}
