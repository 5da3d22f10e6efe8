// Package heap implements the kernel heap: a slab allocator for small objects
// backed by the physical frame allocator. Requests larger than the biggest
// size class are served with whole frame blocks.
package heap

import (
	"wasmos/kernel"
	"wasmos/kernel/kfmt"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/sync"
)

const (
	// MinClassSize is the smallest object size handed out by the heap.
	MinClassSize = 16

	// MaxClassSize is the largest object size served from a slab.
	MaxClassSize = 2048

	minClassShift = 4
	numClasses    = 8

	// minObjectsPerSlab is the minimum number of objects carved out of a
	// single slab.
	minObjectsPerSlab = 8

	// free object links hold the physical address of the next free object
	// plus one.
	linkNil = uint64(0)
)

var (
	errZeroSize      = &kernel.Error{Module: "heap", Message: "zero-sized allocation", Kind: kernel.KindInvalidArgument}
	errBadAlignment  = &kernel.Error{Module: "heap", Message: "alignment must be a power of two", Kind: kernel.KindInvalidArgument}
	errClassMismatch = &kernel.Error{Module: "heap", Message: "object freed to a different size class than it was allocated from", Kind: kernel.KindInvalidArgument}
	errUnknownObject = &kernel.Error{Module: "heap", Message: "address does not belong to a heap object", Kind: kernel.KindInvalidArgument}

	// panicFn halts the kernel on corrupted heap metadata. Tests replace
	// it.
	panicFn = kfmt.Panic
)

// Handle is the kernel virtual address of a heap object.
type Handle uintptr

// Null is the handle of no object.
const Null = Handle(0)

// Stats is a snapshot of the heap counters.
type Stats struct {
	// Objects is the number of live small objects.
	Objects uint64

	// Slabs is the number of slabs held by the heap, including cached
	// empty slabs.
	Slabs uint64

	// LargeBlocks is the number of live allocations served directly by the
	// frame allocator.
	LargeBlocks uint64

	// Frames is the number of frames held by the heap.
	Frames uint64
}

type slab struct {
	class *sizeClass
	frame mm.Frame

	// freeHead is the physical address of the first free object plus one.
	freeHead uint64
	inUse    int

	prev, next *slab
}

// slabList is an intrusive doubly-linked list of slabs.
type slabList struct {
	head *slab
}

func (l *slabList) push(s *slab) {
	s.prev, s.next = nil, l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
}

func (l *slabList) remove(s *slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
}

type sizeClass struct {
	size     uintptr
	order    uint8
	capacity int

	partial slabList
	full    slabList

	// empty caches a single slab with no live objects.
	empty *slab
}

// Heap is the kernel slab allocator. It is safe for concurrent use.
type Heap struct {
	lock   sync.Spinlock
	mem    *physmem.Memory
	frames mm.FrameAllocator

	classes [numClasses]sizeClass

	// slabs maps the first frame of each slab to its descriptor.
	slabs map[mm.Frame]*slab

	// large maps the first frame of each large allocation to its order.
	large map[mm.Frame]uint8

	objects uint64
	held    uint64
}

// New returns a heap that carves its slabs out of frames obtained from frames.
func New(mem *physmem.Memory, frames mm.FrameAllocator) *Heap {
	h := &Heap{
		mem:    mem,
		frames: frames,
		slabs:  make(map[mm.Frame]*slab),
		large:  make(map[mm.Frame]uint8),
	}

	for i := range h.classes {
		size := uintptr(MinClassSize) << uint(i)
		pages := (size*minObjectsPerSlab + mm.PageSize - 1) >> mm.PageShift
		order := mm.OrderForPages(pages)
		h.classes[i] = sizeClass{
			size:     size,
			order:    order,
			capacity: int((mm.PageSize << order) / size),
		}
	}

	return h
}

// classIndex returns the size class serving an object of the given size and
// alignment or -1 if the request must be served by the frame allocator.
func classIndex(size, align uintptr) int {
	if align > size {
		size = align
	}
	if size > MaxClassSize {
		return -1
	}

	index := 0
	for (uintptr(MinClassSize) << uint(index)) < size {
		index++
	}
	return index
}

func validate(size, align uintptr) *kernel.Error {
	if size == 0 {
		return errZeroSize
	}
	if align == 0 || align&(align-1) != 0 {
		return errBadAlignment
	}
	return nil
}

func largeOrder(size, align uintptr) uint8 {
	if align > size {
		size = align
	}
	return mm.OrderForPages(mm.PageRoundUp(size) >> mm.PageShift)
}

// Alloc returns a zeroed object of at least size bytes whose address is a
// multiple of align.
func (h *Heap) Alloc(size, align uintptr) (Handle, *kernel.Error) {
	if err := validate(size, align); err != nil {
		return Null, err
	}

	index := classIndex(size, align)

	h.lock.Acquire()
	defer h.lock.Release()

	if index < 0 {
		return h.allocLarge(largeOrder(size, align))
	}

	class := &h.classes[index]
	s := class.partial.head
	if s == nil {
		var err *kernel.Error
		if s, err = h.grow(class); err != nil {
			return Null, err
		}
	}

	obj := uintptr(s.freeHead - 1)
	s.freeHead = h.mem.ReadUint64(obj)
	s.inUse++
	if s.freeHead == linkNil {
		class.partial.remove(s)
		class.full.push(s)
	}
	h.objects++

	win, _ := h.mem.Slice(obj, class.size)
	kernel.Memset(win, 0)
	return Handle(mm.PhysToVirt(obj)), nil
}

// grow puts a slab with free objects on the partial list of class, reusing the
// cached empty slab if there is one.
func (h *Heap) grow(class *sizeClass) (*slab, *kernel.Error) {
	if s := class.empty; s != nil {
		class.empty = nil
		class.partial.push(s)
		return s, nil
	}

	frame, err := h.frames.Alloc(class.order)
	if err != nil {
		return nil, err
	}

	s := &slab{class: class, frame: frame}
	base := frame.Address()

	// Thread the free list through the objects in ascending address order.
	for i := class.capacity - 1; i >= 0; i-- {
		obj := base + uintptr(i)*class.size
		h.mem.WriteUint64(obj, s.freeHead)
		s.freeHead = uint64(obj) + 1
	}

	h.slabs[frame] = s
	h.held += 1 << class.order
	class.partial.push(s)
	return s, nil
}

func (h *Heap) allocLarge(order uint8) (Handle, *kernel.Error) {
	frame, err := h.frames.Alloc(order)
	if err != nil {
		return Null, err
	}

	h.mem.ZeroFrames(frame, 1<<order)
	h.large[frame] = order
	h.held += 1 << order
	return Handle(mm.PhysToVirt(frame.Address())), nil
}

// Free releases an object. The size and alignment must select the same size
// class as the Alloc call that returned the object.
func (h *Heap) Free(obj Handle, size, align uintptr) *kernel.Error {
	if err := validate(size, align); err != nil {
		return err
	}

	phys := mm.VirtToPhys(uintptr(obj))
	index := classIndex(size, align)

	h.lock.Acquire()
	defer h.lock.Release()

	if index < 0 {
		return h.freeLarge(phys, largeOrder(size, align))
	}

	class := &h.classes[index]
	s := h.slabFor(phys)
	if s == nil {
		if _, isLarge := h.large[mm.FrameFromAddress(phys)]; isLarge {
			return errClassMismatch
		}
		return errUnknownObject
	}
	if s.class != class {
		return errClassMismatch
	}
	if (phys-s.frame.Address())%class.size != 0 {
		return errUnknownObject
	}

	wasFull := s.freeHead == linkNil
	h.mem.WriteUint64(phys, s.freeHead)
	s.freeHead = uint64(phys) + 1
	s.inUse--
	h.objects--

	if wasFull {
		class.full.remove(s)
		class.partial.push(s)
	}

	if s.inUse == 0 {
		class.partial.remove(s)
		if class.empty == nil {
			class.empty = s
			return nil
		}
		return h.releaseSlab(s)
	}

	return nil
}

// slabFor returns the slab containing the object at phys. Slabs are buddy
// blocks and therefore aligned to their own size.
func (h *Heap) slabFor(phys uintptr) *slab {
	frame := mm.FrameFromAddress(phys)
	for i := range h.classes {
		mask := mm.Frame(1)<<h.classes[i].order - 1
		if s, ok := h.slabs[frame&^mask]; ok && s.class == &h.classes[i] {
			return s
		}
	}
	return nil
}

func (h *Heap) releaseSlab(s *slab) *kernel.Error {
	delete(h.slabs, s.frame)
	h.held -= 1 << s.class.order
	return h.frames.Free(s.frame, s.class.order)
}

func (h *Heap) freeLarge(phys uintptr, order uint8) *kernel.Error {
	frame := mm.FrameFromAddress(phys)
	allocated, ok := h.large[frame]
	switch {
	case !ok && h.slabFor(phys) != nil:
		return errClassMismatch
	case !ok || !mm.PageAligned(phys):
		return errUnknownObject
	case allocated != order:
		return errClassMismatch
	}

	delete(h.large, frame)
	h.held -= 1 << order
	return h.frames.Free(frame, order)
}

// Realloc resizes an object. If both sizes map to the same size class the
// object is returned unchanged; otherwise its contents are moved to a new
// object and the old one is released.
func (h *Heap) Realloc(obj Handle, oldSize, newSize, align uintptr) (Handle, *kernel.Error) {
	if err := validate(newSize, align); err != nil {
		return Null, err
	}

	oldIndex, newIndex := classIndex(oldSize, align), classIndex(newSize, align)
	if oldIndex >= 0 && oldIndex == newIndex {
		return obj, nil
	}
	if oldIndex < 0 && newIndex < 0 && largeOrder(oldSize, align) == largeOrder(newSize, align) {
		return obj, nil
	}

	moved, err := h.Alloc(newSize, align)
	if err != nil {
		return Null, err
	}

	n := oldSize
	if newSize < n {
		n = newSize
	}
	kernel.Memcopy(h.Bytes(obj, n), h.Bytes(moved, n))

	if err = h.Free(obj, oldSize, align); err != nil {
		// moved was allocated above with the same size and alignment
		if ferr := h.Free(moved, newSize, align); ferr != nil {
			panicFn(ferr)
		}
		return Null, err
	}
	return moved, nil
}

// Bytes returns the first size bytes of an object. Writes to the returned
// slice update the object.
func (h *Heap) Bytes(obj Handle, size uintptr) []byte {
	win, err := h.mem.Slice(mm.VirtToPhys(uintptr(obj)), size)
	if err != nil {
		panicFn(err)
	}
	return win
}

// Stats returns a snapshot of the heap counters.
func (h *Heap) Stats() Stats {
	h.lock.Acquire()
	defer h.lock.Release()

	return Stats{
		Objects:     h.objects,
		Slabs:       uint64(len(h.slabs)),
		LargeBlocks: uint64(len(h.large)),
		Frames:      h.held,
	}
}
