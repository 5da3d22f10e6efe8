package heap

import (
	"math/rand"
	"sort"
	"testing"

	"wasmos/kernel"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/mm/pmm"

	"github.com/stretchr/testify/require"
)

func newTestHeap(t *testing.T, frames uintptr) (*Heap, *pmm.BuddyAllocator) {
	t.Helper()

	mem, err := physmem.New(mm.Size(frames << mm.PageShift))
	require.Nil(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	var alloc pmm.BuddyAllocator
	require.Nil(t, alloc.Init(mem, []pmm.MemoryRegion{
		{PhysAddress: 0, Length: uint64(frames << mm.PageShift), Type: pmm.RegionAvailable},
	}))

	return New(mem, &alloc), &alloc
}

func TestClassIndex(t *testing.T) {
	specs := []struct {
		size, align uintptr
		exp         int
	}{
		{1, 1, 0},
		{16, 8, 0},
		{17, 8, 1},
		{24, 64, 2},
		{1000, 8, 6},
		{2048, 16, 7},
		{2049, 8, -1},
		{8, 4096, -1},
	}

	for specIndex, spec := range specs {
		require.Equal(t, spec.exp, classIndex(spec.size, spec.align), "spec %d", specIndex)
	}
}

func TestSlabGeometry(t *testing.T) {
	h, _ := newTestHeap(t, 64)
	for i := range h.classes {
		class := &h.classes[i]
		require.GreaterOrEqual(t, class.capacity, minObjectsPerSlab, "class %d", class.size)
	}
	require.Equal(t, uint8(0), h.classes[0].order)
	require.Equal(t, uint8(2), h.classes[numClasses-1].order)
}

func TestAllocationsDoNotOverlap(t *testing.T) {
	h, _ := newTestHeap(t, 4096)
	rng := rand.New(rand.NewSource(7))

	type object struct {
		handle Handle
		size   uintptr
		fill   byte
	}
	var live []object

	for i := 0; i < 3000; i++ {
		if len(live) > 0 && rng.Intn(4) == 0 {
			idx := rng.Intn(len(live))
			obj := live[idx]
			for j, b := range h.Bytes(obj.handle, obj.size) {
				require.Equal(t, obj.fill, b, "object %x byte %d clobbered", obj.handle, j)
			}
			require.Nil(t, h.Free(obj.handle, obj.size, 8))
			live = append(live[:idx], live[idx+1:]...)
			continue
		}

		size := uintptr(1 + rng.Intn(3000))
		handle, err := h.Alloc(size, 8)
		require.Nil(t, err)
		require.Zero(t, uintptr(handle)%8)

		fill := byte(rng.Intn(255) + 1)
		kernel.Memset(h.Bytes(handle, size), fill)
		live = append(live, object{handle, size, fill})
	}

	sorted := append([]object(nil), live...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].handle < sorted[j].handle })
	for i := 1; i < len(sorted); i++ {
		prevEnd := uintptr(sorted[i-1].handle) + sorted[i-1].size
		require.LessOrEqual(t, prevEnd, uintptr(sorted[i].handle), "objects %x and %x overlap", sorted[i-1].handle, sorted[i].handle)
	}
	require.Equal(t, uint64(len(live)), h.Stats().Objects+h.Stats().LargeBlocks)
}

func TestAlignment(t *testing.T) {
	h, _ := newTestHeap(t, 64)
	for _, align := range []uintptr{1, 8, 64, 256, 2048} {
		handle, err := h.Alloc(24, align)
		require.Nil(t, err)
		require.Zero(t, uintptr(handle)%align, "alignment %d", align)
	}

	handle, err := h.Alloc(100, 8192)
	require.Nil(t, err)
	require.Zero(t, mm.VirtToPhys(uintptr(handle))%8192)
}

func TestLargeAllocations(t *testing.T) {
	h, frames := newTestHeap(t, 64)
	before := frames.FreeFrames()

	handle, err := h.Alloc(3*mm.PageSize, 8)
	require.Nil(t, err)
	require.True(t, mm.PageAligned(uintptr(handle)))
	require.Equal(t, before-4, frames.FreeFrames())
	require.Equal(t, uint64(1), h.Stats().LargeBlocks)

	for _, b := range h.Bytes(handle, 3*mm.PageSize) {
		require.Zero(t, b)
	}

	// freeing with a size that maps to a different order is rejected
	require.Equal(t, errClassMismatch, h.Free(handle, 5*mm.PageSize, 8))
	require.Equal(t, errClassMismatch, h.Free(handle, 64, 8))
	require.Nil(t, h.Free(handle, 3*mm.PageSize, 8))
	require.Equal(t, errUnknownObject, h.Free(handle, 3*mm.PageSize, 8))
	require.Equal(t, before, frames.FreeFrames())
}

func TestFreeErrors(t *testing.T) {
	h, _ := newTestHeap(t, 64)

	_, err := h.Alloc(0, 8)
	require.Equal(t, errZeroSize, err)
	_, err = h.Alloc(8, 3)
	require.Equal(t, errBadAlignment, err)

	handle, err := h.Alloc(100, 8)
	require.Nil(t, err)

	require.Equal(t, errClassMismatch, h.Free(handle, 20, 8))
	require.Equal(t, errClassMismatch, h.Free(handle, 4096, 8))
	require.Equal(t, errUnknownObject, h.Free(handle+8, 100, 8))
	require.Equal(t, errUnknownObject, h.Free(Handle(mm.PhysToVirt(60<<mm.PageShift)), 100, 8))
	require.Nil(t, h.Free(handle, 100, 8))
}

func TestRealloc(t *testing.T) {
	h, _ := newTestHeap(t, 64)

	handle, err := h.Alloc(20, 8)
	require.Nil(t, err)
	copy(h.Bytes(handle, 20), "wasm threads resumed")

	// same size class
	same, err := h.Realloc(handle, 20, 30, 8)
	require.Nil(t, err)
	require.Equal(t, handle, same)

	grown, err := h.Realloc(handle, 20, 500, 8)
	require.Nil(t, err)
	require.NotEqual(t, handle, grown)
	require.Equal(t, "wasm threads resumed", string(h.Bytes(grown, 20)))

	huge, err := h.Realloc(grown, 500, 3*mm.PageSize, 8)
	require.Nil(t, err)
	require.Equal(t, "wasm threads resumed", string(h.Bytes(huge, 20)))

	sameLarge, err := h.Realloc(huge, 3*mm.PageSize, 4*mm.PageSize, 8)
	require.Nil(t, err)
	require.Equal(t, huge, sameLarge)

	shrunk, err := h.Realloc(huge, 4*mm.PageSize, 4, 8)
	require.Nil(t, err)
	require.Equal(t, "wasm", string(h.Bytes(shrunk, 4)))

	stats := h.Stats()
	require.Equal(t, uint64(1), stats.Objects)
	require.Zero(t, stats.LargeBlocks)
}

func TestEmptySlabCaching(t *testing.T) {
	h, frames := newTestHeap(t, 64)
	total := frames.FreeFrames()

	capacity := h.classes[0].capacity
	handles := make([]Handle, 0, capacity+1)
	for i := 0; i <= capacity; i++ {
		handle, err := h.Alloc(16, 8)
		require.Nil(t, err)
		handles = append(handles, handle)
	}
	require.Equal(t, uint64(2), h.Stats().Slabs)
	require.Equal(t, total-2, frames.FreeFrames())

	for _, handle := range handles {
		require.Nil(t, h.Free(handle, 16, 8))
	}

	// one empty slab stays cached, the other one is returned
	stats := h.Stats()
	require.Equal(t, uint64(1), stats.Slabs)
	require.Equal(t, uint64(1), stats.Frames)
	require.Zero(t, stats.Objects)
	require.Equal(t, total-1, frames.FreeFrames())

	// the cached slab is reused without touching the frame allocator
	_, err := h.Alloc(10, 8)
	require.Nil(t, err)
	require.Equal(t, total-1, frames.FreeFrames())
}

func TestOutOfMemory(t *testing.T) {
	h, _ := newTestHeap(t, 4)

	var err *kernel.Error
	for i := 0; i < 1000 && err == nil; i++ {
		_, err = h.Alloc(MaxClassSize, 8)
	}
	require.NotNil(t, err)
	require.True(t, kernel.IsKind(err, kernel.KindOutOfMemory))
}

func TestReallocWithWrongOldSize(t *testing.T) {
	h, _ := newTestHeap(t, 64)

	var reported []interface{}
	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	panicFn = func(e interface{}) { reported = append(reported, e) }

	handle, err := h.Alloc(20, 8)
	require.Nil(t, err)

	// a large old size does not match the slab object
	moved, err := h.Realloc(handle, 4096, 500, 8)
	require.Equal(t, errClassMismatch, err)
	require.Equal(t, Null, moved)
	require.Empty(t, reported)

	stats := h.Stats()
	require.Equal(t, uint64(1), stats.Objects)
	require.Zero(t, stats.LargeBlocks)
	require.Nil(t, h.Free(handle, 20, 8))
}
