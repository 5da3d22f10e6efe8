package vmm

import (
	"testing"

	"wasmos/kernel/mm"
	"wasmos/kernel/mm/physmem"
	"wasmos/kernel/mm/pmm"

	"github.com/stretchr/testify/require"
)

func newTestFrames(t *testing.T, frames uintptr) (*physmem.Memory, *pmm.BuddyAllocator) {
	t.Helper()

	mem, err := physmem.New(mm.Size(frames << mm.PageShift))
	require.Nil(t, err)
	t.Cleanup(func() { _ = mem.Close() })

	alloc := new(pmm.BuddyAllocator)
	require.Nil(t, alloc.Init(mem, []pmm.MemoryRegion{
		{PhysAddress: 0, Length: uint64(frames << mm.PageShift), Type: pmm.RegionAvailable},
	}))
	return mem, alloc
}

func TestPageTableEntryFlags(t *testing.T) {
	var (
		pte   pageTableEntry
		flag1 = PageTableEntryFlag(1 << 10)
		flag2 = PageTableEntryFlag(1 << 21)
	)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	pte.SetFlags(flag1 | flag2)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if !pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return true")
	}

	pte.ClearFlags(flag1)

	if !pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return true")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}

	pte.ClearFlags(flag1 | flag2)

	if pte.HasAnyFlag(flag1 | flag2) {
		t.Fatalf("expected HasAnyFlags to return false")
	}

	if pte.HasFlags(flag1 | flag2) {
		t.Fatalf("expected HasFlags to return false")
	}
}

func TestPageTableEntryFrameEncoding(t *testing.T) {
	var (
		pte       pageTableEntry
		physFrame = mm.Frame(123)
	)

	pte.SetFrame(physFrame)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected pte.Frame() to return %v; got %v", physFrame, got)
	}

	pte.SetFlags(FlagPresent | FlagNoExecute)
	if got := pte.Frame(); got != physFrame {
		t.Fatalf("expected flags not to alter the encoded frame; got %v", got)
	}
}

func TestPageDirectoryTableMapUnmap(t *testing.T) {
	mem, frames := newTestFrames(t, 256)
	baseline := frames.FreeFrames()

	pdt, err := NewPageDirectoryTable(mem, frames)
	require.Nil(t, err)
	require.Equal(t, uintptr(1), pdt.TableFrames())

	specs := []struct {
		virt  uintptr
		frame mm.Frame
	}{
		{0x400000, 200},
		{0x401000, 201},
		{0x7fff_ffff_f000, 202},
		{0xffff_ff00_0000_3000, 203},
	}

	for specIndex, spec := range specs {
		require.Nil(t, pdt.Map(mm.PageFromAddress(spec.virt), spec.frame, FlagRW), "spec %d", specIndex)

		phys, err := pdt.Translate(spec.virt + 0x123)
		require.Nil(t, err, "spec %d", specIndex)
		require.Equal(t, spec.frame.Address()+0x123, phys, "spec %d", specIndex)

		pte, err := pdt.Lookup(spec.virt)
		require.Nil(t, err)
		require.True(t, pte.HasFlags(FlagPresent|FlagRW))
	}

	// 1 root + 3 tables for the low pages + 3 for the stack page + 3 for the
	// kernel page
	require.Equal(t, uintptr(10), pdt.TableFrames())

	_, err = pdt.Translate(0x402000)
	require.Equal(t, ErrInvalidMapping, err)

	frame, err := pdt.Unmap(mm.PageFromAddress(0x401000))
	require.Nil(t, err)
	require.Equal(t, mm.Frame(201), frame)
	_, err = pdt.Unmap(mm.PageFromAddress(0x401000))
	require.Equal(t, ErrInvalidMapping, err)

	var unmapped []uintptr
	pdt.UnmapRange(0xffff_ff00_0000_0000, 0xffff_ff00_0001_0000, func(page mm.Page, frame mm.Frame) {
		unmapped = append(unmapped, page.Address())
		require.Equal(t, mm.Frame(203), frame)
	})
	require.Equal(t, []uintptr{0xffff_ff00_0000_3000}, unmapped)

	unmapped = unmapped[:0]
	pdt.UnmapRange(0, 0x0000_8000_0000_0000, func(page mm.Page, _ mm.Frame) {
		unmapped = append(unmapped, page.Address())
	})
	require.Equal(t, []uintptr{0x400000, 0x7fff_ffff_f000}, unmapped)

	require.Nil(t, pdt.Destroy())
	require.Equal(t, baseline, frames.FreeFrames())
}
