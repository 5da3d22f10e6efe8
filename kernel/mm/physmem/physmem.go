// Package physmem provides the physical RAM of the hosted machine. All other
// memory management layers address it through physical addresses only.
package physmem

import (
	"encoding/binary"

	"wasmos/kernel"
	"wasmos/kernel/mm"
)

var (
	errBadSize     = &kernel.Error{Module: "physmem", Message: "memory size must be a non-zero multiple of the page size", Kind: kernel.KindInvalidArgument}
	errOutOfBounds = &kernel.Error{Module: "physmem", Message: "physical address range outside of installed memory", Kind: kernel.KindInvalidArgument}
)

// Memory is a contiguous block of physical RAM starting at physical address 0.
type Memory struct {
	ram []byte
}

// New reserves size bytes of physical RAM. The contents of a newly reserved
// block are zeroed.
func New(size mm.Size) (*Memory, *kernel.Error) {
	if size == 0 || !mm.PageAligned(uintptr(size)) {
		return nil, errBadSize
	}

	ram, err := reserveFn(int(size))
	if err != nil {
		return nil, &kernel.Error{Module: "physmem", Message: err.Error(), Kind: kernel.KindOutOfMemory}
	}

	return &Memory{ram: ram}, nil
}

// Close releases the backing storage. The Memory must not be used afterwards.
func (m *Memory) Close() error {
	if m.ram == nil {
		return nil
	}
	ram := m.ram
	m.ram = nil
	return releaseFn(ram)
}

// Size returns the amount of installed RAM.
func (m *Memory) Size() mm.Size {
	return mm.Size(len(m.ram))
}

// FrameCount returns the number of page frames backed by this memory.
func (m *Memory) FrameCount() uintptr {
	return uintptr(len(m.ram)) >> mm.PageShift
}

// Contains returns true if [physAddr, physAddr+length) lies inside installed memory.
func (m *Memory) Contains(physAddr, length uintptr) bool {
	end := physAddr + length
	return end >= physAddr && end <= uintptr(len(m.ram))
}

// Slice returns a window of length bytes starting at physAddr. Writes to the
// returned slice update physical memory.
func (m *Memory) Slice(physAddr, length uintptr) ([]byte, *kernel.Error) {
	if !m.Contains(physAddr, length) {
		return nil, errOutOfBounds
	}
	return m.ram[physAddr : physAddr+length : physAddr+length], nil
}

// Frame returns the contents of a single page frame. It panics if the frame
// lies outside installed memory.
func (m *Memory) Frame(frame mm.Frame) []byte {
	addr := frame.Address()
	return m.ram[addr : addr+mm.PageSize : addr+mm.PageSize]
}

// ReadUint64 loads the little-endian 64-bit word at physAddr.
func (m *Memory) ReadUint64(physAddr uintptr) uint64 {
	return binary.LittleEndian.Uint64(m.ram[physAddr : physAddr+8])
}

// WriteUint64 stores a little-endian 64-bit word at physAddr.
func (m *Memory) WriteUint64(physAddr uintptr, value uint64) {
	binary.LittleEndian.PutUint64(m.ram[physAddr:physAddr+8], value)
}

// ZeroFrames clears count frames starting at frame.
func (m *Memory) ZeroFrames(frame mm.Frame, count uintptr) {
	addr := frame.Address()
	scrub(m.ram[addr : addr+count<<mm.PageShift])
}
