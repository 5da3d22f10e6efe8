package vmm

import (
	"encoding/binary"

	"wasmos/kernel/cpu"
	"wasmos/kernel/mm"
)

// Access translates virtAddr in as to a physical address the way the MMU of
// core c would: the TLB of c is consulted first if as is the active address
// space on c, then the page tables are walked. A missing or insufficient
// translation raises a page fault which is resolved by HandlePageFault; if
// that fails the error is returned. A nil c performs an uncached translation.
func (m *Manager) Access(c *cpu.CPU, as *AddressSpace, virtAddr uintptr, kind AccessKind) (uintptr, error) {
	cached := c != nil && c.ActivePDT() == as.Root()

	if cached {
		if entry, ok := c.TLB().Lookup(as.asid, virtAddr); ok && pteAllows(pageTableEntry(entry), kind) {
			return pageTableEntry(entry).Frame().Address() + PageOffset(virtAddr), nil
		}
	}

	for attempt := 0; ; attempt++ {
		as.lock.Acquire()
		pte, err := as.pdt.Lookup(virtAddr)
		as.lock.Release()

		if err == nil && pteAllows(pte, kind) {
			if cached {
				c.TLB().Insert(as.asid, virtAddr, uintptr(pte))
			}
			return pte.Frame().Address() + PageOffset(virtAddr), nil
		}

		if attempt > 0 {
			return 0, errInvalidAccess
		}
		if err := m.HandlePageFault(c, as, virtAddr, kind); err != nil {
			return 0, err
		}
	}
}

// Read copies len(buf) bytes starting at virtAddr into buf.
func (m *Manager) Read(c *cpu.CPU, as *AddressSpace, virtAddr uintptr, buf []byte, kind AccessKind) error {
	return m.copyPages(c, as, virtAddr, len(buf), kind|AccessRead, func(phys uintptr, off, n int) {
		win, _ := m.mem.Slice(phys, uintptr(n))
		copy(buf[off:off+n], win)
	})
}

// Write copies data to virtAddr.
func (m *Manager) Write(c *cpu.CPU, as *AddressSpace, virtAddr uintptr, data []byte, kind AccessKind) error {
	return m.copyPages(c, as, virtAddr, len(data), kind|AccessWrite, func(phys uintptr, off, n int) {
		win, _ := m.mem.Slice(phys, uintptr(n))
		copy(win, data[off:off+n])
	})
}

// copyPages splits [virtAddr, virtAddr+length) at page boundaries and invokes
// fn with the physical address of each chunk.
func (m *Manager) copyPages(c *cpu.CPU, as *AddressSpace, virtAddr uintptr, length int, kind AccessKind, fn func(phys uintptr, off, n int)) error {
	for off := 0; off < length; {
		n := int(mm.PageSize - PageOffset(virtAddr+uintptr(off)))
		if n > length-off {
			n = length - off
		}

		phys, err := m.Access(c, as, virtAddr+uintptr(off), kind)
		if err != nil {
			return err
		}
		fn(phys, off, n)
		off += n
	}
	return nil
}

// ReadUint64 loads the little-endian word at virtAddr.
func (m *Manager) ReadUint64(c *cpu.CPU, as *AddressSpace, virtAddr uintptr) (uint64, error) {
	var buf [8]byte
	if err := m.Read(c, as, virtAddr, buf[:], 0); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 stores a little-endian word at virtAddr.
func (m *Manager) WriteUint64(c *cpu.CPU, as *AddressSpace, virtAddr uintptr, value uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return m.Write(c, as, virtAddr, buf[:], 0)
}
