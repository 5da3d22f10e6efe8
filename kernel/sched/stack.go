package sched

import (
	"wasmos/kernel/cpu"
	"wasmos/kernel/mm/vmm"
)

// stackView accesses a thread stack through the MMU of cpu. A nil cpu
// bypasses the TLB.
type stackView struct {
	mgr *vmm.Manager
	cpu *cpu.CPU
	as  *vmm.AddressSpace
}

func (v stackView) ReadUint64(addr uintptr) (uint64, error) {
	return v.mgr.ReadUint64(v.cpu, v.as, addr)
}

func (v stackView) WriteUint64(addr uintptr, value uint64) error {
	return v.mgr.WriteUint64(v.cpu, v.as, addr, value)
}
