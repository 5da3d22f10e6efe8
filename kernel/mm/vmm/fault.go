package vmm

import (
	"sync/atomic"

	"wasmos/kernel"
	"wasmos/kernel/cpu"
	"wasmos/kernel/mm"
	"wasmos/kernel/mm/vma"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
)

// AccessKind describes a memory access.
type AccessKind uint8

const (
	// AccessRead is a data load.
	AccessRead AccessKind = 1 << iota

	// AccessWrite is a data store.
	AccessWrite

	// AccessExec is an instruction fetch.
	AccessExec

	// AccessUser marks an access performed on behalf of application code.
	// It can be combined with any of the other kinds.
	AccessUser
)

// String implements fmt.Stringer.
func (k AccessKind) String() string {
	var s string
	switch {
	case k&AccessWrite != 0:
		s = "write"
	case k&AccessExec != 0:
		s = "exec"
	default:
		s = "read"
	}
	if k&AccessUser != 0 {
		s = "user " + s
	}
	return s
}

// permits returns true if the area attributes allow an access of the given
// kind.
func permits(area *vma.Area, kind AccessKind) bool {
	switch {
	case area.Backing.Kind == vma.Guard:
		return false
	case kind&AccessRead != 0 && area.Flags&vma.FlagRead == 0:
		return false
	case kind&AccessWrite != 0 && area.Flags&vma.FlagWrite == 0:
		return false
	case kind&AccessExec != 0 && area.Flags&vma.FlagExec == 0:
		return false
	case kind&AccessUser != 0 && area.Flags&vma.FlagUser == 0:
		return false
	}
	return true
}

// pteAllows returns true if a present page table entry allows an access of
// the given kind.
func pteAllows(pte pageTableEntry, kind AccessKind) bool {
	switch {
	case !pte.HasFlags(FlagPresent):
		return false
	case kind&AccessWrite != 0 && !pte.HasFlags(FlagRW):
		return false
	case kind&AccessExec != 0 && pte.HasFlags(FlagNoExecute):
		return false
	case kind&AccessUser != 0 && !pte.HasFlags(FlagUserAccessible):
		return false
	}
	return true
}

// HandlePageFault resolves a fault at addr. Faults inside an anonymous area
// that permits the access are satisfied with a zeroed frame; file areas are
// filled from their image. Faults outside any area, inside a guard area or
// violating the area permissions fail with an InvalidAccess error. c, if not
// nil, is the core that took the fault and has its CR2 register updated.
func (m *Manager) HandlePageFault(c *cpu.CPU, as *AddressSpace, addr uintptr, kind AccessKind) error {
	if c != nil {
		c.WriteCR2(addr)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	area := as.areas.Find(addr)
	if area == nil || !permits(area, kind) {
		atomic.AddUint64(&m.invalidFaults, 1)
		m.log.Debug("invalid access", "as", as.id, "addr", hclog.Fmt("0x%x", addr), "access", kind.String(), "area", area != nil)
		return errors.Wrapf(errInvalidAccess, "%s at 0x%x", kind, addr)
	}

	// A concurrent fault on another core may have already backed the page.
	if pte, err := as.pdt.Lookup(addr); err == nil {
		if pteAllows(pte, kind) {
			return nil
		}
		return errors.Wrapf(errInvalidAccess, "%s at 0x%x", kind, addr)
	}

	if err := m.backPage(as, area, addr&^(mm.PageSize-1)); err != nil {
		return errors.Wrapf(err, "backing page at 0x%x", addr)
	}
	atomic.AddUint64(&m.demandFaults, 1)
	return nil
}

// IsInvalidAccess returns true if err reports an invalid memory access.
func IsInvalidAccess(err error) bool {
	return kernel.IsKind(err, kernel.KindInvalidAccess)
}
