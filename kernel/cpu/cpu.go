// Package cpu models a logical core of the hosted machine: the interrupt flag,
// pending interrupt lines, the CR2 and CR3 registers and the TLB.
//
// Exactly one kernel thread executes on a core at any time. Interrupts are
// delivered at instruction boundaries, which for kernel threads are the calls
// into the kernel thread API (see CheckInterrupts).
package cpu

import (
	"context"
	"math/bits"
	"sync/atomic"
)

// MaxIRQ is the number of interrupt lines a core can latch.
const MaxIRQ = 32

// InterruptHandler services an interrupt line. Handlers run on the interrupted
// thread with interrupts disabled.
type InterruptHandler func(c *CPU, line uint8)

// CPU is a logical core.
type CPU struct {
	id int

	// interrupt flag; 1 when interrupts are enabled.
	ifFlag uint32

	// bitmap of latched interrupt lines.
	pending uint32

	// wake is signalled whenever a halted core should re-check its state.
	wake chan struct{}

	handlers [MaxIRQ]InterruptHandler

	cr2  uintptr
	cr3  uintptr
	asid uint32
	tlb  *TLB

	cr3Loads uint64
	halts    uint64
	spurious uint64
}

// New returns a core with interrupts disabled and an empty TLB holding up to
// tlbEntries translations.
func New(id, tlbEntries int) *CPU {
	return &CPU{
		id:   id,
		wake: make(chan struct{}, 1),
		tlb:  NewTLB(tlbEntries),
	}
}

// ID returns the core number.
func (c *CPU) ID() int { return c.id }

// EnableInterrupts enables interrupt handling.
func (c *CPU) EnableInterrupts() {
	atomic.StoreUint32(&c.ifFlag, 1)
}

// DisableInterrupts disables interrupt handling.
func (c *CPU) DisableInterrupts() {
	atomic.StoreUint32(&c.ifFlag, 0)
}

// InterruptsEnabled returns the state of the interrupt flag.
func (c *CPU) InterruptsEnabled() bool {
	return atomic.LoadUint32(&c.ifFlag) == 1
}

// SaveAndDisableInterrupts clears the interrupt flag and returns its previous
// state.
func (c *CPU) SaveAndDisableInterrupts() bool {
	return atomic.SwapUint32(&c.ifFlag, 0) == 1
}

// RestoreInterrupts re-enables interrupts if enabled is set. Any interrupt
// latched while they were disabled is delivered immediately.
func (c *CPU) RestoreInterrupts(enabled bool) {
	if !enabled {
		return
	}
	c.EnableInterrupts()
	c.CheckInterrupts()
}

// SetInterruptHandler installs handler for the given line. Passing a nil
// handler masks the line.
func (c *CPU) SetInterruptHandler(line uint8, handler InterruptHandler) {
	c.handlers[line%MaxIRQ] = handler
}

// RaiseIRQ latches line and wakes the core if it is halted. It may be called
// from any goroutine.
func (c *CPU) RaiseIRQ(line uint8) {
	mask := uint32(1) << (line % MaxIRQ)
	for {
		old := atomic.LoadUint32(&c.pending)
		if atomic.CompareAndSwapUint32(&c.pending, old, old|mask) {
			break
		}
	}
	c.Kick()
}

// ClearIRQ drops a latched line without delivering it. It returns true if
// the line was pending.
func (c *CPU) ClearIRQ(line uint8) bool {
	mask := uint32(1) << (line % MaxIRQ)
	for {
		old := atomic.LoadUint32(&c.pending)
		if old&mask == 0 {
			return false
		}
		if atomic.CompareAndSwapUint32(&c.pending, old, old&^mask) {
			return true
		}
	}
}

// PendingIRQs returns the bitmap of latched interrupt lines.
func (c *CPU) PendingIRQs() uint32 {
	return atomic.LoadUint32(&c.pending)
}

// Kick wakes the core if it is halted. It may be called from any goroutine.
func (c *CPU) Kick() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// CheckInterrupts delivers every latched interrupt if the interrupt flag is
// set. Handlers are invoked in line order with interrupts disabled; the flag
// is set again once each handler returns.
func (c *CPU) CheckInterrupts() {
	for c.InterruptsEnabled() {
		pending := atomic.LoadUint32(&c.pending)
		if pending == 0 {
			return
		}

		line := uint8(bits.TrailingZeros32(pending))
		if !atomic.CompareAndSwapUint32(&c.pending, pending, pending&^(1<<line)) {
			continue
		}

		handler := c.handlers[line]
		if handler == nil {
			atomic.AddUint64(&c.spurious, 1)
			continue
		}

		c.DisableInterrupts()
		handler(c, line)
		c.EnableInterrupts()
	}
}

// Halt stops instruction execution until the core is kicked, an interrupt is
// latched or ctx is cancelled. Latched interrupts are not delivered by Halt.
func (c *CPU) Halt(ctx context.Context) error {
	atomic.AddUint64(&c.halts, 1)
	if atomic.LoadUint32(&c.pending) != 0 {
		return nil
	}

	select {
	case <-c.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FlushTLBEntry flushes the TLB entry of the page containing virtAddr in the
// address space tagged asid.
func (c *CPU) FlushTLBEntry(asid ASID, virtAddr uintptr) {
	c.tlb.FlushEntry(asid, virtAddr)
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func (c *CPU) SwitchPDT(pdtPhysAddr uintptr) {
	c.loadCR3(pdtPhysAddr, NoASID)
	c.tlb.Flush()
}

// SwitchAddressSpace loads pdtPhysAddr tagged with asid. Entries cached for
// other ASIDs are kept; untagged entries are flushed when asid is NoASID.
func (c *CPU) SwitchAddressSpace(pdtPhysAddr uintptr, asid ASID) {
	c.loadCR3(pdtPhysAddr, asid)
	if asid == NoASID {
		c.tlb.FlushASID(NoASID)
	}
}

func (c *CPU) loadCR3(pdtPhysAddr uintptr, asid ASID) {
	atomic.StoreUint32(&c.asid, uint32(asid))
	atomic.StoreUintptr(&c.cr3, pdtPhysAddr)
	atomic.AddUint64(&c.cr3Loads, 1)
}

// ActivePDT returns the physical address of the currently active page table.
func (c *CPU) ActivePDT() uintptr {
	return atomic.LoadUintptr(&c.cr3)
}

// ActiveASID returns the ASID of the currently active page table.
func (c *CPU) ActiveASID() ASID {
	return ASID(atomic.LoadUint32(&c.asid))
}

// ReadCR2 returns the address that caused the last page fault.
func (c *CPU) ReadCR2() uintptr {
	return atomic.LoadUintptr(&c.cr2)
}

// WriteCR2 records the address of a faulting access.
func (c *CPU) WriteCR2(virtAddr uintptr) {
	atomic.StoreUintptr(&c.cr2, virtAddr)
}

// TLB returns the translation cache of this core.
func (c *CPU) TLB() *TLB { return c.tlb }

// Stats is a snapshot of the core counters.
type Stats struct {
	CR3Loads          uint64
	Halts             uint64
	SpuriousIRQs      uint64
	TLBHits, TLBMiss  uint64
	InterruptsEnabled bool
}

// Stats returns a snapshot of the core counters.
func (c *CPU) Stats() Stats {
	hits, misses := c.tlb.Stats()
	return Stats{
		CR3Loads:          atomic.LoadUint64(&c.cr3Loads),
		Halts:             atomic.LoadUint64(&c.halts),
		SpuriousIRQs:      atomic.LoadUint64(&c.spurious),
		TLBHits:           hits,
		TLBMiss:           misses,
		InterruptsEnabled: c.InterruptsEnabled(),
	}
}
