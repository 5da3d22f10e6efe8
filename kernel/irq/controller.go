// Package irq provides the interrupt controller and the periodic timer of the
// hosted machine.
package irq

import (
	"sync/atomic"

	"wasmos/kernel/cpu"
	"wasmos/kernel/sync"
)

// Line identifies an interrupt request line.
type Line uint8

const (
	// TimerLine is the line raised by the periodic timer (IRQ0).
	TimerLine = Line(0)

	// NumLines is the number of lines routed by the controller.
	NumLines = 16
)

// Handler services an interrupt line on the core that received it.
type Handler func(c *cpu.CPU, line Line)

// Controller routes interrupt lines to the registered cores. Every core
// receives its own copy of a raised line and must acknowledge it before the
// controller forwards the next edge on that line to the same core.
type Controller struct {
	lock sync.Spinlock
	cpus []*cpu.CPU

	// inService[core] is a bitmap of lines delivered but not yet
	// acknowledged on that core.
	inService []uint32

	raised    [NumLines]uint64
	coalesced [NumLines]uint64
	acks      [NumLines]uint64
}

// NewController returns a controller routing lines to cpus.
func NewController(cpus ...*cpu.CPU) *Controller {
	return &Controller{
		cpus:      cpus,
		inService: make([]uint32, len(cpus)),
	}
}

// CPUs returns the cores attached to the controller.
func (c *Controller) CPUs() []*cpu.CPU {
	return c.cpus
}

// HandleInterrupt installs handler for line on every attached core.
func (c *Controller) HandleInterrupt(line Line, handler Handler) {
	for _, core := range c.cpus {
		core.SetInterruptHandler(uint8(line), func(core *cpu.CPU, raw uint8) {
			handler(core, Line(raw))
		})
	}
}

// Raise asserts line on every attached core. An edge arriving at a core that
// has not yet acknowledged the previous one is coalesced.
func (c *Controller) Raise(line Line) {
	atomic.AddUint64(&c.raised[line%NumLines], 1)
	for i := range c.cpus {
		c.RaiseOn(i, line)
	}
}

// RaiseOn asserts line on a single core.
func (c *Controller) RaiseOn(core int, line Line) {
	mask := uint32(1) << (line % NumLines)

	c.lock.Acquire()
	if c.inService[core]&mask != 0 {
		c.lock.Release()
		atomic.AddUint64(&c.coalesced[line%NumLines], 1)
		return
	}
	c.inService[core] |= mask
	c.lock.Release()

	c.cpus[core].RaiseIRQ(uint8(line))
}

// Acknowledge signals the end of interrupt servicing for line on core.
func (c *Controller) Acknowledge(core *cpu.CPU, line Line) {
	mask := uint32(1) << (line % NumLines)

	c.lock.Acquire()
	c.inService[core.ID()] &^= mask
	c.lock.Release()

	atomic.AddUint64(&c.acks[line%NumLines], 1)
}

// Acks returns the number of acknowledged interrupts on line.
func (c *Controller) Acks(line Line) uint64 {
	return atomic.LoadUint64(&c.acks[line%NumLines])
}

// Coalesced returns the number of edges on line that were merged into an
// interrupt that was still in service.
func (c *Controller) Coalesced(line Line) uint64 {
	return atomic.LoadUint64(&c.coalesced[line%NumLines])
}
