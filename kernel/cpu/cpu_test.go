package cpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptFlag(t *testing.T) {
	c := New(0, 0)
	require.False(t, c.InterruptsEnabled())

	c.EnableInterrupts()
	require.True(t, c.SaveAndDisableInterrupts())
	require.False(t, c.InterruptsEnabled())
	require.False(t, c.SaveAndDisableInterrupts())

	c.RestoreInterrupts(false)
	require.False(t, c.InterruptsEnabled())
	c.RestoreInterrupts(true)
	require.True(t, c.InterruptsEnabled())

	c.DisableInterrupts()
	require.False(t, c.Stats().InterruptsEnabled)
}

func TestCheckInterrupts(t *testing.T) {
	c := New(1, 8)
	require.Equal(t, 1, c.ID())

	var (
		delivered []uint8
		ifInside  []bool
	)
	handler := func(cpu *CPU, line uint8) {
		delivered = append(delivered, line)
		ifInside = append(ifInside, cpu.InterruptsEnabled())
	}
	c.SetInterruptHandler(0, handler)
	c.SetInterruptHandler(3, handler)

	c.RaiseIRQ(3)
	c.RaiseIRQ(0)
	c.RaiseIRQ(7) // no handler installed

	// Interrupts stay latched while masked.
	c.CheckInterrupts()
	require.Empty(t, delivered)
	require.Equal(t, uint32(1|1<<3|1<<7), c.PendingIRQs())

	c.RestoreInterrupts(true)
	assert.Equal(t, []uint8{0, 3}, delivered)
	assert.Equal(t, []bool{false, false}, ifInside)
	assert.Zero(t, c.PendingIRQs())
	assert.Equal(t, uint64(1), c.Stats().SpuriousIRQs)
	assert.True(t, c.InterruptsEnabled())
}

func TestHalt(t *testing.T) {
	c := New(0, 0)

	t.Run("pending interrupt", func(t *testing.T) {
		c.RaiseIRQ(0)
		// drain the wake signal so Halt must rely on the pending bitmap
		<-c.wake
		require.NoError(t, c.Halt(context.Background()))
		c.EnableInterrupts()
		c.CheckInterrupts()
		c.DisableInterrupts()
	})

	t.Run("kick", func(t *testing.T) {
		go func() {
			time.Sleep(5 * time.Millisecond)
			c.Kick()
		}()
		require.NoError(t, c.Halt(context.Background()))
	})

	t.Run("cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		require.Equal(t, context.Canceled, c.Halt(ctx))
	})

	require.Equal(t, uint64(3), c.Stats().Halts)
}

func TestSwitchPDTFlushesTLB(t *testing.T) {
	c := New(0, 4)
	c.TLB().Insert(NoASID, 0x1000, 0x2003)
	c.TLB().Insert(NoASID, 0x2000, 0x3003)

	entry, ok := c.TLB().Lookup(NoASID, 0x1fff)
	require.True(t, ok)
	require.Equal(t, uintptr(0x2003), entry)

	c.FlushTLBEntry(NoASID, 0x1000)
	_, ok = c.TLB().Lookup(NoASID, 0x1000)
	require.False(t, ok)
	require.Equal(t, 1, c.TLB().Len())

	c.SwitchPDT(0x5000)
	require.Equal(t, uintptr(0x5000), c.ActivePDT())
	require.Equal(t, NoASID, c.ActiveASID())
	require.Zero(t, c.TLB().Len())

	stats := c.Stats()
	require.Equal(t, uint64(1), stats.CR3Loads)
	require.Equal(t, uint64(1), stats.TLBHits)
	require.Equal(t, uint64(1), stats.TLBMiss)

	c.WriteCR2(0xdead)
	require.Equal(t, uintptr(0xdead), c.ReadCR2())
}

func TestTaggedEntriesSurviveSwitch(t *testing.T) {
	c := New(0, 16)

	c.SwitchAddressSpace(0x5000, 1)
	c.TLB().Insert(1, 0x1000, 0x2003)
	c.TLB().Insert(NoASID, 0x1000, 0x7003)

	c.SwitchAddressSpace(0x6000, 2)
	require.Equal(t, ASID(2), c.ActiveASID())
	_, ok := c.TLB().Lookup(2, 0x1000)
	require.False(t, ok, "entries of another ASID must not be visible")

	c.SwitchAddressSpace(0x5000, 1)
	entry, ok := c.TLB().Lookup(1, 0x1000)
	require.True(t, ok, "tagged entry must survive the round trip")
	require.Equal(t, uintptr(0x2003), entry)

	// loading an untagged address space drops the untagged entries only
	c.SwitchAddressSpace(0x8000, NoASID)
	_, ok = c.TLB().Lookup(NoASID, 0x1000)
	require.False(t, ok)
	require.Equal(t, 1, c.TLB().Len())

	c.TLB().FlushASID(1)
	require.Zero(t, c.TLB().Len())
	require.Equal(t, uint64(4), c.Stats().CR3Loads)
}

func TestClearIRQ(t *testing.T) {
	c := New(0, 4)
	var delivered int
	c.SetInterruptHandler(3, func(*CPU, uint8) { delivered++ })

	c.RaiseIRQ(3)
	require.True(t, c.ClearIRQ(3))
	require.False(t, c.ClearIRQ(3))

	c.EnableInterrupts()
	c.CheckInterrupts()
	require.Zero(t, delivered)
}

func TestTLBEviction(t *testing.T) {
	tlb := NewTLB(2)
	for page := uintptr(0); page < 8; page++ {
		tlb.Insert(NoASID, page<<12, page)
	}
	require.LessOrEqual(t, tlb.Len(), 2)
}
