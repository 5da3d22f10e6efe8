package mm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameAndPageAddresses(t *testing.T) {
	for index := uintptr(0); index < 64; index++ {
		frame, page := Frame(index), Page(index)

		assert.True(t, frame.Valid(), "frame %d", index)
		assert.Equal(t, index*PageSize, frame.Address(), "frame %d", index)
		assert.Equal(t, index*PageSize, page.Address(), "page %d", index)
		assert.Equal(t, frame, FrameFromAddress(frame.Address()+PageSize-1))
		assert.Equal(t, page, PageFromAddress(page.Address()+17))
	}

	assert.False(t, InvalidFrame.Valid())
}

func TestAddressRoundsDownToContainingPage(t *testing.T) {
	specs := []struct {
		addr uintptr
		exp  uintptr
	}{
		{0, 0},
		{PageSize - 1, 0},
		{PageSize, 1},
		{5*PageSize + 3, 5},
		{DirectMapBase + 2*PageSize, (DirectMapBase >> PageShift) + 2},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, Frame(spec.exp), FrameFromAddress(spec.addr), "spec %d", specIndex)
		assert.Equal(t, Page(spec.exp), PageFromAddress(spec.addr), "spec %d", specIndex)
	}
}

func TestPageHelpers(t *testing.T) {
	specs := []struct {
		size     uintptr
		expRound uintptr
		expOrder uint8
	}{
		{1, PageSize, 0},
		{PageSize, PageSize, 0},
		{PageSize + 1, 2 * PageSize, 1},
		{3 * PageSize, 3 * PageSize, 2},
		{8 * PageSize, 8 * PageSize, 3},
	}

	for specIndex, spec := range specs {
		assert.Equal(t, spec.expRound, PageRoundUp(spec.size), "spec %d", specIndex)
		assert.Equal(t, spec.expOrder, OrderForPages(spec.expRound>>PageShift), "spec %d", specIndex)
	}

	assert.True(t, PageAligned(0x2000))
	assert.False(t, PageAligned(0x2001))
	assert.Equal(t, uintptr(0x1234), VirtToPhys(PhysToVirt(0x1234)))
	assert.Equal(t, uintptr(2), (4*Kb + 1).Pages())
}
