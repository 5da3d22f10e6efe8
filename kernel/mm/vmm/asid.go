package vmm

import (
	"wasmos/kernel/cpu"
	"wasmos/kernel/sync"
)

// MaxASIDs is the number of tags supported by the MMU (12-bit PCIDs),
// including the untagged ASID 0.
const MaxASIDs = 4096

// asidAllocator hands out ASIDs to address spaces. The search for a free tag
// resumes after the last one handed out so that a released tag is reused as
// late as possible. When every tag is in use, new address spaces run
// untagged.
type asidAllocator struct {
	lock  sync.Spinlock
	limit int
	next  int
	used  []uint64
}

func newASIDAllocator(limit int) *asidAllocator {
	if limit > MaxASIDs {
		limit = MaxASIDs
	}
	a := &asidAllocator{limit: limit, next: 1, used: make([]uint64, (limit+63)/64)}
	a.used[0] = 1 // NoASID is never handed out
	return a
}

func (a *asidAllocator) alloc() cpu.ASID {
	a.lock.Acquire()
	defer a.lock.Release()

	for i := 0; i < a.limit; i++ {
		tag := (a.next + i) % a.limit
		if a.used[tag/64]&(1<<(tag%64)) != 0 {
			continue
		}
		a.used[tag/64] |= 1 << (tag % 64)
		a.next = tag + 1
		return cpu.ASID(tag)
	}
	return cpu.NoASID
}

func (a *asidAllocator) free(asid cpu.ASID) {
	if asid == cpu.NoASID {
		return
	}

	a.lock.Acquire()
	a.used[asid/64] &^= 1 << (asid % 64)
	a.lock.Release()
}

// inUse returns the number of tags currently handed out.
func (a *asidAllocator) inUse() int {
	a.lock.Acquire()
	defer a.lock.Release()

	var n int
	for tag := 1; tag < a.limit; tag++ {
		if a.used[tag/64]&(1<<(tag%64)) != 0 {
			n++
		}
	}
	return n
}
