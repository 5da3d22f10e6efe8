package cpu

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultTLBEntries is the TLB capacity used when a non-positive size is
// requested.
const DefaultTLBEntries = 64

// ASID tags TLB entries with the address space they were loaded for, so
// entries of an inactive address space survive a CR3 switch. ASID 0 is
// untagged: its entries are dropped whenever an address space without an
// ASID is loaded.
type ASID uint16

// NoASID is the untagged ASID.
const NoASID = ASID(0)

type tlbKey struct {
	asid ASID
	vpn  uintptr
}

// TLB caches page table entries keyed by ASID and virtual page number.
// Entries are evicted with the adaptive replacement policy.
type TLB struct {
	cache *lru.ARCCache

	hits, misses uint64
}

// NewTLB returns an empty TLB with room for entries translations.
func NewTLB(entries int) *TLB {
	if entries <= 0 {
		entries = DefaultTLBEntries
	}

	// NewARC only fails for non-positive sizes.
	cache, _ := lru.NewARC(entries)
	return &TLB{cache: cache}
}

// Lookup returns the entry cached for the page containing virtAddr in the
// address space tagged asid.
func (t *TLB) Lookup(asid ASID, virtAddr uintptr) (uintptr, bool) {
	entry, ok := t.cache.Get(tlbKey{asid, virtAddr >> 12})
	if !ok {
		atomic.AddUint64(&t.misses, 1)
		return 0, false
	}
	atomic.AddUint64(&t.hits, 1)
	return entry.(uintptr), true
}

// Insert caches entry for the page containing virtAddr.
func (t *TLB) Insert(asid ASID, virtAddr, entry uintptr) {
	t.cache.Add(tlbKey{asid, virtAddr >> 12}, entry)
}

// FlushEntry drops the entry for the page containing virtAddr.
func (t *TLB) FlushEntry(asid ASID, virtAddr uintptr) {
	t.cache.Remove(tlbKey{asid, virtAddr >> 12})
}

// FlushASID drops every entry tagged asid.
func (t *TLB) FlushASID(asid ASID) {
	for _, key := range t.cache.Keys() {
		if k := key.(tlbKey); k.asid == asid {
			t.cache.Remove(k)
		}
	}
}

// Flush drops every cached entry.
func (t *TLB) Flush() {
	t.cache.Purge()
}

// Len returns the number of cached entries.
func (t *TLB) Len() int {
	return t.cache.Len()
}

// Stats returns the number of lookup hits and misses.
func (t *TLB) Stats() (hits, misses uint64) {
	return atomic.LoadUint64(&t.hits), atomic.LoadUint64(&t.misses)
}
