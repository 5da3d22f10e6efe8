package vma

import (
	"wasmos/kernel"
)

var (
	errOverlap = &kernel.Error{Module: "vma", Message: "area overlaps an existing area", Kind: kernel.KindAddressInUse}
	errEmpty   = &kernel.Error{Module: "vma", Message: "area length must be non-zero", Kind: kernel.KindInvalidArgument}
)

// Tree is an interval tree of non-overlapping areas keyed by their base
// address. It is not safe for concurrent use.
type Tree struct {
	root  *node
	count int
}

// Len returns the number of areas in the tree.
func (t *Tree) Len() int { return t.count }

// Insert adds a to the tree. It fails with an AddressInUse error if a
// overlaps an area already in the tree.
func (t *Tree) Insert(a *Area) *kernel.Error {
	if a.Len == 0 {
		return errEmpty
	}
	if firstOverlap(t.root, a.Base, a.End()) != nil {
		return errOverlap
	}

	t.root = insertNode(t.root, &node{start: a.Base, length: a.Len, area: a})
	t.count++
	return nil
}

// Remove detaches the area starting at base and returns it, or nil if no area
// starts at base.
func (t *Tree) Remove(base uintptr) *Area {
	var removed *node
	if t.root, removed = removeNode(t.root, base); removed == nil {
		return nil
	}
	t.count--
	return removed.area
}

// Find returns the area containing addr or nil.
func (t *Tree) Find(addr uintptr) *Area {
	if n := floorNode(t.root, addr); n != nil && addr < n.end() {
		return n.area
	}
	return nil
}

// FirstOverlap returns the lowest area intersecting [start, start+length) or
// nil.
func (t *Tree) FirstOverlap(start, length uintptr) *Area {
	if n := firstOverlap(t.root, start, start+length); n != nil {
		return n.area
	}
	return nil
}

// VisitOverlapping invokes fn, in ascending address order, for every area
// intersecting [start, start+length). The tree must not be modified by fn.
func (t *Tree) VisitOverlapping(start, length uintptr, fn func(*Area) bool) {
	end := start + length
	for n := firstOverlap(t.root, start, end); n != nil && n.start < end; n = ceilNode(t.root, n.start+1) {
		if !fn(n.area) {
			return
		}
	}
}

// Predecessor returns the area with the largest base below addr.
func (t *Tree) Predecessor(addr uintptr) *Area {
	if addr == 0 {
		return nil
	}
	if n := floorNode(t.root, addr-1); n != nil {
		return n.area
	}
	return nil
}

// Successor returns the area with the smallest base above addr.
func (t *Tree) Successor(addr uintptr) *Area {
	if n := ceilNode(t.root, addr+1); n != nil && n.start > addr {
		return n.area
	}
	return nil
}

// Walk visits every area in ascending address order until fn returns false.
func (t *Tree) Walk(fn func(*Area) bool) {
	walkInOrder(t.root, func(n *node) bool { return fn(n.area) })
}

// Areas returns the areas in ascending address order.
func (t *Tree) Areas() []*Area {
	out := make([]*Area, 0, t.count)
	t.Walk(func(a *Area) bool {
		out = append(out, a)
		return true
	})
	return out
}
