package vma

// FreeTree tracks the free gaps of an address space. Adjacent gaps are always
// merged. It is not safe for concurrent use.
type FreeTree struct {
	root *node
}

// NewFreeTree returns a tree with a single gap [floor, ceiling).
func NewFreeTree(floor, ceiling uintptr) *FreeTree {
	t := &FreeTree{}
	if ceiling > floor {
		t.root = insertNode(nil, &node{start: floor, length: ceiling - floor})
	}
	return t
}

// Largest returns the length of the largest gap.
func (t *FreeTree) Largest() uintptr {
	return maxLen(t.root)
}

// ReturnInterval adds [start, start+length) to the free space, merging it
// with the gaps that end at start or begin at start+length.
func (t *FreeTree) ReturnInterval(start, length uintptr) {
	if length == 0 {
		return
	}

	var next *node
	if t.root, next = removeNode(t.root, start+length); next != nil {
		length += next.length
	}

	if prev := floorNode(t.root, start); prev != nil && prev.end() == start {
		t.root, _ = removeNode(t.root, prev.start)
		start, length = prev.start, prev.length+length
	}

	t.root = insertNode(t.root, &node{start: start, length: length})
}

// FirstFit carves length bytes from the lowest gap that can hold them and
// returns the start address.
func (t *FreeTree) FirstFit(length uintptr) (uintptr, bool) {
	if length == 0 || maxLen(t.root) < length {
		return 0, false
	}

	cur := t.root
	for {
		switch {
		case maxLen(cur.left) >= length:
			cur = cur.left
		case cur.length >= length:
			start := cur.start
			t.Reserve(start, length)
			return start, true
		default:
			cur = cur.right
		}
	}
}

// Reserve removes [start, start+length) from the free space. It returns false
// and leaves the tree untouched if the range is not entirely free.
func (t *FreeTree) Reserve(start, length uintptr) bool {
	gap := floorNode(t.root, start)
	if length == 0 || gap == nil || start+length > gap.end() || start+length < start {
		return false
	}

	gapStart, gapEnd := gap.start, gap.end()
	t.root, _ = removeNode(t.root, gapStart)

	if start > gapStart {
		t.root = insertNode(t.root, &node{start: gapStart, length: start - gapStart})
	}
	if end := start + length; end < gapEnd {
		t.root = insertNode(t.root, &node{start: end, length: gapEnd - end})
	}
	return true
}

// IsFree returns true if [start, start+length) lies inside a single gap.
func (t *FreeTree) IsFree(start, length uintptr) bool {
	gap := floorNode(t.root, start)
	return gap != nil && start+length <= gap.end()
}

// Gap is a free range of virtual addresses.
type Gap struct {
	Start, Len uintptr
}

// Gaps returns the free gaps in ascending address order.
func (t *FreeTree) Gaps() []Gap {
	var out []Gap
	walkInOrder(t.root, func(n *node) bool {
		out = append(out, Gap{n.start, n.length})
		return true
	})
	return out
}
