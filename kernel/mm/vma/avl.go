package vma

// node is an AVL tree node keyed by the interval start. Each node keeps two
// augmentations for its subtree: the largest interval end (used for overlap
// queries) and the largest interval length (used for fit queries).
type node struct {
	start, length uintptr
	area          *Area

	left, right *node
	height      int8

	maxEnd uintptr
	maxLen uintptr
}

func (n *node) end() uintptr { return n.start + n.length }

func height(n *node) int8 {
	if n == nil {
		return 0
	}
	return n.height
}

func maxEnd(n *node) uintptr {
	if n == nil {
		return 0
	}
	return n.maxEnd
}

func maxLen(n *node) uintptr {
	if n == nil {
		return 0
	}
	return n.maxLen
}

func (n *node) update() {
	n.height = height(n.left)
	if h := height(n.right); h > n.height {
		n.height = h
	}
	n.height++

	n.maxEnd, n.maxLen = n.end(), n.length
	for _, child := range [2]*node{n.left, n.right} {
		if child == nil {
			continue
		}
		if child.maxEnd > n.maxEnd {
			n.maxEnd = child.maxEnd
		}
		if child.maxLen > n.maxLen {
			n.maxLen = child.maxLen
		}
	}
}

func (n *node) balanceFactor() int {
	return int(height(n.left)) - int(height(n.right))
}

func rotateLeft(root *node) *node {
	pivot := root.right
	root.right = pivot.left
	pivot.left = root
	root.update()
	pivot.update()
	return pivot
}

func rotateRight(root *node) *node {
	pivot := root.left
	root.left = pivot.right
	pivot.right = root
	root.update()
	pivot.update()
	return pivot
}

// fixup restores the AVL balance of root after one of its subtrees changed
// height by at most one.
func fixup(root *node) *node {
	root.update()

	switch bf := root.balanceFactor(); {
	case bf > 1:
		if root.left.balanceFactor() < 0 {
			root.left = rotateLeft(root.left)
		}
		return rotateRight(root)
	case bf < -1:
		if root.right.balanceFactor() > 0 {
			root.right = rotateRight(root.right)
		}
		return rotateLeft(root)
	}
	return root
}

func insertNode(root, n *node) *node {
	if root == nil {
		n.left, n.right = nil, nil
		n.update()
		return n
	}

	if n.start < root.start {
		root.left = insertNode(root.left, n)
	} else {
		root.right = insertNode(root.right, n)
	}
	return fixup(root)
}

// removeMin detaches the leftmost node of root and returns the new root
// together with the detached node.
func removeMin(root *node) (*node, *node) {
	if root.left == nil {
		return root.right, root
	}

	var min *node
	root.left, min = removeMin(root.left)
	return fixup(root), min
}

// removeNode detaches the node whose interval starts at start.
func removeNode(root *node, start uintptr) (*node, *node) {
	if root == nil {
		return nil, nil
	}

	var removed *node
	switch {
	case start < root.start:
		root.left, removed = removeNode(root.left, start)
	case start > root.start:
		root.right, removed = removeNode(root.right, start)
	default:
		removed = root
		if root.left == nil {
			return root.right, removed
		}
		if root.right == nil {
			return root.left, removed
		}

		var successor *node
		root.right, successor = removeMin(root.right)
		successor.left, successor.right = root.left, root.right
		root = successor
	}

	if removed == nil {
		return root, nil
	}
	return fixup(root), removed
}

// floorNode returns the node with the largest start <= key.
func floorNode(root *node, key uintptr) *node {
	var best *node
	for cur := root; cur != nil; {
		if cur.start <= key {
			best = cur
			cur = cur.right
		} else {
			cur = cur.left
		}
	}
	return best
}

// ceilNode returns the node with the smallest start >= key.
func ceilNode(root *node, key uintptr) *node {
	var best *node
	for cur := root; cur != nil; {
		if cur.start >= key {
			best = cur
			cur = cur.left
		} else {
			cur = cur.right
		}
	}
	return best
}

// firstOverlap returns the lowest node overlapping [start, end).
func firstOverlap(root *node, start, end uintptr) *node {
	for cur := root; cur != nil; {
		if cur.left != nil && cur.left.maxEnd > start {
			// Any overlap in the left subtree starts below cur.
			if found := firstOverlap(cur.left, start, end); found != nil {
				return found
			}
		}
		if cur.start >= end {
			return nil
		}
		if cur.end() > start {
			return cur
		}
		cur = cur.right
	}
	return nil
}

// walkInOrder visits the nodes of root in ascending start order until fn
// returns false.
func walkInOrder(root *node, fn func(*node) bool) bool {
	if root == nil {
		return true
	}
	return walkInOrder(root.left, fn) && fn(root) && walkInOrder(root.right, fn)
}
