package vma

import (
	"math/rand"
	"testing"

	"wasmos/kernel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const page = uintptr(0x1000)

func checkInvariants(t *testing.T, root *node) {
	t.Helper()

	var visit func(n *node) (int8, uintptr, uintptr)
	visit = func(n *node) (int8, uintptr, uintptr) {
		if n == nil {
			return 0, 0, 0
		}
		lh, lEnd, lLen := visit(n.left)
		rh, rEnd, rLen := visit(n.right)

		if n.left != nil {
			require.Less(t, n.left.start, n.start)
		}
		if n.right != nil {
			require.Greater(t, n.right.start, n.start)
		}
		bf := int(lh) - int(rh)
		require.True(t, bf >= -1 && bf <= 1, "unbalanced node at %x", n.start)

		expEnd, expLen := n.end(), n.length
		for _, v := range []uintptr{lEnd, rEnd} {
			if v > expEnd {
				expEnd = v
			}
		}
		for _, v := range []uintptr{lLen, rLen} {
			if v > expLen {
				expLen = v
			}
		}
		require.Equal(t, expEnd, n.maxEnd, "maxEnd at %x", n.start)
		require.Equal(t, expLen, n.maxLen, "maxLen at %x", n.start)

		h := lh
		if rh > h {
			h = rh
		}
		require.Equal(t, h+1, n.height)
		return n.height, n.maxEnd, n.maxLen
	}
	visit(root)
}

func TestTreeInsertFind(t *testing.T) {
	var tree Tree

	for i := uintptr(0); i < 64; i++ {
		require.Nil(t, tree.Insert(&Area{Base: i * 4 * page, Len: 2 * page, Flags: FlagRead}))
	}
	require.Equal(t, 64, tree.Len())
	checkInvariants(t, tree.root)

	specs := []struct {
		addr    uintptr
		expBase uintptr
		expNil  bool
	}{
		{0, 0, false},
		{page + 5, 0, false},
		{2 * page, 0, true},
		{40*page + 1, 40 * page, false},
		{255 * page, 0, true},
		{1 << 40, 0, true},
	}

	for specIndex, spec := range specs {
		got := tree.Find(spec.addr)
		if spec.expNil {
			assert.Nil(t, got, "spec %d", specIndex)
			continue
		}
		require.NotNil(t, got, "spec %d", specIndex)
		assert.Equal(t, spec.expBase, got.Base, "spec %d", specIndex)
	}

	// overlapping inserts are rejected
	err := tree.Insert(&Area{Base: page, Len: 2 * page})
	require.Equal(t, errOverlap, err)
	require.True(t, kernel.IsKind(err, kernel.KindAddressInUse))
	require.Nil(t, tree.Insert(&Area{Base: 2 * page, Len: 2 * page}))
	require.Equal(t, errEmpty, tree.Insert(&Area{Base: 1 << 40}))
}

func TestTreeOverlapQueries(t *testing.T) {
	var tree Tree
	for _, base := range []uintptr{10, 20, 30, 40} {
		require.Nil(t, tree.Insert(&Area{Base: base * page, Len: 5 * page}))
	}

	require.Nil(t, tree.FirstOverlap(0, 10*page))
	require.Equal(t, 10*page, tree.FirstOverlap(0, 11*page).Base)
	require.Equal(t, 20*page, tree.FirstOverlap(15*page, 10*page).Base)
	require.Nil(t, tree.FirstOverlap(45*page, page))

	var visited []uintptr
	tree.VisitOverlapping(12*page, 20*page, func(a *Area) bool {
		visited = append(visited, a.Base/page)
		return true
	})
	require.Equal(t, []uintptr{10, 20, 30}, visited)

	visited = visited[:0]
	tree.VisitOverlapping(0, 100*page, func(a *Area) bool {
		visited = append(visited, a.Base/page)
		return len(visited) < 2
	})
	require.Equal(t, []uintptr{10, 20}, visited)

	require.Equal(t, 20*page, tree.Predecessor(30*page).Base)
	require.Nil(t, tree.Predecessor(10*page))
	require.Equal(t, 40*page, tree.Successor(30*page).Base)
	require.Nil(t, tree.Successor(40*page))
}

func TestTreeRemoveRandomized(t *testing.T) {
	var tree Tree
	rng := rand.New(rand.NewSource(1))
	present := make(map[uintptr]bool)

	for i := 0; i < 2000; i++ {
		base := uintptr(rng.Intn(512)) * page
		if present[base] {
			require.Equal(t, base, tree.Remove(base).Base)
			delete(present, base)
		} else {
			require.Nil(t, tree.Insert(&Area{Base: base, Len: page}))
			present[base] = true
		}
		require.Equal(t, len(present), tree.Len())
	}
	checkInvariants(t, tree.root)
	require.Nil(t, tree.Remove(1<<40))

	// in-order walk yields sorted, non-overlapping areas
	areas := tree.Areas()
	for i := 1; i < len(areas); i++ {
		require.LessOrEqual(t, areas[i-1].End(), areas[i].Base)
	}
	for addr := uintptr(0); addr < 512*page; addr += page / 2 {
		found := tree.Find(addr)
		require.Equal(t, present[addr&^(page-1)], found != nil, "addr %x", addr)
	}
}

func TestAreaHelpers(t *testing.T) {
	img := &Image{Name: "mod.wasm", Data: make([]byte, 3*page)}
	a := &Area{Base: 0x10000, Len: 4 * page, Flags: FlagRead | FlagExec | FlagUser, Backing: Backing{Kind: File, Image: img}}

	require.Equal(t, "r-xu", a.Flags.String())
	require.Equal(t, "file", a.Backing.Kind.String())
	require.True(t, a.Contains(0x10000))
	require.False(t, a.Contains(a.End()))
	require.True(t, a.Overlaps(0xf000, 0x11000))
	require.False(t, a.Overlaps(a.End(), a.End()+page))

	upper := a.Slice(0x12000, 0x20000)
	require.Equal(t, uintptr(0x12000), upper.Base)
	require.Equal(t, 2*page, upper.Len)
	require.Equal(t, 2*page, upper.Backing.Offset)

	lower := a.Slice(0, 0x12000)
	require.True(t, lower.CanMerge(upper))
	require.False(t, upper.CanMerge(lower))

	other := *upper
	other.Backing.Offset += page
	require.False(t, lower.CanMerge(&other))

	off, ok := a.FileOffset(0x10000 + 2*page + 7)
	require.True(t, ok)
	require.Equal(t, 2*page+7, off)
	_, ok = a.FileOffset(0x10000 + 3*page)
	require.False(t, ok)

	anon := &Area{Base: 0, Len: page, Flags: FlagRead | FlagWrite}
	require.True(t, anon.CanMerge(&Area{Base: page, Len: page, Flags: FlagRead | FlagWrite}))
	require.False(t, anon.CanMerge(&Area{Base: page, Len: page, Flags: FlagRead}))
	_, ok = anon.FileOffset(0)
	require.False(t, ok)
	require.Equal(t, "guard", Guard.String())
}
