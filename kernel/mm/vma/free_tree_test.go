package vma

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFreeTreeFirstFit(t *testing.T) {
	tree := NewFreeTree(0x400000, 0x400000+64*page)
	require.Equal(t, 64*page, tree.Largest())

	a, ok := tree.FirstFit(4 * page)
	require.True(t, ok)
	require.Equal(t, uintptr(0x400000), a)

	b, ok := tree.FirstFit(4 * page)
	require.True(t, ok)
	require.Equal(t, uintptr(0x400000+4*page), b)

	// returning the first block leaves a hole below b that fits 4 pages
	tree.ReturnInterval(a, 4*page)
	c, ok := tree.FirstFit(2 * page)
	require.True(t, ok)
	require.Equal(t, a, c)

	_, ok = tree.FirstFit(100 * page)
	require.False(t, ok)
	_, ok = tree.FirstFit(0)
	require.False(t, ok)

	require.Equal(t, []Gap{{a + 2*page, 2 * page}, {b + 4*page, 56 * page}}, tree.Gaps())
	checkInvariants(t, tree.root)
}

func TestFreeTreeReserve(t *testing.T) {
	tree := NewFreeTree(0, 16*page)

	require.True(t, tree.Reserve(4*page, 2*page))
	require.False(t, tree.Reserve(5*page, 2*page))
	require.False(t, tree.Reserve(15*page, 2*page))
	require.False(t, tree.IsFree(3*page, 2*page))
	require.True(t, tree.IsFree(6*page, 10*page))
	require.Equal(t, []Gap{{0, 4 * page}, {6 * page, 10 * page}}, tree.Gaps())

	// returning the reserved range merges both neighbours
	tree.ReturnInterval(4*page, 2*page)
	require.Equal(t, []Gap{{0, 16 * page}}, tree.Gaps())

	tree.ReturnInterval(0, 0)
	require.Empty(t, NewFreeTree(page, page).Gaps())
}

func TestFreeTreeRandomized(t *testing.T) {
	const pages = 256
	tree := NewFreeTree(0, pages*page)
	rng := rand.New(rand.NewSource(99))

	used := make([]bool, pages)
	type block struct{ start, len uintptr }
	var live []block

	for i := 0; i < 3000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			blk := live[idx]
			tree.ReturnInterval(blk.start, blk.len)
			for p := blk.start / page; p < (blk.start+blk.len)/page; p++ {
				used[p] = false
			}
			live = append(live[:idx], live[idx+1:]...)
		} else {
			length := uintptr(1+rng.Intn(8)) * page
			start, ok := tree.FirstFit(length)
			if !ok {
				continue
			}

			// the lowest fitting hole is returned
			run := uintptr(0)
			for p := uintptr(0); p < pages; p++ {
				if used[p] {
					run = 0
					continue
				}
				run++
				if run*page == length {
					require.Equal(t, (p+1)*page-length, start)
					break
				}
			}

			for p := start / page; p < (start+length)/page; p++ {
				require.False(t, used[p])
				used[p] = true
			}
			live = append(live, block{start, length})
		}
	}
	checkInvariants(t, tree.root)

	// gaps are maximal: no two gaps touch
	gaps := tree.Gaps()
	for i := 1; i < len(gaps); i++ {
		require.Less(t, gaps[i-1].Start+gaps[i-1].Len, gaps[i].Start)
	}
}
