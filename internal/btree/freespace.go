package btree

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

type area int

const (
	keyArea area = iota
	valArea
)

func (a area) label() string {
	if a == keyArea {
		return "key"
	}
	return "value"
}

// walkFreeList walks one of a node's two singly-linked free lists, marking
// every byte it visits in the corresponding free bitmap. A byte marked free
// twice, a cell that runs outside its area, a cell too small to hold its own
// (off,len) header, or a list that doesn't end exactly when its advertised
// total is exhausted are all fatal.
func walkFreeList(n *Node, a area, headOff, headLen int) {
	var bmap []bool
	var areaLen int
	if a == keyArea {
		bmap = n.FreeKeyBmap
		areaLen = n.KeyAreaLen
	} else {
		bmap = n.FreeValBmap
		areaLen = n.ValAreaLen
	}

	cursor := headOff
	remaining := headLen

	for {
		if remaining == 0 {
			if cursor != int(types.BtoffInvalid) {
				report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "%s free list has more cells than its advertised total", a.label())
			}
			return
		}
		if cursor == int(types.BtoffInvalid) {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "bad last %s in free list", a.label())
		}

		var start int
		if a == keyArea {
			start = cursor
		} else {
			start = areaLen - cursor
		}
		if start < 0 || start+4 > areaLen {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "%s free list cell is out-of-bounds", a.label())
		}

		cellOff, cellLen := readFreeCell(n, a, start)
		if cellLen < 4 {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "free %s is too small", a.label())
		}
		if start+cellLen > areaLen || cellLen > remaining {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "%s free list cell is out-of-bounds", a.label())
		}

		for i := start; i < start+cellLen; i++ {
			if bmap[i] {
				report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "byte listed twice in %s free list", a.label())
			}
			bmap[i] = true
		}

		remaining -= cellLen
		cursor = cellOff
	}
}

func readFreeCell(n *Node, a area, forwardStart int) (off, length int) {
	var base int
	if a == keyArea {
		base = n.Key
	} else {
		base = n.Data
	}
	off = int(binary.LittleEndian.Uint16(n.raw[base+forwardStart : base+forwardStart+2]))
	length = int(binary.LittleEndian.Uint16(n.raw[base+forwardStart+2 : base+forwardStart+4]))
	return
}

// reconcile implements compare_bmaps: after the walker has filled in the
// used bitmaps, this verifies that used and free space never overlap, and
// that the free list's advertised total equals the number of bytes the used
// bitmap leaves unoccupied -- not merely the bytes the list itself visited,
// since fragments too small to link are never listed but still count.
func (n *Node) reconcile(advertisedKeyFree, advertisedValFree int) {
	compareBmaps(n, keyArea, n.FreeKeyBmap, n.UsedKeyBmap, advertisedKeyFree)
	compareBmaps(n, valArea, n.FreeValBmap, n.UsedValBmap, advertisedValFree)
}

func compareBmaps(n *Node, a area, free, used []bool, advertised int) {
	unused := 0
	for i := range used {
		if free[i] && used[i] {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "used record space listed as free in %s area", a.label())
		}
		if !used[i] {
			unused++
		}
	}
	if unused != advertised {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "wrong free space total for %s area", a.label())
	}
}
