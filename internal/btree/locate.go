package btree

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

const (
	fixedKeyLen      = 16 // sizeof(apfs_omap_key)
	fixedLeafValLen  = 16 // sizeof(apfs_omap_val)
	fixedInnerValLen = 8  // child object id
)

// LocateKey returns the absolute (offset, length) of record i's key bytes.
func (n *Node) LocateKey(i int) (int, int) {
	n.checkIndex(i)

	var koff, klen int
	if n.HasFixedKV() {
		entryOff := n.Toc + i*4
		koff = int(binary.LittleEndian.Uint16(n.raw[entryOff : entryOff+2]))
		klen = fixedKeyLen
	} else {
		entryOff := n.Toc + i*8
		koff = int(binary.LittleEndian.Uint16(n.raw[entryOff : entryOff+2]))
		klen = int(binary.LittleEndian.Uint16(n.raw[entryOff+2 : entryOff+4]))
	}

	abs := n.Key + koff
	if koff < 0 || klen < 0 || abs < n.Key || abs+klen > n.Free {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "key of record %d is out of bounds", i)
	}
	return abs, klen
}

// LocateData returns the absolute (offset, length) of record i's value bytes.
func (n *Node) LocateData(i int) (int, int) {
	n.checkIndex(i)

	var voff, vlen int
	if n.HasFixedKV() {
		entryOff := n.Toc + i*4
		voff = int(binary.LittleEndian.Uint16(n.raw[entryOff+2 : entryOff+4]))
		if n.IsLeaf() {
			vlen = fixedLeafValLen
		} else {
			vlen = fixedInnerValLen
		}
	} else {
		entryOff := n.Toc + i*8
		voff = int(binary.LittleEndian.Uint16(n.raw[entryOff+4 : entryOff+6]))
		vlen = int(binary.LittleEndian.Uint16(n.raw[entryOff+6 : entryOff+8]))
	}

	if voff == int(types.BtoffInvalid) {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "value of record %d has an invalid offset", i)
	}

	abs := n.Data + (n.ValAreaLen - voff)
	if vlen < 0 || voff < vlen || abs < n.Data || abs+vlen > n.Data+n.ValAreaLen {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "value of record %d is out of bounds", i)
	}
	return abs, vlen
}

func (n *Node) checkIndex(i int) {
	if i < 0 || i >= int(n.Records) {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "record index %d is out of range", i)
	}
}

// markUsed marks [start,start+length) used in the key or value bitmap,
// reporting a fatal "overlapping record data" error on any collision.
func markUsed(bmap []bool, start, length int, subsystem string, blockNr uint64) {
	if start < 0 || length < 0 || start+length > len(bmap) {
		report.FatalAtBlock(subsystem, blockNr, "record data is out of bounds")
	}
	for i := start; i < start+length; i++ {
		if bmap[i] {
			report.FatalAtBlock(subsystem, blockNr, "overlapping record data")
		}
		bmap[i] = true
	}
}
