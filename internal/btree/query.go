package btree

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/key"
	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// bisect returns the rightmost record index whose key is less than or equal
// to target, or -1 if every key in the node is greater than target.
func (n *Node) bisect(target key.Key) int {
	lo, hi := 0, int(n.Records)-1
	res := -1
	for lo <= hi {
		mid := (lo + hi) / 2
		koff, klen := n.LocateKey(mid)
		k := decodeKey(n.Tree.Type, n.raw[koff:koff+klen])
		if key.Cmp(k, target) <= 0 {
			res = mid
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	return res
}

// lookup descends from root toward the record matching target.Id, following
// the bisected child pointer at each nonleaf level, and returns the matching
// leaf value's raw bytes. Only Id is used to decide a match; Number (e.g. an
// object map's xid) only orders the search -- the caller gets back whichever
// version is newest without exceeding the query.
func lookup(reader *object.Reader, root *Node, target key.Key) ([]byte, bool) {
	n := root
	for {
		idx := n.bisect(target)
		if idx == -1 {
			return nil, false
		}

		if n.IsLeaf() {
			koff, klen := n.LocateKey(idx)
			k := decodeKey(n.Tree.Type, n.raw[koff:koff+klen])
			if k.Id != target.Id {
				return nil, false
			}
			voff, vlen := n.LocateData(idx)
			return n.raw[voff : voff+vlen], true
		}

		voff, vlen := n.LocateData(idx)
		if vlen != fixedInnerValLen {
			report.FatalAtBlock(n.Tree.Type.String(), uint64(n.Object.BlockNr), "nonleaf value is not a child object id")
		}
		childOid := types.OidT(binary.LittleEndian.Uint64(n.raw[voff : voff+8]))
		n = ReadNode(reader, n.Tree, childOid, false)
	}
}

const omapValSize = 16 // sizeof(apfs_omap_val): flags(4) + size(4) + paddr(8)

// OmapLookup finds the object map entry for oid whose xid is the greatest
// one not exceeding xid, and returns the physical block it maps to.
func OmapLookup(reader *object.Reader, root *Node, oid uint64, xid types.XidT) (types.Paddr, bool) {
	raw, found := lookup(reader, root, key.Key{Id: oid, Number: uint64(xid)})
	if !found {
		return 0, false
	}
	if len(raw) != omapValSize {
		report.Fatal("Object map", "wrong size of value in object map")
	}
	return types.Paddr(binary.LittleEndian.Uint64(raw[8:16])), true
}

// ExtentrefLookup finds the extent reference tree record for the physical
// extent starting at paddr and returns its raw value bytes for the caller
// to decode.
func ExtentrefLookup(reader *object.Reader, root *Node, paddr uint64) ([]byte, bool) {
	return lookup(reader, root, key.Key{Id: paddr})
}
