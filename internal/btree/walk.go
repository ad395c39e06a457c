package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/apfsck/internal/key"
	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/record"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// decodeKey dispatches to the key decoder for a tree's personality. The
// snapshot metadata tree reuses the catalog decoder since its records carry
// the same j_key_t-style type tag.
func decodeKey(p Personality, raw []byte) key.Key {
	switch p {
	case OMAP:
		return key.ReadOmapKey(raw)
	case EXTENTREF:
		return key.ReadExtentRefKey(raw)
	default:
		return key.ReadCatKey(raw)
	}
}

// Check validates the tree rooted at b.Root, walking every subtree
// recursively and accumulating the running totals the footer checker (C5)
// later compares against the root's info footer. Leaf values in catalog and
// extent reference trees are decoded and validated as they're visited;
// findings that aren't fatal are recorded to sink.
func (b *Btree) Check(reader *object.Reader, sink *report.Sink) {
	var cur cursor
	checkSubtree(reader, b.Root, 1, &cur, sink)
}

// cursor carries the last key seen across the entire depth-first walk, so
// that ordering is enforced globally rather than reset at each node: the
// last key of one leaf must precede the first key of the next, even across
// a sibling boundary several levels up the tree.
type cursor struct {
	key key.Key
	has bool
}

// checkSubtree validates one node and, for nonleaf nodes, every descendant,
// advancing cur past every key visited and returning the first and last
// decoded keys so the caller can check them against the separator that
// pointed here.
func checkSubtree(reader *object.Reader, n *Node, depth int, cur *cursor, sink *report.Sink) (first, last key.Key, has bool) {
	n.Tree.NodeCount++
	if depth > maxDepth {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "maximum b-tree depth exceeded")
	}

	if n.IsLeaf() && n.Level != 0 {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "leaf node has a nonzero level")
	}
	if !n.IsLeaf() && n.Level == 0 {
		report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "nonleaf node has a level of zero")
	}

	switch n.Tree.Type {
	case OMAP:
		if !n.HasFixedKV() {
			report.FatalAtBlock("Object map", uint64(n.Object.BlockNr), "key size should be fixed")
		}
	case CATALOG, EXTENTREF, SNAPMETA:
		if n.HasFixedKV() {
			report.FatalAtBlock(n.Tree.Type.String(), uint64(n.Object.BlockNr), "key size should not be fixed")
		}
	}

	if n.Tree.Type == SNAPMETA {
		if n.Records > 0 {
			sink.Unsupported("Snapshots", "snapshot metadata tree is non-empty")
		}
		if !n.IsLeaf() {
			report.FatalAtBlock("Snapshot metadata tree", uint64(n.Object.BlockNr), "must have a single leaf root")
		}
	}

	for i := 0; i < int(n.Records); i++ {
		koff, klen := n.LocateKey(i)
		markUsed(n.UsedKeyBmap, koff-n.Key, klen, "B-tree", uint64(n.Object.BlockNr))
		k := decodeKey(n.Tree.Type, n.raw[koff:koff+klen])

		if n.Tree.Type == OMAP && k.Number > uint64(n.Object.Xid()) {
			report.FatalAtBlock("Object map", uint64(n.Object.BlockNr), "node xid is older than key xid")
		}

		voff, vlen := n.LocateData(i)
		markUsed(n.UsedValBmap, voff-n.Data, vlen, "B-tree", uint64(n.Object.BlockNr))

		if cur.has && key.Cmp(cur.key, k) > 0 {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "records are not in strictly ascending order")
		}
		if n.IsLeaf() && i != 0 && key.Cmp(cur.key, k) == 0 {
			report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "leaf keys are repeated")
		}
		cur.key = k
		cur.has = true

		if i == 0 {
			first = k
		}
		last = k

		if n.IsLeaf() {
			n.Tree.KeyCount++
			if uint32(klen) > n.Tree.LongestKey {
				n.Tree.LongestKey = uint32(klen)
			}
			if uint32(vlen) > n.Tree.LongestVal {
				n.Tree.LongestVal = uint32(vlen)
			}
			cursorId := validateLeafValue(n.Tree.Type, k, n.raw[voff:voff+vlen], sink)
			cur.key.Id = cursorId
		} else {
			if vlen != fixedInnerValLen {
				report.FatalAtBlock("B-tree", uint64(n.Object.BlockNr), "nonleaf value is not a child object id")
			}
			childOid := types.OidT(binary.LittleEndian.Uint64(n.raw[voff : voff+8]))
			child := ReadNode(reader, n.Tree, childOid, false)

			if int(child.Level) != int(n.Level)-1 {
				report.FatalAtBlock("B-tree", uint64(child.Object.BlockNr), "child node is at the wrong level")
			}
			if n.Tree.Type.IsPhysical() && uint64(n.Object.Xid()) < uint64(child.Object.Xid()) {
				report.FatalAtBlock("Physical tree", uint64(child.Object.BlockNr), "xid of node is older than xid of its child")
			}

			childFirst, _, childHas := checkSubtree(reader, child, depth+1, cur, sink)
			if childHas && key.Cmp(childFirst, k) != 0 {
				report.FatalAtBlock("B-tree", uint64(child.Object.BlockNr), "child's first key doesn't match its separator key")
			}
		}
	}

	n.reconcile(n.KeyFreeLen, n.ValFreeLen)
	return first, last, n.Records > 0
}

// validateLeafValue decodes and validates one leaf record's value according
// to its tree personality and, for the catalog, its key's record type, and
// returns the id the ordering cursor should carry forward to the next
// record. Every personality but the extent reference tree carries the
// decoded key's own id forward unchanged; a physical extent instead advances
// the cursor to its own end boundary, so that a subsequent extent starting
// before the previous one ends is caught as an overlap. Record types the
// catalog defines but this checker doesn't decode (e.g. data streams beyond
// their refcount, snapshot records) are reported as unsupported rather than
// skipped silently.
func validateLeafValue(p Personality, k key.Key, raw []byte, sink *report.Sink) uint64 {
	switch p {
	case EXTENTREF:
		v := record.ParsePhysExt(raw)
		return k.Id + (v.LenAndKind & types.PextLenMask)
	case OMAP:
		// Object map leaf values are physical addresses, already
		// range-checked by the reader that resolves them; no further
		// structural validation applies.
	default:
		switch k.Type {
		case types.JObjTypeInode:
			record.ParseInode(raw, sink)
		case types.JObjTypeDirRec:
			record.ParseDirRec(raw, sink)
		case types.JObjTypeXattr:
			record.ParseXattr(raw)
		case types.JObjTypeFileExtent:
			record.ParseFileExtent(raw)
		case types.JObjTypeSiblingLink:
			record.ParseSibling(raw)
		case types.JObjTypeSiblingMap:
			record.ParseSiblingMap(raw)
		case types.JObjTypeDStreamID:
			record.ParseDstreamId(raw)
		default:
			sink.Unsupported("catalog record type", fmt.Sprintf("%d", k.Type))
		}
	}
	return k.Id
}
