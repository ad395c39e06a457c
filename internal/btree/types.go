// Package btree implements the generic on-disk B-tree layer: node parsing,
// record addressing, free-space reconciliation, recursive subtree
// validation, footer checking, and the bisection query engine. One
// implementation serves all four tree personalities APFS defines.
package btree

import (
	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// Personality identifies which of the four B-tree flavors a Btree is.
type Personality int

const (
	OMAP Personality = iota
	CATALOG
	EXTENTREF
	SNAPMETA
)

func (p Personality) String() string {
	switch p {
	case OMAP:
		return "Object map"
	case CATALOG:
		return "Catalog"
	case EXTENTREF:
		return "Extent reference tree"
	case SNAPMETA:
		return "Snapshot metadata tree"
	default:
		return "B-tree"
	}
}

// IsPhysical reports whether, for this personality, a child node must not
// carry a newer transaction id than its parent node. Only
// the object map and extent reference tree make that promise; the
// catalog's nodes are copy-on-write behind the object map, and the
// snapshot metadata tree isn't checked against this invariant.
func (p Personality) IsPhysical() bool {
	return p == OMAP || p == EXTENTREF
}

// AddressedPhysically reports whether this personality's nodes are read
// directly by physical block number rather than resolved through an
// object map. Every personality but the catalog is physical: the object
// map has no object map of its own, and the extent reference and
// snapshot metadata trees are themselves physical objects.
func (p Personality) AddressedPhysically() bool {
	return p != CATALOG
}

const (
	maxDepth       = 12
	infoFooterSize = 40
	nodeHeaderSize = 32 + 24 // object header + fixed node header fields
)

// Node is the in-memory form of one parsed on-disk node block.
type Node struct {
	Tree *Btree

	Object *object.Object

	Flags   uint16
	Level   uint16
	Records uint32

	Toc  int
	Key  int
	Free int
	Data int

	KeyAreaLen int
	ValAreaLen int
	KeyFreeLen int
	ValFreeLen int

	FreeKeyBmap []bool
	FreeValBmap []bool
	UsedKeyBmap []bool
	UsedValBmap []bool

	raw []byte
}

func (n *Node) IsRoot() bool     { return n.Flags&types.BtnodeRoot != 0 }
func (n *Node) IsLeaf() bool     { return n.Flags&types.BtnodeLeaf != 0 }
func (n *Node) HasFixedKV() bool { return n.Flags&types.BtnodeFixedKvSize != 0 }
func (n *Node) Stride() int {
	if n.HasFixedKV() {
		return 4
	}
	return 8
}

// Btree is a single validated (or in-progress) tree of one personality.
type Btree struct {
	Type Personality

	Root *Node

	// OmapRoot translates logical object ids to physical block numbers for
	// this tree's non-root nodes. Nil for trees whose nodes are themselves
	// physical (omap, extentref, and snapmeta); only the catalog has one.
	OmapRoot *Node

	// Reader fetches the physical nodes OmapRoot's descent needs. Required
	// whenever OmapRoot is non-nil.
	Reader *object.Reader

	Xid types.XidT

	KeyCount   uint64
	NodeCount  uint64
	LongestKey uint32
	LongestVal uint32
}

// Resolve implements object.Resolver by looking up oid in the owning
// Btree's object map.
func (b *Btree) Resolve(oid types.OidT, xid types.XidT) (types.Paddr, error) {
	paddr, found := OmapLookup(b.Reader, b.OmapRoot, uint64(oid), xid)
	if !found {
		report.Fatal("Object map", "no mapping for object id %d at or before transaction %d", oid, xid)
	}
	return paddr, nil
}
