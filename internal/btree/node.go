package btree

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// personalityTypes gives the required object subtype for each tree
// personality. The root/non-root object type is the same for every
// personality and is checked directly in ReadNode.
type personalityTypes struct {
	subtype uint32
}

func (p Personality) objectTypes() personalityTypes {
	switch p {
	case OMAP:
		return personalityTypes{subtype: types.ObjectTypeOmap}
	case CATALOG:
		return personalityTypes{subtype: types.ObjectTypeFstree}
	case EXTENTREF:
		return personalityTypes{subtype: types.ObjectTypeBlockreftree}
	case SNAPMETA:
		return personalityTypes{subtype: types.ObjectTypeSnapmetatree}
	default:
		return personalityTypes{}
	}
}

// ReadNode materializes oid as a node of tree, resolving it through the
// tree's object map when the personality is logically addressed. It parses
// the fixed header, derives the four monotonic offsets, validates them, and
// builds the free-space bitmaps before returning.
func ReadNode(reader *object.Reader, tree *Btree, oid types.OidT, expectRoot bool) *Node {
	var resolver object.Resolver
	if !tree.Type.AddressedPhysically() {
		resolver = tree
	}

	obj := reader.Read(oid, tree.Xid, resolver)
	blockSize := int(reader.BlockSize)
	raw := obj.Raw

	wantSubtype := tree.Type.objectTypes().subtype
	baseType := obj.Type()
	if expectRoot {
		if baseType != types.ObjectTypeBtree {
			report.FatalAtBlock(tree.Type.String(), uint64(obj.BlockNr), "root node has the wrong object type")
		}
	} else {
		if baseType != types.ObjectTypeBtreeNode {
			report.FatalAtBlock(tree.Type.String(), uint64(obj.BlockNr), "node has the wrong object type")
		}
	}
	if obj.Subtype() != wantSubtype {
		report.FatalAtBlock(tree.Type.String(), uint64(obj.BlockNr), "node has the wrong object subtype")
	}

	n := &Node{Tree: tree, Object: obj, raw: raw}

	n.Flags = binary.LittleEndian.Uint16(raw[32:34])
	n.Level = binary.LittleEndian.Uint16(raw[34:36])
	n.Records = binary.LittleEndian.Uint32(raw[36:40])
	tableSpaceOff := binary.LittleEndian.Uint16(raw[40:42])
	tableSpaceLen := binary.LittleEndian.Uint16(raw[42:44])
	freeSpaceOff := binary.LittleEndian.Uint16(raw[44:46])
	freeSpaceLen := binary.LittleEndian.Uint16(raw[46:48])
	keyFreeOff := binary.LittleEndian.Uint16(raw[48:50])
	keyFreeLen := binary.LittleEndian.Uint16(raw[50:52])
	valFreeOff := binary.LittleEndian.Uint16(raw[52:54])
	valFreeLen := binary.LittleEndian.Uint16(raw[54:56])

	if n.Flags&^(types.BtnodeRoot|types.BtnodeLeaf|types.BtnodeFixedKvSize) != 0 {
		report.FatalAtBlock(tree.Type.String(), uint64(obj.BlockNr), "node has unsupported flags set")
	}
	if n.IsRoot() != expectRoot {
		if n.IsRoot() {
			report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "nonroot node is flagged as root")
		} else {
			report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "root node is missing the root flag")
		}
	}
	if !n.IsRoot() && n.Records == 0 {
		report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "nonroot node has no records")
	}

	if tableSpaceOff != 0 {
		report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "table of contents is not at the start of the node")
	}
	n.Toc = nodeHeaderSize
	n.Key = n.Toc + int(tableSpaceLen)
	n.Free = n.Key + int(freeSpaceOff)
	n.Data = n.Free + int(freeSpaceLen)

	footer := 0
	if expectRoot {
		footer = infoFooterSize
	}
	if n.Data > blockSize-footer {
		report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "value area runs past the end of the node")
	}
	if !(n.Toc < n.Key && n.Key <= n.Free && n.Free <= n.Data) {
		report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "node offsets are out of order")
	}

	stride := n.Stride()
	if int(n.Records)*stride > n.Key-n.Toc {
		report.FatalAtBlock("B-tree", uint64(obj.BlockNr), "table of contents is too small for its record count")
	}

	n.KeyAreaLen = n.Free - n.Key
	n.ValAreaLen = (blockSize - footer) - n.Data
	n.KeyFreeLen = int(keyFreeLen)
	n.ValFreeLen = int(valFreeLen)

	n.FreeKeyBmap = make([]bool, n.KeyAreaLen)
	n.FreeValBmap = make([]bool, n.ValAreaLen)
	n.UsedKeyBmap = make([]bool, n.KeyAreaLen)
	n.UsedValBmap = make([]bool, n.ValAreaLen)

	walkFreeList(n, keyArea, int(keyFreeOff), int(keyFreeLen))
	walkFreeList(n, valArea, int(valFreeOff), int(valFreeLen))

	return n
}

// Raw returns the node's underlying block bytes.
func (n *Node) Raw() []byte { return n.raw }
