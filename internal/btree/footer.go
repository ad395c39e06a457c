package btree

import (
	"encoding/binary"
	"fmt"

	"github.com/deploymenttheory/apfsck/internal/report"
)

// footer is the decoded form of a root node's trailing btree_info_t.
type footer struct {
	Flags      uint32
	NodeSize   uint32
	KeySize    uint32
	ValSize    uint32
	LongestKey uint32
	LongestVal uint32
	KeyCount   uint64
	NodeCount  uint64
}

func readFooter(raw []byte, blockSize int) footer {
	base := blockSize - infoFooterSize
	return footer{
		Flags:      binary.LittleEndian.Uint32(raw[base : base+4]),
		NodeSize:   binary.LittleEndian.Uint32(raw[base+4 : base+8]),
		KeySize:    binary.LittleEndian.Uint32(raw[base+8 : base+12]),
		ValSize:    binary.LittleEndian.Uint32(raw[base+12 : base+16]),
		LongestKey: binary.LittleEndian.Uint32(raw[base+16 : base+20]),
		LongestVal: binary.LittleEndian.Uint32(raw[base+20 : base+24]),
		KeyCount:   binary.LittleEndian.Uint64(raw[base+24 : base+32]),
		NodeCount:  binary.LittleEndian.Uint64(raw[base+32 : base+40]),
	}
}

// sizeOmapKey, sizeOmapVal are sizeof(apfs_omap_key)/sizeof(apfs_omap_val):
// an 8-byte object id plus an 8-byte xid, and two 4-byte fields plus an
// 8-byte physical address, respectively.
const (
	sizeOmapKey = 16
	sizeOmapVal = 16
)

// sizePhysExtKey, sizePhysExtVal are sizeof(apfs_phys_ext_key)/
// sizeof(apfs_phys_ext_val): a bare 8-byte object header, and the 8+8+4
// byte length/owner/refcount record internal/record.ParsePhysExt decodes.
const (
	sizePhysExtKey = 8
	sizePhysExtVal = 20
)

// CheckFooter validates the root node's info footer against the totals
// accumulated while walking the tree and against the fixed and longest
// key/value sizes each personality requires. Only the object map declares
// a fixed key/value size; every other personality must declare zero and
// is checked on its longest-key/value fields instead. The catalog's
// longest fields only ever grow, so they're checked with a lower bound;
// the object map and extent reference tree have one fixed record shape,
// so theirs are checked for exact equality. The snapshot metadata tree
// isn't decoded beyond its structural checks, so a nonzero longest field
// there is reported as unsupported rather than treated as corruption.
func CheckFooter(b *Btree, blockSize int, sink *report.Sink) {
	f := readFooter(b.Root.raw, blockSize)
	block := uint64(b.Root.Object.BlockNr)

	if f.NodeSize != uint32(blockSize) {
		report.FatalAtBlock(b.Type.String(), block, "wrong node size in b-tree info")
	}
	if f.KeyCount != b.KeyCount {
		report.FatalAtBlock(b.Type.String(), block, "wrong key count in b-tree info")
	}
	if f.NodeCount != b.NodeCount {
		report.FatalAtBlock(b.Type.String(), block, "wrong node count in b-tree info")
	}

	if b.Type == OMAP {
		if f.KeySize != sizeOmapKey {
			report.FatalAtBlock(b.Type.String(), block, "wrong key size in b-tree info")
		}
		if f.ValSize != sizeOmapVal {
			report.FatalAtBlock(b.Type.String(), block, "wrong value size in b-tree info")
		}
		if f.LongestKey != sizeOmapKey {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest key in b-tree info")
		}
		if f.LongestVal != sizeOmapVal {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest value in b-tree info")
		}
		return
	}

	if f.KeySize != 0 {
		report.FatalAtBlock(b.Type.String(), block, "key size should not be set")
	}
	if f.ValSize != 0 {
		report.FatalAtBlock(b.Type.String(), block, "value size should not be set")
	}

	switch b.Type {
	case CATALOG:
		if f.LongestKey < b.LongestKey {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest key in b-tree info")
		}
		if f.LongestVal < b.LongestVal {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest value in b-tree info")
		}
	case EXTENTREF:
		if f.LongestKey != sizePhysExtKey {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest key in b-tree info")
		}
		if f.LongestVal != sizePhysExtVal {
			report.FatalAtBlock(b.Type.String(), block, "wrong longest value in b-tree info")
		}
	case SNAPMETA:
		if f.LongestKey != 0 || f.LongestVal != 0 {
			sink.Unsupported("Snapshots", fmt.Sprintf("nonzero longest key/value in b-tree info (block %d)", block))
		}
	}
}
