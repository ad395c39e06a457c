// Package record decodes and validates the fixed-plus-variable-trailer
// values stored in catalog and extent reference tree leaves: inodes,
// directory entries, extended attributes, file and physical extents, and
// hard-link siblings.
package record

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

const inodeFixedSize = 56 + 4 + 4*5 + 2 + 2 + 8 // 92 bytes before extended fields

// ParseInode decodes an inode record's value. XFields, if present, is kept
// as raw bytes; this checker doesn't validate extended-field contents.
func ParseInode(raw []byte, sink *report.Sink) types.JInodeValT {
	if len(raw) < inodeFixedSize {
		report.Fatal("Catalog", "inode record is too small: %d bytes", len(raw))
	}
	v := types.JInodeValT{
		ParentId:               binary.LittleEndian.Uint64(raw[0:8]),
		PrivateId:              binary.LittleEndian.Uint64(raw[8:16]),
		CreateTime:             binary.LittleEndian.Uint64(raw[16:24]),
		ModTime:                binary.LittleEndian.Uint64(raw[24:32]),
		ChangeTime:             binary.LittleEndian.Uint64(raw[32:40]),
		AccessTime:             binary.LittleEndian.Uint64(raw[40:48]),
		InternalFlags:          binary.LittleEndian.Uint64(raw[48:56]),
		NchildrenOrNlink:       int32(binary.LittleEndian.Uint32(raw[56:60])),
		DefaultProtectionClass: types.CpKeyClassT(binary.LittleEndian.Uint32(raw[60:64])),
		WriteGenerationCounter: binary.LittleEndian.Uint32(raw[64:68]),
		BsdFlags:               binary.LittleEndian.Uint32(raw[68:72]),
		Owner:                  types.UidT(binary.LittleEndian.Uint32(raw[72:76])),
		Group:                  types.GidT(binary.LittleEndian.Uint32(raw[76:80])),
		Mode:                   types.Mode(binary.LittleEndian.Uint16(raw[80:82])),
		Pad1:                   binary.LittleEndian.Uint16(raw[82:84]),
		UncompressedSize:       binary.LittleEndian.Uint64(raw[84:92]),
	}
	if len(raw) > inodeFixedSize {
		v.XFields = raw[inodeFixedSize:]
		sink.Unsupported("inode extended fields", "not validated")
	}

	isDir := v.Mode&types.ModeIFMT == types.ModeIFDIR
	if v.NchildrenOrNlink < 0 {
		if isDir {
			report.Fatal("Catalog", "directory has a negative child count")
		}
		report.Fatal("Catalog", "file has a negative link count")
	}
	return v
}

const drecFixedSize = 8 + 8 + 2

// ParseDirRec decodes a directory entry record's value.
func ParseDirRec(raw []byte, sink *report.Sink) types.JDrecValT {
	if len(raw) < drecFixedSize {
		report.Fatal("Catalog", "directory entry record is too small: %d bytes", len(raw))
	}
	v := types.JDrecValT{
		FileId:    binary.LittleEndian.Uint64(raw[0:8]),
		DateAdded: binary.LittleEndian.Uint64(raw[8:16]),
		Flags:     binary.LittleEndian.Uint16(raw[16:18]),
	}
	if len(raw) > drecFixedSize {
		v.XFields = raw[drecFixedSize:]
		sink.Unsupported("directory entry extended fields", "not validated")
	}
	return v
}

const xattrFixedSize = 2 + 2

// ParseXattr decodes an extended attribute record's value. Exactly one of
// the data-embedded or data-stream flags must be set.
func ParseXattr(raw []byte) types.JXattrValT {
	if len(raw) < xattrFixedSize {
		report.Fatal("Catalog", "xattr record is too small: %d bytes", len(raw))
	}
	v := types.JXattrValT{
		Flags:    binary.LittleEndian.Uint16(raw[0:2]),
		XdataLen: binary.LittleEndian.Uint16(raw[2:4]),
	}
	v.Xdata = raw[xattrFixedSize:]

	embedded := v.Flags&types.XattrDataEmbedded != 0
	stream := v.Flags&types.XattrDataStream != 0
	if embedded == stream {
		report.Fatal("Catalog", "xattr record must set exactly one of embedded or data-stream")
	}
	if embedded && int(v.XdataLen) != len(v.Xdata) {
		report.Fatal("Catalog", "xattr embedded data length doesn't match its record size")
	}
	if stream && len(v.Xdata) != 8 {
		report.Fatal("Catalog", "xattr data-stream record doesn't contain a data stream id")
	}
	return v
}

const physExtSize = 8 + 8 + 4

// ParsePhysExt decodes an extent reference tree leaf value.
func ParsePhysExt(raw []byte) types.JPhysExtValT {
	if len(raw) != physExtSize {
		report.Fatal("Extent reference tree", "wrong size for physical extent record: %d bytes", len(raw))
	}
	v := types.JPhysExtValT{
		LenAndKind:  binary.LittleEndian.Uint64(raw[0:8]),
		OwningObjId: binary.LittleEndian.Uint64(raw[8:16]),
		Refcnt:      int32(binary.LittleEndian.Uint32(raw[16:20])),
	}
	length := v.LenAndKind & types.PextLenMask
	if length == 0 {
		report.Fatal("Extent reference tree", "physical extent has zero length")
	}
	if v.Refcnt < 0 {
		report.Fatal("Extent reference tree", "physical extent has a negative reference count")
	}
	return v
}

const fileExtentSize = 8 + 8 + 8

// ParseFileExtent decodes a file extent record's value.
func ParseFileExtent(raw []byte) types.JFileExtentValT {
	if len(raw) != fileExtentSize {
		report.Fatal("Catalog", "wrong size for file extent record: %d bytes", len(raw))
	}
	v := types.JFileExtentValT{
		LenAndFlags:  binary.LittleEndian.Uint64(raw[0:8]),
		PhysBlockNum: binary.LittleEndian.Uint64(raw[8:16]),
		CryptoId:     binary.LittleEndian.Uint64(raw[16:24]),
	}
	length := v.LenAndFlags & types.JFileExtentLenMask
	if length == 0 {
		report.Fatal("Catalog", "file extent has zero length")
	}
	return v
}

const siblingFixedSize = 8 + 2

// ParseSibling decodes a sibling-link record's value.
func ParseSibling(raw []byte) types.JSiblingValT {
	if len(raw) < siblingFixedSize {
		report.Fatal("Catalog", "sibling link record is too small: %d bytes", len(raw))
	}
	v := types.JSiblingValT{
		ParentId: binary.LittleEndian.Uint64(raw[0:8]),
		NameLen:  binary.LittleEndian.Uint16(raw[8:10]),
	}
	v.Name = raw[siblingFixedSize:]
	if int(v.NameLen) != len(v.Name) {
		report.Fatal("Catalog", "sibling link name length doesn't match its record size")
	}
	if len(v.Name) == 0 || v.Name[len(v.Name)-1] != 0 {
		report.Fatal("Catalog", "sibling link name lacks NULL-termination")
	}
	return v
}

const siblingMapSize = 8

// ParseSiblingMap decodes a sibling-map record's value.
func ParseSiblingMap(raw []byte) types.JSiblingMapValT {
	if len(raw) != siblingMapSize {
		report.Fatal("Catalog", "wrong size for sibling map record: %d bytes", len(raw))
	}
	return types.JSiblingMapValT{FileId: binary.LittleEndian.Uint64(raw[0:8])}
}

const dstreamIdSize = 4

// ParseDstreamId decodes a data stream record's value.
func ParseDstreamId(raw []byte) types.JDstreamIdValT {
	if len(raw) != dstreamIdSize {
		report.Fatal("Catalog", "wrong size for data stream record: %d bytes", len(raw))
	}
	return types.JDstreamIdValT{Refcnt: binary.LittleEndian.Uint32(raw[0:4])}
}
