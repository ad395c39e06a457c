// Package key decodes on-disk B-tree keys into the tree-agnostic Key tuple
// and implements the comparison and hashing rules used to order and verify
// them.
package key

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// Key is the decoded, tree-agnostic form of any B-tree key: an object id,
// a record type (zero outside the catalog), a secondary ordering number, and
// an optional name. Comparison is lexicographic over those fields in order.
type Key struct {
	Id      uint64
	Type    types.JObjType
	Number  uint64
	Name    string
	HasName bool
}

const omapKeySize = 16 // sizeof(apfs_omap_key): 8-byte oid + 8-byte xid

// ReadOmapKey decodes a raw object-map key. The xid occupies the Number
// field so that keys sort by (oid, xid) ascending, matching how the object
// map actually orders versioned entries.
func ReadOmapKey(raw []byte) Key {
	if len(raw) != omapKeySize {
		report.Fatal("Object map", "wrong size of key in object map")
	}
	return Key{
		Id:     binary.LittleEndian.Uint64(raw[0:8]),
		Number: binary.LittleEndian.Uint64(raw[8:16]),
	}
}

const keyHeaderSize = 8 // sizeof(j_key_t): one obj_id_and_type field

func catType(hdr uint64) types.JObjType {
	return types.JObjType((hdr & types.ObjTypeMask) >> types.ObjTypeShift)
}

func catCnid(hdr uint64) uint64 {
	return hdr & types.ObjIdMask
}

// ReadCatKey decodes a raw catalog key, dispatching on the record type
// stored in its header to a per-type decoder.
func ReadCatKey(raw []byte) Key {
	if len(raw) < keyHeaderSize {
		report.Fatal("Catalog", "key too small in catalog tree")
	}
	hdr := binary.LittleEndian.Uint64(raw[0:8])
	k := Key{Id: catCnid(hdr), Type: catType(hdr)}

	switch k.Type {
	case types.JObjTypeDirRec:
		readDirRecKey(raw, &k)
	case types.JObjTypeXattr:
		readXattrKey(raw, &k)
	case types.JObjTypeFileExtent:
		readFileExtentKey(raw, &k)
	case types.JObjTypeSnapName:
		readSnapNameKey(raw, &k)
	case types.JObjTypeSiblingLink:
		readSiblingLinkKey(raw, &k)
	default:
		if len(raw) != keyHeaderSize {
			report.Fatal("Catalog", "wrong size of key for catalog record")
		}
	}
	return k
}

func readDirRecKey(raw []byte, k *Key) {
	if len(raw) < keyHeaderSize+4+1 {
		report.Fatal("Catalog", "wrong size for directory record key")
	}
	if raw[len(raw)-1] != 0 {
		report.Fatal("Catalog", "filename lacks NULL-termination")
	}
	nameLenAndHash := binary.LittleEndian.Uint32(raw[keyHeaderSize : keyHeaderSize+4])
	name := string(raw[keyHeaderSize+4 : len(raw)-1])

	k.Number = uint64(nameLenAndHash)
	k.Name = name
	k.HasName = true

	if nameLenAndHash != DentryHash(name) {
		report.Fatal("Catalog", "corrupted dentry hash")
	}
	namelen := int(nameLenAndHash & drecLenMask)
	if len(name)+1 != namelen {
		report.Fatal("Catalog", "wrong name length in dentry key")
	}
	if len(raw) != keyHeaderSize+4+namelen {
		report.Fatal("Catalog", "size of dentry key doesn't match the name length")
	}
}

func readXattrKey(raw []byte, k *Key) {
	if len(raw) < keyHeaderSize+2+1 {
		report.Fatal("Catalog", "wrong size for xattr record key")
	}
	if raw[len(raw)-1] != 0 {
		report.Fatal("Catalog", "xattr name lacks NULL-termination")
	}
	nameLen := binary.LittleEndian.Uint16(raw[keyHeaderSize : keyHeaderSize+2])
	name := string(raw[keyHeaderSize+2 : len(raw)-1])

	k.Name = name
	k.HasName = true

	if len(name)+1 != int(nameLen) {
		report.Fatal("Catalog", "wrong name length in xattr key")
	}
	if len(raw) != keyHeaderSize+2+int(nameLen) {
		report.Fatal("Catalog", "size of xattr key doesn't match the name length")
	}
}

func readSnapNameKey(raw []byte, k *Key) {
	if len(raw) < keyHeaderSize+2+1 {
		report.Fatal("Catalog", "wrong size for snapshot name record key")
	}
	if raw[len(raw)-1] != 0 {
		report.Fatal("Catalog", "snapshot name lacks NULL-termination")
	}
	nameLen := binary.LittleEndian.Uint16(raw[keyHeaderSize : keyHeaderSize+2])
	name := string(raw[keyHeaderSize+2 : len(raw)-1])

	k.Name = name
	k.HasName = true

	if len(name)+1 != int(nameLen) {
		report.Fatal("Catalog", "wrong name length in snapshot name key")
	}
	if len(raw) != keyHeaderSize+2+int(nameLen) {
		report.Fatal("Catalog", "size of snapshot name key doesn't match its length")
	}
}

func readFileExtentKey(raw []byte, k *Key) {
	const size = keyHeaderSize + 8
	if len(raw) != size {
		report.Fatal("Catalog", "wrong size of key for extent record")
	}
	k.Number = binary.LittleEndian.Uint64(raw[keyHeaderSize : keyHeaderSize+8])
}

func readSiblingLinkKey(raw []byte, k *Key) {
	const size = keyHeaderSize + 8
	if len(raw) != size {
		report.Fatal("Catalog", "wrong size of key for sibling link record")
	}
	k.Number = binary.LittleEndian.Uint64(raw[keyHeaderSize : keyHeaderSize+8])
}

// ReadExtentRefKey decodes a raw extent-reference key: a bare object header
// whose id field holds the physical block number of the extent's first
// block, the same addressing convention file extent keys use for offsets.
func ReadExtentRefKey(raw []byte) Key {
	if len(raw) != keyHeaderSize {
		report.Fatal("Extent reference tree", "wrong size of key for extent reference record")
	}
	hdr := binary.LittleEndian.Uint64(raw[0:8])
	return Key{Id: hdr & types.ObjIdMask}
}

const (
	drecLenMask   uint32 = 0x000003ff
	drecHashMask  uint32 = 0xfffff400
	drecHashShift        = 10
)

// Cmp compares two decoded keys as (id, type, number, name), returning a
// value <0, 0, or >0 the way bytes.Compare does. A key with no name compares
// equal to any key, named or not, at the same (id, type, number) position.
// xattr names compare byte-for-byte; all other names use normalized,
// case-fold-aware Unicode comparison.
func Cmp(a, b Key) int {
	if a.Id != b.Id {
		if a.Id < b.Id {
			return -1
		}
		return 1
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	if a.Number != b.Number {
		if a.Number < b.Number {
			return -1
		}
		return 1
	}
	if !a.HasName || !b.HasName {
		return 0
	}
	if a.Type == types.JObjTypeXattr {
		if a.Name < b.Name {
			return -1
		}
		if a.Name > b.Name {
			return 1
		}
		return 0
	}
	return filenameCompare(a.Name, b.Name)
}
