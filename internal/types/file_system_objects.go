package types

// ObjIdMask is the bit mask used to access the object identifier within a
// j_key_t header's combined obj_id_and_type field.
const ObjIdMask uint64 = 0x0fffffffffffffff

// ObjTypeMask is the bit mask used to access the record type within a
// j_key_t header's combined obj_id_and_type field.
const ObjTypeMask uint64 = 0xf000000000000000

// ObjTypeShift is the bit shift used to access the record type within a
// j_key_t header's combined obj_id_and_type field.
const ObjTypeShift uint64 = 60

// UidT is a user identifier.
type UidT uint32

// GidT is a group identifier.
type GidT uint32

// JInodeValT is the value half of an inode record.
type JInodeValT struct {
	ParentId               uint64
	PrivateId              uint64
	CreateTime             uint64
	ModTime                uint64
	ChangeTime             uint64
	AccessTime             uint64
	InternalFlags          uint64
	NchildrenOrNlink       int32
	DefaultProtectionClass CpKeyClassT
	WriteGenerationCounter uint32
	BsdFlags               uint32
	Owner                  UidT
	Group                  GidT
	Mode                   Mode
	Pad1                   uint16
	UncompressedSize       uint64
	XFields                []byte
}

const InodeHasUncompressedSize uint64 = 0x00040000

// JDrecValT is the value half of a directory entry record.
type JDrecValT struct {
	FileId    uint64
	DateAdded uint64
	Flags     uint16
	XFields   []byte
}

const DrecTypeMask uint16 = 0x000f

// JXattrValT is the value half of an extended attribute record.
type JXattrValT struct {
	Flags    uint16
	XdataLen uint16
	Xdata    []byte
}

const (
	XattrDataStream   uint16 = 0x0001
	XattrDataEmbedded uint16 = 0x0002
)

// JPhysExtValT is the value half of a physical extent record.
type JPhysExtValT struct {
	LenAndKind  uint64
	OwningObjId uint64
	Refcnt      int32
}

const (
	PextLenMask   uint64 = 0x0fffffffffffffff
	PextKindMask  uint64 = 0xf000000000000000
	PextKindShift uint64 = 60
)

// JFileExtentValT is the value half of a file extent record.
type JFileExtentValT struct {
	LenAndFlags  uint64
	PhysBlockNum uint64
	CryptoId     uint64
}

const (
	JFileExtentLenMask   uint64 = 0x00ffffffffffffff
	JFileExtentFlagMask  uint64 = 0xff00000000000000
	JFileExtentFlagShift uint64 = 56
)

// JSiblingValT is the value half of a sibling-link record.
type JSiblingValT struct {
	ParentId uint64
	NameLen  uint16
	Name     []byte
}

// JSiblingMapValT is the value half of a sibling-map record.
type JSiblingMapValT struct {
	FileId uint64
}

// JDstreamIdValT is the value half of a data stream record.
type JDstreamIdValT struct {
	Refcnt uint32
}
