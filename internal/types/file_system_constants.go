package types

// File-System Constants
// Reference: Apple File System Reference, pages 683-744

// JObjType represents the type of a file-system record.
// Used in B-tree keys to identify the type of data stored.
// Reference: page 687
type JObjType uint8

const (
	// JObjTypeAny matches any record type.
	JObjTypeAny JObjType = 0

	// JObjTypeInode marks an inode record.
	JObjTypeInode JObjType = 3

	// JObjTypeXattr marks an extended attribute record.
	JObjTypeXattr JObjType = 4

	// JObjTypeSiblingLink marks a sibling link record.
	JObjTypeSiblingLink JObjType = 5

	// JObjTypeDStreamID marks a data stream ID record.
	JObjTypeDStreamID JObjType = 6

	// JObjTypeFileExtent marks a file extent record.
	JObjTypeFileExtent JObjType = 8

	// JObjTypeDirRec marks a directory record.
	JObjTypeDirRec JObjType = 9

	// JObjTypeSnapName marks a snapshot name record.
	JObjTypeSnapName JObjType = 11

	// JObjTypeSiblingMap marks a sibling map record.
	JObjTypeSiblingMap JObjType = 12
)

// File Modes
// The values used by the mode field of j_inode_val_t to indicate a file's
// mode. These follow POSIX file type conventions.
// Reference: page 728

// Mode represents file mode bits for inodes.
type Mode uint16

const (
	// ModeIFMT is the bit mask for the file type field.
	ModeIFMT Mode = 0o170000

	// ModeIFDIR marks a directory file.
	ModeIFDIR Mode = 0o040000
)
