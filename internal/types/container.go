package types

// NxMagic is the value of a container superblock's nx_magic field: 'NXSB'
// read as a little-endian uint32.
const NxMagic uint32 = 'B' | 'S'<<8 | 'X'<<16 | 'N'<<24

// NxDefaultBlockSize is the default size, in bytes, for a block.
const NxDefaultBlockSize = 4096

// NxMinimumContainerSize is the smallest supported size, in bytes, for a container.
const NxMinimumContainerSize = 1048576

// NxMinimumBlockSize is the smallest supported size, in bytes, for a block.
const NxMinimumBlockSize = 4096

// NxMaximumBlockSize is the largest supported size, in bytes, for a block.
const NxMaximumBlockSize = 65536

// NxMaxFileSystems is the maximum number of volumes that can be in a single container.
const NxMaxFileSystems = 100

// ApfsIncompatCaseInsensitive indicates filenames on a volume are case insensitive.
const ApfsIncompatCaseInsensitive uint64 = 0x00000001
