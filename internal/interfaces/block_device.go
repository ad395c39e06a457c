// File: internal/interfaces/block_device.go
package interfaces

import (
	"github.com/deploymenttheory/apfsck/internal/types"
)

// BlockDeviceReader provides methods for reading from block devices
type BlockDeviceReader interface {
	// ReadBlock reads a single block at the specified address
	ReadBlock(address types.Paddr) ([]byte, error)

	// ReadBlockRange reads multiple consecutive blocks
	ReadBlockRange(start types.Paddr, count uint32) ([]byte, error)

	// ReadBytes reads a specific number of bytes starting at a block address and offset
	ReadBytes(address types.Paddr, offset uint32, length uint32) ([]byte, error)

	// BlockSize returns the size of a single block in bytes
	BlockSize() uint32

	// TotalBlocks returns the total number of blocks on the device
	TotalBlocks() uint64

	// TotalSize returns the total size of the device in bytes
	TotalSize() uint64

	// IsValidAddress checks if a block address is valid
	IsValidAddress(address types.Paddr) bool

	// CanReadRange checks if a range of blocks can be read
	CanReadRange(start types.Paddr, count uint32) bool
}
