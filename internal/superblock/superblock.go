// Package superblock loads the container superblock and the volume
// superblocks it references, exposing the handful of fields the checker
// needs to locate and validate a volume's trees.
package superblock

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

const nxMagic = uint32('N') | uint32('X')<<8 | uint32('S')<<16 | uint32('B')<<24
const apfsMagic = uint32('A') | uint32('P')<<8 | uint32('S')<<16 | uint32('B')<<24

// Container is the decoded subset of a container superblock (nx_superblock_t).
type Container struct {
	Object *object.Object

	BlockSize uint32
	NextXid   types.XidT
	OmapOid   types.OidT

	// VolumeOids holds every nonzero entry of nx_fs_oid, in array order.
	VolumeOids []types.OidT
}

// LoadContainer reads and validates the container superblock, always stored
// at block zero regardless of its own object id.
func LoadContainer(reader *object.Reader) *Container {
	obj := reader.Read(types.OidT(0), types.XidInvalid, nil)
	raw := obj.Raw

	if obj.Type() != types.ObjectTypeNxSuperblock {
		report.FatalAtBlock("Container", uint64(obj.BlockNr), "block zero is not a container superblock")
	}
	if len(raw) < 984 {
		report.FatalAtBlock("Container", uint64(obj.BlockNr), "container superblock is truncated")
	}
	if binary.LittleEndian.Uint32(raw[32:36]) != nxMagic {
		report.FatalAtBlock("Container", uint64(obj.BlockNr), "wrong magic number in container superblock")
	}

	c := &Container{
		Object:    obj,
		BlockSize: binary.LittleEndian.Uint32(raw[36:40]),
		NextXid:   types.XidT(binary.LittleEndian.Uint64(raw[96:104])),
		OmapOid:   types.OidT(binary.LittleEndian.Uint64(raw[160:168])),
	}
	if c.BlockSize < types.NxMinimumBlockSize || c.BlockSize > types.NxMaximumBlockSize {
		report.FatalAtBlock("Container", uint64(obj.BlockNr), "container block size is out of range")
	}

	const fsOidBase = 184
	for i := 0; i < types.NxMaxFileSystems; i++ {
		oid := types.OidT(binary.LittleEndian.Uint64(raw[fsOidBase+i*8 : fsOidBase+i*8+8]))
		if oid != 0 {
			c.VolumeOids = append(c.VolumeOids, oid)
		}
	}
	return c
}

// Volume is the decoded subset of a volume superblock (apfs_superblock_t).
type Volume struct {
	Object *object.Object

	Name           string
	CaseSensitive  bool
	OmapOid        types.OidT
	RootTreeOid    types.OidT
	ExtentrefOid   types.OidT
	SnapMetaOid    types.OidT
}

// LoadVolume reads and validates one volume superblock, resolving its
// virtual object id through resolver (the container's object map).
func LoadVolume(reader *object.Reader, resolver object.Resolver, fsOid types.OidT, xid types.XidT) *Volume {
	obj := reader.Read(fsOid, xid, resolver)
	raw := obj.Raw

	if obj.Type() != types.ObjectTypeFs {
		report.FatalAtBlock("Volume", uint64(obj.BlockNr), "volume object has the wrong type")
	}
	if len(raw) < 960 {
		report.FatalAtBlock("Volume", uint64(obj.BlockNr), "volume superblock is truncated")
	}
	if binary.LittleEndian.Uint32(raw[32:36]) != apfsMagic {
		report.FatalAtBlock("Volume", uint64(obj.BlockNr), "wrong magic number in volume superblock")
	}

	incompatFeatures := binary.LittleEndian.Uint64(raw[56:64])

	v := &Volume{
		Object:        obj,
		CaseSensitive: incompatFeatures&types.ApfsIncompatCaseInsensitive == 0,
		OmapOid:       types.OidT(binary.LittleEndian.Uint64(raw[128:136])),
		RootTreeOid:   types.OidT(binary.LittleEndian.Uint64(raw[136:144])),
		ExtentrefOid:  types.OidT(binary.LittleEndian.Uint64(raw[144:152])),
		SnapMetaOid:   types.OidT(binary.LittleEndian.Uint64(raw[152:160])),
	}

	nameBytes := raw[704:960]
	nul := len(nameBytes)
	for i, b := range nameBytes {
		if b == 0 {
			nul = i
			break
		}
	}
	v.Name = string(nameBytes[:nul])

	return v
}
