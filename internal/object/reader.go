// Package object implements the checker's object-reading collaborator: it
// resolves an object id to a block, verifies the block's Fletcher-64
// checksum, and hands back the decoded object header alongside the raw
// payload. The header's object id and transaction id are decoded but not
// compared against the ones requested.
package object

import (
	"encoding/binary"

	"github.com/deploymenttheory/apfsck/internal/interfaces"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// Object is the materialized result of reading one on-disk block: its
// decoded header plus the physical block number it was read from.
type Object struct {
	Header  types.ObjPhysT
	BlockNr types.Paddr
	Raw     []byte
}

// Type returns the object's type with flag bits masked away.
func (o *Object) Type() uint32 { return o.Header.OType & types.ObjectTypeMask }

// Subtype returns the object's subtype.
func (o *Object) Subtype() uint32 { return o.Header.OSubtype }

// Xid returns the transaction identifier the object was last written under.
func (o *Object) Xid() types.XidT { return o.Header.OXid }

// Resolver translates a logical object id to a physical block number,
// implemented by an object map lookup. Physical trees pass a nil Resolver
// to Reader.Read, since their object ids already are block numbers.
type Resolver interface {
	Resolve(oid types.OidT, xid types.XidT) (types.Paddr, error)
}

// Reader materializes objects from a block device.
type Reader struct {
	Device    interfaces.BlockDeviceReader
	BlockSize uint32
}

// NewReader constructs a Reader bound to the given block device.
func NewReader(device interfaces.BlockDeviceReader) *Reader {
	return &Reader{Device: device, BlockSize: device.BlockSize()}
}

// Read resolves oid to a block (directly, or via resolver when non-nil),
// reads exactly one block, verifies its checksum, and returns the decoded
// object header alongside the raw block. Any I/O failure, undersized read,
// or checksum mismatch is fatal.
func (r *Reader) Read(oid types.OidT, xid types.XidT, resolver Resolver) *Object {
	block := types.Paddr(oid)
	if resolver != nil {
		resolved, err := resolver.Resolve(oid, xid)
		if err != nil {
			report.Fatal("object reader", "failed to resolve object %d at xid %d: %v", oid, xid, err)
		}
		block = resolved
	}

	raw, err := r.Device.ReadBlock(block)
	if err != nil {
		report.FatalAtBlock("object reader", uint64(block), "failed to read block: %v", err)
	}
	if uint32(len(raw)) != r.BlockSize {
		report.FatalAtBlock("object reader", uint64(block), "short read: got %d bytes, want %d", len(raw), r.BlockSize)
	}

	hdr := decodeHeader(raw)
	if !verifyChecksum(raw, hdr.OChecksum) {
		report.FatalAtBlock("object reader", uint64(block), "checksum mismatch")
	}

	return &Object{Header: hdr, BlockNr: block, Raw: raw}
}

func decodeHeader(raw []byte) types.ObjPhysT {
	var hdr types.ObjPhysT
	copy(hdr.OChecksum[:], raw[0:types.MaxCksumSize])
	hdr.OOid = types.OidT(binary.LittleEndian.Uint64(raw[8:16]))
	hdr.OXid = types.XidT(binary.LittleEndian.Uint64(raw[16:24]))
	hdr.OType = binary.LittleEndian.Uint32(raw[24:28])
	hdr.OSubtype = binary.LittleEndian.Uint32(raw[28:32])
	return hdr
}

func verifyChecksum(raw []byte, want [types.MaxCksumSize]byte) bool {
	if len(raw)%4 != 0 {
		return false
	}
	payload := make([]byte, len(raw))
	copy(payload, raw)
	for i := 0; i < types.MaxCksumSize; i++ {
		payload[i] = 0
	}
	return fletcher64(payload) == want
}

// fletcher64 computes the Fletcher-64 checksum APFS uses for every object
// header, processing the payload in 1024-word (4096-byte) chunks so the
// running sums never overflow before their modulo reduction.
func fletcher64(data []byte) [types.MaxCksumSize]byte {
	const modulus = uint64(0xFFFFFFFF)
	const chunkWords = 1024

	var sum1, sum2 uint64
	for offset := 0; offset < len(data); offset += chunkWords * 4 {
		end := offset + chunkWords*4
		if end > len(data) {
			end = len(data)
		}
		for i := offset; i+4 <= end; i += 4 {
			word := binary.LittleEndian.Uint32(data[i : i+4])
			sum1 += uint64(word)
			sum2 += sum1
		}
		sum1 %= modulus
		sum2 %= modulus
	}

	var checksum [types.MaxCksumSize]byte
	binary.LittleEndian.PutUint64(checksum[:], (sum2<<32)|sum1)
	return checksum
}
