package object

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// mockDevice implements interfaces.BlockDeviceReader over a fixed-size,
// in-memory block map, mirroring the checker's real device adapters.
type mockDevice struct {
	blockSize uint32
	blocks    map[types.Paddr][]byte
}

func newMockDevice(blockSize uint32) *mockDevice {
	return &mockDevice{blockSize: blockSize, blocks: make(map[types.Paddr][]byte)}
}

func (m *mockDevice) ReadBlock(address types.Paddr) ([]byte, error) {
	b, ok := m.blocks[address]
	if !ok {
		return nil, fmt.Errorf("no block at %d", address)
	}
	return b, nil
}

func (m *mockDevice) ReadBlockRange(start types.Paddr, count uint32) ([]byte, error) {
	var out []byte
	for i := uint32(0); i < count; i++ {
		b, err := m.ReadBlock(start + types.Paddr(i))
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

func (m *mockDevice) ReadBytes(address types.Paddr, offset, length uint32) ([]byte, error) {
	b, err := m.ReadBlock(address)
	if err != nil {
		return nil, err
	}
	if int(offset+length) > len(b) {
		return nil, fmt.Errorf("read beyond block boundary")
	}
	return b[offset : offset+length], nil
}

func (m *mockDevice) BlockSize() uint32   { return m.blockSize }
func (m *mockDevice) TotalBlocks() uint64 { return uint64(len(m.blocks)) }
func (m *mockDevice) TotalSize() uint64   { return uint64(len(m.blocks)) * uint64(m.blockSize) }

func (m *mockDevice) IsValidAddress(address types.Paddr) bool {
	_, ok := m.blocks[address]
	return ok
}

func (m *mockDevice) CanReadRange(start types.Paddr, count uint32) bool {
	for i := uint32(0); i < count; i++ {
		if !m.IsValidAddress(start + types.Paddr(i)) {
			return false
		}
	}
	return true
}

func sealedBlock(blockSize int, oid uint64, xid uint64, otype, osubtype uint32) []byte {
	raw := make([]byte, blockSize)
	binary.LittleEndian.PutUint64(raw[8:16], oid)
	binary.LittleEndian.PutUint64(raw[16:24], xid)
	binary.LittleEndian.PutUint32(raw[24:28], otype)
	binary.LittleEndian.PutUint32(raw[28:32], osubtype)

	for i := 0; i < types.MaxCksumSize; i++ {
		raw[i] = 0
	}
	sum := fletcher64(raw)
	copy(raw[0:types.MaxCksumSize], sum[:])
	return raw
}

func recoverFatal(f func()) error {
	var err error
	func() {
		defer func() { err = report.Recover(recover()) }()
		f()
	}()
	return err
}

type fixedResolver struct {
	addr types.Paddr
	err  error
}

func (r fixedResolver) Resolve(oid types.OidT, xid types.XidT) (types.Paddr, error) {
	return r.addr, r.err
}

func TestRead_ValidBlock(t *testing.T) {
	device := newMockDevice(4096)
	device.blocks[5] = sealedBlock(4096, 5, 3, types.ObjectTypeBtree, types.ObjectTypeOmap)

	r := NewReader(device)
	obj := r.Read(types.OidT(5), types.XidT(3), nil)

	if obj.Xid() != 3 {
		t.Errorf("Xid() = %d, want 3", obj.Xid())
	}
	if obj.Type() != types.ObjectTypeBtree {
		t.Errorf("Type() = %d, want %d", obj.Type(), types.ObjectTypeBtree)
	}
	if obj.Subtype() != types.ObjectTypeOmap {
		t.Errorf("Subtype() = %d, want %d", obj.Subtype(), types.ObjectTypeOmap)
	}
	if obj.BlockNr != 5 {
		t.Errorf("BlockNr = %d, want 5", obj.BlockNr)
	}
}

func TestRead_ChecksumMismatch(t *testing.T) {
	device := newMockDevice(4096)
	raw := sealedBlock(4096, 5, 3, types.ObjectTypeBtree, 0)
	raw[100] ^= 0xFF // corrupt a payload byte without touching the checksum
	device.blocks[5] = raw

	r := NewReader(device)
	err := recoverFatal(func() { r.Read(types.OidT(5), types.XidT(3), nil) })
	if err == nil {
		t.Fatal("expected a fatal error for a checksum mismatch")
	}
}

func TestRead_ShortRead(t *testing.T) {
	device := newMockDevice(4096)
	device.blocks[5] = make([]byte, 100) // far short of the declared block size

	r := NewReader(device)
	err := recoverFatal(func() { r.Read(types.OidT(5), types.XidT(1), nil) })
	if err == nil {
		t.Fatal("expected a fatal error for a short read")
	}
}

func TestRead_MissingBlock(t *testing.T) {
	device := newMockDevice(4096)

	r := NewReader(device)
	err := recoverFatal(func() { r.Read(types.OidT(99), types.XidT(1), nil) })
	if err == nil {
		t.Fatal("expected a fatal error for a missing block")
	}
}

func TestRead_ResolverFailure(t *testing.T) {
	device := newMockDevice(4096)
	r := NewReader(device)

	err := recoverFatal(func() {
		r.Read(types.OidT(1), types.XidT(1), fixedResolver{err: fmt.Errorf("not found")})
	})
	if err == nil {
		t.Fatal("expected a fatal error when the resolver fails")
	}
}

func TestRead_UsesResolvedAddress(t *testing.T) {
	device := newMockDevice(4096)
	device.blocks[42] = sealedBlock(4096, 1, 1, types.ObjectTypeOmap, 0)

	r := NewReader(device)
	obj := r.Read(types.OidT(1), types.XidT(1), fixedResolver{addr: 42})
	if obj.BlockNr != 42 {
		t.Errorf("BlockNr = %d, want 42 (the resolved address, not the oid)", obj.BlockNr)
	}
}
