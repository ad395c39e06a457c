package btree

import (
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// MockBlockDeviceReader implements interfaces.BlockDeviceReader over an
// in-memory set of fixed-size blocks, the same shape the checker's real
// device adapters present.
type MockBlockDeviceReader struct {
	blocks map[types.Paddr][]byte
}

func newMockDevice() *MockBlockDeviceReader {
	return &MockBlockDeviceReader{blocks: make(map[types.Paddr][]byte)}
}

func (m *MockBlockDeviceReader) SetBlock(addr types.Paddr, data []byte) {
	m.blocks[addr] = data
}

func (m *MockBlockDeviceReader) ReadBlock(address types.Paddr) ([]byte, error) {
	data, ok := m.blocks[address]
	if !ok {
		return nil, fmt.Errorf("block not found at address %d", address)
	}
	return data, nil
}

func (m *MockBlockDeviceReader) ReadBlockRange(start types.Paddr, count uint32) ([]byte, error) {
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

func (m *MockBlockDeviceReader) ReadBytes(address types.Paddr, offset, length uint32) ([]byte, error) {
	b, err := m.ReadBlock(address)
	if err != nil {
		return nil, err
	}
	if int(offset+length) > len(b) {
		return nil, fmt.Errorf("read beyond block boundary")
	}
	return b[offset : offset+length], nil
}

func (m *MockBlockDeviceReader) BlockSize() uint32 { return 4096 }

func (m *MockBlockDeviceReader) TotalBlocks() uint64 { return uint64(len(m.blocks)) }

func (m *MockBlockDeviceReader) TotalSize() uint64 { return uint64(len(m.blocks)) * 4096 }

func (m *MockBlockDeviceReader) IsValidAddress(address types.Paddr) bool {
	_, ok := m.blocks[address]
	return ok
}

func (m *MockBlockDeviceReader) CanReadRange(start types.Paddr, count uint32) bool {
	for i := uint32(0); i < count; i++ {
		if !m.IsValidAddress(start + types.Paddr(i)) {
			return false
		}
	}
	return true
}

// fletcher64 reproduces the on-disk checksum algorithm so fixture blocks can
// carry a checksum the object reader will actually accept.
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

func seal(raw []byte) {
	for i := 0; i < types.MaxCksumSize; i++ {
		raw[i] = 0
	}
	sum := fletcher64(raw)
	copy(raw[0:types.MaxCksumSize], sum[:])
}

// omapNodeOpts configures buildOmapLeaf's two fixed-size records. Each
// record's value bytes are left zeroed; only the key's (id, number) pair
// and the table-of-contents placement vary between test cases.
type omapNodeOpts struct {
	id0, id1     uint64
	voff0, voff1 uint16 // value end-offsets written into the toc
	keyFreeLen   uint16
	valFreeLen   uint16
}

// buildOmapLeaf lays out a single root+leaf object map node with two fixed
// 16-byte keys and two fixed 16-byte values, following the offsets
// ReadNode/LocateKey/LocateData derive: a table of contents immediately
// after the node header, a tightly packed key area, an inert middle gap,
// and a tightly packed value area ending just before the root's info
// footer.
func buildOmapLeaf(t *testing.T, opts omapNodeOpts) []byte {
	t.Helper()
	const blockSize = 4096
	raw := make([]byte, blockSize)

	const (
		toc         = nodeHeaderSize // 56
		tocLen      = 8              // two fixed-kv entries, 4 bytes each
		keyAreaOff  = toc + tocLen   // 64
		keyAreaLen  = 32             // two 16-byte keys
		valAreaLen  = 32             // two 16-byte values
		footer      = infoFooterSize // 40
		dataOff     = blockSize - footer - valAreaLen // 4024
		freeGapLen  = dataOff - (keyAreaOff + keyAreaLen)
	)

	// object header
	binary.LittleEndian.PutUint64(raw[8:16], 10)  // oid, unchecked by the reader
	binary.LittleEndian.PutUint64(raw[16:24], 1)  // xid
	binary.LittleEndian.PutUint32(raw[24:28], types.ObjectTypeBtree)
	binary.LittleEndian.PutUint32(raw[28:32], types.ObjectTypeOmap)

	// node header
	binary.LittleEndian.PutUint16(raw[32:34], types.BtnodeRoot|types.BtnodeLeaf|types.BtnodeFixedKvSize)
	binary.LittleEndian.PutUint16(raw[34:36], 0) // level
	binary.LittleEndian.PutUint32(raw[36:40], 2) // records
	binary.LittleEndian.PutUint16(raw[40:42], 0) // table space offset
	binary.LittleEndian.PutUint16(raw[42:44], tocLen)
	binary.LittleEndian.PutUint16(raw[44:46], keyAreaLen) // "free space offset" == key area length
	binary.LittleEndian.PutUint16(raw[46:48], uint16(freeGapLen))
	binary.LittleEndian.PutUint16(raw[48:50], types.BtoffInvalid)
	binary.LittleEndian.PutUint16(raw[50:52], opts.keyFreeLen)
	binary.LittleEndian.PutUint16(raw[52:54], types.BtoffInvalid)
	binary.LittleEndian.PutUint16(raw[54:56], opts.valFreeLen)

	// table of contents: [koff(2) voff(2)] per fixed-kv record
	binary.LittleEndian.PutUint16(raw[toc+0:toc+2], 0)
	binary.LittleEndian.PutUint16(raw[toc+2:toc+4], opts.voff0)
	binary.LittleEndian.PutUint16(raw[toc+4:toc+6], 16)
	binary.LittleEndian.PutUint16(raw[toc+6:toc+8], opts.voff1)

	// keys: sizeof(apfs_omap_key) = oid(8) + xid(8)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+0:keyAreaOff+8], opts.id0)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+8:keyAreaOff+16], 1)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+16:keyAreaOff+24], opts.id1)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+24:keyAreaOff+32], 1)

	// values are left zeroed; OMAP leaf values aren't decoded by the walker.

	// root info footer
	fbase := blockSize - footer
	binary.LittleEndian.PutUint32(raw[fbase+0:fbase+4], 0)
	binary.LittleEndian.PutUint32(raw[fbase+4:fbase+8], blockSize)
	binary.LittleEndian.PutUint32(raw[fbase+8:fbase+12], 16) // key size
	binary.LittleEndian.PutUint32(raw[fbase+12:fbase+16], 16) // value size
	binary.LittleEndian.PutUint32(raw[fbase+16:fbase+20], 16) // longest key
	binary.LittleEndian.PutUint32(raw[fbase+20:fbase+24], 16) // longest value
	binary.LittleEndian.PutUint64(raw[fbase+24:fbase+32], 2)  // key count
	binary.LittleEndian.PutUint64(raw[fbase+32:fbase+40], 1)  // node count

	seal(raw)
	return raw
}

func newOmapTree(t *testing.T, opts omapNodeOpts) (*Btree, *object.Reader) {
	t.Helper()
	device := newMockDevice()
	device.SetBlock(10, buildOmapLeaf(t, opts))

	reader := object.NewReader(device)
	b := &Btree{Type: OMAP, Xid: 1}
	b.Root = ReadNode(reader, b, types.OidT(10), true)
	return b, reader
}

func runCheck(t *testing.T, b *Btree, reader *object.Reader) error {
	t.Helper()
	sink := report.NewSink()
	var err error
	func() {
		defer func() { err = report.Recover(recover()) }()
		b.Check(reader, sink)
		CheckFooter(b, int(reader.BlockSize), sink)
	}()
	return err
}

func validOpts() omapNodeOpts {
	return omapNodeOpts{id0: 100, id1: 200, voff0: 16, voff1: 32}
}

func TestOmapLeaf_Valid(t *testing.T) {
	b, reader := newOmapTree(t, validOpts())
	if err := runCheck(t, b, reader); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.KeyCount != 2 {
		t.Errorf("KeyCount = %d, want 2", b.KeyCount)
	}
	if b.NodeCount != 1 {
		t.Errorf("NodeCount = %d, want 1", b.NodeCount)
	}
}

func TestOmapLeaf_OutOfOrderRecords(t *testing.T) {
	opts := validOpts()
	opts.id0, opts.id1 = 200, 100 // descending: violates strict ascending order
	b, reader := newOmapTree(t, opts)

	err := runCheck(t, b, reader)
	assertFatalContains(t, err, "ascending order")
}

func TestOmapLeaf_OverlappingValues(t *testing.T) {
	opts := validOpts()
	opts.voff1 = opts.voff0 // both records claim the same value bytes
	b, reader := newOmapTree(t, opts)

	err := runCheck(t, b, reader)
	assertFatalContains(t, err, "overlapping record data")
}

// buildOmapLeafOrphanFreeSpace widens the value area by 32 bytes beyond the
// two records' combined footprint and links only half of the resulting gap
// into the free list, leaving the rest an unlisted orphan. The free list
// itself walks cleanly; the mismatch only surfaces when the reconciler
// compares its declared total against the true unused byte count.
func buildOmapLeafOrphanFreeSpace(t *testing.T) []byte {
	t.Helper()
	const blockSize = 4096
	raw := make([]byte, blockSize)

	const (
		toc        = nodeHeaderSize
		tocLen     = 8
		keyAreaOff = toc + tocLen
		keyAreaLen = 32
		valAreaLen = 64
		footer     = infoFooterSize
		dataOff    = blockSize - footer - valAreaLen
		freeGapLen = dataOff - (keyAreaOff + keyAreaLen)
	)

	binary.LittleEndian.PutUint64(raw[8:16], 10)
	binary.LittleEndian.PutUint64(raw[16:24], 1)
	binary.LittleEndian.PutUint32(raw[24:28], types.ObjectTypeBtree)
	binary.LittleEndian.PutUint32(raw[28:32], types.ObjectTypeOmap)

	binary.LittleEndian.PutUint16(raw[32:34], types.BtnodeRoot|types.BtnodeLeaf|types.BtnodeFixedKvSize)
	binary.LittleEndian.PutUint16(raw[34:36], 0)
	binary.LittleEndian.PutUint32(raw[36:40], 2)
	binary.LittleEndian.PutUint16(raw[40:42], 0)
	binary.LittleEndian.PutUint16(raw[42:44], tocLen)
	binary.LittleEndian.PutUint16(raw[44:46], keyAreaLen)
	binary.LittleEndian.PutUint16(raw[46:48], uint16(freeGapLen))
	binary.LittleEndian.PutUint16(raw[48:50], types.BtoffInvalid)
	binary.LittleEndian.PutUint16(raw[50:52], 0)
	// value free list: one 16-byte cell at local offset 16, declaring a
	// total of 16 even though local offsets [0,32) are geometrically free.
	binary.LittleEndian.PutUint16(raw[52:54], uint16(valAreaLen-16))
	binary.LittleEndian.PutUint16(raw[54:56], 16)

	binary.LittleEndian.PutUint16(raw[toc+0:toc+2], 0)
	binary.LittleEndian.PutUint16(raw[toc+2:toc+4], 16) // record0 value in local [48,64)
	binary.LittleEndian.PutUint16(raw[toc+4:toc+6], 16)
	binary.LittleEndian.PutUint16(raw[toc+6:toc+8], 32) // record1 value in local [32,48)

	binary.LittleEndian.PutUint64(raw[keyAreaOff+0:keyAreaOff+8], 100)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+8:keyAreaOff+16], 1)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+16:keyAreaOff+24], 200)
	binary.LittleEndian.PutUint64(raw[keyAreaOff+24:keyAreaOff+32], 1)

	// the one linked free cell, at local offset 16: off=invalid, len=16
	binary.LittleEndian.PutUint16(raw[dataOff+16:dataOff+18], types.BtoffInvalid)
	binary.LittleEndian.PutUint16(raw[dataOff+18:dataOff+20], 16)

	fbase := blockSize - footer
	binary.LittleEndian.PutUint32(raw[fbase+0:fbase+4], 0)
	binary.LittleEndian.PutUint32(raw[fbase+4:fbase+8], blockSize)
	binary.LittleEndian.PutUint32(raw[fbase+8:fbase+12], 16)
	binary.LittleEndian.PutUint32(raw[fbase+12:fbase+16], 16)
	binary.LittleEndian.PutUint32(raw[fbase+16:fbase+20], 16)
	binary.LittleEndian.PutUint32(raw[fbase+20:fbase+24], 16)
	binary.LittleEndian.PutUint64(raw[fbase+24:fbase+32], 2)
	binary.LittleEndian.PutUint64(raw[fbase+32:fbase+40], 1)

	seal(raw)
	return raw
}

func TestOmapLeaf_FreeSpaceAccountingMismatch(t *testing.T) {
	device := newMockDevice()
	device.SetBlock(10, buildOmapLeafOrphanFreeSpace(t))
	reader := object.NewReader(device)

	b := &Btree{Type: OMAP, Xid: 1}
	b.Root = ReadNode(reader, b, types.OidT(10), true)

	err := runCheck(t, b, reader)
	assertFatalContains(t, err, "free space total")
}

func TestOmapLeaf_FooterKeyCountMismatch(t *testing.T) {
	b, reader := newOmapTree(t, validOpts())
	// Corrupt the footer's advertised key count after a clean parse, then
	// re-seal so the checksum still matches the tampered bytes.
	raw := b.Root.Raw()
	fbase := len(raw) - infoFooterSize
	binary.LittleEndian.PutUint64(raw[fbase+24:fbase+32], 3)
	seal(raw)

	sink := report.NewSink()
	var err error
	func() {
		defer func() { err = report.Recover(recover()) }()
		b.Check(reader, sink)
		CheckFooter(b, int(reader.BlockSize), sink)
	}()
	assertFatalContains(t, err, "key count")
}

func assertFatalContains(t *testing.T, err error, substr string) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected a fatal error containing %q, got nil", substr)
	}
	fe, ok := err.(*report.FatalError)
	if !ok {
		t.Fatalf("expected *report.FatalError, got %T: %v", err, err)
	}
	if !strings.Contains(fe.Message, substr) {
		t.Fatalf("fatal message %q does not contain %q", fe.Message, substr)
	}
}
