package record

import (
	"encoding/binary"
	"testing"

	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

func recoverFatal(f func()) error {
	var err error
	func() {
		defer func() { err = report.Recover(recover()) }()
		f()
	}()
	return err
}

func buildInode(mode types.Mode, nchildrenOrNlink int32, xfields []byte) []byte {
	raw := make([]byte, inodeFixedSize+len(xfields))
	binary.LittleEndian.PutUint32(raw[56:60], uint32(nchildrenOrNlink))
	binary.LittleEndian.PutUint16(raw[80:82], uint16(mode))
	copy(raw[inodeFixedSize:], xfields)
	return raw
}

func TestParseInode_File(t *testing.T) {
	raw := buildInode(types.Mode(0o100644), 1, nil)
	sink := report.NewSink()
	v := ParseInode(raw, sink)
	if v.NchildrenOrNlink != 1 {
		t.Errorf("NchildrenOrNlink = %d, want 1", v.NchildrenOrNlink)
	}
	if len(sink.UnknownFindings()) != 0 {
		t.Errorf("unexpected unsupported findings: %v", sink.UnknownFindings())
	}
}

func TestParseInode_NegativeLinkCountOnFile(t *testing.T) {
	raw := buildInode(0o100644, -1, nil)
	sink := report.NewSink()
	err := recoverFatal(func() { ParseInode(raw, sink) })
	if err == nil {
		t.Fatal("expected a fatal error for a negative link count")
	}
}

func TestParseInode_NegativeChildCountOnDirectory(t *testing.T) {
	raw := buildInode(types.ModeIFDIR, -1, nil)
	sink := report.NewSink()
	err := recoverFatal(func() { ParseInode(raw, sink) })
	if err == nil {
		t.Fatal("expected a fatal error for a negative child count")
	}
}

func TestParseInode_ExtendedFieldsFlaggedUnsupported(t *testing.T) {
	raw := buildInode(0o100644, 1, []byte{1, 2, 3, 4})
	sink := report.NewSink()
	v := ParseInode(raw, sink)
	if len(v.XFields) != 4 {
		t.Errorf("XFields length = %d, want 4", len(v.XFields))
	}
	if len(sink.UnknownFindings()) != 1 {
		t.Fatalf("expected one unsupported finding, got %d", len(sink.UnknownFindings()))
	}
}

func TestParseInode_TooSmall(t *testing.T) {
	err := recoverFatal(func() { ParseInode(make([]byte, 10), report.NewSink()) })
	if err == nil {
		t.Fatal("expected a fatal error for a truncated inode record")
	}
}

func TestParseDirRec(t *testing.T) {
	raw := make([]byte, drecFixedSize)
	binary.LittleEndian.PutUint64(raw[0:8], 77)
	binary.LittleEndian.PutUint16(raw[16:18], 5)

	v := ParseDirRec(raw, report.NewSink())
	if v.FileId != 77 || v.Flags != 5 {
		t.Fatalf("unexpected decode: %+v", v)
	}
}

func TestParseXattr_EmbeddedValid(t *testing.T) {
	data := []byte("hello")
	raw := make([]byte, xattrFixedSize+len(data))
	binary.LittleEndian.PutUint16(raw[0:2], types.XattrDataEmbedded)
	binary.LittleEndian.PutUint16(raw[2:4], uint16(len(data)))
	copy(raw[xattrFixedSize:], data)

	v := ParseXattr(raw)
	if string(v.Xdata) != "hello" {
		t.Fatalf("Xdata = %q", v.Xdata)
	}
}

func TestParseXattr_NeitherFlagSet(t *testing.T) {
	raw := make([]byte, xattrFixedSize)
	err := recoverFatal(func() { ParseXattr(raw) })
	if err == nil {
		t.Fatal("expected a fatal error when neither embedded nor stream is set")
	}
}

func TestParseXattr_BothFlagsSet(t *testing.T) {
	raw := make([]byte, xattrFixedSize)
	binary.LittleEndian.PutUint16(raw[0:2], types.XattrDataEmbedded|types.XattrDataStream)
	err := recoverFatal(func() { ParseXattr(raw) })
	if err == nil {
		t.Fatal("expected a fatal error when both embedded and stream are set")
	}
}

func TestParseXattr_StreamWrongSize(t *testing.T) {
	raw := make([]byte, xattrFixedSize+4) // a data stream id is 8 bytes, not 4
	binary.LittleEndian.PutUint16(raw[0:2], types.XattrDataStream)
	binary.LittleEndian.PutUint16(raw[2:4], 4)
	err := recoverFatal(func() { ParseXattr(raw) })
	if err == nil {
		t.Fatal("expected a fatal error for a malformed data-stream xattr")
	}
}

func TestParsePhysExt_ZeroLength(t *testing.T) {
	raw := make([]byte, physExtSize)
	err := recoverFatal(func() { ParsePhysExt(raw) })
	if err == nil {
		t.Fatal("expected a fatal error for a zero-length extent")
	}
}

func TestParsePhysExt_Valid(t *testing.T) {
	raw := make([]byte, physExtSize)
	binary.LittleEndian.PutUint64(raw[0:8], 4096) // length only, kind bits zero
	binary.LittleEndian.PutUint32(raw[16:20], 1)
	v := ParsePhysExt(raw)
	if v.LenAndKind&types.PextLenMask != 4096 {
		t.Fatalf("decoded length = %d, want 4096", v.LenAndKind&types.PextLenMask)
	}
}

func TestParseFileExtent_ZeroLength(t *testing.T) {
	raw := make([]byte, fileExtentSize)
	err := recoverFatal(func() { ParseFileExtent(raw) })
	if err == nil {
		t.Fatal("expected a fatal error for a zero-length file extent")
	}
}

func TestParseSibling_MissingNullTerminator(t *testing.T) {
	raw := make([]byte, siblingFixedSize+4)
	binary.LittleEndian.PutUint16(raw[8:10], 4)
	copy(raw[siblingFixedSize:], []byte("name")) // no trailing NUL
	err := recoverFatal(func() { ParseSibling(raw) })
	if err == nil {
		t.Fatal("expected a fatal error for a non-terminated sibling name")
	}
}

func TestParseSibling_Valid(t *testing.T) {
	name := append([]byte("link"), 0)
	raw := make([]byte, siblingFixedSize+len(name))
	binary.LittleEndian.PutUint64(raw[0:8], 9)
	binary.LittleEndian.PutUint16(raw[8:10], uint16(len(name)))
	copy(raw[siblingFixedSize:], name)

	v := ParseSibling(raw)
	if v.ParentId != 9 {
		t.Fatalf("ParentId = %d, want 9", v.ParentId)
	}
}

func TestParseSiblingMap(t *testing.T) {
	raw := make([]byte, siblingMapSize)
	binary.LittleEndian.PutUint64(raw[0:8], 55)
	v := ParseSiblingMap(raw)
	if v.FileId != 55 {
		t.Fatalf("FileId = %d, want 55", v.FileId)
	}
}

func TestParseDstreamId(t *testing.T) {
	raw := make([]byte, dstreamIdSize)
	binary.LittleEndian.PutUint32(raw[0:4], 3)
	v := ParseDstreamId(raw)
	if v.Refcnt != 3 {
		t.Fatalf("Refcnt = %d, want 3", v.Refcnt)
	}
}
