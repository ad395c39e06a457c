package key

import (
	"hash/crc32"
	"sync/atomic"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var caseInsensitive atomic.Bool

// SetCaseInsensitive records the volume's case-folding policy, read from the
// superblock, so that filename comparison and dentry hashing both fold case
// the same way the on-disk filesystem does.
func SetCaseInsensitive(insensitive bool) {
	caseInsensitive.Store(insensitive)
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var folder = cases.Fold()

// normalizedCodepoints returns the NFD-normalized, optionally case-folded
// UTF-32 code points of name, in the same form APFS uses when it hashes or
// compares filenames.
func normalizedCodepoints(name string) []rune {
	s := name
	if caseInsensitive.Load() {
		s = folder.String(s)
	}
	s = norm.NFD.String(s)
	return []rune(s)
}

// filenameCompare normalizes and compares two APFS filenames, returning <0,
// 0, or >0 the way a three-way comparator does.
func filenameCompare(a, b string) int {
	ra := normalizedCodepoints(a)
	rb := normalizedCodepoints(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			if ra[i] < rb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ra) < len(rb):
		return -1
	case len(ra) > len(rb):
		return 1
	default:
		return 0
	}
}

// DentryHash computes the key hash APFS stores alongside a directory
// entry's name: a CRC32C over the name's normalized UTF-32LE code points,
// packed with the NUL-terminated name length into a 32-bit word.
func DentryHash(name string) uint32 {
	hash := uint32(0xFFFFFFFF)
	codepoints := normalizedCodepoints(name)
	buf := make([]byte, 4)
	for _, r := range codepoints {
		putUTF32LE(buf, r)
		hash = crc32.Update(hash, crc32cTable, buf)
	}
	namelen := len(name) + 1 // APFS counts the NUL terminator
	return ((hash & 0x3FFFFF) << drecHashShift) | (uint32(namelen) & drecLenMask)
}

func putUTF32LE(buf []byte, r rune) {
	v := uint32(r)
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}
