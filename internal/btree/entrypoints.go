package btree

import (
	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// ParseOmapBtree reads, walks, and footer-checks the object map rooted at
// oid. Object maps are physically addressed, so they need no resolver of
// their own.
func ParseOmapBtree(reader *object.Reader, oid types.OidT, xid types.XidT, sink *report.Sink) *Btree {
	return parseTree(reader, OMAP, oid, xid, nil, sink)
}

// ParseCatBtree reads, walks, and footer-checks a volume's catalog tree,
// resolving its logical node ids through omap.
func ParseCatBtree(reader *object.Reader, oid types.OidT, xid types.XidT, omap *Btree, sink *report.Sink) *Btree {
	return parseTree(reader, CATALOG, oid, xid, omap, sink)
}

// ParseExtentrefBtree reads, walks, and footer-checks a volume's extent
// reference tree. Like the object map, its nodes are physically addressed.
func ParseExtentrefBtree(reader *object.Reader, oid types.OidT, xid types.XidT, sink *report.Sink) *Btree {
	return parseTree(reader, EXTENTREF, oid, xid, nil, sink)
}

// ParseSnapMetaBtree reads, walks, and footer-checks a volume's snapshot
// metadata tree. Like the object map and extent reference tree, its nodes
// are physically addressed.
func ParseSnapMetaBtree(reader *object.Reader, oid types.OidT, xid types.XidT, sink *report.Sink) *Btree {
	return parseTree(reader, SNAPMETA, oid, xid, nil, sink)
}

func parseTree(reader *object.Reader, kind Personality, oid types.OidT, xid types.XidT, omap *Btree, sink *report.Sink) *Btree {
	b := &Btree{Type: kind, Xid: xid}
	if omap != nil {
		b.OmapRoot = omap.Root
		b.Reader = omap.Reader
		if b.Reader == nil {
			b.Reader = reader
		}
	}

	b.Root = ReadNode(reader, b, oid, true)
	b.Check(reader, sink)
	CheckFooter(b, int(reader.BlockSize), sink)
	return b
}
