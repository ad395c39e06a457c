// Package checker orchestrates a full consistency check of one container:
// load the container superblock, walk its object map, then load and check
// every volume's catalog, extent reference, and snapshot metadata trees.
package checker

import (
	"github.com/deploymenttheory/apfsck/internal/btree"
	"github.com/deploymenttheory/apfsck/internal/interfaces"
	"github.com/deploymenttheory/apfsck/internal/key"
	"github.com/deploymenttheory/apfsck/internal/object"
	"github.com/deploymenttheory/apfsck/internal/report"
	"github.com/deploymenttheory/apfsck/internal/superblock"
	"github.com/deploymenttheory/apfsck/internal/types"
)

// Run checks every tree reachable from device's container superblock and
// returns the accumulated findings. A structural inconsistency anywhere in
// the run aborts the whole check; err is non-nil exactly when that happens.
func Run(device interfaces.BlockDeviceReader) (sink *report.Sink, err error) {
	sink = report.NewSink()
	defer func() { err = report.Recover(recover()) }()

	reader := object.NewReader(device)
	nx := superblock.LoadContainer(reader)

	containerOmap := btree.ParseOmapBtree(reader, nx.OmapOid, nx.NextXid, sink)
	accumulate(sink, containerOmap)

	for _, fsOid := range nx.VolumeOids {
		checkVolume(reader, nx, containerOmap, fsOid, sink)
	}
	return sink, nil
}

func checkVolume(reader *object.Reader, nx *superblock.Container, containerOmap *btree.Btree, fsOid types.OidT, sink *report.Sink) {
	vol := superblock.LoadVolume(reader, containerOmap, fsOid, nx.NextXid)
	key.SetCaseInsensitive(!vol.CaseSensitive)

	volOmap := btree.ParseOmapBtree(reader, vol.OmapOid, nx.NextXid, sink)
	accumulate(sink, volOmap)

	catalog := btree.ParseCatBtree(reader, vol.RootTreeOid, nx.NextXid, volOmap, sink)
	accumulate(sink, catalog)

	extentref := btree.ParseExtentrefBtree(reader, vol.ExtentrefOid, nx.NextXid, sink)
	accumulate(sink, extentref)

	if vol.SnapMetaOid != 0 {
		snapMeta := btree.ParseSnapMetaBtree(reader, vol.SnapMetaOid, nx.NextXid, sink)
		accumulate(sink, snapMeta)
	}
}

func accumulate(sink *report.Sink, b *btree.Btree) {
	sink.Stats.TreesChecked++
	sink.Stats.KeyCount += b.KeyCount
	sink.Stats.NodeCount += b.NodeCount
}
