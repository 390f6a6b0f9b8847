package space

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

func TestCreateZeroFillsAndRegistersFreeExtents(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize*2)
	require.NoError(t, err)
	defer sp.Close()

	assert.Equal(t, uint32(common.ExtentSize*2), sp.SizePages())
	assert.Len(t, sp.freeList, 2, "both whole extents start FREE")
	assert.Empty(t, sp.fragList)
}

func TestAllocatePageFillsFragArrayBeforeTakingAnExtent(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize*2)
	require.NoError(t, err)
	defer sp.Close()

	seg, err := sp.CreateSegment(SegmentLeaf)
	require.NoError(t, err)

	seen := make(map[uint32]bool)
	for i := 0; i < common.FragArraySize; i++ {
		pageNo, err := sp.AllocatePage(seg)
		require.NoError(t, err)
		assert.False(t, seen[pageNo], "fragment pages must not repeat")
		seen[pageNo] = true
	}
	assert.Len(t, seg.FragPages, common.FragArraySize)
	assert.Empty(t, seg.NotFullExtents, "still under the fragment threshold, no whole extent claimed yet")

	// The FragArraySize+1'th page pushes the segment into extent-based
	// allocation instead of growing FragPages further.
	pageNo, err := sp.AllocatePage(seg)
	require.NoError(t, err)
	assert.False(t, seen[pageNo])
	assert.Len(t, seg.FragPages, common.FragArraySize, "fragment array stops growing once full")
	assert.NotEmpty(t, seg.NotFullExtents, "overflow allocates from a whole extent instead")
}

func TestAllocateExtentAutoExtendsWhenFreeListIsEmpty(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize)
	require.NoError(t, err)
	defer sp.Close()

	// Drain the single starting extent from the free list directly, the
	// way AllocatePage would once a segment outgrows its fragment array.
	extID, err := sp.allocateExtent()
	require.NoError(t, err)
	assert.Equal(t, uint32(0), extID)
	assert.Empty(t, sp.freeList)

	before := sp.SizePages()
	extID2, err := sp.allocateExtent()
	require.NoError(t, err, "an empty free list must auto-extend rather than fail")
	assert.Equal(t, uint32(1), extID2)
	assert.Equal(t, before+common.ExtentSize, sp.SizePages())
}

func TestFreePageReturnsPageToItsExtentBitmap(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize)
	require.NoError(t, err)
	defer sp.Close()

	seg, err := sp.CreateSegment(SegmentLeaf)
	require.NoError(t, err)
	pageNo, err := sp.AllocatePage(seg)
	require.NoError(t, err)

	extID := pageNo / common.ExtentSize
	assert.False(t, sp.extents[extID].IsPageFree(int(pageNo%common.ExtentSize)))

	sp.FreePage(pageNo)
	assert.True(t, sp.extents[extID].IsPageFree(int(pageNo%common.ExtentSize)))
}

func TestWritePageRejectsWrongSizedBuffers(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize)
	require.NoError(t, err)
	defer sp.Close()

	err = sp.WritePage(0, []byte("too short"))
	assert.Error(t, err)
}

func TestReadWritePageRoundTrips(t *testing.T) {
	dir := t.TempDir()
	sp, err := Create(0, filepath.Join(dir, "t.ibd"), common.ExtentSize)
	require.NoError(t, err)
	defer sp.Close()

	data := make([]byte, common.PageSize)
	copy(data, []byte("hello page"))
	require.NoError(t, sp.WritePage(3, data))

	got, err := sp.ReadPage(3)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestOpenMissingFileTombstonesTheSpace(t *testing.T) {
	dir := t.TempDir()
	sp, err := Open(0, filepath.Join(dir, "missing.ibd"))
	require.NoError(t, err)
	assert.True(t, sp.IsTombstoned())

	_, err = sp.ReadPage(0)
	assert.ErrorIs(t, err, common.ErrSpaceTombstoned)
	err = sp.WritePage(0, make([]byte, common.PageSize))
	assert.ErrorIs(t, err, common.ErrSpaceTombstoned)
}

func TestOpenReattachesWithoutTruncating(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.ibd")
	sp, err := Create(0, path, common.ExtentSize)
	require.NoError(t, err)

	data := make([]byte, common.PageSize)
	copy(data, []byte("durable"))
	require.NoError(t, sp.WritePage(1, data))
	require.NoError(t, sp.Close())

	sp2, err := Open(0, path)
	require.NoError(t, err)
	defer sp2.Close()

	assert.False(t, sp2.IsTombstoned())
	assert.Equal(t, uint32(common.ExtentSize), sp2.SizePages())
	got, err := sp2.ReadPage(1)
	require.NoError(t, err)
	assert.Equal(t, data, got, "reopening must preserve pages a prior Create/WritePage wrote")
}
