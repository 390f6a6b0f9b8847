package buffer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
)

type noopFlusher struct{}

func (noopFlusher) FlushTo(common.LSN) error { return nil }

func newTestPool(t *testing.T, capacity int) (*Pool, *space.Manager) {
	t.Helper()
	mgr := space.NewManager(t.TempDir())
	sp, err := mgr.CreateSpace("test.ibd", 128)
	require.NoError(t, err)
	_ = sp
	return NewPool(capacity, mgr, noopFlusher{}), mgr
}

func writeBlankIndexPage(t *testing.T, sp *space.Space, pageNo uint32) {
	t.Helper()
	ip := page.NewIndexPage(sp.ID(), pageNo, 0, 1)
	require.NoError(t, sp.WritePage(pageNo, ip.Serialize(1)))
}

func TestPoolGetPageLoadsAndCaches(t *testing.T) {
	pool, mgr := newTestPool(t, 4)
	sp, err := mgr.GetSpace(0)
	require.NoError(t, err)
	writeBlankIndexPage(t, sp, 1)

	f1, err := pool.GetPage(0, 1, common.LatchShared)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), f1.PageNo())
	pool.Release(f1, common.LatchShared, false, 0)

	resident, dirty, cap := pool.Stats()
	assert.Equal(t, 1, resident)
	assert.Equal(t, 0, dirty)
	assert.Equal(t, 4, cap)

	f2, err := pool.GetPage(0, 1, common.LatchShared)
	require.NoError(t, err)
	assert.Same(t, f1, f2)
	pool.Release(f2, common.LatchShared, false, 0)
}

func TestPoolMarkDirtyAndFlush(t *testing.T) {
	pool, mgr := newTestPool(t, 4)
	sp, err := mgr.GetSpace(0)
	require.NoError(t, err)
	writeBlankIndexPage(t, sp, 1)

	f, err := pool.GetPage(0, 1, common.LatchExclusive)
	require.NoError(t, err)
	f.SetPageLSN(42)
	pool.Release(f, common.LatchExclusive, true, 42)

	_, dirty, _ := pool.Stats()
	assert.Equal(t, 1, dirty)
	assert.Equal(t, common.LSN(42), pool.OldestModifiedLSN())

	require.NoError(t, pool.FlushDirtyPages())
	_, dirty, _ = pool.Stats()
	assert.Equal(t, 0, dirty)
}

func TestPoolEvictsWhenFull(t *testing.T) {
	pool, mgr := newTestPool(t, 2)
	sp, err := mgr.GetSpace(0)
	require.NoError(t, err)
	for i := uint32(1); i <= 3; i++ {
		writeBlankIndexPage(t, sp, i)
	}

	for i := uint32(1); i <= 3; i++ {
		f, err := pool.GetPage(0, i, common.LatchShared)
		require.NoError(t, err)
		pool.Release(f, common.LatchShared, false, 0)
	}

	resident, _, _ := pool.Stats()
	assert.Equal(t, 2, resident)
}

func TestPoolRefusesEvictionWhilePinned(t *testing.T) {
	pool, mgr := newTestPool(t, 1)
	sp, err := mgr.GetSpace(0)
	require.NoError(t, err)
	writeBlankIndexPage(t, sp, 1)
	writeBlankIndexPage(t, sp, 2)

	f1, err := pool.GetPage(0, 1, common.LatchShared)
	require.NoError(t, err)

	_, err = pool.GetPage(0, 2, common.LatchShared)
	assert.ErrorIs(t, err, common.ErrOutOfMemory)

	pool.Release(f1, common.LatchShared, false, 0)
}
