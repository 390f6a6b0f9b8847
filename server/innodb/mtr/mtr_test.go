package mtr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

func newTestRig(t *testing.T) (*buffer.Pool, *wal.LogManager, *space.Space) {
	t.Helper()
	mgr := space.NewManager(t.TempDir())
	sp, err := mgr.CreateSpace("test.ibd", 64)
	require.NoError(t, err)
	ip := page.NewIndexPage(sp.ID(), 1, 0, 1)
	require.NoError(t, sp.WritePage(1, ip.Serialize(1)))

	lm, err := wal.NewLogManager(t.TempDir())
	require.NoError(t, err)
	pool := buffer.NewPool(8, mgr, lm)
	return pool, lm, sp
}

func TestCommitStampsLSNAndDirties(t *testing.T) {
	pool, lm, _ := newTestRig(t)

	m := Start(lm, pool, common.TrxID(7))
	f, err := m.FetchPage(0, 1, common.LatchExclusive)
	require.NoError(t, err)

	copy(f.Data()[40:44], []byte{1, 2, 3, 4})
	m.LogWrite(f, wal.MLogRecInsert, 40, []byte{1, 2, 3, 4})

	require.NoError(t, m.Commit())
	assert.True(t, f.IsDirty())
	assert.NotZero(t, f.PageLSN())

	recs, err := lm.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, recs, 2, "a page write plus its MLogMultiRecEnd terminator")
	assert.Equal(t, common.TrxID(7), recs[0].TrxID)
	assert.Equal(t, wal.MLogMultiRecEnd, recs[1].Type, "commit must terminate every group, even a single-record one")
}

// TestCommitGroupsMultiplePagesUnderOneTerminator covers the case a
// B+ tree split produces: several pages written under one mtr, which
// must recover as one atomic unit (spec §4.3).
func TestCommitGroupsMultiplePagesUnderOneTerminator(t *testing.T) {
	pool, lm, sp := newTestRig(t)
	ip2 := page.NewIndexPage(sp.ID(), 2, 0, 1)
	require.NoError(t, sp.WritePage(2, ip2.Serialize(1)))

	m := Start(lm, pool, common.TrxID(9))
	f1, err := m.FetchPage(0, 1, common.LatchExclusive)
	require.NoError(t, err)
	copy(f1.Data()[40:44], []byte{1, 2, 3, 4})
	m.LogWrite(f1, wal.MLogRecInsert, 40, []byte{1, 2, 3, 4})

	f2, err := m.FetchPage(0, 2, common.LatchExclusive)
	require.NoError(t, err)
	copy(f2.Data()[40:44], []byte{5, 6, 7, 8})
	m.LogWrite(f2, wal.MLogRecInsert, 40, []byte{5, 6, 7, 8})

	require.NoError(t, m.Commit())

	recs, err := lm.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, recs, 3, "two page writes plus one shared terminator")
	assert.Equal(t, wal.MLogRecInsert, recs[0].Type)
	assert.Equal(t, wal.MLogRecInsert, recs[1].Type)
	assert.Equal(t, wal.MLogMultiRecEnd, recs[2].Type)
}

func TestRollbackReleasesWithoutDirtying(t *testing.T) {
	pool, lm, _ := newTestRig(t)

	m := Start(lm, pool, common.TrxID(1))
	f, err := m.FetchPage(0, 1, common.LatchShared)
	require.NoError(t, err)
	m.Rollback()
	assert.False(t, f.IsDirty())
}
