package wal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

func TestAppendAssignsMonotonicLSN(t *testing.T) {
	lm, err := NewLogManager(t.TempDir())
	require.NoError(t, err)
	defer lm.Close()

	lsn1, err := lm.Append(&Record{Type: MLogRecInsert, SpaceID: 0, PageNo: 1, Data: []byte("a")})
	require.NoError(t, err)
	lsn2, err := lm.Append(&Record{Type: MLogRecInsert, SpaceID: 0, PageNo: 1, Data: []byte("b")})
	require.NoError(t, err)
	assert.Less(t, lsn1, lsn2)
}

func TestFlushPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLogManager(dir)
	require.NoError(t, err)

	_, err = lm.Append(&Record{Type: MLogPageCreate, SpaceID: 1, PageNo: 5, Data: []byte("page")})
	require.NoError(t, err)
	require.NoError(t, lm.Flush())
	require.NoError(t, lm.Close())

	lm2, err := NewLogManager(dir)
	require.NoError(t, err)
	defer lm2.Close()

	recs, err := lm2.ReadFrom(0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint32(5), recs[0].PageNo)
	assert.Equal(t, common.LSN(2), lm2.NextLSN())
}

func TestCheckpointRoundTrips(t *testing.T) {
	dir := t.TempDir()
	lm, err := NewLogManager(dir)
	require.NoError(t, err)
	defer lm.Close()

	_, err = lm.Append(&Record{Type: MLogRecInsert, SpaceID: 0, PageNo: 1})
	require.NoError(t, err)
	require.NoError(t, lm.Checkpoint(1))

	got, err := lm.LoadCheckpoint()
	require.NoError(t, err)
	assert.Equal(t, common.LSN(1), got)
}

func TestReadFromFiltersByLSN(t *testing.T) {
	lm, err := NewLogManager(t.TempDir())
	require.NoError(t, err)
	defer lm.Close()

	for i := 0; i < 3; i++ {
		_, err := lm.Append(&Record{Type: MLogRecInsert, SpaceID: 0, PageNo: uint32(i)})
		require.NoError(t, err)
	}
	require.NoError(t, lm.Flush())

	recs, err := lm.ReadFrom(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, common.LSN(2), recs[0].LSN)
}
