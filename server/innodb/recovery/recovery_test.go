package recovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/btree"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/mtr"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// TestRedoReplaysUnflushedPages simulates a crash: a tree mutation is
// logged and fsynced but never written back to the tablespace file, so
// a fresh buffer pool reading the same space sees stale content until
// Redo replays the log (spec §4.3 step 2).
func TestRedoReplaysUnflushedPages(t *testing.T) {
	dir := t.TempDir()

	mgr := space.NewManager(dir)
	sp, err := mgr.CreateSpace("test.ibd", 64)
	require.NoError(t, err)

	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)

	poolA := buffer.NewPool(16, mgr, lm)
	tr, err := btree.Create(poolA, lm, sp, 1, true)
	require.NoError(t, err)
	require.NoError(t, tr.Insert(1, []byte("k1"), []byte("v1"), 0))
	root := tr.RootPageNo()

	require.NoError(t, lm.Close()) // flushes and fsyncs the redo log, pages stay unflushed

	lm2, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { lm2.Close() })

	analysis, err := Analyze(lm2)
	require.NoError(t, err)
	assert.NotEmpty(t, analysis.Records, "the insert's redo record must be in the log tail")

	poolB := buffer.NewPool(16, mgr, lm2)
	applied, err := Redo(poolB, analysis.Records)
	require.NoError(t, err)
	assert.Greater(t, applied, 0)

	tr2 := btree.Open(poolB, lm2, sp, 1, root, nil, nil, true, tr.Height())
	rec, err := tr2.Search([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rec.Value, "redo must reconstruct the inserted row on a cold pool")
}

func TestRedoSkipsPagesAlreadyAtOrPastRecordLSN(t *testing.T) {
	dir := t.TempDir()
	mgr := space.NewManager(dir)
	sp, err := mgr.CreateSpace("test.ibd", 64)
	require.NoError(t, err)

	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	pool := buffer.NewPool(16, mgr, lm)
	tr, err := btree.Create(pool, lm, sp, 1, true)
	require.NoError(t, err)
	require.NoError(t, tr.Insert(1, []byte("k1"), []byte("v1"), 0))

	analysis, err := Analyze(lm)
	require.NoError(t, err)
	require.NotEmpty(t, analysis.Records)

	// The pages are already current in this same pool; redo must be a
	// no-op rather than stomping on newer content.
	applied, err := Redo(pool, analysis.Records)
	require.NoError(t, err)
	assert.Equal(t, 0, applied)
}

// TestAnalyzeDiscardsAnIncompleteMiniTransactionGroup simulates a crash
// that tears off exactly a group's MLogMultiRecEnd terminator: two page
// writes made under one mtr (the shape a B+ tree split produces) reach
// disk, but the record that marks the group complete does not. Analyze
// must discard both page writes rather than replay half a split.
func TestAnalyzeDiscardsAnIncompleteMiniTransactionGroup(t *testing.T) {
	dir := t.TempDir()
	mgr := space.NewManager(dir)
	sp, err := mgr.CreateSpace("test.ibd", 64)
	require.NoError(t, err)
	require.NoError(t, sp.WritePage(1, page.NewIndexPage(sp.ID(), 1, 0, 1).Serialize(1)))
	require.NoError(t, sp.WritePage(2, page.NewIndexPage(sp.ID(), 2, 0, 1).Serialize(1)))

	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	pool := buffer.NewPool(8, mgr, lm)

	m := mtr.Start(lm, pool, common.NullTrxID)
	f1, err := m.FetchPage(0, 1, common.LatchExclusive)
	require.NoError(t, err)
	copy(f1.Data()[40:44], []byte{1, 2, 3, 4})
	m.LogWrite(f1, wal.MLogRecInsert, 40, []byte{1, 2, 3, 4})
	f2, err := m.FetchPage(0, 2, common.LatchExclusive)
	require.NoError(t, err)
	copy(f2.Data()[40:44], []byte{5, 6, 7, 8})
	m.LogWrite(f2, wal.MLogRecInsert, 40, []byte{5, 6, 7, 8})
	require.NoError(t, m.Commit())
	require.NoError(t, lm.Close()) // flushes the whole group, terminator included

	// A torn write can only shorten the file, never fabricate bytes, so
	// dropping exactly the terminator's encoded length reproduces a
	// crash that landed between the last page record and the
	// terminator that would have closed the group.
	terminatorLen := int64(len((&wal.Record{Type: wal.MLogMultiRecEnd}).Encode()))
	logPath := filepath.Join(dir, "redo.log")
	info, err := os.Stat(logPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(logPath, info.Size()-terminatorLen))

	lm2, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { lm2.Close() })

	analysis, err := Analyze(lm2)
	require.NoError(t, err)
	assert.Empty(t, analysis.Records, "a group missing its terminator must be discarded whole, not replayed partially")
}

func TestAnalyzeClassifiesBookkeepingRecordsSeparately(t *testing.T) {
	dir := t.TempDir()
	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { lm.Close() })

	_, err = lm.Append(&wal.Record{TrxID: 7, Type: wal.MLogTrxCommit})
	require.NoError(t, err)
	_, err = lm.Append(&wal.Record{TrxID: 8, Type: wal.MLogTrxRollback})
	require.NoError(t, err)
	_, err = lm.Append(&wal.Record{Type: wal.MLogTrxIDCheckpoint, Data: wal.EncodeTrxID(42)})
	require.NoError(t, err)

	analysis, err := Analyze(lm)
	require.NoError(t, err)
	assert.Empty(t, analysis.Records, "bookkeeping records carry no page body to redo")
	assert.True(t, analysis.Resolved[7], "a commit marker resolves its transaction")
	assert.True(t, analysis.Resolved[8], "a rollback marker resolves its transaction too")
	assert.Equal(t, uint64(42), uint64(analysis.MaxTrxID))
}
