package txn

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/lock"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

type fakeApplier struct{ applied []uint64 }

func (f *fakeApplier) ApplyUndo(rec *UndoRecord) error {
	f.applied = append(f.applied, rec.RollPtr)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *wal.LogManager) {
	t.Helper()
	lm, err := wal.NewLogManager(t.TempDir())
	require.NoError(t, err)
	locks := lock.NewManager(time.Second)
	tm, err := NewManager(t.TempDir(), lm, locks)
	require.NoError(t, err)
	return tm, lm
}

func TestBeginAssignsNoTrxIDUntilWrite(t *testing.T) {
	tm, lm := newTestManager(t)
	defer lm.Close()
	defer tm.Close()

	trx := tm.Begin(common.RepeatableRead, false)
	assert.Equal(t, common.NullTrxID, trx.ID)

	id := trx.EnsureID()
	assert.NotEqual(t, common.NullTrxID, id)
	assert.Equal(t, id, trx.EnsureID(), "EnsureID must be idempotent")
}

func TestReadViewVisibility(t *testing.T) {
	tm, lm := newTestManager(t)
	defer lm.Close()
	defer tm.Close()

	writer := tm.Begin(common.RepeatableRead, false)
	writer.EnsureID()

	reader := tm.Begin(common.RepeatableRead, true)
	assert.False(t, reader.IsVisible(writer.ID), "writer's uncommitted row must not be visible")
	assert.True(t, reader.IsVisible(reader.ID))

	require.NoError(t, tm.Commit(writer))
}

func TestRollbackAppliesUndoInReverse(t *testing.T) {
	tm, lm := newTestManager(t)
	defer lm.Close()
	defer tm.Close()

	applier := &fakeApplier{}
	tm.SetApplier(applier)

	trx := tm.Begin(common.RepeatableRead, false)
	trx.EnsureID()

	rp1, err := tm.undo.Append(&UndoRecord{TrxID: trx.ID, Type: UndoInsert})
	require.NoError(t, err)
	rp2, err := tm.undo.Append(&UndoRecord{TrxID: trx.ID, Type: UndoUpdateExisting, Prev: rp1})
	require.NoError(t, err)

	require.NoError(t, tm.Rollback(trx))
	require.Len(t, applier.applied, 2)
	assert.Equal(t, rp2, applier.applied[0], "rollback must undo newest-first")
	assert.Equal(t, rp1, applier.applied[1])
}

func TestRollbackRecordsAResolutionMarker(t *testing.T) {
	tm, lm := newTestManager(t)
	defer lm.Close()
	defer tm.Close()

	applier := &fakeApplier{}
	tm.SetApplier(applier)

	trx := tm.Begin(common.RepeatableRead, false)
	trx.EnsureID()
	_, err := tm.undo.Append(&UndoRecord{TrxID: trx.ID, Type: UndoInsert})
	require.NoError(t, err)

	require.NoError(t, tm.Rollback(trx))

	records, err := lm.ReadFrom(0)
	require.NoError(t, err)
	saw := false
	for _, rec := range records {
		if rec.Type == wal.MLogTrxRollback && rec.TrxID == trx.ID {
			saw = true
		}
	}
	assert.True(t, saw, "rollback must leave a durable marker so recovery never replays it twice")
}

func TestUndoLogSurvivesManagerRestart(t *testing.T) {
	dir := t.TempDir()
	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	defer lm.Close()
	locks := lock.NewManager(time.Second)

	tm, err := NewManager(dir, lm, locks)
	require.NoError(t, err)
	trx := tm.Begin(common.RepeatableRead, false)
	trx.EnsureID()
	rollPtr, err := tm.AppendUndo(&UndoRecord{TrxID: trx.ID, Type: UndoInsert, Key: []byte("k1")})
	require.NoError(t, err)
	require.NoError(t, tm.undo.Close())

	tm2, err := NewManager(dir, lm, locks)
	require.NoError(t, err)
	defer tm2.Close()

	rec, ok := tm2.LookupUndo(rollPtr)
	require.True(t, ok, "undo records written by a prior manager instance must reload from disk")
	assert.Equal(t, []byte("k1"), rec.Key)
}

func TestRecoverUncommittedRollsBackTransactionsWithoutCommitRecord(t *testing.T) {
	dir := t.TempDir()
	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	defer lm.Close()
	locks := lock.NewManager(time.Second)

	tm, err := NewManager(dir, lm, locks)
	require.NoError(t, err)
	applier := &fakeApplier{}
	tm.SetApplier(applier)
	defer tm.Close()

	rollPtr, err := tm.AppendUndo(&UndoRecord{TrxID: 5, Type: UndoInsert, Key: []byte("k1")})
	require.NoError(t, err)

	rolledBack, err := tm.RecoverUncommitted(map[common.TrxID]bool{9: true})
	require.NoError(t, err)
	assert.Equal(t, []common.TrxID{5}, rolledBack)
	assert.Equal(t, []uint64{rollPtr}, applier.applied)
}

func TestRecoverUncommittedSkipsCommittedTransactions(t *testing.T) {
	dir := t.TempDir()
	lm, err := wal.NewLogManager(dir)
	require.NoError(t, err)
	defer lm.Close()
	locks := lock.NewManager(time.Second)

	tm, err := NewManager(dir, lm, locks)
	require.NoError(t, err)
	applier := &fakeApplier{}
	tm.SetApplier(applier)
	defer tm.Close()

	_, err = tm.AppendUndo(&UndoRecord{TrxID: 5, Type: UndoInsert, Key: []byte("k1")})
	require.NoError(t, err)

	rolledBack, err := tm.RecoverUncommitted(map[common.TrxID]bool{5: true})
	require.NoError(t, err)
	assert.Empty(t, rolledBack)
	assert.Empty(t, applier.applied)
}

func TestCommitFlushesPendingLSN(t *testing.T) {
	tm, lm := newTestManager(t)
	defer lm.Close()
	defer tm.Close()

	trx := tm.Begin(common.RepeatableRead, false)
	lsn, err := lm.Append(&wal.Record{Type: wal.MLogRecInsert, SpaceID: 0, PageNo: 1})
	require.NoError(t, err)
	trx.NoteLSN(lsn)

	require.NoError(t, tm.Commit(trx))
	assert.Equal(t, lsn, lm.DurableLSN())
}
