package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
)

func startTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	e, err := Startup(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e.Shutdown(ShutdownNormal)) })
	require.NoError(t, e.CreateIndex(1, 1, true))
	return e
}

func TestInsertCommitThenReadFromAnotherTransaction(t *testing.T) {
	e := startTestEngine(t)

	wr := e.Begin(common.RepeatableRead, false)
	c, err := e.CursorOpen(wr, 1)
	require.NoError(t, err)
	require.NoError(t, c.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Commit(wr))

	rd := e.Begin(common.RepeatableRead, true)
	rc, err := e.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Search([]byte("k1")))
	rec, ok, err := rc.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), rec.Value)
}

func TestUncommittedInsertNotVisibleToRepeatableRead(t *testing.T) {
	e := startTestEngine(t)

	wr := e.Begin(common.RepeatableRead, false)
	rd := e.Begin(common.RepeatableRead, true) // snapshot taken before wr writes

	c, err := e.CursorOpen(wr, 1)
	require.NoError(t, err)
	require.NoError(t, c.Insert([]byte("k1"), []byte("v1")))

	rc, err := e.CursorOpen(rd, 1)
	require.NoError(t, err)
	err = rc.Search([]byte("k1"))
	require.NoError(t, err)
	_, ok, err := rc.Read()
	require.NoError(t, err)
	assert.False(t, ok, "an uncommitted write from another transaction must stay invisible")

	require.NoError(t, e.Commit(wr))
	require.NoError(t, e.Rollback(rd))
}

func TestRollbackUndoesInsert(t *testing.T) {
	e := startTestEngine(t)

	wr := e.Begin(common.RepeatableRead, false)
	c, err := e.CursorOpen(wr, 1)
	require.NoError(t, err)
	require.NoError(t, c.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Rollback(wr))

	rd := e.Begin(common.RepeatableRead, true)
	rc, err := e.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Search([]byte("k1")))
	_, ok, err := rc.Read()
	require.NoError(t, err)
	assert.False(t, ok, "a rolled-back insert must not be visible")
	require.NoError(t, e.Commit(rd))
}

func TestUpdateVersionChainServesOlderSnapshot(t *testing.T) {
	e := startTestEngine(t)

	seed := e.Begin(common.RepeatableRead, false)
	sc, err := e.CursorOpen(seed, 1)
	require.NoError(t, err)
	require.NoError(t, sc.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Commit(seed))

	reader := e.Begin(common.RepeatableRead, true) // snapshot sees v1

	writer := e.Begin(common.RepeatableRead, false)
	wc, err := e.CursorOpen(writer, 1)
	require.NoError(t, err)
	require.NoError(t, wc.Search([]byte("k1")))
	require.NoError(t, wc.Update([]byte("v2")))
	require.NoError(t, e.Commit(writer))

	rc, err := e.CursorOpen(reader, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Search([]byte("k1")))
	rec, ok, err := rc.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v1"), rec.Value, "a repeatable-read snapshot must keep seeing the pre-update version")
	require.NoError(t, e.Commit(reader))

	latest := e.Begin(common.RepeatableRead, true)
	lc, err := e.CursorOpen(latest, 1)
	require.NoError(t, err)
	require.NoError(t, lc.Search([]byte("k1")))
	rec, ok, err = lc.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), rec.Value)
	require.NoError(t, e.Commit(latest))
}

func TestDeleteMakesRowInvisibleToLaterSnapshots(t *testing.T) {
	e := startTestEngine(t)

	seed := e.Begin(common.RepeatableRead, false)
	sc, err := e.CursorOpen(seed, 1)
	require.NoError(t, err)
	require.NoError(t, sc.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Commit(seed))

	del := e.Begin(common.RepeatableRead, false)
	dc, err := e.CursorOpen(del, 1)
	require.NoError(t, err)
	require.NoError(t, dc.Search([]byte("k1")))
	require.NoError(t, dc.Delete())
	require.NoError(t, e.Commit(del))

	after := e.Begin(common.RepeatableRead, true)
	ac, err := e.CursorOpen(after, 1)
	require.NoError(t, err)
	require.NoError(t, ac.Search([]byte("k1")))
	_, ok, err := ac.Read()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, e.Commit(after))
}

// TestUpdateSerializesOnTheSameRowAcrossCursors proves record-level
// locking is reachable through the engine's public API, not just
// lock.Manager's own unit tests: two transactions updating the same
// row must serialize on that row, not merely on the table's IX lock
// (which never conflicts with itself).
func TestUpdateSerializesOnTheSameRowAcrossCursors(t *testing.T) {
	e := startTestEngine(t)

	seed := e.Begin(common.RepeatableRead, false)
	sc, err := e.CursorOpen(seed, 1)
	require.NoError(t, err)
	require.NoError(t, sc.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Commit(seed))

	first := e.Begin(common.RepeatableRead, false)
	fc, err := e.CursorOpen(first, 1)
	require.NoError(t, err)
	require.NoError(t, fc.Search([]byte("k1")))
	require.NoError(t, fc.Update([]byte("v2")))

	second := e.Begin(common.RepeatableRead, false)
	blocked := make(chan struct{})
	go func() {
		sc2, err := e.CursorOpen(second, 1)
		require.NoError(t, err)
		require.NoError(t, sc2.Search([]byte("k1")))
		require.NoError(t, sc2.Update([]byte("v3")))
		require.NoError(t, e.Commit(second))
		close(blocked)
	}()

	select {
	case <-blocked:
		t.Fatal("a second transaction's update of the same row must block while the first holds its record lock")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, e.Commit(first))
	<-blocked

	rd := e.Begin(common.RepeatableRead, true)
	rc, err := e.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Search([]byte("k1")))
	rec, ok, err := rc.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v3"), rec.Value, "the second update must win once the row lock is free")
	require.NoError(t, e.Commit(rd))
}

func TestLockSchemaIsIndependentOfTableLocks(t *testing.T) {
	e := startTestEngine(t)

	token, err := e.LockSchema()
	require.NoError(t, err)

	// The dictionary latch sits above ordinary table locks in the
	// hierarchy but is a distinct resource, so an ordinary row
	// operation against table 1 must not block behind it.
	trx := e.Begin(common.RepeatableRead, false)
	c, err := e.CursorOpen(trx, 1)
	require.NoError(t, err)
	require.NoError(t, c.Insert([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Commit(trx))

	e.UnlockSchema(token)
}

func TestLockSchemaSerializesConcurrentHolders(t *testing.T) {
	e := startTestEngine(t)

	token, err := e.LockSchema()
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		tok, err := e.LockSchema()
		require.NoError(t, err)
		e.UnlockSchema(tok)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second LockSchema call must block while the first holder is active")
	case <-time.After(50 * time.Millisecond):
	}

	e.UnlockSchema(token)
	<-acquired
}

func TestDecimalRowValueRoundTripsThroughAnIndex(t *testing.T) {
	e := startTestEngine(t)
	price := decimal.RequireFromString("1999.95")

	wr := e.Begin(common.RepeatableRead, false)
	c, err := e.CursorOpen(wr, 1)
	require.NoError(t, err)
	require.NoError(t, c.Insert([]byte("sku-1"), page.EncodeDecimal(price)))
	require.NoError(t, e.Commit(wr))

	rd := e.Begin(common.RepeatableRead, true)
	rc, err := e.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Search([]byte("sku-1")))
	rec, ok, err := rc.Read()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := page.DecodeDecimal(rec.Value)
	require.NoError(t, err)
	assert.True(t, price.Equal(got))
	require.NoError(t, e.Commit(rd))
}

func TestRestartPreservesCommittedDataAndRollsBackInDoubtTransactions(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig(dir)

	e, err := Startup(cfg)
	require.NoError(t, err)
	require.NoError(t, e.CreateIndex(1, 1, true))

	committed := e.Begin(common.RepeatableRead, false)
	cc, err := e.CursorOpen(committed, 1)
	require.NoError(t, err)
	require.NoError(t, cc.Insert([]byte("k1"), []byte("v1")))
	require.NoError(t, e.Commit(committed))

	rolledBackByApp := e.Begin(common.RepeatableRead, false)
	rc, err := e.CursorOpen(rolledBackByApp, 1)
	require.NoError(t, err)
	require.NoError(t, rc.Insert([]byte("k2"), []byte("v2")))
	require.NoError(t, e.Rollback(rolledBackByApp))

	rootPageNo, err := e.RootPageNo(1)
	require.NoError(t, err)
	height, err := e.IndexHeight(1)
	require.NoError(t, err)
	require.NoError(t, e.Checkpoint())
	require.NoError(t, e.Shutdown(ShutdownNormal))

	e2, err := Startup(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, e2.Shutdown(ShutdownNormal)) })

	require.NoError(t, e2.OpenIndex(1, 1, rootPageNo, true, height))
	rolledBack, err := e2.RecoverTransactions()
	require.NoError(t, err)
	assert.Empty(t, rolledBack, "a clean-shutdown restart has nothing left in doubt to undo")

	rd := e2.Begin(common.RepeatableRead, true)
	k1c, err := e2.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, k1c.Search([]byte("k1")))
	rec, ok, err := k1c.Read()
	require.NoError(t, err)
	require.True(t, ok, "a committed row must survive a clean restart")
	assert.Equal(t, []byte("v1"), rec.Value)

	k2c, err := e2.CursorOpen(rd, 1)
	require.NoError(t, err)
	require.NoError(t, k2c.Search([]byte("k2")))
	_, ok, err = k2c.Read()
	require.NoError(t, err)
	assert.False(t, ok, "a transaction the application itself rolled back before shutdown must not reappear")
	require.NoError(t, e2.Commit(rd))
}

func TestCursorOpenUnknownIndexFails(t *testing.T) {
	e := startTestEngine(t)
	trx := e.Begin(common.RepeatableRead, true)
	_, err := e.CursorOpen(trx, 999)
	assert.Error(t, err)
	require.NoError(t, e.Rollback(trx))
}
