package engine

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/btree"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/lock"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/txn"
)

// Cursor is a positioned handle into one index, bound to one
// transaction for MVCC visibility and row-operation locking (spec §6
// "Cursor", §4.7 "Row Operations"). Insert/Update/Delete each take a
// record lock through the lock.Manager in addition to the table-level
// IX lock, so two cursors mutating the same row (or inserting into the
// same gap) serialize or deadlock-detect against each other instead of
// only ever colliding at table granularity. Search itself stays a
// non-locking positioning call: a plain MVCC snapshot read must never
// block on another transaction's uncommitted write, only see past it
// via the undo chain, so it takes no record lock (see Read).
type Cursor struct {
	e   *Engine
	trx *txn.Transaction
	ix  *indexEntry
	bc  *btree.Cursor
}

// CursorOpen positions nothing yet; call Search/First/Last to position
// the cursor (spec §6 "cursor_open(index-id, tx) → csr").
func (e *Engine) CursorOpen(trx *txn.Transaction, indexID uint64) (*Cursor, error) {
	ix, err := e.indexFor(indexID)
	if err != nil {
		return nil, err
	}
	if trx.Isolation == common.ReadCommitted {
		trx.RefreshReadView()
	}
	return &Cursor{e: e, trx: trx, ix: ix}, nil
}

// Close releases the cursor. Any page latch it held was already
// released by the preceding btree.Cursor step, so this is a no-op
// beyond dropping the reference.
func (c *Cursor) Close() { c.bc = nil }

// Search positions at the first record whose key is >= key (spec §6
// "cursor_search(key, match-mode)" — this engine implements the
// GE match mode; exact-match callers compare Read's key themselves).
// It takes no record lock: positioning is a consistent read, and under
// MVCC a consistent read must never block on another transaction's
// uncommitted row, only fail to see it via Read's visibility check.
// Callers that go on to mutate through Update/Delete get their record
// lock there, at the point the row is actually changed.
func (c *Cursor) Search(key []byte) error {
	bc, err := c.ix.tree.OpenCursor(key)
	if err != nil {
		return err
	}
	c.bc = bc
	return nil
}

func (c *Cursor) First() error {
	bc, err := c.ix.tree.First()
	if err != nil {
		return err
	}
	c.bc = bc
	return nil
}

func (c *Cursor) Last() error {
	bc, err := c.ix.tree.Last()
	if err != nil {
		return err
	}
	c.bc = bc
	return nil
}

func (c *Cursor) Next() error { return c.bc.Next() }
func (c *Cursor) Prev() error { return c.bc.Prev() }

// Valid reports whether the cursor sits on a record at all (before
// MVCC filtering — Read may still find no visible version here).
func (c *Cursor) Valid() bool { return c.bc != nil && c.bc.Valid() }

// Read returns the version of the current record visible to this
// cursor's transaction, walking the undo version chain via RollPtr
// when the live version isn't visible (spec §4.6 "MVCC read"). ok is
// false if the cursor is not positioned on a record, or no version in
// the chain is visible (the row "did not exist" for this view).
func (c *Cursor) Read() (rec *page.Record, ok bool, err error) {
	if !c.Valid() {
		return nil, false, nil
	}
	cur := c.bc.Record()
	for {
		if !cur.Info.Deleted && c.trx.IsVisible(cur.TrxID) {
			return cur, true, nil
		}
		if cur.Info.Deleted && c.trx.IsVisible(cur.TrxID) {
			return nil, false, nil // visibly deleted for this view
		}
		if cur.RollPtr == 0 {
			return nil, false, nil
		}
		undo, found := c.e.txns.LookupUndo(cur.RollPtr)
		if !found {
			return nil, false, nil
		}
		if undo.Type == txn.UndoInsert {
			return nil, false, nil // no version before the insert
		}
		cur = &page.Record{
			Key: undo.Key, Value: undo.OldValue,
			TrxID: undoOwnerTrxID(c.e.txns, undo), RollPtr: undo.Prev,
		}
	}
}

// undoOwnerTrxID returns the transaction that wrote the prior version an
// undo record restores: the writer of the undo record that version's own
// roll-ptr (u.Prev) points at, or NullTrxID when that older history is no
// longer in the undo log.
func undoOwnerTrxID(txns *txn.Manager, u *txn.UndoRecord) common.TrxID {
	if prev, ok := txns.LookupUndo(u.Prev); ok {
		return prev.TrxID
	}
	return common.NullTrxID
}

// Insert acquires an IX table lock plus an insert-intention lock on
// the gap the new key falls into, writes an undo record, and inserts
// the row (spec §4.7 "insert", §4.5 "insert intention"). Taking insert
// intention rather than a plain gap lock means two inserts into
// disjoint points of the same gap never block each other, only an
// inserter racing a locking reader that already holds GAP/NEXT_KEY on
// that gap.
func (c *Cursor) Insert(key, value []byte) error {
	id := c.trx.EnsureID()
	if err := c.e.locks.AcquireTableLock(id, c.ix.tableID, lock.ModeIX); err != nil {
		return err
	}

	gap, err := c.ix.tree.OpenCursor(key)
	if err != nil {
		return err
	}
	if err := c.e.locks.AcquireRecordLock(id, gap.SpaceID(), gap.PageNo(), gap.HeapNo(), lock.ModeX, lock.InsertIntention); err != nil {
		return err
	}

	rollPtr, err := c.e.txns.AppendUndo(&txn.UndoRecord{
		TrxID: id, Type: txn.UndoInsert, IndexID: c.ix.indexID, Key: key,
	})
	if err != nil {
		return err
	}
	c.trx.NoteUndo(rollPtr)

	return c.ix.tree.Insert(id, key, value, rollPtr)
}

// Update acquires an IX table lock plus a REC_NOT_GAP exclusive lock on
// the row itself, writes an undo record capturing the pre-image, then
// replaces the row in place (spec §4.7 "update ... in-place"). The lock
// covers only the record, not the gap around it, since an update does
// not need to block concurrent inserts next to the row it is changing.
func (c *Cursor) Update(newValue []byte) error {
	if !c.Valid() {
		return common.ErrRowNotFound
	}
	id := c.trx.EnsureID()
	if err := c.e.locks.AcquireTableLock(id, c.ix.tableID, lock.ModeIX); err != nil {
		return err
	}
	if err := c.e.locks.AcquireRecordLock(id, c.bc.SpaceID(), c.bc.PageNo(), c.bc.HeapNo(), lock.ModeX, lock.RecNotGap); err != nil {
		return err
	}

	old := c.bc.Record()
	rollPtr, err := c.e.txns.AppendUndo(&txn.UndoRecord{
		TrxID: id, Type: txn.UndoUpdateExisting, IndexID: c.ix.indexID,
		Key: old.Key, OldValue: old.Value, Prev: old.RollPtr,
	})
	if err != nil {
		return err
	}
	c.trx.NoteUndo(rollPtr)

	return c.ix.tree.Update(id, old.Key, newValue, rollPtr)
}

// Delete acquires an IX table lock plus a REC_NOT_GAP exclusive lock on
// the row, writes an undo record, then delete-marks the row (spec §4.7
// and §4.6 purge leaves the physical removal to the background
// worker).
func (c *Cursor) Delete() error {
	if !c.Valid() {
		return common.ErrRowNotFound
	}
	id := c.trx.EnsureID()
	if err := c.e.locks.AcquireTableLock(id, c.ix.tableID, lock.ModeIX); err != nil {
		return err
	}
	if err := c.e.locks.AcquireRecordLock(id, c.bc.SpaceID(), c.bc.PageNo(), c.bc.HeapNo(), lock.ModeX, lock.RecNotGap); err != nil {
		return err
	}

	old := c.bc.Record()
	rollPtr, err := c.e.txns.AppendUndo(&txn.UndoRecord{
		TrxID: id, Type: txn.UndoDeleteMark, IndexID: c.ix.indexID,
		Key: old.Key, OldValue: old.Value, Prev: old.RollPtr,
	})
	if err != nil {
		return err
	}
	c.trx.NoteUndo(rollPtr)

	return c.ix.tree.Delete(id, old.Key, rollPtr)
}
