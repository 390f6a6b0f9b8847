package btree

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/mtr"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// Delete marks key's record as deleted in place. Rows stay on the page
// until purge physically removes them once no read view can still need
// the old version — deletion never needs to split, so it never needs
// the underflow/merge rebalancing real InnoDB performs after a
// pessimistic delete. Leaving pages under-full after heavy deletion is
// a deliberate simplification recorded in the grounding ledger (spec
// §4.4 "delete" covers delete-marking; merge-on-underflow is not
// implemented).
func (t *Tree) Delete(trx common.TrxID, key []byte, rollPtr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findPath(key)
	if err != nil {
		return err
	}

	m := mtr.Start(t.log, t.pool, trx)
	leafPageNo := path[len(path)-1]
	f, ip, err := t.fetch(m, leafPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	if !ip.DeleteMark(key) {
		m.Rollback()
		return common.ErrRowNotFound
	}
	if rec, ok := findExact(ip, key); ok {
		rec.TrxID = trx
		rec.RollPtr = rollPtr
	}

	t.writeBack(m, f, ip, wal.MLogRecClustDeleteMark)
	return m.Commit()
}

// UndoDeleteMark clears a record's deleted flag, restoring it to
// visibility. Only the undo-apply path (rollback of a delete) calls
// this; it never generates its own undo record.
func (t *Tree) UndoDeleteMark(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findPath(key)
	if err != nil {
		return err
	}

	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	leafPageNo := path[len(path)-1]
	f, ip, err := t.fetch(m, leafPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	rec, ok := findExact(ip, key)
	if !ok {
		m.Rollback()
		return common.ErrRowNotFound
	}
	rec.Info.Deleted = false

	t.writeBack(m, f, ip, wal.MLogRecUpdateInPlace)
	return m.Commit()
}

// Purge physically removes key's record, whether or not it is
// delete-marked. The engine's Applier calls this for the background
// purge worker, once no active read view can still see the record, and
// to roll back an insert (spec §4.6 Purge).
func (t *Tree) Purge(key []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findPath(key)
	if err != nil {
		return err
	}

	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	leafPageNo := path[len(path)-1]
	f, ip, err := t.fetch(m, leafPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	if !ip.PurgeRemove(key) {
		m.Rollback()
		return common.ErrRowNotFound
	}

	t.writeBack(m, f, ip, wal.MLogRecDelete)
	return m.Commit()
}

// Update replaces value for an existing key in place, delete-marking
// the old version's column set is the undo layer's job (via the
// Applier wired by txn.Manager) — Update here only rewrites the
// current row image (spec §4.4 "update in place").
func (t *Tree) Update(trx common.TrxID, key, newValue []byte, rollPtr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findPath(key)
	if err != nil {
		return err
	}

	m := mtr.Start(t.log, t.pool, trx)
	leafPageNo := path[len(path)-1]
	f, ip, err := t.fetch(m, leafPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	rec, ok := findExact(ip, key)
	if !ok || rec.Info.Deleted {
		m.Rollback()
		return common.ErrRowNotFound
	}
	rec.Value = append([]byte(nil), newValue...)
	rec.TrxID = trx
	rec.RollPtr = rollPtr

	t.writeBack(m, f, ip, wal.MLogRecUpdateInPlace)
	return m.Commit()
}
