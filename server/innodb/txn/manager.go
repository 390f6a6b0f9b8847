// Package txn implements the transaction manager: lifecycle, MVCC read
// views, undo logging, and background purge (spec §6).
package txn

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/lock"
	"github.com/wilhasse/oss-embedded-innodb/logger"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// Manager is the transaction manager: trx-id allocation, the active
// transaction set (for read-view construction), and the owned undo log
// and lock manager it coordinates commit/rollback with.
type Manager struct {
	mu sync.Mutex

	nextTrxID  common.TrxID
	nextHandle uint64
	trxs       map[uint64]*Transaction

	undo  *UndoLogManager
	log   *wal.LogManager
	locks *lock.Manager

	defaultTimeout time.Duration
	applier        Applier
	purge          *PurgeWorker
}

// NewManager wires a transaction manager against a shared WAL log
// manager and lock manager, and opens its own undo log under dataDir
// (spec §6 "one undo log per engine instance").
func NewManager(dataDir string, log *wal.LogManager, locks *lock.Manager) (*Manager, error) {
	undo, err := NewUndoLogManager(dataDir)
	if err != nil {
		return nil, err
	}
	tm := &Manager{
		nextTrxID:      1,
		trxs:           make(map[uint64]*Transaction),
		undo:           undo,
		log:            log,
		locks:          locks,
		defaultTimeout: time.Hour,
	}
	tm.purge = newPurgeWorker(tm)
	return tm, nil
}

// SetApplier installs the rollback/purge hook the btree layer provides;
// wired after construction to avoid an import cycle (btree depends on
// txn for visibility, txn depends on btree only through this
// interface).
func (tm *Manager) SetApplier(a Applier) {
	tm.mu.Lock()
	tm.applier = a
	tm.mu.Unlock()
	tm.purge.start()
}

// Begin starts a new transaction. Its write trx-id is not allocated
// until the first write (EnsureID); for SERIALIZABLE, REPEATABLE READ
// and READ COMMITTED it takes its MVCC snapshot now, and a READ
// COMMITTED transaction retakes it via RefreshReadView before each
// statement (spec §6, SPEC_FULL §C.2).
func (tm *Manager) Begin(isolation common.Isolation, readOnly bool) *Transaction {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	handle := tm.nextHandle
	tm.nextHandle++

	trx := &Transaction{
		handle:         handle,
		State:          StateActive,
		Isolation:      isolation,
		ReadOnly:       readOnly,
		StartTime:      time.Now(),
		LastActiveTime: time.Now(),
		mgr:            tm,
	}
	tm.trxs[handle] = trx
	if isolation >= common.ReadCommitted {
		trx.ReadView = tm.newReadViewLocked(trx)
	}
	logger.Debugf("txn: begin handle=%d isolation=%d readOnly=%v", handle, isolation, readOnly)
	return trx
}

func (tm *Manager) ensureID(trx *Transaction) common.TrxID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if trx.ID == common.NullTrxID {
		trx.ID = tm.nextTrxID
		tm.nextTrxID++
		if trx.ReadView != nil {
			trx.ReadView.creatorTrxID = trx.ID
		}
	}
	return trx.ID
}

func (tm *Manager) newReadView(trx *Transaction) *ReadView {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.newReadViewLocked(trx)
}

func (tm *Manager) newReadViewLocked(requester *Transaction) *ReadView {
	var activeIDs []common.TrxID
	min := common.TrxID(0)
	for _, t := range tm.trxs {
		if t == requester || t.State != StateActive || t.ID == common.NullTrxID {
			continue
		}
		activeIDs = append(activeIDs, t.ID)
		if min == 0 || t.ID < min {
			min = t.ID
		}
	}
	if min == 0 {
		min = tm.nextTrxID
	}
	return newReadView(activeIDs, min, tm.nextTrxID, requester.ID)
}

// Commit durably closes out a transaction: it forces the WAL up to the
// highest LSN any of the transaction's mtrs produced, releases its
// locks, and retires its undo bookkeeping (spec §6 "commit", §5 "group
// commit" — Flush covers every trx whose LSN it already buffered).
func (tm *Manager) Commit(trx *Transaction) error {
	if trx.State != StateActive {
		return common.ErrInvalidTrxState
	}
	if trx.ID != common.NullTrxID {
		if _, err := tm.log.Append(&wal.Record{TrxID: trx.ID, Type: wal.MLogTrxCommit}); err != nil {
			return err
		}
	}
	if trx.lastLSN > 0 || trx.ID != common.NullTrxID {
		if err := tm.log.Flush(); err != nil {
			return err
		}
	}
	if trx.ID != common.NullTrxID {
		tm.undo.Cleanup(trx.ID)
	}
	tm.locks.ReleaseAll(trx.ID)

	trx.State = StateCommitted
	trx.LastActiveTime = time.Now()
	tm.mu.Lock()
	delete(tm.trxs, trx.handle)
	tm.mu.Unlock()
	return nil
}

// Rollback undoes every change the transaction made, in reverse order,
// via the installed Applier, then releases its locks (spec §6
// "rollback").
func (tm *Manager) Rollback(trx *Transaction) error {
	if trx.State != StateActive {
		return common.ErrInvalidTrxState
	}
	if trx.ID != common.NullTrxID && tm.applier != nil {
		if err := tm.undo.Rollback(trx.ID, tm.applier); err != nil {
			return err
		}
	}
	if trx.ID != common.NullTrxID {
		if _, err := tm.log.Append(&wal.Record{TrxID: trx.ID, Type: wal.MLogTrxRollback}); err != nil {
			return err
		}
		if err := tm.log.Flush(); err != nil {
			return err
		}
	}
	tm.locks.ReleaseAll(trx.ID)

	trx.State = StateRolledBack
	trx.LastActiveTime = time.Now()
	tm.mu.Lock()
	delete(tm.trxs, trx.handle)
	tm.mu.Unlock()
	return nil
}

// NextTrxIDHint returns the counter's current value, for the
// background trx-id checkpoint writer (SPEC_FULL §C.4) — it is a
// snapshot, not a reservation.
func (tm *Manager) NextTrxIDHint() common.TrxID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.nextTrxID
}

// SeedTrxID raises the counter to at least id, called at startup with
// the value recovery's analysis pass derived from the persisted
// MLOG_TRX_ID_CHECKPOINT records and COMMIT/ROLLBACK markers, so
// newly begun transactions never reuse an id a crashed run might have
// already assigned (SPEC_FULL §C.4).
func (tm *Manager) SeedTrxID(id common.TrxID) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if id > tm.nextTrxID {
		tm.nextTrxID = id
	}
}

// LookupUndo exposes an undo record by roll-ptr, so MVCC reads outside
// this package can walk a clustered record's version chain without
// reaching into the undo log manager directly.
func (tm *Manager) LookupUndo(rollPtr uint64) (*UndoRecord, bool) {
	return tm.undo.Lookup(rollPtr)
}

// AppendUndo records one undo entry ahead of a mutation, returning the
// roll-ptr the caller must store in the record's system column (spec
// §6 "undo writing").
func (tm *Manager) AppendUndo(rec *UndoRecord) (uint64, error) {
	return tm.undo.Append(rec)
}

// OldestActiveReadViewLowLimit is the smallest LowLimit across every
// live read view — the bound purge must respect (spec §6 "purge").
func (tm *Manager) OldestActiveReadViewLowLimit() common.TrxID {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	limit := tm.nextTrxID
	for _, t := range tm.trxs {
		if t.ReadView != nil && t.ReadView.LowLimit() < limit {
			limit = t.ReadView.LowLimit()
		}
	}
	return limit
}

// Cleanup rolls back any transaction that has been idle past the
// manager's default timeout (spec §6 "idle transaction reaping").
func (tm *Manager) Cleanup() {
	tm.mu.Lock()
	var stale []*Transaction
	now := time.Now()
	for _, t := range tm.trxs {
		if t.State == StateActive && now.Sub(t.LastActiveTime) > tm.defaultTimeout {
			stale = append(stale, t)
		}
	}
	tm.mu.Unlock()

	for _, t := range stale {
		if err := tm.Rollback(t); err != nil {
			logger.Errorf("txn: cleanup rollback of handle %d: %v", t.handle, err)
		}
	}
}

// RecoverUncommitted rolls back every transaction the undo log still
// remembers that isn't in committed, via the installed Applier (spec
// §4.3 step 4 "undo pass"). It runs as a step separate from the redo
// pass because applying an undo record requires the index-id -> B+
// tree mapping, which this engine only has once the embedding caller
// has re-registered its indexes after Startup.
func (tm *Manager) RecoverUncommitted(committed map[common.TrxID]bool) ([]common.TrxID, error) {
	tm.mu.Lock()
	applier := tm.applier
	tm.mu.Unlock()
	if applier == nil {
		return nil, errors.New("txn: recovery requires an applier to be installed first")
	}

	var rolledBack []common.TrxID
	for _, id := range tm.undo.TrxIDs() {
		if committed[id] {
			continue
		}
		if err := tm.undo.Rollback(id, applier); err != nil {
			return rolledBack, errors.Wrapf(err, "txn: recovery rollback of trx %d", id)
		}
		rolledBack = append(rolledBack, id)
	}
	return rolledBack, nil
}

func (tm *Manager) Close() error {
	tm.purge.stop()

	tm.mu.Lock()
	active := make([]*Transaction, 0, len(tm.trxs))
	for _, t := range tm.trxs {
		if t.State == StateActive {
			active = append(active, t)
		}
	}
	tm.mu.Unlock()

	for _, t := range active {
		if err := tm.Rollback(t); err != nil {
			logger.Errorf("txn: close-time rollback of handle %d: %v", t.handle, err)
		}
	}
	return tm.undo.Close()
}
