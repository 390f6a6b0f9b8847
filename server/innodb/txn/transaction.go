package txn

import (
	"time"

	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// State is a transaction's lifecycle stage (spec §6 Transaction).
type State uint8

const (
	StateNotStarted State = iota
	StateActive
	StatePrepared
	StateCommitted
	StateRolledBack
)

// Transaction is a single unit of work. Its ID stays common.NullTrxID
// until EnsureID assigns one on the transaction's first write (spec §6
// "trx-id assigned on first write"); a transaction that never writes
// never takes an id, and so never appears in another view's active set.
type Transaction struct {
	handle uint64 // internal bookkeeping key, always assigned, never reused

	ID        common.TrxID
	State     State
	Isolation common.Isolation
	ReadOnly  bool

	StartTime      time.Time
	LastActiveTime time.Time

	ReadView *ReadView

	lastLSN  common.LSN // highest mtr tail LSN produced by this transaction so far
	rollPtrs []uint64

	mgr *Manager
}

// IsVisible reports whether a row version owned by owner is visible to
// this transaction, honoring its isolation level (spec §6 visibility
// rule).
func (t *Transaction) IsVisible(owner common.TrxID) bool {
	if t.Isolation == common.ReadUncommitted {
		return true
	}
	if t.ReadView == nil {
		return true
	}
	return t.ReadView.IsVisible(owner)
}

// RefreshReadView retakes the snapshot. READ COMMITTED transactions
// call this before every statement so each one sees the latest
// committed data (SPEC_FULL §C.2); REPEATABLE READ transactions never
// call it, keeping one snapshot for the whole transaction.
func (t *Transaction) RefreshReadView() {
	if t.Isolation < common.ReadCommitted {
		return
	}
	t.ReadView = t.mgr.newReadView(t)
	t.LastActiveTime = time.Now()
}

// EnsureID lazily assigns this transaction's write trx-id.
func (t *Transaction) EnsureID() common.TrxID {
	return t.mgr.ensureID(t)
}

// NoteLSN records the highest WAL LSN any mtr run under this
// transaction has produced, so Commit knows how far the log must be
// durable before the transaction is considered committed.
func (t *Transaction) NoteLSN(lsn common.LSN) {
	if lsn > t.lastLSN {
		t.lastLSN = lsn
	}
}

// NoteUndo records a roll-ptr this transaction generated. Rollback and
// purge do not read this list; they find undo records through the undo
// log's own indexes.
func (t *Transaction) NoteUndo(rollPtr uint64) {
	t.rollPtrs = append(t.rollPtrs, rollPtr)
}
