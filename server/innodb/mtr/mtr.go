// Package mtr implements mini-transactions: the short, latch-held
// bracket around one atomic group of page modifications that produces
// exactly the redo records needed to replay them (spec §4.2).
package mtr

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// hold tracks one latch acquired through this mtr, so Commit/Rollback
// can release every latch in the reverse order it was taken — the
// rule that keeps the latch hierarchy acyclic (spec §4.2, §8 latching
// order invariant).
type hold struct {
	frame    *buffer.Frame
	mode     common.LatchMode
	modified bool
}

// MTR is one mini-transaction: it fetches pages, records physiological
// redo for whatever it writes into them, and on Commit appends those
// records to the log as a single group, stamps the resulting LSN onto
// every modified page, and releases latches.
type MTR struct {
	log  *wal.LogManager
	pool *buffer.Pool
	trx  common.TrxID

	holds   []hold
	pending []*wal.Record

	done bool
}

// Start opens a new mini-transaction. trx is 0 for mtrs that don't
// belong to a user transaction (space/segment housekeeping).
func Start(log *wal.LogManager, pool *buffer.Pool, trx common.TrxID) *MTR {
	return &MTR{log: log, pool: pool, trx: trx}
}

// FetchPage latches a page for this mtr and returns its frame. The
// caller mutates frame.Data() directly, then calls LogWrite to record
// what changed.
func (m *MTR) FetchPage(spaceID, pageNo uint32, mode common.LatchMode) (*buffer.Frame, error) {
	f, err := m.pool.GetPage(spaceID, pageNo, mode)
	if err != nil {
		return nil, err
	}
	m.holds = append(m.holds, hold{frame: f, mode: mode})
	return f, nil
}

// LogWrite records a physiological redo entry for bytes already written
// into f.Data()[offset:offset+len(data)], and marks f as modified for
// commit-time dirtying. The caller must hold f under LatchExclusive.
func (m *MTR) LogWrite(f *buffer.Frame, recType wal.RecordType, offset uint16, data []byte) {
	m.pending = append(m.pending, &wal.Record{
		TrxID:   m.trx,
		SpaceID: f.SpaceID(),
		PageNo:  f.PageNo(),
		Type:    recType,
		Offset:  offset,
		Data:    append([]byte(nil), data...),
	})
	for i := range m.holds {
		if m.holds[i].frame == f {
			m.holds[i].modified = true
			return
		}
	}
}

// Commit appends every pending redo record as one atomically-recovered
// group terminated by MLogMultiRecEnd, stamps the resulting tail LSN
// onto each modified frame, marks each as dirty at the group's start
// LSN, and releases all latches in reverse acquisition order (spec
// §4.2 commit steps 1-4). It does not itself force the log to disk —
// that is the transaction manager's job at user-commit time (spec §5
// "group commit"). The terminator is what lets recovery tell a
// multi-page structural change (a B+ tree split touching several pages
// under one mtr) apart from a crash that landed mid-group: without it
// a restart could see some but not all of a split's page writes and
// replay a torn tree.
func (m *MTR) Commit() error {
	if m.done {
		return nil
	}
	m.done = true

	var startLSN, tailLSN common.LSN
	if len(m.pending) > 0 {
		start, tail, err := m.log.AppendGroup(m.pending)
		if err != nil {
			return err
		}
		startLSN, tailLSN = start, tail
	}

	for i := len(m.holds) - 1; i >= 0; i-- {
		h := m.holds[i]
		if h.modified {
			h.frame.SetPageLSN(tailLSN)
		}
		// MarkDirty's oldest-mod-LSN must be the group's start LSN, not
		// its tail: the checkpoint's flush-list bound has to sit at or
		// before every redo record this page is still waiting on, and
		// the terminator's LSN is always past those records.
		m.pool.Release(h.frame, h.mode, h.modified, startLSN)
	}
	return nil
}

// Rollback releases every latch without generating log records. It is
// only safe for mtrs that have not yet mutated a page in place; by
// convention callers mutate a page's bytes only immediately before the
// matching LogWrite, so an mtr that errors out before LogWrite leaves
// no dirty, unlogged state behind.
func (m *MTR) Rollback() {
	if m.done {
		return
	}
	m.done = true
	for i := len(m.holds) - 1; i >= 0; i-- {
		h := m.holds[i]
		m.pool.Release(h.frame, h.mode, false, 0)
	}
}

// TailLSN is the LSN of the last record appended so far, 0 if none.
func (m *MTR) TailLSN() common.LSN {
	if len(m.pending) == 0 {
		return 0
	}
	return m.pending[len(m.pending)-1].LSN
}
