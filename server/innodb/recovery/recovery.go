// Package recovery replays the write-ahead log at startup: an
// analysis pass locates the last checkpoint and classifies every
// record since, and a redo pass brings pages up to their last logged
// state (spec §4.3 "Recovery"). The undo pass that rolls back
// transactions that never reached COMMIT is not in this package.
//
// Row-level undo application needs the index-id -> B+ tree mapping
// the (out-of-scope) data dictionary would normally supply, so Redo
// and the undo pass are split: Redo runs during Engine.Startup before
// any index exists, and the undo pass (Engine.RecoverTransactions, via
// txn.Manager.RecoverUncommitted) runs once the embedding caller has
// re-registered its indexes via Engine.OpenIndex.
package recovery

import (
	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/logger"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// Analysis is the outcome of scanning the log tail since the last
// checkpoint: the page-modifying records the redo pass must replay,
// the trx-id counter value to seed from (the highest persisted counter
// checkpoint, or one past the highest resolved trx-id if that is
// larger), and the set of transactions the log already has a final
// outcome for.
type Analysis struct {
	StartLSN common.LSN
	Records  []*wal.Record
	MaxTrxID common.TrxID
	// Resolved holds every transaction id that reached COMMIT or ran a
	// completed ROLLBACK before this log tail ends. The undo log itself
	// is append-only and never compacts a resolved transaction's
	// records out of the file, so without this the undo pass would see
	// them again and re-apply an already-applied rollback.
	Resolved map[common.TrxID]bool
}

// Analyze scans the log from the last checkpoint forward for redo
// candidates (spec §4.3 steps 1-2, the classification half) — page
// state before the checkpoint is already durable by definition, so
// that scan only needs the tail. Transaction resolution markers get
// their own full-log scan: the checkpoint only bounds page durability,
// while the undo log this feeds is never compacted, so an old
// transaction's COMMIT/ROLLBACK marker from well before the checkpoint
// still has to be found or the undo pass would redo it.
func Analyze(log *wal.LogManager) (*Analysis, error) {
	startLSN, err := log.LoadCheckpoint()
	if err != nil {
		return nil, errors.Wrap(err, "recovery: load checkpoint")
	}
	records, err := log.ReadFrom(startLSN)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: read log tail")
	}
	full, err := log.ReadFrom(0)
	if err != nil {
		return nil, errors.Wrap(err, "recovery: read full log")
	}

	a := &Analysis{StartLSN: startLSN, Resolved: make(map[common.TrxID]bool)}
	for _, rec := range full {
		switch rec.Type {
		case wal.MLogTrxIDCheckpoint:
			if id := wal.DecodeTrxID(rec.Data); id > a.MaxTrxID {
				a.MaxTrxID = id
			}
		case wal.MLogTrxCommit, wal.MLogTrxRollback:
			a.Resolved[rec.TrxID] = true
			if rec.TrxID+1 > a.MaxTrxID {
				a.MaxTrxID = rec.TrxID + 1
			}
		}
	}

	// A mini-transaction's page writes are only trustworthy as a
	// complete group: Commit appends an MLogMultiRecEnd terminator
	// after every group it writes (spec §4.3's atomic-group
	// invariant), so a group still open when the scanned range ends —
	// records present with no terminator following — was cut short by
	// a crash mid-append and must be discarded whole rather than
	// replayed partially.
	var group []*wal.Record
	for _, rec := range records {
		switch {
		case rec.Type == wal.MLogMultiRecEnd:
			a.Records = append(a.Records, group...)
			group = nil
		case rec.ModifiesPage():
			group = append(group, rec)
		}
	}
	if len(group) > 0 {
		logger.Warnf("recovery: discarding %d record(s) from an incomplete mini-transaction group at the log tail", len(group))
	}

	logger.Infof("recovery: analysis from LSN %d: %d page records, %d resolved transactions",
		startLSN, len(a.Records), len(a.Resolved))
	return a, nil
}

// Redo re-applies every page-modifying record whose target page is
// still behind it, skipping any page already at or past the record's
// LSN (spec §4.3 step 2 "if page-LSN >= record.end-LSN skip"). Redo
// records in this engine are whole-page-body writes (the B+ tree
// layer's documented simplification over byte-range physiological
// logging), so applying one is a single bounded copy.
func Redo(pool *buffer.Pool, records []*wal.Record) (applied int, err error) {
	for _, rec := range records {
		f, ferr := pool.GetPage(rec.SpaceID, rec.PageNo, common.LatchExclusive)
		if ferr != nil {
			return applied, errors.Wrapf(ferr, "recovery: fetch page (%d,%d)", rec.SpaceID, rec.PageNo)
		}
		if f.PageLSN() >= rec.LSN {
			pool.Release(f, common.LatchExclusive, false, 0)
			continue
		}
		copy(f.Data()[rec.Offset:], rec.Data)
		f.SetPageLSN(rec.LSN)
		pool.Release(f, common.LatchExclusive, true, rec.LSN)
		applied++
	}
	logger.Infof("recovery: redo applied %d of %d candidate records", applied, len(records))
	return applied, nil
}
