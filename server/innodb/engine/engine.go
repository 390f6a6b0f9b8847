package engine

import (
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/logger"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/lock"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/recovery"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/txn"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// ShutdownMode selects how much cleanup Shutdown performs before
// closing files (spec §6 "shutdown(mode ∈ {NORMAL, NO_FLUSH})").
type ShutdownMode uint8

const (
	ShutdownNormal ShutdownMode = iota
	ShutdownNoFlush
)

// dictionaryTableID is the reserved resource LockSchema/UnlockSchema
// bracket: the DDL latch sits above every ordinary table lock in the
// hierarchy (spec §5 "Latch hierarchy", item 1 "Dictionary").
const dictionaryTableID = ^uint64(0)

// Engine is the top-level embeddable storage engine: it owns every
// subsystem and is the sole entry point external collaborators drive
// through Startup/Shutdown, transactions and cursors (spec §6
// "External Interfaces").
type Engine struct {
	cfg Config

	mu      sync.RWMutex
	indexes map[uint64]*indexEntry

	spaces      *space.Manager
	systemSpace *space.Space
	pool        *buffer.Pool
	log         *wal.LogManager
	locks       *lock.Manager
	txns        *txn.Manager

	internalTrxSeq uint64

	recoveredResolved map[common.TrxID]bool

	stopBg chan struct{}
	bgWg   sync.WaitGroup
}

// systemSpaceFile is the system tablespace's file name within the
// data directory, used both to create it and to detect a prior run's
// tablespace on restart.
const systemSpaceFile = "ibdata1"

// Startup initializes log files, opens (or creates) the system
// tablespace, runs the log analysis and redo passes, and spawns the
// engine's background threads: one checkpoint writer and one trx-id
// counter checkpoint writer, beyond the log flusher and purge worker
// each subsystem already owns (spec §6 "startup(config) ... spawns
// background threads", §4.3 steps 1-2). The undo pass is deferred to
// RecoverTransactions, once the caller has re-registered its indexes.
func Startup(cfg Config) (*Engine, error) {
	spaces := space.NewManager(cfg.DataDir)

	var sysSpace *space.Space
	var err error
	if _, statErr := os.Stat(filepath.Join(cfg.DataDir, systemSpaceFile)); statErr == nil {
		// A prior run already laid down the system tablespace;
		// CreateSpace truncates, so reattach instead to keep every page
		// the redo log is about to replay against.
		sysSpace, err = spaces.OpenSpace(0, systemSpaceFile)
		if err != nil {
			return nil, errors.Wrap(err, "engine: reopen system tablespace")
		}
	} else {
		sysSpace, err = spaces.CreateSpace(systemSpaceFile, cfg.SystemSpacePages)
		if err != nil {
			return nil, errors.Wrap(err, "engine: create system tablespace")
		}
	}

	logMgr, err := wal.NewLogManager(cfg.DataDir)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open redo log")
	}

	pool := buffer.NewPool(cfg.BufferPoolPages, spaces, logMgr)
	locks := lock.NewManager(cfg.LockWaitTimeout)

	txns, err := txn.NewManager(cfg.DataDir, logMgr, locks)
	if err != nil {
		return nil, errors.Wrap(err, "engine: open transaction manager")
	}

	analysis, err := recovery.Analyze(logMgr)
	if err != nil {
		return nil, errors.Wrap(err, "engine: recovery analysis")
	}
	if _, err := recovery.Redo(pool, analysis.Records); err != nil {
		return nil, errors.Wrap(err, "engine: recovery redo pass")
	}
	if analysis.MaxTrxID > 0 {
		txns.SeedTrxID(analysis.MaxTrxID)
	}

	e := &Engine{
		cfg:                cfg,
		indexes:            make(map[uint64]*indexEntry),
		spaces:             spaces,
		systemSpace:        sysSpace,
		pool:               pool,
		log:                logMgr,
		locks:              locks,
		txns:               txns,
		recoveredResolved:  analysis.Resolved,
		stopBg:             make(chan struct{}),
	}
	txns.SetApplier(&undoApplier{e: e})

	e.bgWg.Add(2)
	go e.checkpointLoop()
	go e.trxIDCheckpointLoop()

	logger.Infof("engine: started, data dir %s", cfg.DataDir)
	return e, nil
}

// RecoverTransactions runs the undo pass: every transaction the undo
// log still remembers that never reached COMMIT is rolled back (spec
// §4.3 step 4). Call it once every index the recovered data depends on
// has been re-registered via OpenIndex; it is a no-op (returns an
// empty slice) on a freshly initialized data directory with no undo
// history to replay.
func (e *Engine) RecoverTransactions() ([]common.TrxID, error) {
	rolledBack, err := e.txns.RecoverUncommitted(e.recoveredResolved)
	if err != nil {
		return rolledBack, errors.Wrap(err, "engine: recovery undo pass")
	}
	if len(rolledBack) > 0 {
		logger.Infof("engine: recovery rolled back %d uncommitted transaction(s)", len(rolledBack))
	}
	return rolledBack, nil
}

// checkpointLoop periodically forces dirty pages to disk and records
// a redo checkpoint at the buffer pool's oldest-modified-page LSN
// (spec §5 "Checkpointing").
func (e *Engine) checkpointLoop() {
	defer e.bgWg.Done()
	ticker := time.NewTicker(e.cfg.CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := e.Checkpoint(); err != nil {
				logger.Errorf("engine: checkpoint: %v", err)
			}
		case <-e.stopBg:
			return
		}
	}
}

// Checkpoint flushes dirty pages and records a redo checkpoint; called
// periodically in the background and once more during Shutdown.
func (e *Engine) Checkpoint() error {
	if err := e.pool.FlushDirtyPages(); err != nil {
		return err
	}
	start := e.pool.OldestModifiedLSN()
	if start == 0 {
		start = e.log.NextLSN()
	}
	return e.log.Checkpoint(start)
}

// trxIDCheckpointLoop periodically persists the transaction id
// counter via a MLOG_TRX_ID_CHECKPOINT redo record, so recovery can
// seed the in-memory counter above the last value any crashed run
// might have assigned (SPEC_FULL §C.4).
func (e *Engine) trxIDCheckpointLoop() {
	defer e.bgWg.Done()
	ticker := time.NewTicker(e.cfg.TrxIDCheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hint := e.txns.NextTrxIDHint()
			rec := &wal.Record{Type: wal.MLogTrxIDCheckpoint, Data: wal.EncodeTrxID(hint)}
			if _, err := e.log.Append(rec); err != nil {
				logger.Errorf("engine: trx-id checkpoint: %v", err)
				continue
			}
			if err := e.log.Flush(); err != nil {
				logger.Errorf("engine: trx-id checkpoint flush: %v", err)
			}
		case <-e.stopBg:
			return
		}
	}
}

// Begin starts a new transaction (spec §6 "tx_begin(isolation) → tx").
func (e *Engine) Begin(isolation common.Isolation, readOnly bool) *txn.Transaction {
	return e.txns.Begin(isolation, readOnly)
}

// Commit durably commits trx (spec §6 "tx_commit(tx) → ok|fail").
func (e *Engine) Commit(trx *txn.Transaction) error { return e.txns.Commit(trx) }

// Rollback aborts trx (spec §6 "tx_rollback(tx)").
func (e *Engine) Rollback(trx *txn.Transaction) error { return e.txns.Rollback(trx) }

// LockSchema acquires the dictionary latch ahead of any table lock,
// via a short-lived internal transaction id disjoint from every real
// trx-id the transaction manager hands out, so releasing it can never
// drop a lock a real transaction is relying on (SPEC_FULL §C.1).
func (e *Engine) LockSchema() (common.TrxID, error) {
	id := e.nextInternalTrxID()
	if err := e.locks.AcquireTableLock(id, dictionaryTableID, lock.ModeX); err != nil {
		return 0, err
	}
	return id, nil
}

// UnlockSchema releases the dictionary latch token returned by
// LockSchema.
func (e *Engine) UnlockSchema(token common.TrxID) {
	e.locks.ReleaseAll(token)
}

// nextInternalTrxID hands out ids from the top of the TrxID space
// downward, so they never collide with the transaction manager's
// ascending real trx-ids.
func (e *Engine) nextInternalTrxID() common.TrxID {
	n := atomic.AddUint64(&e.internalTrxSeq, 1)
	return common.TrxID(math.MaxUint64 - n)
}

// Shutdown drains the purge worker, optionally flushes dirty pages and
// writes a final checkpoint, then closes every owned file (spec §6
// "shutdown(mode)").
func (e *Engine) Shutdown(mode ShutdownMode) error {
	close(e.stopBg)
	e.bgWg.Wait()

	if err := e.txns.Close(); err != nil {
		logger.Errorf("engine: shutdown: transaction manager close: %v", err)
	}

	if mode == ShutdownNormal {
		if err := e.Checkpoint(); err != nil {
			logger.Errorf("engine: shutdown: checkpoint: %v", err)
		}
	}

	if err := e.log.Close(); err != nil {
		return errors.Wrap(err, "engine: close redo log")
	}
	if err := e.spaces.CloseAll(); err != nil {
		return errors.Wrap(err, "engine: close tablespaces")
	}
	logger.Infof("engine: shut down (mode=%d)", mode)
	return nil
}
