package wal

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/logger"
)

const checkpointFileName = "redo_checkpoint"
const logFileName = "redo.log"

// LogManager owns the single append-only redo log file: LSN assignment,
// in-memory buffering, durability (Flush/FlushTo), and checkpointing
// (spec §5).
type LogManager struct {
	mu sync.Mutex

	file *os.File
	dir  string

	nextLSN    common.LSN
	durableLSN common.LSN // highest LSN guaranteed fsynced

	buffer []*Record

	flushInterval time.Duration
	stopBg        chan struct{}
}

// NewLogManager opens (or creates) the redo log under dir.
func NewLogManager(dir string) (*LogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "wal: mkdir")
	}
	f, err := os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "wal: open log file")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	lm := &LogManager{
		file:          f,
		dir:           dir,
		nextLSN:       1,
		flushInterval: time.Second,
		stopBg:        make(chan struct{}),
	}
	if info.Size() > 0 {
		if err := lm.recoverNextLSN(); err != nil {
			f.Close()
			return nil, err
		}
	}
	go lm.backgroundFlush()
	return lm, nil
}

func (lm *LogManager) recoverNextLSN() error {
	if _, err := lm.file.Seek(0, 0); err != nil {
		return err
	}
	var last common.LSN
	for {
		rec, err := DecodeRecord(lm.file)
		if err != nil {
			break
		}
		last = rec.LSN
	}
	if _, err := lm.file.Seek(0, 2); err != nil {
		return err
	}
	lm.nextLSN = last + 1
	lm.durableLSN = last
	return nil
}

// Append assigns rec the next LSN, buffers it, and returns the LSN. The
// caller (the transaction manager's commit/rollback markers, the
// engine's trx-id checkpoints) is responsible for calling Flush before
// treating the record as durable (spec §4.2 commit protocol).
func (lm *LogManager) Append(rec *Record) (common.LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	rec.LSN = lm.nextLSN
	lm.nextLSN++
	lm.buffer = append(lm.buffer, rec)
	return rec.LSN, nil
}

// AppendGroup assigns LSNs to every record in recs plus a trailing
// MLogMultiRecEnd terminator, under a single lock acquisition so no
// other writer's record can be interleaved into the middle of the
// group. It returns both the group's start LSN (the first record's
// LSN, with recs empty reported as the terminator's own LSN) and the
// terminator's LSN. This is what a mini-transaction's Commit uses to
// make its whole set of page writes recoverable as one atomic unit
// (spec §4.3) — and the start LSN is what must be recorded as a page's
// oldest-modification LSN (spec §4.2 commit step 3), since the
// checkpoint's flush-list bound has to be at or before every redo
// record a dirty page is still waiting on, not at the group's tail.
func (lm *LogManager) AppendGroup(recs []*Record) (startLSN, tailLSN common.LSN, err error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	startLSN = lm.nextLSN
	for _, rec := range recs {
		rec.LSN = lm.nextLSN
		lm.nextLSN++
		lm.buffer = append(lm.buffer, rec)
	}
	term := &Record{Type: MLogMultiRecEnd, LSN: lm.nextLSN}
	lm.nextLSN++
	lm.buffer = append(lm.buffer, term)
	return startLSN, term.LSN, nil
}

// FlushTo satisfies buffer.Flusher: the buffer pool calls it before
// writing a dirty page back, guaranteeing the log always precedes the
// data (spec §5 "log precedes data" invariant). Because records are
// flushed strictly in append order, flushing the whole buffer always
// satisfies any requested lsn.
func (lm *LogManager) FlushTo(lsn common.LSN) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lsn <= lm.durableLSN {
		return nil
	}
	return lm.flushLocked()
}

// Flush forces every buffered record to disk.
func (lm *LogManager) Flush() error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.flushLocked()
}

func (lm *LogManager) flushLocked() error {
	if len(lm.buffer) == 0 {
		return nil
	}
	for _, rec := range lm.buffer {
		if _, err := lm.file.Write(rec.Encode()); err != nil {
			return errors.Wrap(common.ErrIOError, "wal: write: "+err.Error())
		}
		if rec.LSN > lm.durableLSN {
			lm.durableLSN = rec.LSN
		}
	}
	lm.buffer = lm.buffer[:0]
	return lm.file.Sync()
}

func (lm *LogManager) backgroundFlush() {
	ticker := time.NewTicker(lm.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := lm.Flush(); err != nil {
				logger.Errorf("wal: background flush: %v", err)
			}
		case <-lm.stopBg:
			return
		}
	}
}

// DurableLSN returns the highest LSN known to be fsynced.
func (lm *LogManager) DurableLSN() common.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.durableLSN
}

// NextLSN previews the LSN the next Append will receive.
func (lm *LogManager) NextLSN() common.LSN {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.nextLSN
}

// Checkpoint flushes the log and records startLSN (typically the
// buffer pool's oldest modified-page LSN) as the point redo must resume
// from after a crash (spec §5 "Checkpointing").
func (lm *LogManager) Checkpoint(startLSN common.LSN) error {
	lm.mu.Lock()
	if err := lm.flushLocked(); err != nil {
		lm.mu.Unlock()
		return err
	}
	lm.mu.Unlock()

	cpPath := filepath.Join(lm.dir, checkpointFileName)
	f, err := os.Create(cpPath)
	if err != nil {
		return errors.Wrap(err, "wal: create checkpoint")
	}
	defer f.Close()
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(startLSN))
	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// LoadCheckpoint returns the last recorded redo-start LSN, or 0 if no
// checkpoint has ever been written (recovery then scans from the
// beginning of the log).
func (lm *LogManager) LoadCheckpoint() (common.LSN, error) {
	buf, err := os.ReadFile(filepath.Join(lm.dir, checkpointFileName))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "wal: read checkpoint")
	}
	if len(buf) < 8 {
		return 0, common.ErrCheckpointNotFound
	}
	return common.LSN(binary.BigEndian.Uint64(buf)), nil
}

// ReadFrom returns every record with LSN >= startLSN, in log order, for
// the recovery analysis/redo/undo passes (spec §5).
func (lm *LogManager) ReadFrom(startLSN common.LSN) ([]*Record, error) {
	lm.mu.Lock()
	if err := lm.flushLocked(); err != nil {
		lm.mu.Unlock()
		return nil, err
	}
	lm.mu.Unlock()

	f, err := os.Open(filepath.Join(lm.dir, logFileName))
	if err != nil {
		return nil, errors.Wrap(err, "wal: open for recovery scan")
	}
	defer f.Close()

	var out []*Record
	for {
		rec, err := DecodeRecord(f)
		if err != nil {
			break
		}
		if rec.LSN >= startLSN {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (lm *LogManager) Close() error {
	close(lm.stopBg)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if err := lm.flushLocked(); err != nil {
		return err
	}
	return lm.file.Close()
}
