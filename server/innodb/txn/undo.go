package txn

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// UndoType distinguishes the three undo-record shapes this engine
// generates (spec §6 "undo log types").
type UndoType uint8

const (
	UndoInsert UndoType = iota
	UndoUpdateExisting
	UndoDeleteMark
)

// UndoRecord is one entry in a version chain: it carries enough of the
// prior row image to (a) undo the change on rollback and (b) let an
// older read view reconstruct the earlier version (spec §6 Undo Log).
type UndoRecord struct {
	RollPtr uint64 // this record's own identity
	Prev    uint64 // roll-ptr of the version this one supersedes, 0 if none

	TrxID   common.TrxID
	Type    UndoType
	IndexID uint64
	SpaceID uint32
	PageNo  uint32
	HeapNo  uint16

	Key      []byte
	OldValue []byte // the value being overwritten/deleted; nil for UndoInsert
}

// UndoLogManager owns every undo record ever appended, indexed both by
// owning transaction (for rollback) and by roll-ptr (for version-chain
// walks from a clustered record and for purge).
type UndoLogManager struct {
	mu   sync.Mutex
	file *os.File

	nextRollPtr uint64

	byTrx     map[common.TrxID][]*UndoRecord
	byRollPtr map[uint64]*UndoRecord
}

func NewUndoLogManager(dir string) (*UndoLogManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "txn: mkdir undo dir")
	}
	path := filepath.Join(dir, "undo.log")
	u := &UndoLogManager{
		nextRollPtr: 1,
		byTrx:       make(map[common.TrxID][]*UndoRecord),
		byRollPtr:   make(map[uint64]*UndoRecord),
	}
	if err := u.loadExisting(path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "txn: open undo.log")
	}
	u.file = f
	return u, nil
}

// loadExisting replays any undo.log content a prior run left behind,
// so roll-ptrs already stored in clustered records stay resolvable
// across a restart and recovery's undo pass has something to walk
// (spec §4.3 step 3 "scan ... all rollback segments").
func (u *UndoLogManager) loadExisting(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "txn: open undo.log for replay")
	}
	defer f.Close()

	for {
		rec, err := readUndoRecord(f)
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "txn: replay undo.log")
		}
		u.byTrx[rec.TrxID] = append(u.byTrx[rec.TrxID], rec)
		u.byRollPtr[rec.RollPtr] = rec
		if rec.RollPtr >= u.nextRollPtr {
			u.nextRollPtr = rec.RollPtr + 1
		}
	}
	return nil
}

// Append records one undo entry, keeping the Prev roll-ptr the caller
// set (the roll-ptr the record carried before this mutation), and
// returns the roll-ptr the clustered record's system column should now
// store.
func (u *UndoLogManager) Append(rec *UndoRecord) (uint64, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	rec.RollPtr = atomic.AddUint64(&u.nextRollPtr, 1) - 1
	u.byTrx[rec.TrxID] = append(u.byTrx[rec.TrxID], rec)
	u.byRollPtr[rec.RollPtr] = rec

	if err := u.writeToFile(rec); err != nil {
		return 0, err
	}
	return rec.RollPtr, nil
}

func (u *UndoLogManager) writeToFile(rec *UndoRecord) error {
	head := make([]byte, 8+8+8+1+8+4+4+2+4+4)
	n := 0
	binary.BigEndian.PutUint64(head[n:n+8], rec.RollPtr)
	n += 8
	binary.BigEndian.PutUint64(head[n:n+8], rec.Prev)
	n += 8
	binary.BigEndian.PutUint64(head[n:n+8], uint64(rec.TrxID))
	n += 8
	head[n] = byte(rec.Type)
	n++
	binary.BigEndian.PutUint64(head[n:n+8], rec.IndexID)
	n += 8
	binary.BigEndian.PutUint32(head[n:n+4], rec.SpaceID)
	n += 4
	binary.BigEndian.PutUint32(head[n:n+4], rec.PageNo)
	n += 4
	binary.BigEndian.PutUint16(head[n:n+2], rec.HeapNo)
	n += 2
	binary.BigEndian.PutUint32(head[n:n+4], uint32(len(rec.Key)))
	n += 4
	binary.BigEndian.PutUint32(head[n:n+4], uint32(len(rec.OldValue)))

	if _, err := u.file.Write(head); err != nil {
		return errors.Wrap(common.ErrIOError, "txn: write undo header: "+err.Error())
	}
	if _, err := u.file.Write(rec.Key); err != nil {
		return err
	}
	if _, err := u.file.Write(rec.OldValue); err != nil {
		return err
	}
	return u.file.Sync()
}

// readUndoRecord decodes one record in the exact layout writeToFile
// produces: RollPtr(8) Prev(8) TrxID(8) Type(1) IndexID(8) SpaceID(4)
// PageNo(4) HeapNo(2) KeyLen(4) ValueLen(4) Key Value.
func readUndoRecord(r io.Reader) (*UndoRecord, error) {
	head := make([]byte, 8+8+8+1+8+4+4+2+4+4)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(common.ErrLogCorruption, "truncated undo record header: "+err.Error())
	}
	rec := &UndoRecord{}
	n := 0
	rec.RollPtr = binary.BigEndian.Uint64(head[n : n+8])
	n += 8
	rec.Prev = binary.BigEndian.Uint64(head[n : n+8])
	n += 8
	rec.TrxID = common.TrxID(binary.BigEndian.Uint64(head[n : n+8]))
	n += 8
	rec.Type = UndoType(head[n])
	n++
	rec.IndexID = binary.BigEndian.Uint64(head[n : n+8])
	n += 8
	rec.SpaceID = binary.BigEndian.Uint32(head[n : n+4])
	n += 4
	rec.PageNo = binary.BigEndian.Uint32(head[n : n+4])
	n += 4
	rec.HeapNo = binary.BigEndian.Uint16(head[n : n+2])
	n += 2
	keyLen := binary.BigEndian.Uint32(head[n : n+4])
	n += 4
	valLen := binary.BigEndian.Uint32(head[n : n+4])

	rec.Key = make([]byte, keyLen)
	if _, err := io.ReadFull(r, rec.Key); err != nil {
		return nil, errors.Wrap(common.ErrLogCorruption, "truncated undo record key: "+err.Error())
	}
	rec.OldValue = make([]byte, valLen)
	if _, err := io.ReadFull(r, rec.OldValue); err != nil {
		return nil, errors.Wrap(common.ErrLogCorruption, "truncated undo record value: "+err.Error())
	}
	return rec, nil
}

// TrxIDs lists every transaction the undo log still has entries for,
// used by recovery's undo pass to find candidates for rollback.
func (u *UndoLogManager) TrxIDs() []common.TrxID {
	u.mu.Lock()
	defer u.mu.Unlock()
	ids := make([]common.TrxID, 0, len(u.byTrx))
	for id := range u.byTrx {
		ids = append(ids, id)
	}
	return ids
}

// Lookup walks to a specific version by roll-ptr, used by MVCC reads
// that must materialize an older version of a row.
func (u *UndoLogManager) Lookup(rollPtr uint64) (*UndoRecord, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.byRollPtr[rollPtr]
	return rec, ok
}

// Applier restores a record's prior state during rollback; implemented
// by the engine/btree layer to avoid an import cycle back into txn.
type Applier interface {
	ApplyUndo(rec *UndoRecord) error
}

// Rollback replays a transaction's undo records in reverse order
// (newest first), so the row ends up in exactly the state it was in
// before the transaction started (spec §6 "rollback").
func (u *UndoLogManager) Rollback(trxID common.TrxID, applier Applier) error {
	u.mu.Lock()
	entries := append([]*UndoRecord(nil), u.byTrx[trxID]...)
	u.mu.Unlock()

	for i := len(entries) - 1; i >= 0; i-- {
		if err := applier.ApplyUndo(entries[i]); err != nil {
			return errors.Wrapf(err, "txn: rollback trx %d at roll-ptr %d", trxID, entries[i].RollPtr)
		}
	}
	u.Cleanup(trxID)
	return nil
}

// Cleanup drops a committed or rolled-back transaction's entry in the
// by-transaction index; the records themselves stay in byRollPtr until
// Purge decides no read view can still need them.
func (u *UndoLogManager) Cleanup(trxID common.TrxID) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.byTrx, trxID)
}

// PurgeCandidates returns every undo record, of any type, whose owning
// transaction is strictly older than lowLimit — the purge worker picks
// out the delete-marked and superseded ones before calling Remove.
func (u *UndoLogManager) PurgeCandidates(lowLimit common.TrxID) []*UndoRecord {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*UndoRecord
	for _, rec := range u.byRollPtr {
		if rec.TrxID < lowLimit {
			out = append(out, rec)
		}
	}
	return out
}

func (u *UndoLogManager) Remove(rollPtr uint64) {
	u.mu.Lock()
	defer u.mu.Unlock()
	delete(u.byRollPtr, rollPtr)
}

func (u *UndoLogManager) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.file.Close()
}
