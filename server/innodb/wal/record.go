// Package wal implements the write-ahead log: physiological redo
// records bracketed by mini-transactions, append/flush/checkpoint, and
// the on-disk record format recovery replays (spec §5).
package wal

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// RecordType mirrors the MLOG_* constants of the page-modification log,
// kept to the subset this engine actually emits.
type RecordType uint8

const (
	MLogRecInsert         RecordType = 9
	MLogRecClustDeleteMark RecordType = 10
	MLogRecUpdateInPlace  RecordType = 13
	MLogRecDelete         RecordType = 14
	MLogPageCreate        RecordType = 19
	MLogUndoInsert        RecordType = 20
	MLogFileCreate        RecordType = 33
	// MLogMultiRecEnd terminates one mini-transaction's group of redo
	// records (spec §4.3's "atomic group" invariant): LogManager.
	// AppendGroup appends it after every group a mini-transaction
	// commits, and recovery.Analyze discards any group still open when
	// the scanned range ends, since a crash mid-append can only have
	// torn off a group's tail, never its middle.
	MLogMultiRecEnd RecordType = 31
	// MLogTrxIDCheckpoint is a supplemented record type (SPEC_FULL §C.4):
	// it persists the transaction manager's next-trx-id counter so
	// recovery can resume id allocation without rescanning every undo
	// log header.
	MLogTrxIDCheckpoint RecordType = 200
	// MLogTrxCommit is a supplemented record type: a marker with no
	// page body, appended when a transaction commits, so recovery's
	// undo pass (spec §4.3 step 4) can tell which in-doubt
	// transactions already reached COMMIT and must not be rolled back.
	MLogTrxCommit RecordType = 201
	// MLogTrxRollback mirrors MLogTrxCommit for the other resolution
	// path: appended when a transaction finishes an explicit rollback,
	// so a transaction the undo log still remembers isn't rolled back
	// a second time after a clean restart (the undo log's on-disk
	// records aren't compacted when Cleanup drops a resolved
	// transaction from the in-memory index, so loadExisting would
	// otherwise see it again on the next open).
	MLogTrxRollback RecordType = 202
)

// Record is one physiological redo record: "write Data at Offset within
// page (SpaceID, PageNo)", plus the non-page-modifying record types
// (file creation, trx-id checkpoint) that carry their payload in Data
// with SpaceID/Offset reused as type-specific fields.
type Record struct {
	LSN    common.LSN
	TrxID  common.TrxID
	SpaceID uint32
	PageNo  uint32
	Type   RecordType
	Offset uint16
	Data   []byte
}

// Encode serializes the record as LSN(8) TrxID(8) SpaceID(4) PageNo(4)
// Type(1) Offset(2) DataLen(4) Data.
func (r *Record) Encode() []byte {
	buf := make([]byte, 8+8+4+4+1+2+4+len(r.Data))
	n := 0
	binary.BigEndian.PutUint64(buf[n:n+8], uint64(r.LSN))
	n += 8
	binary.BigEndian.PutUint64(buf[n:n+8], uint64(r.TrxID))
	n += 8
	binary.BigEndian.PutUint32(buf[n:n+4], r.SpaceID)
	n += 4
	binary.BigEndian.PutUint32(buf[n:n+4], r.PageNo)
	n += 4
	buf[n] = byte(r.Type)
	n++
	binary.BigEndian.PutUint16(buf[n:n+2], r.Offset)
	n += 2
	binary.BigEndian.PutUint32(buf[n:n+4], uint32(len(r.Data)))
	n += 4
	copy(buf[n:], r.Data)
	return buf
}

// DecodeRecord reads one record from r, returning io.EOF (unwrapped) at
// a clean end of the log.
func DecodeRecord(r io.Reader) (*Record, error) {
	head := make([]byte, 8+8+4+4+1+2+4)
	if _, err := io.ReadFull(r, head); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(common.ErrLogCorruption, err.Error())
	}
	rec := &Record{}
	n := 0
	rec.LSN = common.LSN(binary.BigEndian.Uint64(head[n : n+8]))
	n += 8
	rec.TrxID = common.TrxID(binary.BigEndian.Uint64(head[n : n+8]))
	n += 8
	rec.SpaceID = binary.BigEndian.Uint32(head[n : n+4])
	n += 4
	rec.PageNo = binary.BigEndian.Uint32(head[n : n+4])
	n += 4
	rec.Type = RecordType(head[n])
	n++
	rec.Offset = binary.BigEndian.Uint16(head[n : n+2])
	n += 2
	dataLen := binary.BigEndian.Uint32(head[n : n+4])
	rec.Data = make([]byte, dataLen)
	if _, err := io.ReadFull(r, rec.Data); err != nil {
		return nil, errors.Wrap(common.ErrLogCorruption, "truncated record body: "+err.Error())
	}
	return rec, nil
}

// ModifiesPage reports whether this record type is a physiological
// page write that recovery's redo pass must re-apply, as opposed to a
// bookkeeping marker (trx-id checkpoint, commit) with no page body.
func (r *Record) ModifiesPage() bool {
	switch r.Type {
	case MLogRecInsert, MLogRecClustDeleteMark, MLogRecUpdateInPlace,
		MLogRecDelete, MLogPageCreate, MLogUndoInsert:
		return true
	default:
		return false
	}
}

// EncodeTrxID and DecodeTrxID (de)serialize a common.TrxID as the Data
// payload of an MLogTrxIDCheckpoint record.
func EncodeTrxID(id common.TrxID) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(id))
	return b
}

func DecodeTrxID(b []byte) common.TrxID {
	if len(b) < 8 {
		return 0
	}
	return common.TrxID(binary.BigEndian.Uint64(b))
}
