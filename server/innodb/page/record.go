package page

import (
	"bytes"
	"encoding/binary"

	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// SegmentHeader is the 10-byte {space(4), page(4), offset(2)} pointer to
// a segment inode entry, embedded in the root page of a B+ tree index
// (spec §3 Segment, §6 leaf-seg-hdr/nonleaf-seg-hdr).
type SegmentHeader struct {
	SpaceID uint32
	PageNo  uint32
	Offset  uint16
}

func (s SegmentHeader) bytes() [10]byte {
	var b [10]byte
	binary.BigEndian.PutUint32(b[0:4], s.SpaceID)
	binary.BigEndian.PutUint32(b[4:8], s.PageNo)
	binary.BigEndian.PutUint16(b[8:10], s.Offset)
	return b
}

func segmentHeaderFrom(b []byte) SegmentHeader {
	return SegmentHeader{
		SpaceID: binary.BigEndian.Uint32(b[0:4]),
		PageNo:  binary.BigEndian.Uint32(b[4:8]),
		Offset:  binary.BigEndian.Uint16(b[8:10]),
	}
}

// RecordInfo carries the per-record header bits (spec §3 Record,
// §6 "Record header (compact)"): deleted / min-record flags, the count
// of records this slot's owner accounts for, and within-page linkage.
type RecordInfo struct {
	Deleted    bool // delete-marked; purge has not yet reclaimed the space
	MinRec     bool // leftmost record of a non-root level, for compare shortcuts
	NOwned     uint8
	HeapNo     uint16
	NextOffset uint16 // written as-is by Serialize; records are stored contiguously in key order
}

// Record is the in-memory, decoded form of one page record. Internal
// (non-leaf) nodes reuse the same shape with Value holding a 4-byte
// child page number. Clustered leaves additionally carry TrxID/RollPtr,
// the MVCC system columns (spec §3 Record).
type Record struct {
	Info RecordInfo

	Key   []byte
	Value []byte

	TrxID   common.TrxID // clustered leaf only; 0 elsewhere
	RollPtr uint64       // pointer to the undo record holding the prior version
}

// Clone returns a deep copy, so callers can freely mutate a record taken
// from a cursor without corrupting the page's in-memory record list.
func (r *Record) Clone() *Record {
	c := *r
	c.Key = append([]byte(nil), r.Key...)
	c.Value = append([]byte(nil), r.Value...)
	return &c
}

// ChildPage interprets Value as a 4-byte page number, used on internal
// nodes where {key, child-page-no} pairs route the search downward.
func (r *Record) ChildPage() uint32 {
	if len(r.Value) < 4 {
		return NoPage
	}
	return binary.BigEndian.Uint32(r.Value)
}

func ChildPageValue(pageNo uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, pageNo)
	return b
}

// CompareKeys orders two keys byte-lexicographically, which is how
// fixed-width integer keys are encoded (big-endian) throughout this
// package so comparison never needs type information.
func CompareKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// approxEncodedSize is the on-page footprint of a record as
// encodeRecord writes it: the 5-byte compact record header, a 2-byte
// length prefix before each of key and value, the key and value bytes
// plus, for clustered leaves, the 2+8+8 byte reserved/trx-id/roll-ptr
// system columns (trx-id is a full 64-bit value per the
// numeric-semantics invariant that all trx-ids and LSNs are 64-bit).
func approxEncodedSize(r *Record, clusteredLeaf bool) int {
	size := 5 + 2 + len(r.Key) + 2 + len(r.Value)
	if clusteredLeaf {
		size += 2 + 8 + 8
	}
	return size
}
