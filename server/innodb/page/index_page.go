package page

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// dirGroupMin/Max bound how many records a single directory slot may
// "own" before the directory is rebuilt (spec §4.4 edge policies).
const (
	dirGroupMin = 4
	dirGroupMax = 8
)

// IndexPage is the decoded, in-memory form of a B+ tree node (spec §3
// "Index page layout", §6). Records are kept sorted by key at all
// times; Serialize lays them out contiguously in key order with
// heap-allocation metadata and a page directory growing down from the
// trailer. It does not build a next-offset chain between records.
type IndexPage struct {
	Header Header

	NDirSlots  uint16
	HeapTop    uint16
	NHeap      uint16
	Free       uint16 // byte offset of the free-list head, 0 if empty
	Garbage    uint16
	LastInsert uint16
	Direction  uint16
	NDirection uint16
	NRecs      uint16
	MaxTrxID   common.TrxID
	Level      uint16
	IndexID    uint64

	LeafSegHeader    SegmentHeader
	NonLeafSegHeader SegmentHeader

	Records []*Record // sorted ascending by Key; excludes infimum/supremum

	// ClusteredLeaf is not persisted; the owning B+ tree sets it after
	// Deserialize so record sizing/encoding know whether to expect the
	// trx-id/roll-ptr system columns.
	ClusteredLeaf bool
}

func NewIndexPage(spaceID, pageNo uint32, level uint16, indexID uint64) *IndexPage {
	return &IndexPage{
		Header: Header{
			SpaceID:  spaceID,
			PageNo:   pageNo,
			PrevPage: NoPage,
			NextPage: NoPage,
			PageType: common.PageTypeIndex,
		},
		NDirSlots: 2, // infimum, supremum
		Level:     level,
		IndexID:   indexID,
		Direction: directionNone,
	}
}

const (
	directionNone = 5
	directionLeft = 1
	directionRight = 2
)

func (p *IndexPage) IsLeaf() bool { return p.Level == 0 }

// Search performs the binary-search-over-directory-slots-then-linear-scan
// described in spec §4.4. With records kept sorted in memory the binary
// search degenerates to a search over synthetic owner groups, but the
// algorithm shape (and its complexity characteristics) match the disk
// format: grouping by dirGroupMax keeps the search O(log n) comparisons
// against group owners plus a short scan.
func (p *IndexPage) Search(key []byte) (pos int, found bool) {
	n := len(p.Records)
	if n == 0 {
		return 0, false
	}

	groupOwners := p.ownerIndexes()
	gi := sort.Search(len(groupOwners), func(i int) bool {
		return CompareKeys(p.Records[groupOwners[i]].Key, key) >= 0
	})
	start := 0
	if gi > 0 {
		start = groupOwners[gi-1] + 1
	}
	end := n
	if gi < len(groupOwners) {
		end = groupOwners[gi] + 1
	}
	for i := start; i < end; i++ {
		c := CompareKeys(p.Records[i].Key, key)
		if c == 0 {
			return i, true
		}
		if c > 0 {
			return i, false
		}
	}
	return end, false
}

// ownerIndexes returns the record indexes that "own" a directory slot:
// every dirGroupMax-th record, plus the last one.
func (p *IndexPage) ownerIndexes() []int {
	n := len(p.Records)
	if n == 0 {
		return nil
	}
	var owners []int
	for i := dirGroupMax - 1; i < n; i += dirGroupMax {
		owners = append(owners, i)
	}
	if len(owners) == 0 || owners[len(owners)-1] != n-1 {
		owners = append(owners, n-1)
	}
	return owners
}

// Insert adds rec in sorted position. Callers (the B+ tree cursor) are
// responsible for first checking FreeBytes() against approxEncodedSize
// when deciding optimistic vs pessimistic insert (spec §4.4).
func (p *IndexPage) Insert(rec *Record) {
	pos, found := p.Search(rec.Key)
	if found {
		// Caller should have checked for duplicates; overwrite in place
		// only happens through Update, never silently here.
		p.Records[pos] = rec
		return
	}

	p.updateDirectionHeuristic(pos)

	p.Records = append(p.Records, nil)
	copy(p.Records[pos+1:], p.Records[pos:])
	p.Records[pos] = rec

	p.NHeap++
	p.NRecs++
	if rec.TrxID > p.MaxTrxID {
		p.MaxTrxID = rec.TrxID
	}
	p.rebuildDirectoryIfNeeded()
}

func (p *IndexPage) updateDirectionHeuristic(insertPos int) {
	p.LastInsert = uint16(insertPos)
	if insertPos == len(p.Records) {
		if p.Direction == directionRight {
			p.NDirection++
		} else {
			p.Direction = directionRight
			p.NDirection = 1
		}
	} else if insertPos == 0 {
		if p.Direction == directionLeft {
			p.NDirection++
		} else {
			p.Direction = directionLeft
			p.NDirection = 1
		}
	} else {
		p.Direction = directionNone
		p.NDirection = 0
	}
}

// DeleteMark sets the deleted bit without freeing space (spec §4.4
// "Optimistic delete / mark-deleted" — always MVCC-safe).
func (p *IndexPage) DeleteMark(key []byte) bool {
	pos, found := p.Search(key)
	if !found {
		return false
	}
	p.Records[pos].Info.Deleted = true
	return true
}

// PurgeRemove physically unlinks the record with key, whether or not it
// is delete-marked. btree.Tree.Purge is its caller, on behalf of the
// purge worker and of the rollback of an insert (spec §4.6 Purge).
func (p *IndexPage) PurgeRemove(key []byte) bool {
	pos, found := p.Search(key)
	if !found {
		return false
	}
	rec := p.Records[pos]
	p.Garbage += uint16(approxEncodedSize(rec, p.ClusteredLeaf && p.IsLeaf()))
	p.Records = append(p.Records[:pos], p.Records[pos+1:]...)
	if p.NRecs > 0 {
		p.NRecs--
	}
	p.rebuildDirectoryIfNeeded()
	return true
}

func (p *IndexPage) rebuildDirectoryIfNeeded() {
	n := len(p.Records)
	groups := (n + dirGroupMax - 1) / dirGroupMax
	if groups < 1 {
		groups = 1
	}
	p.NDirSlots = uint16(groups) + 2 // + infimum + supremum
}

// FreeBytes is the space available for new records before this page
// needs a pessimistic (structural) insert.
func (p *IndexPage) FreeBytes() int {
	used := p.usedBytes()
	payload := common.PageSize - common.FileHeaderSize - common.FileTrailerSize - common.IndexHeaderSize - common.InfimumSupremumSize
	dir := int(p.NDirSlots) * 2
	free := payload - used - dir
	if free < 0 {
		return 0
	}
	return free
}

func (p *IndexPage) usedBytes() int {
	total := 0
	clusteredLeaf := p.ClusteredLeaf && p.IsLeaf()
	for _, r := range p.Records {
		total += approxEncodedSize(r, clusteredLeaf)
	}
	return total
}

// FillFactor is used-bytes / payload-bytes, checked against the ~1/2
// minimum fill factor for non-root pages (spec §4.4).
func (p *IndexPage) FillFactor() float64 {
	payload := common.PageSize - common.FileHeaderSize - common.FileTrailerSize - common.IndexHeaderSize - common.InfimumSupremumSize
	if payload <= 0 {
		return 0
	}
	return float64(p.usedBytes()) / float64(payload)
}

// CheckInvariants validates the per-page invariants spec §8 requires
// after every MTR commit: directory slots monotonic in key, and
// n-recs matching the actual record count.
func (p *IndexPage) CheckInvariants() error {
	for i := 1; i < len(p.Records); i++ {
		if CompareKeys(p.Records[i-1].Key, p.Records[i].Key) >= 0 {
			return errors.Errorf("page %d: records out of order at %d", p.Header.PageNo, i)
		}
	}
	if int(p.NRecs) != len(p.Records) {
		return errors.Errorf("page %d: n-recs=%d but heap has %d records", p.Header.PageNo, p.NRecs, len(p.Records))
	}
	return nil
}

// Serialize encodes the page into a fixed common.PageSize buffer. The
// checksum and trailer LSN are stamped last, as they cover the whole
// body.
func (p *IndexPage) Serialize(lsn common.LSN) []byte {
	buf := make([]byte, common.PageSize)
	p.Header.PageLSN = lsn
	writeHeader(buf, &p.Header)

	off := common.FileHeaderSize
	binary.BigEndian.PutUint16(buf[off+0:], p.NDirSlots)
	binary.BigEndian.PutUint16(buf[off+4:], p.NHeap)
	binary.BigEndian.PutUint16(buf[off+6:], p.Free)
	binary.BigEndian.PutUint16(buf[off+8:], p.Garbage)
	binary.BigEndian.PutUint16(buf[off+10:], p.LastInsert)
	binary.BigEndian.PutUint16(buf[off+12:], p.Direction)
	binary.BigEndian.PutUint16(buf[off+14:], p.NDirection)
	binary.BigEndian.PutUint16(buf[off+16:], p.NRecs)
	binary.BigEndian.PutUint64(buf[off+18:], uint64(p.MaxTrxID))
	binary.BigEndian.PutUint16(buf[off+26:], p.Level)
	binary.BigEndian.PutUint64(buf[off+28:], p.IndexID)
	lsh := p.LeafSegHeader.bytes()
	copy(buf[off+36:off+46], lsh[:])
	nsh := p.NonLeafSegHeader.bytes()
	copy(buf[off+46:off+56], nsh[:])

	recOff := off + common.IndexHeaderSize + common.InfimumSupremumSize
	clusteredLeaf := p.ClusteredLeaf && p.IsLeaf()
	cursor := recOff
	for i, r := range p.Records {
		info := r.Info
		info.HeapNo = uint16(i + 2) // 0/1 reserved for infimum/supremum
		size := approxEncodedSize(r, clusteredLeaf)
		if cursor+size > len(buf)-common.FileTrailerSize-int(p.NDirSlots)*2 {
			break // ran out of room; caller should have split first
		}
		encodeRecord(buf[cursor:cursor+size], r, info, clusteredLeaf)
		cursor += size
	}
	p.HeapTop = uint16(cursor - off)
	binary.BigEndian.PutUint16(buf[off+2:], p.HeapTop)

	dirBase := len(buf) - common.FileTrailerSize
	owners := p.ownerIndexes()
	slot := dirBase - 2
	writeDirSlot(buf, slot, uint16(recOff-off)) // infimum placeholder slot
	for _, idx := range owners {
		slot -= 2
		writeDirSlot(buf, slot, uint16(idx))
	}

	writeTrailer(buf, lsn)
	return buf
}

func writeDirSlot(buf []byte, at int, v uint16) {
	binary.BigEndian.PutUint16(buf[at:at+2], v)
}

func encodeRecord(dst []byte, r *Record, info RecordInfo, clusteredLeaf bool) {
	flags := byte(0)
	if info.Deleted {
		flags |= 0x1
	}
	if info.MinRec {
		flags |= 0x2
	}
	dst[0] = flags
	binary.BigEndian.PutUint16(dst[1:3], info.HeapNo)
	binary.BigEndian.PutUint16(dst[3:5], info.NextOffset)
	n := 5
	if clusteredLeaf {
		binary.BigEndian.PutUint16(dst[n:n+2], 0)
		n += 2
		binary.BigEndian.PutUint64(dst[n:n+8], uint64(r.TrxID))
		n += 8
		binary.BigEndian.PutUint64(dst[n:n+8], r.RollPtr)
		n += 8
	}
	binary.BigEndian.PutUint16(dst[n:n+2], uint16(len(r.Key)))
	n += 2
	copy(dst[n:n+len(r.Key)], r.Key)
	n += len(r.Key)
	binary.BigEndian.PutUint16(dst[n:n+2], uint16(len(r.Value)))
	n += 2
	copy(dst[n:n+len(r.Value)], r.Value)
}

// Deserialize reconstructs an IndexPage from a raw page buffer
// previously produced by Serialize. clusteredLeaf must be supplied by
// the caller (the B+ tree knows whether its leaves are clustered); it
// is not itself persisted.
func Deserialize(buf []byte, clusteredLeaf bool) (*IndexPage, error) {
	if len(buf) != common.PageSize {
		return nil, errors.Errorf("page: expected %d bytes, got %d", common.PageSize, len(buf))
	}
	if !VerifyChecksum(buf) {
		return nil, common.ErrPageCorruption
	}
	h := readHeader(buf)
	if h.PageType != common.PageTypeIndex {
		return nil, common.ErrInvalidPageType
	}

	p := &IndexPage{Header: h, ClusteredLeaf: clusteredLeaf}
	off := common.FileHeaderSize
	p.NDirSlots = binary.BigEndian.Uint16(buf[off+0:])
	p.HeapTop = binary.BigEndian.Uint16(buf[off+2:])
	p.NHeap = binary.BigEndian.Uint16(buf[off+4:])
	p.Free = binary.BigEndian.Uint16(buf[off+6:])
	p.Garbage = binary.BigEndian.Uint16(buf[off+8:])
	p.LastInsert = binary.BigEndian.Uint16(buf[off+10:])
	p.Direction = binary.BigEndian.Uint16(buf[off+12:])
	p.NDirection = binary.BigEndian.Uint16(buf[off+14:])
	p.NRecs = binary.BigEndian.Uint16(buf[off+16:])
	p.MaxTrxID = common.TrxID(binary.BigEndian.Uint64(buf[off+18:]))
	p.Level = binary.BigEndian.Uint16(buf[off+26:])
	p.IndexID = binary.BigEndian.Uint64(buf[off+28:])
	p.LeafSegHeader = segmentHeaderFrom(buf[off+36 : off+46])
	p.NonLeafSegHeader = segmentHeaderFrom(buf[off+46 : off+56])

	recOff := off + common.IndexHeaderSize + common.InfimumSupremumSize
	cursor := recOff
	limit := off + int(p.HeapTop)
	for i := 0; i < int(p.NRecs) && cursor < limit; i++ {
		r, adv, err := decodeRecord(buf[cursor:limit], clusteredLeaf && p.Level == 0)
		if err != nil {
			return nil, err
		}
		p.Records = append(p.Records, r)
		cursor += adv
	}
	return p, nil
}

func decodeRecord(src []byte, clusteredLeaf bool) (*Record, int, error) {
	if len(src) < 5 {
		return nil, 0, common.ErrPageCorruption
	}
	flags := src[0]
	info := RecordInfo{
		Deleted: flags&0x1 != 0,
		MinRec:  flags&0x2 != 0,
		HeapNo:  binary.BigEndian.Uint16(src[1:3]),
	}
	n := 5
	r := &Record{Info: info}
	if clusteredLeaf {
		if len(src) < n+18 {
			return nil, 0, common.ErrPageCorruption
		}
		n += 2
		r.TrxID = common.TrxID(binary.BigEndian.Uint64(src[n : n+8]))
		n += 8
		r.RollPtr = binary.BigEndian.Uint64(src[n : n+8])
		n += 8
	}
	if len(src) < n+2 {
		return nil, 0, common.ErrPageCorruption
	}
	klen := int(binary.BigEndian.Uint16(src[n : n+2]))
	n += 2
	if len(src) < n+klen+2 {
		return nil, 0, common.ErrPageCorruption
	}
	r.Key = append([]byte(nil), src[n:n+klen]...)
	n += klen
	vlen := int(binary.BigEndian.Uint16(src[n : n+2]))
	n += 2
	if len(src) < n+vlen {
		return nil, 0, common.ErrPageCorruption
	}
	r.Value = append([]byte(nil), src[n:n+vlen]...)
	n += vlen
	return r, n, nil
}
