// Package btree implements the B+ tree index: cursor search, insert
// and delete with page splitting, and ordered range scans (spec §4.4).
//
// Structural changes (anything that might split a page) hold the
// tree's own latch for the whole operation rather than doing true
// latch-coupled descent; §4.4's optimistic/pessimistic distinction is
// approximated here by checking free space before committing to a
// split rather than by a separate lock-free fast path. That trades the
// real engine's finer-grained concurrency for a much simpler, still
// correct, implementation — a deliberate simplification recorded in
// the grounding ledger.
package btree

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/mtr"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// Tree is one B+ tree index: a clustered index stores full row images
// in its leaves, a secondary index stores the referenced clustered key
// instead (spec §4.4 "clustered vs. secondary").
type Tree struct {
	mu sync.RWMutex

	pool    *buffer.Pool
	log     *wal.LogManager
	space   *space.Space
	leafSeg *space.Segment
	nonLeaf *space.Segment

	spaceID       uint32
	indexID       uint64
	clusteredLeaf bool

	rootPageNo uint32
	height     uint16
}

// Create allocates a brand-new, empty single-leaf tree (spec §4.4
// "index creation").
func Create(pool *buffer.Pool, log *wal.LogManager, sp *space.Space, indexID uint64, clusteredLeaf bool) (*Tree, error) {
	leafSeg, err := sp.CreateSegment(space.SegmentLeaf)
	if err != nil {
		return nil, err
	}
	nonLeafSeg, err := sp.CreateSegment(space.SegmentNonLeaf)
	if err != nil {
		return nil, err
	}
	rootPageNo, err := sp.AllocatePage(leafSeg)
	if err != nil {
		return nil, err
	}
	root := page.NewIndexPage(sp.ID(), rootPageNo, 0, indexID)
	if err := sp.WritePage(rootPageNo, root.Serialize(0)); err != nil {
		return nil, err
	}
	return &Tree{
		pool: pool, log: log, space: sp, leafSeg: leafSeg, nonLeaf: nonLeafSeg,
		spaceID: sp.ID(), indexID: indexID, clusteredLeaf: clusteredLeaf,
		rootPageNo: rootPageNo, height: 0,
	}, nil
}

// Open reattaches a tree whose root and segments already exist on
// disk, used during recovery/startup once the owning index's metadata
// is known (the metadata store itself is out of scope, spec §1
// Non-goals).
func Open(pool *buffer.Pool, log *wal.LogManager, sp *space.Space, indexID uint64, rootPageNo uint32, leafSeg, nonLeafSeg *space.Segment, clusteredLeaf bool, height uint16) *Tree {
	return &Tree{
		pool: pool, log: log, space: sp, leafSeg: leafSeg, nonLeaf: nonLeafSeg,
		spaceID: sp.ID(), indexID: indexID, clusteredLeaf: clusteredLeaf,
		rootPageNo: rootPageNo, height: height,
	}
}

func (t *Tree) RootPageNo() uint32 { return t.rootPageNo }
func (t *Tree) Height() uint16     { return t.height }

func (t *Tree) fetch(m *mtr.MTR, pageNo uint32, mode common.LatchMode) (*buffer.Frame, *page.IndexPage, error) {
	f, err := m.FetchPage(t.spaceID, pageNo, mode)
	if err != nil {
		return nil, nil, err
	}
	ip, err := page.Deserialize(f.Data(), t.clusteredLeaf)
	if err != nil {
		return nil, nil, errors.Wrapf(common.ErrTreeCorruption, "page %d: %v", pageNo, err)
	}
	return f, ip, nil
}

// writeBack re-serializes ip into f's bytes, logs the whole new page
// body as one physiological redo record, and marks f modified.
// Logging the full page rather than the precise changed byte range is
// a simplification: it costs more log volume than real InnoDB's
// fine-grained MLOG_REC_INSERT/DELETE records but keeps redo apply
// trivially correct (spec §5 physiological logging).
func (t *Tree) writeBack(m *mtr.MTR, f *buffer.Frame, ip *page.IndexPage, recType wal.RecordType) {
	serialized := ip.Serialize(0)
	copy(f.Data(), serialized)
	m.LogWrite(f, recType, 0, serialized)
}

// Search descends from the root to the leaf that would contain key and
// returns its record, or common.ErrRowNotFound.
func (t *Tree) Search(key []byte) (*page.Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	defer m.Rollback()

	pageNo := t.rootPageNo
	for {
		_, ip, err := t.fetch(m, pageNo, common.LatchShared)
		if err != nil {
			return nil, err
		}
		if ip.IsLeaf() {
			rec, ok := findExact(ip, key)
			if !ok || rec.Info.Deleted {
				return nil, common.ErrRowNotFound
			}
			return rec.Clone(), nil
		}
		pageNo = ip.Records[childIndexFor(ip, key)].ChildPage()
	}
}

// findExact linearly scans a leaf's already-sorted records for an
// exact key match.
func findExact(ip *page.IndexPage, key []byte) (*page.Record, bool) {
	for _, r := range ip.Records {
		if bytes.Equal(r.Key, key) {
			return r, true
		}
	}
	return nil, false
}

// childIndexFor returns the index of the record whose subtree covers
// key: the last record with Key <= key, or 0 if key precedes every
// separator (covered by the leftmost child).
func childIndexFor(ip *page.IndexPage, key []byte) int {
	idx := 0
	for i, r := range ip.Records {
		if page.CompareKeys(r.Key, key) <= 0 {
			idx = i
		} else {
			break
		}
	}
	return idx
}

func (t *Tree) findPath(key []byte) ([]uint32, error) {
	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	defer m.Rollback()

	var path []uint32
	pageNo := t.rootPageNo
	for {
		path = append(path, pageNo)
		_, ip, err := t.fetch(m, pageNo, common.LatchShared)
		if err != nil {
			return nil, err
		}
		if ip.IsLeaf() {
			return path, nil
		}
		pageNo = ip.Records[childIndexFor(ip, key)].ChildPage()
	}
}
