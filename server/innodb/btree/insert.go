package btree

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/buffer"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/mtr"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/wal"
)

// Insert adds key/value as a new leaf record, splitting pages bottom-up
// as needed and growing the tree's height when a split reaches the
// root (spec §4.4 "insert", "split"). rollPtr is the system column
// pointing at the undo record the caller wrote ahead of this mutation
// (0 for non-clustered/internal writes that carry no version chain).
func (t *Tree) Insert(trx common.TrxID, key, value []byte, rollPtr uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.findPath(key)
	if err != nil {
		return err
	}

	m := mtr.Start(t.log, t.pool, trx)
	leafPageNo := path[len(path)-1]
	f, ip, err := t.fetch(m, leafPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	if t.clusteredLeaf {
		if _, ok := findExact(ip, key); ok {
			m.Rollback()
			return common.ErrDuplicateKey
		}
	}

	rec := &page.Record{Key: append([]byte(nil), key...), Value: append([]byte(nil), value...), TrxID: trx, RollPtr: rollPtr}

	if ip.FreeBytes() >= recordFootprint(rec, t.clusteredLeaf) {
		ip.Insert(rec)
		t.writeBack(m, f, ip, wal.MLogRecInsert)
		return m.Commit()
	}

	return t.splitAndInsert(m, path, f, ip, rec)
}

// recordFootprint estimates the bytes a record will occupy once
// encoded, including its directory-slot share, so callers can decide
// whether a page split is actually necessary (spec §4.4 "free space
// check before insert").
func recordFootprint(rec *page.Record, clusteredLeaf bool) int {
	n := 9 + len(rec.Key) + len(rec.Value) // record header + length prefixes + key + value
	if clusteredLeaf {
		n += 2 + 8 + 8 // reserved + trx-id + roll-ptr system columns
	}
	return n + 2 // amortized directory slot growth
}

// splitAndInsert handles a page that has no room for rec: it allocates
// a right sibling, moves the upper half of the records across, inserts
// rec on whichever side it belongs, and pushes the new sibling's
// minimum key up to the parent. leftFrame must already be latched
// exclusive by m for left's page — callers never re-fetch a page they
// already hold, since the per-frame latch is not reentrant.
func (t *Tree) splitAndInsert(m *mtr.MTR, path []uint32, leftFrame *buffer.Frame, left *page.IndexPage, rec *page.Record) error {
	seg := t.leafSeg
	if !left.IsLeaf() {
		seg = t.nonLeaf
	}
	newPageNo, err := t.space.AllocatePage(seg)
	if err != nil {
		m.Rollback()
		return err
	}

	right := page.NewIndexPage(t.spaceID, newPageNo, left.Level, t.indexID)
	right.ClusteredLeaf = left.ClusteredLeaf
	mid := len(left.Records) / 2
	right.Records = append(right.Records, left.Records[mid:]...)
	left.Records = left.Records[:mid]

	right.Header.NextPage = left.Header.NextPage
	left.Header.NextPage = newPageNo
	right.Header.PrevPage = left.Header.PageNo

	if page.CompareKeys(rec.Key, right.Records[0].Key) < 0 {
		left.Insert(rec)
	} else {
		right.Insert(rec)
	}
	left.NRecs = uint16(len(left.Records))
	right.NRecs = uint16(len(right.Records))

	t.writeBack(m, leftFrame, left, wal.MLogPageCreate)

	blank := page.NewIndexPage(t.spaceID, newPageNo, left.Level, t.indexID)
	if err := t.space.WritePage(newPageNo, blank.Serialize(0)); err != nil {
		m.Rollback()
		return err
	}
	rightF, err := m.FetchPage(t.spaceID, newPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}
	t.writeBack(m, rightF, right, wal.MLogPageCreate)

	if right.Header.NextPage != page.NoPage {
		nf, next, err := t.fetch(m, right.Header.NextPage, common.LatchExclusive)
		if err != nil {
			m.Rollback()
			return err
		}
		next.Header.PrevPage = newPageNo
		t.writeBack(m, nf, next, wal.MLogPageCreate)
	}

	separator := append([]byte(nil), right.Records[0].Key...)
	return t.propagateSplit(m, path[:len(path)-1], separator, newPageNo)
}

// propagateSplit inserts a separator key pointing at a freshly split
// page into its parent, splitting the parent in turn if it has no
// room, and creating a new root if the split reaches past the current
// root (spec §4.4 "root split increases tree height").
func (t *Tree) propagateSplit(m *mtr.MTR, ancestors []uint32, separator []byte, childPageNo uint32) error {
	if len(ancestors) == 0 {
		return t.growRoot(m, separator, childPageNo)
	}

	parentPageNo := ancestors[len(ancestors)-1]
	pf, parent, err := t.fetch(m, parentPageNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}

	childRec := &page.Record{Key: separator, Value: page.ChildPageValue(childPageNo), TrxID: common.NullTrxID}
	if parent.FreeBytes() >= recordFootprint(childRec, false) {
		parent.Insert(childRec)
		t.writeBack(m, pf, parent, wal.MLogPageCreate)
		return m.Commit()
	}
	return t.splitAndInsert(m, ancestors, pf, parent, childRec)
}

// growRoot replaces the current root with a fresh internal page
// pointing at the old root and its new sibling, the only case where
// the tree's height increases.
func (t *Tree) growRoot(m *mtr.MTR, separator []byte, siblingPageNo uint32) error {
	newRootNo, err := t.space.AllocatePage(t.nonLeaf)
	if err != nil {
		m.Rollback()
		return err
	}
	root := page.NewIndexPage(t.spaceID, newRootNo, t.height+1, t.indexID)
	root.Records = append(root.Records,
		&page.Record{Key: []byte{}, Value: page.ChildPageValue(t.rootPageNo)},
		&page.Record{Key: separator, Value: page.ChildPageValue(siblingPageNo)},
	)
	root.NRecs = uint16(len(root.Records))

	blank := page.NewIndexPage(t.spaceID, newRootNo, t.height+1, t.indexID)
	if err := t.space.WritePage(newRootNo, blank.Serialize(0)); err != nil {
		m.Rollback()
		return err
	}
	f, err := m.FetchPage(t.spaceID, newRootNo, common.LatchExclusive)
	if err != nil {
		m.Rollback()
		return err
	}
	t.writeBack(m, f, root, wal.MLogPageCreate)
	if err := m.Commit(); err != nil {
		return err
	}

	t.rootPageNo = newRootNo
	t.height++
	return nil
}
