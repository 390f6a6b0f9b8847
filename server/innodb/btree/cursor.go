package btree

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/mtr"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
)

// Cursor supports ordered forward/backward scans over a tree's leaf
// level (spec §4.5 "range scan"). It holds the tree's latch for read
// only for the duration of each single-page step — consecutive pages
// are fetched and released one at a time (leaf-to-leaf latching)
// rather than pinning the whole scan's pages at once.
type Cursor struct {
	tree *Tree
	page *page.IndexPage
	pos  int
}

// OpenCursor positions a new cursor at the first leaf record whose key
// is >= key, or at the end of the tree if none exists.
func (t *Tree) OpenCursor(key []byte) (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	defer m.Rollback()

	pageNo := t.rootPageNo
	var ip *page.IndexPage
	for {
		_, p, err := t.fetch(m, pageNo, common.LatchShared)
		if err != nil {
			return nil, err
		}
		ip = p
		if ip.IsLeaf() {
			break
		}
		pageNo = ip.Records[childIndexFor(ip, key)].ChildPage()
	}

	pos, _ := ip.Search(key)
	for pos == len(ip.Records) && ip.Header.NextPage != page.NoPage {
		_, next, err := t.fetch(m, ip.Header.NextPage, common.LatchShared)
		if err != nil {
			return nil, err
		}
		ip, pos = next, 0
	}
	return &Cursor{tree: t, page: ip, pos: pos}, nil
}

// First positions a cursor at the leftmost leaf record of the tree.
func (t *Tree) First() (*Cursor, error) {
	return t.OpenCursor(nil)
}

// Last positions a cursor at the rightmost leaf record of the tree.
func (t *Tree) Last() (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m := mtr.Start(t.log, t.pool, common.NullTrxID)
	defer m.Rollback()

	pageNo := t.rootPageNo
	var ip *page.IndexPage
	for {
		_, p, err := t.fetch(m, pageNo, common.LatchShared)
		if err != nil {
			return nil, err
		}
		ip = p
		if ip.IsLeaf() {
			break
		}
		pageNo = ip.Records[len(ip.Records)-1].ChildPage()
	}
	return &Cursor{tree: t, page: ip, pos: len(ip.Records) - 1}, nil
}

// Valid reports whether the cursor is positioned on a live record.
func (c *Cursor) Valid() bool {
	return c.pos >= 0 && c.pos < len(c.page.Records)
}

// Record returns the record the cursor currently points at. Callers
// must check Valid first.
func (c *Cursor) Record() *page.Record {
	return c.page.Records[c.pos].Clone()
}

// SpaceID, PageNo and HeapNo identify the cursor's current position for
// record-level locking (spec §4.5). HeapNo is approximated by the
// record's slice position within the page rather than a stable heap
// number independent of compaction, since this engine never reorders
// Records in place between a lock being taken and released.
func (c *Cursor) SpaceID() uint32 { return c.page.Header.SpaceID }
func (c *Cursor) PageNo() uint32  { return c.page.Header.PageNo }
func (c *Cursor) HeapNo() uint16  { return uint16(c.pos) }

// Next advances the cursor to the next leaf record in key order,
// crossing to the sibling leaf page if the current one is exhausted.
func (c *Cursor) Next() error {
	c.pos++
	if c.pos < len(c.page.Records) {
		return nil
	}
	if c.page.Header.NextPage == page.NoPage {
		return nil // stays invalid; caller checks Valid
	}
	return c.stepTo(c.page.Header.NextPage, 0)
}

// Prev moves the cursor to the previous leaf record in key order,
// crossing to the sibling leaf page if the current one is exhausted.
func (c *Cursor) Prev() error {
	c.pos--
	if c.pos >= 0 {
		return nil
	}
	if c.page.Header.PrevPage == page.NoPage {
		return nil
	}
	return c.stepTo(c.page.Header.PrevPage, -1)
}

// stepTo re-fetches pageNo under a short-lived mtr and positions the
// cursor at pos (a negative pos means "last record").
func (c *Cursor) stepTo(pageNo uint32, pos int) error {
	c.tree.mu.RLock()
	defer c.tree.mu.RUnlock()

	m := mtr.Start(c.tree.log, c.tree.pool, common.NullTrxID)
	defer m.Rollback()

	_, ip, err := c.tree.fetch(m, pageNo, common.LatchShared)
	if err != nil {
		return err
	}
	c.page = ip
	if pos < 0 {
		c.pos = len(ip.Records) - 1
	} else {
		c.pos = pos
	}
	return nil
}
