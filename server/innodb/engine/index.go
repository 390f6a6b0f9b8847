package engine

import (
	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/btree"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// indexEntry is what the dictionary collaborator would otherwise
// supply given an index-id: its tree, its owning table, and whether
// its leaves are clustered (spec §6 "the dictionary collaborator
// supplies ... given an index-id"). The dictionary itself (column
// lists, key definitions) stays out of scope per spec §1; this engine
// only needs enough to route a cursor to the right tree.
type indexEntry struct {
	tree      *btree.Tree
	indexID   uint64
	tableID   uint64
	clustered bool
}

// CreateIndex allocates a new B+ tree backing indexID and registers it
// for CursorOpen. tableID groups indexes that belong to the same
// logical table, though secondary-index fan-out on row mutation is not
// implemented here — it requires the dictionary's column shaping,
// which spec §4.7 scopes as an external collaborator.
func (e *Engine) CreateIndex(tableID, indexID uint64, clusteredLeaf bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.indexes[indexID]; exists {
		return errors.Errorf("engine: index %d already registered", indexID)
	}
	tree, err := btree.Create(e.pool, e.log, e.systemSpace, indexID, clusteredLeaf)
	if err != nil {
		return err
	}
	e.indexes[indexID] = &indexEntry{tree: tree, indexID: indexID, tableID: tableID, clustered: clusteredLeaf}
	return nil
}

// OpenIndex reattaches a tree that already exists on disk at
// rootPageNo, for the case CreateIndex doesn't cover: a caller
// restarting the engine and resuming work against indexes a prior run
// created. The root-page/segment bookkeeping this needs is exactly
// what the dictionary collaborator is responsible for persisting and
// supplying back (spec §1 Non-goals, "data dictionary persistence");
// this engine only needs the numbers, not how they were stored.
//
// Segment inode lists are not themselves persisted (see DESIGN.md's
// file-space notes), so a reattached tree has no leaf/non-leaf
// segments: it can serve reads and in-place updates immediately, but
// an insert that needs a brand-new page (a split) fails with
// common.ErrSegmentNotFound.
func (e *Engine) OpenIndex(tableID, indexID uint64, rootPageNo uint32, clusteredLeaf bool, height uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.indexes[indexID]; exists {
		return errors.Errorf("engine: index %d already registered", indexID)
	}
	tree := btree.Open(e.pool, e.log, e.systemSpace, indexID, rootPageNo, nil, nil, clusteredLeaf, height)
	e.indexes[indexID] = &indexEntry{tree: tree, indexID: indexID, tableID: tableID, clustered: clusteredLeaf}
	return nil
}

// RootPageNo and Height let a caller capture the bookkeeping OpenIndex
// needs before shutting the engine down, given an already-registered
// index-id.
func (e *Engine) RootPageNo(indexID uint64) (uint32, error) {
	ix, err := e.indexFor(indexID)
	if err != nil {
		return 0, err
	}
	return ix.tree.RootPageNo(), nil
}

func (e *Engine) IndexHeight(indexID uint64) (uint16, error) {
	ix, err := e.indexFor(indexID)
	if err != nil {
		return 0, err
	}
	return ix.tree.Height(), nil
}

func (e *Engine) indexFor(indexID uint64) (*indexEntry, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ix, ok := e.indexes[indexID]
	if !ok {
		return nil, errors.Wrapf(common.ErrSegmentNotFound, "engine: no such index %d", indexID)
	}
	return ix, nil
}
