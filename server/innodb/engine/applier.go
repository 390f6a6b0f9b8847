package engine

import (
	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/txn"
)

// purgeSentinel mirrors the unexported value txn.PurgeWorker stamps on
// an undo record to mean "physically remove", rather than "undo" —
// duplicated here because the txn package intentionally keeps it
// private and only this Applier needs to recognize it.
const purgeSentinel txn.UndoType = 255

// undoApplier implements txn.Applier by replaying an undo record
// against the index it was recorded for, routing by IndexID the way
// the dictionary collaborator would route a row operation by index-id
// (spec §4.6 "rollback ... applying inverse operations").
type undoApplier struct {
	e *Engine
}

func (a *undoApplier) ApplyUndo(rec *txn.UndoRecord) error {
	ix, err := a.e.indexFor(rec.IndexID)
	if err != nil {
		return err
	}

	if rec.Type == purgeSentinel {
		if _, err := ix.tree.Search(rec.Key); err == nil {
			return nil // the row is live: only its undo history is reclaimed
		}
		return ix.tree.Purge(rec.Key)
	}

	switch rec.Type {
	case txn.UndoInsert:
		// Rolling back an insert: the row was never visible to any
		// other read view, so it is safe to remove it outright rather
		// than merely delete-marking it.
		return ix.tree.Purge(rec.Key)
	case txn.UndoUpdateExisting:
		return ix.tree.Update(0, rec.Key, rec.OldValue, rec.Prev)
	case txn.UndoDeleteMark:
		return ix.tree.UndoDeleteMark(rec.Key)
	default:
		return errors.Errorf("engine: undo record for index %d has unknown type %d", rec.IndexID, rec.Type)
	}
}
