package txn

import "github.com/wilhasse/oss-embedded-innodb/server/innodb/common"

// ReadView is the MVCC snapshot a transaction consults to decide
// whether a given row version is visible to it (spec §6 MVCC
// visibility rule).
type ReadView struct {
	activeIDs    map[common.TrxID]bool
	minTrxID     common.TrxID // smallest id among transactions active when this view was taken
	maxTrxID     common.TrxID // id that will be handed to the next transaction
	creatorTrxID common.TrxID
}

func newReadView(activeIDs []common.TrxID, minTrxID, maxTrxID, creator common.TrxID) *ReadView {
	set := make(map[common.TrxID]bool, len(activeIDs))
	for _, id := range activeIDs {
		set[id] = true
	}
	return &ReadView{activeIDs: set, minTrxID: minTrxID, maxTrxID: maxTrxID, creatorTrxID: creator}
}

// IsVisible applies InnoDB's classic rule: a version is visible if it
// was written by this view's own transaction, by a transaction that
// had already committed before the view was taken (id < minTrxID), or
// by one that committed since but is not in the view's active set and
// started before the view (minTrxID <= id < maxTrxID, not active).
func (rv *ReadView) IsVisible(owner common.TrxID) bool {
	if owner == rv.creatorTrxID {
		return true
	}
	if owner >= rv.maxTrxID {
		return false
	}
	if owner < rv.minTrxID {
		return true
	}
	return !rv.activeIDs[owner]
}

// LowLimit is the lowest trx-id this view might still need to see —
// purge may not remove a version still owned by an id >= this without
// checking every other active view too (spec §6 "purge", §4.3).
func (rv *ReadView) LowLimit() common.TrxID { return rv.minTrxID }
