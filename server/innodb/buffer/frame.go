// Package buffer implements the page store / buffer pool: a fixed pool
// of frames caching tablespace pages, with per-frame latches, an
// LRU with scan resistance, and a flush list ordered by oldest
// modification LSN (spec §4.1).
package buffer

import (
	"sync/atomic"
	"time"

	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/latch"
)

// Frame is one buffer pool slot: a pinned, latched, possibly-dirty copy
// of a tablespace page (spec §4.1 "Structure").
type Frame struct {
	Latch *latch.Latch

	spaceID uint32
	pageNo  uint32

	data []byte // exactly common.PageSize bytes once loaded

	pageLSN      common.LSN // LSN of the most recent log record reflected on this page
	oldestModLSN common.LSN // LSN at which the page first became dirty since its last flush
	dirty        bool

	fixCount int32 // pins; eviction is refused while > 0

	firstTouch time.Time // when this frame entered the "old" LRU sublist
	inYoung    bool
}

func newFrame() *Frame {
	return &Frame{Latch: latch.New(), data: make([]byte, common.PageSize)}
}

func (f *Frame) SpaceID() uint32      { return f.spaceID }
func (f *Frame) PageNo() uint32       { return f.pageNo }
func (f *Frame) Data() []byte         { return f.data }
func (f *Frame) PageLSN() common.LSN  { return f.pageLSN }
func (f *Frame) IsDirty() bool        { return f.dirty }

func (f *Frame) key() uint64 { return uint64(f.spaceID)<<32 | uint64(f.pageNo) }

func (f *Frame) pin()      { atomic.AddInt32(&f.fixCount, 1) }
func (f *Frame) unpin()    { atomic.AddInt32(&f.fixCount, -1) }
func (f *Frame) isPinned() bool { return atomic.LoadInt32(&f.fixCount) > 0 }

// SetPageLSN stamps the header LSN; called by the MTR at commit once
// the log tail LSN is known (spec §4.2 commit step 3).
func (f *Frame) SetPageLSN(lsn common.LSN) { f.pageLSN = lsn }

// MarkDirty records the first-dirty LSN the first time an MTR touches
// this frame since its last flush (spec §4.1 "Mark-dirty protocol").
func (f *Frame) MarkDirty(lsn common.LSN) {
	if !f.dirty {
		f.dirty = true
		f.oldestModLSN = lsn
	}
}

func (f *Frame) clearDirty() {
	f.dirty = false
	f.oldestModLSN = 0
}

func (f *Frame) reset() {
	f.spaceID = 0
	f.pageNo = 0
	f.pageLSN = 0
	f.oldestModLSN = 0
	f.dirty = false
	f.fixCount = 0
	f.inYoung = false
	for i := range f.data {
		f.data[i] = 0
	}
}
