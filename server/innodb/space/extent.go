// Package space implements the file-space manager layered over raw
// pages: extents, segments, and tablespaces (spec §3 Extent/Segment/
// Tablespace, §4 file-space manager, §6 on-disk formats).
package space

import (
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// XDES is the in-memory extent descriptor: the owning segment (0 if the
// extent belongs to the free/frag lists rather than a segment), a
// doubly-linked list node, a state tag, and one status byte per page
// tracking free/clean status of each of the extent's 64 pages.
type XDES struct {
	SegmentID uint64
	PrevExt   uint32
	NextExt   uint32
	State     common.ExtentState
	Bitmap    [common.ExtentSize]byte // bit0=free, bit1=clean, one byte per page for simplicity
}

func NewXDES() *XDES {
	x := &XDES{State: common.ExtentFree}
	for i := range x.Bitmap {
		x.Bitmap[i] = 0x1 // free
	}
	return x
}

func (x *XDES) IsPageFree(i int) bool { return x.Bitmap[i]&0x1 != 0 }

func (x *XDES) MarkPageUsed(i int) {
	x.Bitmap[i] &^= 0x1
	if x.allUsed() {
		x.State = common.ExtentFSeg
	}
}

func (x *XDES) MarkPageFree(i int) {
	x.Bitmap[i] |= 0x1
	if x.State == common.ExtentFSeg && !x.allUsed() {
		x.State = common.ExtentFreeFrag
	}
}

func (x *XDES) FreePageCount() int {
	n := 0
	for i := range x.Bitmap {
		if x.IsPageFree(i) {
			n++
		}
	}
	return n
}

func (x *XDES) allUsed() bool {
	for i := range x.Bitmap {
		if x.IsPageFree(i) {
			return false
		}
	}
	return true
}
