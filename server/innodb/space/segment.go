package space

import "sync"

// SegmentKind distinguishes a B+ tree's leaf segment from its internal
// (non-leaf) segment; each index owns exactly one of each (spec §3
// Segment).
type SegmentKind uint8

const (
	SegmentLeaf SegmentKind = iota
	SegmentNonLeaf
)

// Segment is the in-memory form of a segment inode: three extent lists
// (free / partially-used / full) plus up to FragArraySize individually
// allocated fragment pages for small objects that don't yet warrant a
// whole extent (spec §3 Segment, §6 inode lists).
type Segment struct {
	mu sync.Mutex

	ID      uint64
	SpaceID uint32
	Kind    SegmentKind

	FreeExtents    []uint32 // extent IDs
	NotFullExtents []uint32
	FullExtents    []uint32

	FragPages []uint32 // individually allocated fragment pages, len <= common.FragArraySize

	notFullUsedPages map[uint32]int // extent ID -> pages used within it, for the NOT_FULL list
}

func NewSegment(id uint64, spaceID uint32, kind SegmentKind) *Segment {
	return &Segment{
		ID:               id,
		SpaceID:          spaceID,
		Kind:             kind,
		notFullUsedPages: make(map[uint32]int),
	}
}

// PageCount is the number of pages currently owned by this segment,
// across fragment pages and all three extent lists.
func (s *Segment) PageCount(extentSizePages int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.FragPages) + len(s.FullExtents)*extentSizePages + len(s.NotFullExtents)*extentSizePages + len(s.FreeExtents)*extentSizePages
}

func (s *Segment) addFullExtent(extentID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FullExtents = append(s.FullExtents, extentID)
	delete(s.notFullUsedPages, extentID)
}

func (s *Segment) addNotFullExtent(extentID uint32, usedPages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.NotFullExtents = append(s.NotFullExtents, extentID)
	s.notFullUsedPages[extentID] = usedPages
}

func (s *Segment) addFreeExtent(extentID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FreeExtents = append(s.FreeExtents, extentID)
}

// pickNotFullExtent returns an extent from the NOT_FULL list with at
// least one free page, or NoPage's extent sentinel (0, false) if none.
func (s *Segment) pickNotFullExtent() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.NotFullExtents) == 0 {
		return 0, false
	}
	return s.NotFullExtents[0], true
}

func (s *Segment) promoteIfFull(extentID uint32, extentSizePages int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	used := s.notFullUsedPages[extentID]
	if used < extentSizePages {
		return
	}
	for i, e := range s.NotFullExtents {
		if e == extentID {
			s.NotFullExtents = append(s.NotFullExtents[:i], s.NotFullExtents[i+1:]...)
			break
		}
	}
	s.FullExtents = append(s.FullExtents, extentID)
	delete(s.notFullUsedPages, extentID)
}

func (s *Segment) bumpUsed(extentID uint32) {
	s.mu.Lock()
	s.notFullUsedPages[extentID]++
	s.mu.Unlock()
}
