package buffer

import (
	"container/list"
	"time"
)

// dwellTime is the minimum time a page must sit in the old sublist
// before a re-touch promotes it to young (spec §4.1 scan resistance).
const dwellTime = time.Second

// lru implements the split young/old LRU described in spec §4.1: new
// pages enter at the boundary between the two sublists; a page sitting
// in "old" is only promoted to "young" head if it is re-touched after
// dwelling there for at least dwell — the rule that keeps a pure
// sequential scan from evicting genuinely hot pages.
type lru struct {
	youngPercent float64
	dwell        time.Duration

	young   *list.List
	old     *list.List
	byKey   map[uint64]*list.Element // points into whichever list currently holds the frame
	inYoung map[uint64]bool
}

func newLRU(youngPercent float64, dwell time.Duration) *lru {
	return &lru{
		youngPercent: youngPercent,
		dwell:        dwell,
		young:        list.New(),
		old:          list.New(),
		byKey:        make(map[uint64]*list.Element),
		inYoung:      make(map[uint64]bool),
	}
}

func (c *lru) len() int { return c.young.Len() + c.old.Len() }

// insertAtMidpoint places a freshly loaded frame at the head of the old
// sublist (spec: "Insert into LRU at the midpoint"), and timestamps it
// so the first re-touch can measure dwell time.
func (c *lru) insertAtMidpoint(f *Frame) {
	f.firstTouch = time.Now()
	f.inYoung = false
	el := c.old.PushFront(f)
	c.byKey[f.key()] = el
	c.inYoung[f.key()] = false
}

// touch records an access to a frame already resident in the cache,
// applying the scan-resistance promotion rule.
func (c *lru) touch(f *Frame) {
	key := f.key()
	el, ok := c.byKey[key]
	if !ok {
		return
	}
	if c.inYoung[key] {
		c.young.MoveToFront(el)
		return
	}
	if time.Since(f.firstTouch) >= c.dwell {
		c.old.Remove(el)
		f.inYoung = true
		nel := c.young.PushFront(f)
		c.byKey[key] = nel
		c.inYoung[key] = true
		return
	}
	// Still within dwell: bump within the old list but do not promote.
	c.old.MoveToFront(el)
}

func (c *lru) remove(f *Frame) {
	key := f.key()
	el, ok := c.byKey[key]
	if !ok {
		return
	}
	if c.inYoung[key] {
		c.young.Remove(el)
	} else {
		c.old.Remove(el)
	}
	delete(c.byKey, key)
	delete(c.inYoung, key)
}

// evictionCandidate walks the old sublist tail-first (the LRU victim
// order), then the young tail, and returns the first unpinned frame.
// It does not prefer clean frames over dirty ones; a dirty candidate is
// flushed by the pool before its frame is reused.
func (c *lru) evictionCandidate() *Frame {
	for e := c.old.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*Frame)
		if !f.isPinned() {
			return f
		}
	}
	for e := c.young.Back(); e != nil; e = e.Prev() {
		f := e.Value.(*Frame)
		if !f.isPinned() {
			return f
		}
	}
	return nil
}
