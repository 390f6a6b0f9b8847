package buffer

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/logger"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/page"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/space"
)

// Flusher is the WAL's flush_to, invoked before a dirty page is written
// back so the log always precedes the data it describes (spec §4.1
// "Flush protocol", §5 WAL ordering invariant).
type Flusher interface {
	FlushTo(lsn common.LSN) error
}

// Pool is the fixed-size buffer pool: a hash-indexed set of frames, an
// LRU governing eviction, and a flush list ordered by oldest
// modification LSN (spec §4.1).
type Pool struct {
	mu sync.Mutex

	spaces *space.Manager
	flush  Flusher

	capacity int
	frames   map[uint64]*Frame // key() -> resident frame
	free     []*Frame          // unused frame slots
	lru      *lru

	dirty map[uint64]*Frame // key() -> dirty frame, for flush-list ordering
}

// NewPool constructs a pool of the given capacity (frames), backed by
// spaces for page I/O and flush for WAL ordering enforcement.
func NewPool(capacity int, spaces *space.Manager, flush Flusher) *Pool {
	p := &Pool{
		spaces:   spaces,
		flush:    flush,
		capacity: capacity,
		frames:   make(map[uint64]*Frame),
		dirty:    make(map[uint64]*Frame),
		lru:      newLRU(0.625, dwellTime),
	}
	for i := 0; i < capacity; i++ {
		p.free = append(p.free, newFrame())
	}
	return p
}

func frameKey(spaceID, pageNo uint32) uint64 { return uint64(spaceID)<<32 | uint64(pageNo) }

// GetPage fetches a page for the given latch mode, loading it from disk
// on a miss and installing it via midpoint LRU insertion (spec §4.1
// "Get-page protocol"). The caller must call Pool.Release when done.
func (p *Pool) GetPage(spaceID, pageNo uint32, mode common.LatchMode) (*Frame, error) {
	key := frameKey(spaceID, pageNo)

	p.mu.Lock()
	if f, ok := p.frames[key]; ok {
		f.pin()
		p.lru.touch(f)
		p.mu.Unlock()
		latchFrame(f, mode)
		return f, nil
	}
	p.mu.Unlock()

	sp, err := p.spaces.GetSpace(spaceID)
	if err != nil {
		return nil, err
	}
	raw, err := sp.ReadPage(pageNo)
	if err != nil {
		return nil, err
	}
	if !page.VerifyChecksum(raw) {
		return nil, errors.Wrapf(common.ErrPageCorruption, "space %d page %d", spaceID, pageNo)
	}

	p.mu.Lock()
	if f, ok := p.frames[key]; ok {
		// Lost the race against another loader.
		f.pin()
		p.lru.touch(f)
		p.mu.Unlock()
		latchFrame(f, mode)
		return f, nil
	}

	f, err := p.acquireFrame()
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	f.spaceID = spaceID
	f.pageNo = pageNo
	copy(f.data, raw)
	f.pageLSN = page.HeaderLSN(raw)
	f.pin()
	p.frames[key] = f
	p.lru.insertAtMidpoint(f)
	p.mu.Unlock()

	latchFrame(f, mode)
	return f, nil
}

// Release unpins a frame previously returned by GetPage, releasing the
// latch acquired for it.
func (p *Pool) Release(f *Frame, mode common.LatchMode, dirty bool, lsn common.LSN) {
	if dirty {
		p.mu.Lock()
		f.MarkDirty(lsn)
		p.dirty[f.key()] = f
		p.mu.Unlock()
	}
	unlatchFrame(f, mode)
	f.unpin()
}

func latchFrame(f *Frame, mode common.LatchMode) {
	if mode == common.LatchExclusive {
		f.Latch.Lock()
	} else if mode == common.LatchShared {
		f.Latch.RLock()
	}
}

func unlatchFrame(f *Frame, mode common.LatchMode) {
	if mode == common.LatchExclusive {
		f.Latch.Unlock()
	} else if mode == common.LatchShared {
		f.Latch.RUnlock()
	}
}

// acquireFrame returns a free frame slot, evicting the LRU's current
// victim if the pool is at capacity. Caller holds p.mu.
func (p *Pool) acquireFrame() (*Frame, error) {
	if len(p.free) > 0 {
		f := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		return f, nil
	}

	victim := p.lru.evictionCandidate()
	if victim == nil {
		return nil, common.ErrOutOfMemory
	}
	if victim.IsDirty() {
		if err := p.flushFrameLocked(victim); err != nil {
			return nil, err
		}
	}
	p.lru.remove(victim)
	delete(p.frames, victim.key())
	delete(p.dirty, victim.key())
	victim.reset()
	return victim, nil
}

// FlushPage forces one dirty frame to disk, honoring WAL ordering: the
// log must be durable up to the page's LSN before the page write lands
// (spec §5 "the log record for a change is durable before ... the data
// page it describes").
func (p *Pool) FlushPage(f *Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushFrameLocked(f)
}

func (p *Pool) flushFrameLocked(f *Frame) error {
	if !f.IsDirty() {
		return nil
	}
	if p.flush != nil {
		if err := p.flush.FlushTo(f.pageLSN); err != nil {
			return errors.Wrap(err, "buffer: flush-ahead of WAL failed")
		}
	}
	sp, err := p.spaces.GetSpace(f.spaceID)
	if err != nil {
		return err
	}
	if err := sp.WritePage(f.pageNo, f.data); err != nil {
		return err
	}
	f.clearDirty()
	delete(p.dirty, f.key())
	return nil
}

// FlushDirtyPages flushes every dirty frame in oldest-modification-LSN
// order, the order that bounds recovery's redo work (spec §4.1 "Flush
// list").
func (p *Pool) FlushDirtyPages() error {
	p.mu.Lock()
	list := make([]*Frame, 0, len(p.dirty))
	for _, f := range p.dirty {
		list = append(list, f)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].oldestModLSN < list[j].oldestModLSN })
	p.mu.Unlock()

	for _, f := range list {
		if err := p.FlushPage(f); err != nil {
			return err
		}
	}
	return nil
}

// OldestModifiedLSN is the low-water mark recovery needs to start redo
// from, and the bound a checkpoint may not advance past (spec §5
// "Checkpointing").
func (p *Pool) OldestModifiedLSN() common.LSN {
	p.mu.Lock()
	defer p.mu.Unlock()
	var min common.LSN
	for _, f := range p.dirty {
		if min == 0 || f.oldestModLSN < min {
			min = f.oldestModLSN
		}
	}
	return min
}

func (p *Pool) Stats() (resident, dirty, capacity int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.frames), len(p.dirty), p.capacity
}

func init() {
	logger.Debugf("buffer: pool package loaded")
}
