// Package lock implements table and record locking with gap/next-key/
// insert-intention variants, a waits-for graph, and deadlock detection
// (spec §6 Lock Manager).
package lock

import (
	"sync"
	"time"

	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
	"github.com/wilhasse/oss-embedded-innodb/logger"
)

const maxDeadlockSearchDepth = 200

type tableKey = uint64

type recordKey struct {
	spaceID uint32
	pageNo  uint32
	heapNo  uint16
}

// request is one grant or wait in a resource's lock queue.
type request struct {
	trx     common.TrxID
	mode    Mode
	recKind RecordKind // unused for table requests

	granted bool
	ready   chan struct{} // closed once granted
	closed  bool          // guards against closing ready twice; all mutation happens under Manager.mu
	victim  bool          // set by the deadlock detector; Acquire sees this and returns ErrDeadlock
}

// closeReady closes the ready channel at most once. Every caller holds
// Manager.mu, so the closed flag needs no extra synchronization.
func (r *request) closeReady() {
	if !r.closed {
		r.closed = true
		close(r.ready)
	}
}

type tableQueue struct {
	requests []*request
}

type recordQueue struct {
	requests []*request
}

// Manager is the lock manager: one table-lock table, one record-lock
// table, and the waits-for graph deadlock detection runs over.
type Manager struct {
	mu sync.Mutex

	tables  map[tableKey]*tableQueue
	records map[recordKey]*recordQueue

	heldTables  map[common.TrxID][]tableKey
	heldRecords map[common.TrxID][]recordKey

	waitsFor map[common.TrxID]map[common.TrxID]bool // waiter -> set of blockers

	waitTimeout time.Duration
}

func NewManager(waitTimeout time.Duration) *Manager {
	if waitTimeout == 0 {
		waitTimeout = 50 * time.Second
	}
	return &Manager{
		tables:      make(map[tableKey]*tableQueue),
		records:     make(map[recordKey]*recordQueue),
		heldTables:  make(map[common.TrxID][]tableKey),
		heldRecords: make(map[common.TrxID][]recordKey),
		waitsFor:    make(map[common.TrxID]map[common.TrxID]bool),
		waitTimeout: waitTimeout,
	}
}

// AcquireTableLock requests a table lock in the given mode, blocking
// until granted, timed out, or chosen as a deadlock victim.
func (m *Manager) AcquireTableLock(trx common.TrxID, table uint64, mode Mode) error {
	m.mu.Lock()
	q, ok := m.tables[table]
	if !ok {
		q = &tableQueue{}
		m.tables[table] = q
	}

	for _, r := range q.requests {
		if r.trx == trx && r.granted {
			if r.mode == mode || (r.mode == ModeX) {
				m.mu.Unlock()
				return nil
			}
			if modeRank(mode) > modeRank(r.mode) {
				r.mode = mode // lock conversion: hold the stronger of the two
			}
			m.mu.Unlock()
			return nil
		}
	}

	blockers := tableBlockers(q, trx, mode)
	req := &request{trx: trx, mode: mode, granted: len(blockers) == 0, ready: make(chan struct{})}
	q.requests = append(q.requests, req)
	if req.granted {
		req.closeReady()
		m.heldTables[trx] = append(m.heldTables[trx], table)
		m.mu.Unlock()
		return nil
	}

	if err := m.waitOrDetectDeadlock(trx, blockers, req); err != nil {
		m.removeTableRequest(table, req)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.blockUntilGranted(req); err != nil {
		m.mu.Lock()
		m.removeTableRequest(table, req)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.heldTables[trx] = append(m.heldTables[trx], table)
	m.mu.Unlock()
	return nil
}

// AcquireRecordLock requests a record/gap lock of the given mode and
// variant on one heap position.
func (m *Manager) AcquireRecordLock(trx common.TrxID, spaceID, pageNo uint32, heapNo uint16, mode Mode, kind RecordKind) error {
	key := recordKey{spaceID, pageNo, heapNo}

	m.mu.Lock()
	q, ok := m.records[key]
	if !ok {
		q = &recordQueue{}
		m.records[key] = q
	}

	for _, r := range q.requests {
		if r.trx == trx && r.granted && r.recKind == kind {
			if r.mode == mode || r.mode == ModeX {
				m.mu.Unlock()
				return nil
			}
			if modeRank(mode) > modeRank(r.mode) {
				r.mode = mode
			}
			m.mu.Unlock()
			return nil
		}
	}

	var blockers []common.TrxID
	for _, r := range q.requests {
		if r.granted && r.trx != trx && !recordCompatible(r.mode, r.recKind, mode, kind) {
			blockers = append(blockers, r.trx)
		}
	}

	req := &request{trx: trx, mode: mode, recKind: kind, granted: len(blockers) == 0, ready: make(chan struct{})}
	q.requests = append(q.requests, req)
	if req.granted {
		req.closeReady()
		m.heldRecords[trx] = append(m.heldRecords[trx], key)
		m.mu.Unlock()
		return nil
	}

	if err := m.waitOrDetectDeadlock(trx, blockers, req); err != nil {
		m.removeRecordRequest(key, req)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	if err := m.blockUntilGranted(req); err != nil {
		m.mu.Lock()
		m.removeRecordRequest(key, req)
		m.mu.Unlock()
		return err
	}
	m.mu.Lock()
	m.heldRecords[trx] = append(m.heldRecords[trx], key)
	m.mu.Unlock()
	return nil
}

// waitOrDetectDeadlock records waits-for edges for a newly blocked
// request and runs bounded-depth cycle detection; on finding a cycle it
// picks the lightest-weight member as victim (spec §6 "deadlock
// detection", "victim selection by smallest weight").
func (m *Manager) waitOrDetectDeadlock(trx common.TrxID, blockers []common.TrxID, req *request) error {
	if m.waitsFor[trx] == nil {
		m.waitsFor[trx] = make(map[common.TrxID]bool)
	}
	for _, b := range blockers {
		m.waitsFor[trx][b] = true
	}

	cycle := m.findCycle(trx)
	if cycle == nil {
		return nil
	}
	victim := m.pickVictim(cycle)
	if victim == trx {
		delete(m.waitsFor, trx)
		return common.ErrDeadlock
	}
	m.markVictim(victim)
	return nil
}

func (m *Manager) findCycle(start common.TrxID) []common.TrxID {
	var path []common.TrxID
	visited := make(map[common.TrxID]bool)
	var dfs func(node common.TrxID, depth int) []common.TrxID
	dfs = func(node common.TrxID, depth int) []common.TrxID {
		if depth > maxDeadlockSearchDepth {
			return nil
		}
		if node == start && len(path) > 0 {
			return append([]common.TrxID(nil), path...)
		}
		if visited[node] {
			return nil
		}
		visited[node] = true
		path = append(path, node)
		for next := range m.waitsFor[node] {
			if found := dfs(next, depth+1); found != nil {
				return found
			}
		}
		path = path[:len(path)-1]
		return nil
	}
	return dfs(start, 0)
}

// pickVictim chooses the cycle member holding the fewest locks (the
// one that has "done the least work" and so costs least to abort).
// Ties favor the youngest transaction, since it started more recently.
func (m *Manager) pickVictim(cycle []common.TrxID) common.TrxID {
	victim := cycle[0]
	victimWeight := m.weight(victim)
	for _, trx := range cycle[1:] {
		w := m.weight(trx)
		if w < victimWeight || (w == victimWeight && trx > victim) {
			victim = trx
			victimWeight = w
		}
	}
	return victim
}

func (m *Manager) weight(trx common.TrxID) int {
	return len(m.heldTables[trx]) + len(m.heldRecords[trx])
}

// markVictim flags every waiting request belonging to victim so its
// blockUntilGranted call wakes up and reports ErrDeadlock.
func (m *Manager) markVictim(victim common.TrxID) {
	mark := func(q []*request) {
		for _, r := range q {
			if r.trx == victim && !r.granted {
				r.victim = true
				r.closeReady()
			}
		}
	}
	for _, q := range m.tables {
		mark(q.requests)
	}
	for _, q := range m.records {
		mark(q.requests)
	}
	logger.Warnf("lock: trx %d selected as deadlock victim", victim)
}

func (m *Manager) blockUntilGranted(req *request) error {
	select {
	case <-req.ready:
		if req.victim {
			return common.ErrDeadlock
		}
		return nil
	case <-time.After(m.waitTimeout):
		return common.ErrLockWaitTimeout
	}
}

// ReleaseAll drops every lock held by trx and wakes any waiter whose
// request becomes grantable (spec §6 "release protocol": locks are
// released together at transaction end, never individually).
func (m *Manager) ReleaseAll(trx common.TrxID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, table := range m.heldTables[trx] {
		if q, ok := m.tables[table]; ok {
			q.requests = removeTrxRequests(q.requests, trx)
			if len(q.requests) == 0 {
				delete(m.tables, table)
			} else {
				m.grantWaitingTable(q)
			}
		}
	}
	delete(m.heldTables, trx)

	for _, key := range m.heldRecords[trx] {
		if q, ok := m.records[key]; ok {
			q.requests = removeTrxRequests(q.requests, trx)
			if len(q.requests) == 0 {
				delete(m.records, key)
			} else {
				m.grantWaitingRecord(q)
			}
		}
	}
	delete(m.heldRecords, trx)

	delete(m.waitsFor, trx)
	for _, edges := range m.waitsFor {
		delete(edges, trx)
	}
}

func removeTrxRequests(reqs []*request, trx common.TrxID) []*request {
	out := reqs[:0]
	for _, r := range reqs {
		if r.trx != trx {
			out = append(out, r)
		}
	}
	return out
}

func (m *Manager) grantWaitingTable(q *tableQueue) {
	for _, waiting := range q.requests {
		if waiting.granted {
			continue
		}
		if len(tableBlockers(q, waiting.trx, waiting.mode)) == 0 {
			waiting.granted = true
			waiting.closeReady()
		}
	}
}

func (m *Manager) grantWaitingRecord(q *recordQueue) {
	for _, waiting := range q.requests {
		if waiting.granted {
			continue
		}
		blocked := false
		for _, r := range q.requests {
			if r.granted && r.trx != waiting.trx && !recordCompatible(r.mode, r.recKind, waiting.mode, waiting.recKind) {
				blocked = true
				break
			}
		}
		if !blocked {
			waiting.granted = true
			waiting.closeReady()
		}
	}
}

func tableBlockers(q *tableQueue, trx common.TrxID, mode Mode) []common.TrxID {
	var blockers []common.TrxID
	for _, r := range q.requests {
		if r.granted && r.trx != trx && !tableCompatible(r.mode, mode) {
			blockers = append(blockers, r.trx)
		}
	}
	return blockers
}

func (m *Manager) removeTableRequest(table tableKey, req *request) {
	if q, ok := m.tables[table]; ok {
		q.requests = removeRequest(q.requests, req)
		if len(q.requests) == 0 {
			delete(m.tables, table)
		}
	}
}

func (m *Manager) removeRecordRequest(key recordKey, req *request) {
	if q, ok := m.records[key]; ok {
		q.requests = removeRequest(q.requests, req)
		if len(q.requests) == 0 {
			delete(m.records, key)
		}
	}
}

func removeRequest(reqs []*request, target *request) []*request {
	out := reqs[:0]
	for _, r := range reqs {
		if r != target {
			out = append(out, r)
		}
	}
	return out
}

func modeRank(m Mode) int {
	switch m {
	case ModeIS:
		return 0
	case ModeS:
		return 1
	case ModeIX:
		return 2
	case ModeX:
		return 3
	default:
		return -1
	}
}
