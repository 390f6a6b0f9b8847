package txn

import (
	"sync"
	"time"

	"github.com/wilhasse/oss-embedded-innodb/logger"
)

// PurgeStats reports what the background purge worker has done, for
// diagnostics and tests (SPEC_FULL §C.5).
type PurgeStats struct {
	Scanned  int64
	Purged   int64
	LastRun  time.Time
}

// PurgeWorker is a genuine background goroutine that periodically
// reclaims delete-marked and superseded undo records once no active
// read view can still need them (spec §6 "purge").
type PurgeWorker struct {
	mu    sync.Mutex
	tm    *Manager
	stats PurgeStats

	interval time.Duration
	stopCh   chan struct{}
	started  bool
}

func newPurgeWorker(tm *Manager) *PurgeWorker {
	return &PurgeWorker{tm: tm, interval: time.Second, stopCh: make(chan struct{})}
}

func (w *PurgeWorker) start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()
	go w.loop()
}

func (w *PurgeWorker) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.runOnce()
		case <-w.stopCh:
			return
		}
	}
}

func (w *PurgeWorker) runOnce() {
	limit := w.tm.OldestActiveReadViewLowLimit()
	candidates := w.tm.undo.PurgeCandidates(limit)

	w.mu.Lock()
	w.stats.Scanned += int64(len(candidates))
	w.stats.LastRun = time.Now()
	w.mu.Unlock()

	purged := 0
	for _, rec := range candidates {
		if rec.Type != UndoDeleteMark && rec.Prev == 0 {
			// Not a delete-mark and no superseded predecessor: this is
			// the only version of a live row, nothing to reclaim.
			continue
		}
		if w.tm.applier != nil {
			purgeRec := *rec
			purgeRec.Type = purgeSentinel
			if err := w.tm.applier.ApplyUndo(&purgeRec); err != nil {
				logger.Errorf("txn: purge of roll-ptr %d: %v", rec.RollPtr, err)
				continue
			}
		}
		w.tm.undo.Remove(rec.RollPtr)
		purged++
	}

	w.mu.Lock()
	w.stats.Purged += int64(purged)
	w.mu.Unlock()
}

// purgeSentinel flags an ApplyUndo call as a purge (physically remove
// the row if it is still delete-marked; a live row stays in place)
// rather than a rollback (restore it).
const purgeSentinel UndoType = 255

func (w *PurgeWorker) stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()
	close(w.stopCh)
}

// Stats returns a snapshot of the worker's progress.
func (w *PurgeWorker) Stats() PurgeStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// PurgeStats exposes the manager's purge worker statistics.
func (tm *Manager) PurgeStats() PurgeStats {
	return tm.purge.Stats()
}
