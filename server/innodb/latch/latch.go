// Package latch provides the per-page and per-index rwlatches used to
// serialize in-page access and structural B+ tree modification (spec §5).
package latch

import "sync"

// Latch wraps sync.RWMutex with Try variants and a mode-aware Release so
// callers can release in either mode without tracking which they took.
type Latch struct {
	mu sync.RWMutex
}

func New() *Latch { return &Latch{} }

func (l *Latch) Lock()    { l.mu.Lock() }
func (l *Latch) Unlock()  { l.mu.Unlock() }
func (l *Latch) RLock()   { l.mu.RLock() }
func (l *Latch) RUnlock() { l.mu.RUnlock() }

func (l *Latch) TryLock() bool  { return l.mu.TryLock() }
func (l *Latch) TryRLock() bool { return l.mu.TryRLock() }

// Mode tags which way a Held latch was acquired, so a generic release
// loop (e.g. MTR commit, §4.2) can release without the caller
// remembering S vs X.
type Mode uint8

const (
	ModeShared Mode = iota
	ModeExclusive
)

// Held records one latch acquisition so it can be released later, in
// reverse order, regardless of whether it was shared or exclusive.
type Held struct {
	L    *Latch
	Mode Mode
}

func (h Held) Release() {
	if h.Mode == ModeExclusive {
		h.L.Unlock()
	} else {
		h.L.RUnlock()
	}
}

// Acquire takes the latch in the given mode and returns a Held handle.
func Acquire(l *Latch, mode Mode) Held {
	if mode == ModeExclusive {
		l.Lock()
	} else {
		l.RLock()
	}
	return Held{L: l, Mode: mode}
}
