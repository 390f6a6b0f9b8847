package space

import (
	"path/filepath"
	"sync"

	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

// Manager owns every open tablespace in one engine instance, keyed by
// space-id (spec §3 Tablespace, §6 "Log/file naming").
type Manager struct {
	mu     sync.RWMutex
	dir    string
	spaces map[uint32]*Space
	nextID uint32
}

func NewManager(dataDir string) *Manager {
	return &Manager{dir: dataDir, spaces: make(map[uint32]*Space)}
}

// CreateSpace allocates a new tablespace (the system tablespace is
// conventionally id 0, named "ibdata1"; secondary per-table spaces use
// a ".ibd" suffix, mirroring spec §6's naming convention).
func (m *Manager) CreateSpace(name string, initialPages uint32) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	path := filepath.Join(m.dir, name)
	sp, err := Create(id, path, initialPages)
	if err != nil {
		return nil, err
	}
	m.spaces[id] = sp
	return sp, nil
}

// OpenSpace reattaches a previously created tablespace by id and file
// name, used during recovery/startup.
func (m *Manager) OpenSpace(id uint32, name string) (*Space, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(m.dir, name)
	sp, err := Open(id, path)
	if err != nil {
		return nil, err
	}
	m.spaces[id] = sp
	if id >= m.nextID {
		m.nextID = id + 1
	}
	return sp, nil
}

func (m *Manager) GetSpace(id uint32) (*Space, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sp, ok := m.spaces[id]
	if !ok {
		return nil, common.ErrSpaceNotFound
	}
	return sp, nil
}

func (m *Manager) Spaces() []*Space {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Space, 0, len(m.spaces))
	for _, sp := range m.spaces {
		out = append(out, sp)
	}
	return out
}

func (m *Manager) CloseAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, sp := range m.spaces {
		if err := sp.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
