// Package engine wires the buffer pool, WAL, mini-transactions, lock
// manager, transaction manager and B+ tree layer into one embeddable
// storage engine, and exposes the cursor API external collaborators
// drive it through (spec §6 "External Interfaces").
package engine

import "time"

// Config holds the engine's tunables in one flat struct consumed at
// Startup (SPEC_FULL §A.3).
type Config struct {
	DataDir string

	BufferPoolPages int
	SystemSpacePages uint32

	CheckpointInterval time.Duration
	LockWaitTimeout    time.Duration

	TrxIDCheckpointInterval time.Duration
}

// DefaultConfig returns a Config with the engine's standard tunables,
// overridable field by field before Startup.
func DefaultConfig(dataDir string) Config {
	return Config{
		DataDir:                 dataDir,
		BufferPoolPages:         1024,
		SystemSpacePages:        256,
		CheckpointInterval:      30 * time.Second,
		LockWaitTimeout:         50 * time.Second,
		TrxIDCheckpointInterval: 5 * time.Second,
	}
}
