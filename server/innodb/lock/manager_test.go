package lock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wilhasse/oss-embedded-innodb/server/innodb/common"
)

func TestTableLockCompatibility(t *testing.T) {
	m := NewManager(time.Second)
	require.NoError(t, m.AcquireTableLock(1, 100, ModeIS))
	require.NoError(t, m.AcquireTableLock(2, 100, ModeIS))
	require.NoError(t, m.AcquireTableLock(3, 100, ModeIX))

	errCh := make(chan error, 1)
	go func() { errCh <- m.AcquireTableLock(4, 100, ModeX) }()

	select {
	case <-errCh:
		t.Fatal("X lock should not be granted while IS/IX are held")
	case <-time.After(50 * time.Millisecond):
	}

	m.ReleaseAll(1)
	m.ReleaseAll(2)
	m.ReleaseAll(3)
	require.NoError(t, <-errCh)
	m.ReleaseAll(4)
}

func TestRecordGapLocksCoexist(t *testing.T) {
	m := NewManager(time.Second)
	require.NoError(t, m.AcquireRecordLock(1, 0, 1, 5, ModeX, Gap))
	require.NoError(t, m.AcquireRecordLock(2, 0, 1, 5, ModeX, Gap))
}

func TestInsertIntentionBlockedByGap(t *testing.T) {
	m := NewManager(50 * time.Millisecond)
	require.NoError(t, m.AcquireRecordLock(1, 0, 1, 5, ModeX, Gap))
	err := m.AcquireRecordLock(2, 0, 1, 5, ModeX, InsertIntention)
	assert.ErrorIs(t, err, common.ErrLockWaitTimeout)
}

func TestDeadlockDetected(t *testing.T) {
	m := NewManager(5 * time.Second)
	require.NoError(t, m.AcquireRecordLock(1, 0, 1, 1, ModeX, RecNotGap))
	require.NoError(t, m.AcquireRecordLock(2, 0, 1, 2, ModeX, RecNotGap))

	errCh1 := make(chan error, 1)
	go func() { errCh1 <- m.AcquireRecordLock(1, 0, 1, 2, ModeX, RecNotGap) }()
	time.Sleep(20 * time.Millisecond)

	err2 := m.AcquireRecordLock(2, 0, 1, 1, ModeX, RecNotGap)
	err1 := <-errCh1

	deadlockSeen := err2 == common.ErrDeadlock || err1 == common.ErrDeadlock
	assert.True(t, deadlockSeen, "expected one of the two transactions to be reported as a deadlock victim")

	m.ReleaseAll(1)
	m.ReleaseAll(2)
}
