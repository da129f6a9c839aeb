package catalog_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldric/courselib/internal/catalog"
)

func TestAcquireRelease(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock("scan-1", scan.ID, 0))

	state, err := store.LockState()
	require.NoError(t, err)
	assert.True(t, state.IsLocked)
	assert.Equal(t, "scan-1", state.LockedBy)
	require.NotNil(t, state.ScanID)
	assert.Equal(t, scan.ID, *state.ScanID)

	require.NoError(t, store.ReleaseLock("scan-1"))
	state, err = store.LockState()
	require.NoError(t, err)
	assert.False(t, state.IsLocked)
	assert.Empty(t, state.LockedBy)
}

func TestAcquire_HeldLockRejected(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock("scan-1", scan.ID, 0))
	err = store.AcquireLock("scan-2", scan.ID, 0)
	assert.ErrorIs(t, err, catalog.ErrLockHeld)
}

func TestRelease_WrongOwnerIsNoOp(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock("scan-1", scan.ID, 0))
	require.NoError(t, store.ReleaseLock("scan-2"))

	state, err := store.LockState()
	require.NoError(t, err)
	assert.True(t, state.IsLocked, "release by a non-owner must not free the lock")
}

func TestAcquire_MutualExclusionUnderConcurrency(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	var acquired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := store.AcquireLock("owner", scan.ID, 0); err == nil {
				acquired.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), acquired.Load(), "exactly one concurrent caller may win the lock")
}

func TestAcquire_StaleTakeover(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	require.NoError(t, store.AcquireLock("dead-scan", scan.ID, 0))

	// With staleness disabled the held lock stays held.
	assert.ErrorIs(t, store.AcquireLock("new-scan", scan.ID, 0), catalog.ErrLockHeld)

	// A tiny staleness window lets the new owner take over.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, store.AcquireLock("new-scan", scan.ID, 10*time.Millisecond))

	state, err := store.LockState()
	require.NoError(t, err)
	assert.Equal(t, "new-scan", state.LockedBy)
}

func TestForceRelease(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)

	released, err := store.ForceReleaseLock()
	require.NoError(t, err)
	assert.False(t, released, "nothing to release on an unlocked row")

	require.NoError(t, store.AcquireLock("scan-1", scan.ID, 0))
	released, err = store.ForceReleaseLock()
	require.NoError(t, err)
	assert.True(t, released)
}
