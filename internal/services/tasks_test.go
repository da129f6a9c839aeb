package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/services"
	"github.com/haldric/courselib/internal/testutil"
)

func TestTaskPool_Completes(t *testing.T) {
	pool := services.NewTaskPool(10*time.Millisecond, time.Second, nil)
	defer pool.Shutdown()

	handle := pool.Submit(context.Background(), "quick", func(ctx context.Context, h *services.TaskHandle) error {
		return nil
	})

	require.NoError(t, handle.Wait(context.Background()))
	assert.Equal(t, services.TaskCompleted, handle.Status())
	assert.NotEmpty(t, handle.ID)
}

func TestTaskPool_Fails(t *testing.T) {
	pool := services.NewTaskPool(10*time.Millisecond, time.Second, nil)
	defer pool.Shutdown()

	boom := errors.New("boom")
	handle := pool.Submit(context.Background(), "broken", func(ctx context.Context, h *services.TaskHandle) error {
		return boom
	})

	assert.ErrorIs(t, handle.Wait(context.Background()), boom)
	assert.Equal(t, services.TaskFailed, handle.Status())
}

func TestTaskPool_TimesOutSilentTask(t *testing.T) {
	bus := testutil.NewMockPublisher()
	pool := services.NewTaskPool(5*time.Millisecond, 20*time.Millisecond, bus)
	defer pool.Shutdown()

	handle := pool.Submit(context.Background(), "stuck", func(ctx context.Context, h *services.TaskHandle) error {
		<-ctx.Done()
		return ctx.Err()
	})

	<-handle.Done()
	assert.Equal(t, services.TaskTimedOut, handle.Status())

	events := bus.EventsOfType(domain.TaskTimedOut)
	require.Len(t, events, 1)
	assert.Equal(t, "stuck", events[0].GetStringOr("task_name", ""))
}

// A worker wedged in a call that never observes its context must not
// keep the scan row running or the lock held: the monitor's timeout
// callback cleans both up on its own.
func TestTaskPool_TimeoutCleansUpWithoutWorker(t *testing.T) {
	store := newTestStore(t)
	scan, err := store.CreateScan("admin", "/lib")
	require.NoError(t, err)
	require.NoError(t, store.MarkScanRunning(scan.ID))
	require.NoError(t, store.AcquireLock("scan-1", scan.ID, 0))

	pool := services.NewTaskPool(5*time.Millisecond, 20*time.Millisecond, nil)
	wedged := make(chan struct{})
	handle := pool.Submit(context.Background(), "wedged", func(ctx context.Context, h *services.TaskHandle) error {
		<-wedged
		return ctx.Err()
	})
	handle.OnTimeout(func() {
		_ = store.FailScan(scan.ID, "scan timed out, no heartbeat from worker")
		_ = store.ReleaseLock("scan-1")
	})

	<-handle.Done()
	assert.Equal(t, services.TaskTimedOut, handle.Status())

	// The worker is still blocked, yet the row is failed and the lock
	// is free.
	final, err := store.GetScan(scan.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "timed out")

	state, err := store.LockState()
	require.NoError(t, err)
	assert.False(t, state.IsLocked)

	close(wedged)
	pool.Shutdown()
}

func TestTaskPool_HeartbeatKeepsTaskAlive(t *testing.T) {
	pool := services.NewTaskPool(5*time.Millisecond, 30*time.Millisecond, nil)
	defer pool.Shutdown()

	handle := pool.Submit(context.Background(), "beating", func(ctx context.Context, h *services.TaskHandle) error {
		for i := 0; i < 10; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
				h.Heartbeat()
			}
		}
		return nil
	})

	require.NoError(t, handle.Wait(context.Background()))
	assert.Equal(t, services.TaskCompleted, handle.Status())
}

func TestTaskPool_GetAndActive(t *testing.T) {
	pool := services.NewTaskPool(10*time.Millisecond, time.Second, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	handle := pool.Submit(context.Background(), "held", func(ctx context.Context, h *services.TaskHandle) error {
		<-release
		return nil
	})

	got, ok := pool.Get(handle.ID)
	require.True(t, ok)
	assert.Equal(t, handle, got)

	active := pool.Active()
	require.Len(t, active, 1)
	assert.Equal(t, "held", active[0].Name)

	close(release)
	require.NoError(t, handle.Wait(context.Background()))
	assert.Empty(t, pool.Active())
}

func TestTaskPool_ShutdownCancelsTasks(t *testing.T) {
	pool := services.NewTaskPool(10*time.Millisecond, time.Minute, nil)

	handle := pool.Submit(context.Background(), "longrunner", func(ctx context.Context, h *services.TaskHandle) error {
		<-ctx.Done()
		return ctx.Err()
	})

	pool.Shutdown()
	<-handle.Done()
	assert.Equal(t, services.TaskFailed, handle.Status())
}
