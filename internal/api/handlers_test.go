package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/config"
	"github.com/haldric/courselib/internal/security"
	"github.com/haldric/courselib/internal/services"
	"github.com/haldric/courselib/internal/testutil"
)

type testServer struct {
	server *RESTServer
	store  *catalog.Store
	tasks  *services.TaskPool
	bus    *testutil.MockPublisher
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := testutil.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	cfg := config.NewTestConfig()
	config.SetForTesting(cfg)

	store := catalog.NewStore(db)
	bus := testutil.NewMockPublisher()
	tasks := services.NewTaskPool(10*time.Millisecond, time.Second, bus)
	t.Cleanup(tasks.Shutdown)

	scanner := services.NewScannerService(store, bus, security.PolicyFromConfig(cfg), tasks, cfg)
	cleanup := services.NewCleanupService(store, bus)
	scheduler := services.NewSchedulerService(store, scanner)
	t.Cleanup(scheduler.Stop)

	server := NewRESTServer(ServerDeps{
		Store:     store,
		EventBus:  bus,
		Scanner:   scanner,
		Cleanup:   cleanup,
		Scheduler: scheduler,
		Tasks:     tasks,
	})

	return &testServer{server: server, store: store, tasks: tasks, bus: bus}
}

func (ts *testServer) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.server.router.ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// seedRoot creates a small library on disk and stores it as root path.
func (ts *testServer) seedRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "Books", "Algorithms", "intro.pdf")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
	require.NoError(t, ts.store.SetSetting(services.RootPathSetting, root))
	return root
}

// waitForTask blocks until the task from a 202 response finishes.
func (ts *testServer) waitForTask(t *testing.T, resp map[string]interface{}) {
	t.Helper()
	taskID, _ := resp["task_id"].(string)
	require.NotEmpty(t, taskID)
	handle, ok := ts.tasks.Get(taskID)
	require.True(t, ok)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, handle.Wait(ctx))
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ok", body["database"])
	assert.Equal(t, false, body["scan_in_progress"])
}

func TestTriggerScan_NoRootConfigured(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/api/scans", nil)
	assert.Equal(t, http.StatusPreconditionFailed, w.Code)
}

func TestTriggerScan_Accepted(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRoot(t)

	w := ts.request(t, http.MethodPost, "/api/scans", nil)
	require.Equal(t, http.StatusAccepted, w.Code)

	body := decodeJSON(t, w)
	require.NotNil(t, body["scan_id"])
	ts.waitForTask(t, body)

	scanID := int64(body["scan_id"].(float64))
	scan, err := ts.store.GetScan(scanID)
	require.NoError(t, err)
	assert.Equal(t, catalog.ScanStatusCompleted, scan.Status)
	assert.Equal(t, 1, scan.FilesAdded)
}

func TestTriggerScan_Synchronous(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRoot(t)

	w := ts.request(t, http.MethodPost, "/api/scans", gin.H{"background": false})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, catalog.ScanStatusCompleted, body["status"])
	assert.Equal(t, float64(1), body["files_added"])
}

func TestTriggerScan_ExplicitRootPath(t *testing.T) {
	ts := newTestServer(t)
	// No stored root setting; the request supplies one.
	root := t.TempDir()
	path := filepath.Join(root, "Videos", "Calculus", "lecture.mp4")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, 32), 0o644))

	w := ts.request(t, http.MethodPost, "/api/scans", gin.H{"root_path": root, "background": false})
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	assert.Equal(t, catalog.ScanStatusCompleted, body["status"])
	assert.Equal(t, float64(1), body["files_added"])
}

func TestTriggerScan_ConflictWhileLocked(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRoot(t)

	blocker, err := ts.store.CreateScan("other", "/lib")
	require.NoError(t, err)
	require.NoError(t, ts.store.AcquireLock("other", blocker.ID, 0))

	w := ts.request(t, http.MethodPost, "/api/scans", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// The rejected attempt is auditable as a failed scan.
	scans, err := ts.store.ListScans(10, 0)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, catalog.ScanStatusFailed, scans[0].Status)
	assert.Contains(t, scans[0].ErrorMessage, "already in progress")
}

func TestGetScans_Paginated(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		_, err := ts.store.CreateScan("admin", "/lib")
		require.NoError(t, err)
	}

	w := ts.request(t, http.MethodGet, "/api/scans?limit=2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeJSON(t, w)
	data := body["data"].([]interface{})
	assert.Len(t, data, 2)
	pagination := body["pagination"].(map[string]interface{})
	assert.Equal(t, float64(3), pagination["total"])
	assert.Equal(t, float64(2), pagination["total_pages"])
}

func TestGetScanErrors(t *testing.T) {
	ts := newTestServer(t)
	scan, err := ts.store.CreateScan("admin", "/lib")
	require.NoError(t, err)
	require.NoError(t, ts.store.RecordScanError(scan.ID, "/lib/x.exe", "extension_not_allowed", "nope"))

	w := ts.request(t, http.MethodGet, "/api/scans/1/errors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["count"])

	w = ts.request(t, http.MethodGet, "/api/scans/999/errors", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.request(t, http.MethodGet, "/api/scans/abc/errors", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScanStatus(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/api/scans/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, false, body["scan_in_progress"])
	assert.Nil(t, body["latest_scan"])
}

func TestForceReleaseLock(t *testing.T) {
	ts := newTestServer(t)
	scan, err := ts.store.CreateScan("admin", "/lib")
	require.NoError(t, err)
	require.NoError(t, ts.store.AcquireLock("stuck", scan.ID, 0))

	w := ts.request(t, http.MethodDelete, "/api/scans/lock", nil)
	require.Equal(t, http.StatusOK, w.Code)

	state, err := ts.store.LockState()
	require.NoError(t, err)
	assert.False(t, state.IsLocked)
}

func TestRootPathRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/api/config/root-path", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeJSON(t, w)["configured"])

	dir := t.TempDir()
	w = ts.request(t, http.MethodPut, "/api/config/root-path", gin.H{"root_path": dir})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodGet, "/api/config/root-path", nil)
	body := decodeJSON(t, w)
	assert.Equal(t, true, body["configured"])
}

func TestRootPathRejected(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPut, "/api/config/root-path", gin.H{"root_path": "/etc"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.request(t, http.MethodPut, "/api/config/root-path", gin.H{"root_path": "/nope/missing"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestScheduleRoundTrip(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPut, "/api/config/schedule", gin.H{"schedule": "bogus"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.request(t, http.MethodPut, "/api/config/schedule", gin.H{"schedule": "0 3 * * *"})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.request(t, http.MethodGet, "/api/config/schedule", nil)
	body := decodeJSON(t, w)
	assert.Equal(t, "0 3 * * *", body["schedule"])
	assert.Equal(t, true, body["enabled"])
}

func TestRemoveOrphansEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, _, err := ts.store.GetOrCreateCategory("Ghost", "/nowhere/Ghost")
	require.NoError(t, err)

	w := ts.request(t, http.MethodPost, "/api/maintenance/orphans", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeJSON(t, w)
	assert.Equal(t, float64(1), body["removed_count"])
}

func TestCatalogEndpoints(t *testing.T) {
	ts := newTestServer(t)
	cat, _, err := ts.store.GetOrCreateCategory("Books", "/lib/Books")
	require.NoError(t, err)
	course, _, err := ts.store.GetOrCreateCourse(cat.ID, "Algorithms", "/lib/Books/Algorithms")
	require.NoError(t, err)
	_, err = ts.store.InsertFileNode(&catalog.FileNode{
		CourseID: course.ID, Name: "intro.pdf", Path: "/lib/Books/Algorithms/intro.pdf", FileType: "pdf", Size: 10,
	})
	require.NoError(t, err)

	w := ts.request(t, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON(t, w)["data"], 1)

	w = ts.request(t, http.MethodGet, "/api/courses", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeJSON(t, w)["data"], 1)

	w = ts.request(t, http.MethodGet, "/api/courses/1/files", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeJSON(t, w)["count"])

	w = ts.request(t, http.MethodGet, "/api/courses/999/files", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRescanCourse_InvalidID(t *testing.T) {
	ts := newTestServer(t)
	ts.seedRoot(t)

	w := ts.request(t, http.MethodPost, "/api/courses/abc/rescan", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.request(t, http.MethodPost, "/api/courses/999/rescan", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAuthMiddleware(t *testing.T) {
	ts := newTestServer(t)

	// No key configured: API is open.
	w := ts.request(t, http.MethodGet, "/api/scans/status", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Configure a key; requests without it are rejected.
	require.NoError(t, ts.store.SetSetting("api_key", "secret-key"))

	w = ts.request(t, http.MethodGet, "/api/scans/status", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/scans/status", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec := httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/scans/status", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/scans/status", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	ts.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays public.
	w = ts.request(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegenerateAPIKey(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodPost, "/api/auth/regenerate", nil)
	require.Equal(t, http.StatusOK, w.Code)
	key, _ := decodeJSON(t, w)["api_key"].(string)
	assert.NotEmpty(t, key)

	stored, err := ts.store.GetSetting("api_key")
	require.NoError(t, err)
	assert.Equal(t, key, stored)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
