package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/services"
)

type triggerScanRequest struct {
	// RootPath overrides the persisted root setting for this scan only.
	RootPath string `json:"root_path"`
	// Background defaults to true; false blocks until the scan finishes
	// and returns the final scan record.
	Background *bool `json:"background"`
}

func (s *RESTServer) triggerScan(c *gin.Context) {
	startedBy := c.GetHeader("X-Started-By")
	if startedBy == "" {
		startedBy = "api"
	}

	var req triggerScanRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
			return
		}
	}
	background := req.Background == nil || *req.Background

	// The scan outlives the request in background mode, so the task gets
	// its own context; cancellation is the task monitor's job.
	scan, handle, err := s.scanner.StartScan(context.Background(), startedBy, req.RootPath)
	if errors.Is(err, catalog.ErrLockHeld) {
		c.JSON(http.StatusConflict, gin.H{"error": "A scan is already in progress"})
		return
	}
	if errors.Is(err, services.ErrNoRootPath) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "No library root path configured"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if background {
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Scan started",
			"scan_id": scan.ID,
			"task_id": handle.ID,
		})
		return
	}

	// Synchronous mode: wait until the scan reaches a terminal state.
	// The scan keeps running if the client gives up waiting.
	if err := handle.Wait(c.Request.Context()); err != nil && c.Request.Context().Err() != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Client stopped waiting, scan continues",
			"scan_id": scan.ID,
			"task_id": handle.ID,
		})
		return
	}

	final, err := s.store.GetScan(scan.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, final)
}

func (s *RESTServer) rescanCourse(c *gin.Context) {
	courseID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid course id"})
		return
	}

	startedBy := c.GetHeader("X-Started-By")
	if startedBy == "" {
		startedBy = "api"
	}

	scan, handle, err := s.scanner.StartCourseRescan(context.Background(), courseID, startedBy)
	if errors.Is(err, catalog.ErrLockHeld) {
		c.JSON(http.StatusConflict, gin.H{"error": "A scan is already in progress"})
		return
	}
	if errors.Is(err, services.ErrNoRootPath) {
		c.JSON(http.StatusPreconditionFailed, gin.H{"error": "No library root path configured"})
		return
	}
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Course rescan started",
		"scan_id": scan.ID,
		"task_id": handle.ID,
	})
}

func (s *RESTServer) getScans(c *gin.Context) {
	p := ParsePagination(c, DefaultPaginationConfig())

	var total int
	if err := s.store.DB().QueryRow("SELECT COUNT(*) FROM scan_history").Scan(&total); err != nil {
		logger.Errorf("Failed to query scan count: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	scans, err := s.store.ListScans(p.Limit, p.Offset)
	if err != nil {
		logger.Errorf("Failed to list scans: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"data":       scans,
		"pagination": NewPaginationResponse(p, total),
	})
}

// getScanStatus reports the latest scan together with the lock state,
// which is what a dashboard polls.
func (s *RESTServer) getScanStatus(c *gin.Context) {
	latest, err := s.store.LatestScan()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	lock, err := s.store.LockState()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{
		"scan_in_progress": lock.IsLocked,
		"lock":             lock,
	}
	if latest != nil {
		resp["latest_scan"] = latest
	}
	c.JSON(http.StatusOK, resp)
}

func (s *RESTServer) getScanDetails(c *gin.Context) {
	scanID, err := strconv.ParseInt(c.Param("scan_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scan id"})
		return
	}

	scan, err := s.store.GetScan(scanID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, scan)
}

func (s *RESTServer) getScanErrors(c *gin.Context) {
	scanID, err := strconv.ParseInt(c.Param("scan_id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scan id"})
		return
	}

	if _, err := s.store.GetScan(scanID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	limit := parseInt(c.DefaultQuery("limit", "100"), 100)
	errs, err := s.store.ScanErrors(scanID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": errs, "count": len(errs)})
}

// forceReleaseLock frees a lock orphaned by a crashed process. Admin
// recovery endpoint.
func (s *RESTServer) forceReleaseLock(c *gin.Context) {
	released, err := s.store.ForceReleaseLock()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !released {
		c.JSON(http.StatusOK, gin.H{"message": "Lock was not held"})
		return
	}

	if err := s.eventBus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   "lock",
		EventType:     domain.LockForceFreed,
		EventData:     map[string]interface{}{"released_by": "api"},
	}); err != nil {
		logger.Errorf("Failed to publish lock release event: %v", err)
	}
	logger.Warnf("Scan lock force-released via API")
	c.JSON(http.StatusOK, gin.H{"message": "Lock released"})
}

func (s *RESTServer) getActiveTasks(c *gin.Context) {
	tasks := s.tasks.Active()
	if tasks == nil {
		tasks = []services.TaskSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"data": tasks})
}

func (s *RESTServer) removeOrphans(c *gin.Context) {
	result, err := s.cleanup.RemoveOrphans(c.Request.Context())
	if errors.Is(err, catalog.ErrLockHeld) {
		c.JSON(http.StatusConflict, gin.H{"error": "A scan is already in progress"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message":       "Orphan sweep complete",
		"removed_count": result.Total(),
		"details":       result,
	})
}
