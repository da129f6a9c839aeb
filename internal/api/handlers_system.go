package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/config"
	"github.com/haldric/courselib/internal/logger"
)

// formatUptime returns a human-readable uptime string
func formatUptime(uptime time.Duration) string {
	days := int(uptime.Hours()) / 24
	hours := int(uptime.Hours()) % 24
	minutes := int(uptime.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}

// handleHealth returns server health status for container orchestration.
// This endpoint must return quickly for Docker healthchecks.
func (s *RESTServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbStatus := "ok"
	healthy := true
	if err := s.store.DB().PingContext(ctx); err != nil {
		logger.Errorf("Health check: database ping failed: %v", err)
		dbStatus = "unreachable"
		healthy = false
	}

	lock, err := s.store.LockState()
	scanInProgress := false
	if err != nil {
		logger.Debugf("Health check: cannot read lock state: %v", err)
	} else {
		scanInProgress = lock.IsLocked
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":            status,
		"version":           config.Version,
		"uptime":            formatUptime(time.Since(s.startTime)),
		"database":          dbStatus,
		"scan_in_progress":  scanInProgress,
		"active_tasks":      len(s.tasks.Active()),
		"websocket_clients": s.hub.ClientCount(),
	})
}

// handleSystemInfo returns runtime environment information
func (s *RESTServer) handleSystemInfo(c *gin.Context) {
	cfg := config.Get()
	uptime := time.Since(s.startTime)

	c.JSON(http.StatusOK, gin.H{
		"version":     config.Version,
		"os":          runtime.GOOS,
		"arch":        runtime.GOARCH,
		"go_version":  runtime.Version(),
		"uptime":      formatUptime(uptime),
		"uptime_secs": int64(uptime.Seconds()),
		"started_at":  s.startTime,
		"config": gin.H{
			"port":               cfg.Port,
			"log_level":          cfg.LogLevel,
			"data_dir":           cfg.DataDir,
			"database_path":      cfg.DatabasePath,
			"log_dir":            cfg.LogDir,
			"allowed_extensions": cfg.AllowedExtensions,
			"max_file_size":      cfg.MaxFileSize,
			"heartbeat_timeout":  cfg.HeartbeatTimeout.String(),
			"retention_days":     cfg.RetentionDays,
		},
	})
}
