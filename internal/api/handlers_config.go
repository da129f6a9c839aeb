package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/auth"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/security"
	"github.com/haldric/courselib/internal/services"
)

func (s *RESTServer) getRootPath(c *gin.Context) {
	rootPath, err := s.store.GetSetting(services.RootPathSetting)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"root_path": rootPath, "configured": rootPath != ""}
	if rootPath != "" {
		// Re-validate on read so the UI can flag a root that went away.
		resp["validation"] = security.ValidateRootPath(rootPath)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *RESTServer) updateRootPath(c *gin.Context) {
	var req struct {
		RootPath string `json:"root_path"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	validation := security.ValidateRootPath(req.RootPath)
	if !validation.Valid {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":      "Root path rejected",
			"validation": validation,
		})
		return
	}

	previous, err := s.store.GetSetting(services.RootPathSetting)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetSetting(services.RootPathSetting, validation.Canonical); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if err := s.eventBus.Publish(domain.Event{
		AggregateType: "config",
		AggregateID:   services.RootPathSetting,
		EventType:     domain.RootPathChanged,
		EventData: map[string]interface{}{
			"previous": previous,
			"current":  validation.Canonical,
		},
	}); err != nil {
		logger.Errorf("Failed to publish root path change event: %v", err)
	}
	logger.Infof("Library root path set to %s", validation.Canonical)

	c.JSON(http.StatusOK, gin.H{"root_path": validation.Canonical, "validation": validation})
}

func (s *RESTServer) getSchedule(c *gin.Context) {
	expr, err := s.store.GetSetting(services.ScanScheduleSetting)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": expr, "enabled": expr != ""})
}

func (s *RESTServer) updateSchedule(c *gin.Context) {
	var req struct {
		Schedule string `json:"schedule"`
	}
	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.scheduler.SetSchedule(req.Schedule); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedule": req.Schedule, "enabled": req.Schedule != ""})
}

func (s *RESTServer) getAPIKey(c *gin.Context) {
	key, err := s.store.GetSetting(apiKeySetting)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"api_key": key, "configured": key != ""})
}

func (s *RESTServer) regenerateAPIKey(c *gin.Context) {
	key, err := auth.GenerateAPIKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetSetting(apiKeySetting, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("API key regenerated")
	c.JSON(http.StatusOK, gin.H{"api_key": key})
}
