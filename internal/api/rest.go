// Package api provides the REST API handlers and server. It includes
// endpoints for triggering scans, inspecting scan history, managing
// the library root path, and real-time updates via WebSocket.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/auth"
	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/metrics"
	"github.com/haldric/courselib/internal/services"
)

// apiKeySetting is the settings key holding the API key. When unset the
// API runs open, which is the state before first setup.
const apiKeySetting = "api_key"

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	store      *catalog.Store
	eventBus   eventbus.Publisher
	scanner    *services.ScannerService
	cleanup    *services.CleanupService
	scheduler  *services.SchedulerService
	tasks      *services.TaskPool
	metrics    *metrics.MetricsService
	hub        *WebSocketHub
	startTime  time.Time
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	Store     *catalog.Store
	EventBus  eventbus.Publisher
	Scanner   *services.ScannerService
	Cleanup   *services.CleanupService
	Scheduler *services.SchedulerService
	Tasks     *services.TaskPool
	Metrics   *metrics.MetricsService
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Release mode suppresses gin's debug warnings
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	// Custom recovery middleware with enhanced logging
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	}))

	// CORS middleware - configurable via COURSELIB_CORS_ORIGIN env var.
	// If not set, defaults to same-origin (no CORS header = browser
	// enforces same-origin). Set to "*" only for development.
	corsOrigins := os.Getenv("COURSELIB_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s := &RESTServer{
		router:    r,
		store:     deps.Store,
		eventBus:  deps.EventBus,
		scanner:   deps.Scanner,
		cleanup:   deps.Cleanup,
		scheduler: deps.Scheduler,
		tasks:     deps.Tasks,
		metrics:   deps.Metrics,
		hub:       NewWebSocketHub(deps.EventBus),
		startTime: time.Now(),
	}

	s.setupRoutes()

	return s
}

func (s *RESTServer) setupRoutes() {
	// Prometheus metrics endpoint at root level (standard convention)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api")
	{
		// Health check endpoint (no authentication required)
		api.GET("/health", s.handleHealth)

		// System info endpoint (no authentication required - useful for debugging)
		api.GET("/system/info", s.handleSystemInfo)

		// Protected endpoints (require API key once one is configured)
		protected := api.Group("")
		protected.Use(s.authMiddleware())
		{
			// Auth management
			protected.GET("/auth/key", s.getAPIKey)
			protected.POST("/auth/regenerate", s.regenerateAPIKey)

			// Scans
			protected.POST("/scans", ScanLimiter.Middleware(), s.triggerScan)
			protected.GET("/scans", s.getScans)
			protected.GET("/scans/status", s.getScanStatus)
			protected.DELETE("/scans/lock", s.forceReleaseLock)
			protected.GET("/scans/:scan_id", s.getScanDetails)
			protected.GET("/scans/:scan_id/errors", s.getScanErrors)

			// Catalog browsing
			protected.GET("/categories", s.getCategories)
			protected.GET("/courses", s.getCourses)
			protected.GET("/courses/:id/files", s.getCourseFiles)
			protected.POST("/courses/:id/rescan", ScanLimiter.Middleware(), s.rescanCourse)

			// Config
			protected.GET("/config/root-path", s.getRootPath)
			protected.PUT("/config/root-path", s.updateRootPath)
			protected.GET("/config/schedule", s.getSchedule)
			protected.PUT("/config/schedule", s.updateSchedule)

			// Maintenance
			protected.POST("/maintenance/orphans", MaintenanceLimiter.Middleware(), s.removeOrphans)

			// Background tasks
			protected.GET("/tasks", s.getActiveTasks)

			protected.GET("/ws", func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})

			// Logs
			protected.GET("/logs/recent", s.handleRecentLogs)
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "API endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		storedKey, err := s.store.GetSetting(apiKeySetting)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Authentication error"})
			c.Abort()
			return
		}
		// No key configured yet: the instance is still open for setup.
		if storedKey == "" {
			c.Next()
			return
		}

		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = c.GetHeader("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}
		// Also check query parameter (for WebSockets)
		if token == "" {
			token = c.Query("apikey")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			c.Abort()
			return
		}

		if !auth.KeysEqual(token, storedKey) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
