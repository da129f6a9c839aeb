package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/haldric/courselib/internal/api"
	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/config"
	"github.com/haldric/courselib/internal/db"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/metrics"
	"github.com/haldric/courselib/internal/security"
	"github.com/haldric/courselib/internal/services"
)

func main() {
	// Define command line flags (these override environment variables)
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.BoolVar(showVersion, "v", false, "Print version and exit (shorthand)")

	// Configuration flags - all can also be set via environment variables (COURSELIB_*)
	flagPort := flag.String("port", "", "HTTP server port (env: COURSELIB_PORT, default: 8320)")
	flagLogLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (env: COURSELIB_LOG_LEVEL, default: info)")
	flagDataDir := flag.String("data-dir", "", "Data directory path (env: COURSELIB_DATA_DIR)")
	flagDatabasePath := flag.String("database-path", "", "Database file path (env: COURSELIB_DATABASE_PATH)")
	flagMaxFileSize := flag.Int64("max-file-size", 0, "Per-file size ceiling in bytes (env: COURSELIB_MAX_FILE_SIZE, default: 100 MB)")
	flagHeartbeatTimeout := flag.Duration("heartbeat-timeout", 0, "Max time a scan may go silent before being failed (env: COURSELIB_HEARTBEAT_TIMEOUT, default: 120s)")
	flagRetentionDays := flag.Int("retention-days", -1, "Days to keep finished scan history, 0 to disable pruning (env: COURSELIB_RETENTION_DAYS, default: 90)")

	flag.Parse()

	if *showVersion {
		fmt.Printf("Courselib %s\n", config.Version)
		os.Exit(0)
	}

	// Load configuration from environment variables (initial load, refreshed after flags)
	config.Load()

	// Apply command-line flag overrides
	flagOverrides := config.FlagOverrides{
		Port:             flagPort,
		LogLevel:         flagLogLevel,
		DataDir:          flagDataDir,
		DatabasePath:     flagDatabasePath,
		MaxFileSize:      flagMaxFileSize,
		HeartbeatTimeout: flagHeartbeatTimeout,
	}
	// Special handling for retention days: -1 means not set (use default), 0 means disable
	if *flagRetentionDays >= 0 {
		flagOverrides.RetentionDays = flagRetentionDays
	}
	config.ApplyFlags(flagOverrides)

	// Refresh config after applying flags
	cfg := config.Get()

	// Initialize logger with configured log directory
	logger.Init(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)

	logger.Infof("========================================")
	logger.Infof("Starting Courselib %s...", config.Version)
	logger.Infof("========================================")

	logger.Infof("Configuration:")
	logger.Infof("  Port: %s", cfg.Port)
	logger.Infof("  Log Level: %s", cfg.LogLevel)
	logger.Infof("  Data Directory: %s", cfg.DataDir)
	logger.Infof("  Database: %s", cfg.DatabasePath)
	logger.Infof("  Log Directory: %s", cfg.LogDir)
	logger.Infof("  Allowed Extensions: %v", cfg.AllowedExtensions)
	logger.Infof("  Max File Size: %d bytes", cfg.MaxFileSize)
	logger.Infof("  Heartbeat Timeout: %s", cfg.HeartbeatTimeout)
	if cfg.LockStaleAfter > 0 {
		logger.Infof("  Lock Stale After: %s", cfg.LockStaleAfter)
	} else {
		logger.Infof("  Lock Stale After: disabled (manual force-release only)")
	}
	if cfg.RetentionDays > 0 {
		logger.Infof("  Data Retention: %d days", cfg.RetentionDays)
	} else {
		logger.Infof("  Data Retention: disabled (no automatic pruning)")
	}

	// Initialize Database
	logger.Infof("Initializing database: %s", cfg.DatabasePath)
	repo, err := db.NewRepository(cfg.DatabasePath)
	if err != nil {
		logger.Errorf("Failed to initialize database: %v", err)
		os.Exit(1)
	}
	logger.Infof("✓ Database initialized successfully")

	// Periodic WAL checkpoints keep the -wal file from growing unbounded
	stopCheckpoints := repo.StartPeriodicCheckpoint(5 * time.Minute)

	// Start scheduled maintenance goroutine (daily at 3 AM local time)
	go func() {
		retentionDays := cfg.RetentionDays
		for {
			now := time.Now()
			next3AM := time.Date(now.Year(), now.Month(), now.Day(), 3, 0, 0, 0, now.Location())
			if now.After(next3AM) {
				next3AM = next3AM.Add(24 * time.Hour)
			}
			sleepDuration := next3AM.Sub(now)
			logger.Debugf("Next database maintenance scheduled in %v", sleepDuration)

			time.Sleep(sleepDuration)

			if err := repo.RunMaintenance(retentionDays); err != nil {
				logger.Errorf("Scheduled maintenance failed: %v", err)
			}
		}
	}()

	// Initialize Event Bus
	logger.Infof("Initializing Event Bus...")
	eb := eventbus.NewEventBus(repo.DB)
	logger.Infof("✓ Event Bus initialized")

	// Initialize catalog store and scan policy
	store := catalog.NewStore(repo.DB)
	policy := security.PolicyFromConfig(cfg)

	// Initialize Services
	logger.Infof("Initializing core services...")
	taskPool := services.NewTaskPool(cfg.HeartbeatInterval, cfg.HeartbeatTimeout, eb)
	logger.Infof("✓ Task Pool (heartbeat interval %s, timeout %s)", cfg.HeartbeatInterval, cfg.HeartbeatTimeout)

	scannerService := services.NewScannerService(store, eb, policy, taskPool, cfg)
	logger.Infof("✓ Scanner Service (reconciles library tree with catalog)")

	cleanupService := services.NewCleanupService(store, eb)
	logger.Infof("✓ Cleanup Service (removes orphaned catalog records)")

	schedulerService := services.NewSchedulerService(store, scannerService)
	logger.Infof("✓ Scheduler Service (cron-based scans)")

	// Initialize Metrics Service (Prometheus metrics)
	logger.Infof("Initializing Metrics Service...")
	metricsService := metrics.NewMetricsService(eb)
	metricsService.Start()
	logger.Infof("✓ Metrics Service (Prometheus endpoint at /metrics)")

	// Start background services
	schedulerService.Start()
	logger.Infof("✓ Scan scheduler started")

	// Fail any scans left running by a previous shutdown and free the lock
	logger.Infof("Checking for interrupted scans...")
	if err := scannerService.RecoverInterruptedScans(); err != nil {
		logger.Errorf("Failed to recover interrupted scans: %v", err)
	}

	// Start API Server
	logger.Infof("Initializing REST API and WebSocket server...")
	apiServer := api.NewRESTServer(api.ServerDeps{
		Store:     store,
		EventBus:  eb,
		Scanner:   scannerService,
		Cleanup:   cleanupService,
		Scheduler: schedulerService,
		Tasks:     taskPool,
		Metrics:   metricsService,
	})
	go func() {
		addr := ":" + cfg.Port
		if err := apiServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Failed to start API server: %v", err)
			os.Exit(1)
		}
	}()

	logger.Infof("========================================")
	logger.Infof("✓ Courselib %s started successfully", config.Version)
	logger.Infof("✓ Server listening on port %s", cfg.Port)
	logger.Infof("========================================")

	// Graceful shutdown handling
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Infof("========================================")
	logger.Infof("Received signal %v, initiating graceful shutdown...", sig)
	logger.Infof("========================================")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Shutdown in reverse order of startup
	logger.Infof("Stopping Scheduler Service...")
	schedulerService.Stop()
	logger.Infof("✓ Scheduler Service stopped")

	logger.Infof("Stopping API Server...")
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("API Server shutdown error: %v", err)
	} else {
		logger.Infof("✓ API Server stopped")
	}

	logger.Infof("Stopping Task Pool (cancelling in-flight scans)...")
	taskPool.Shutdown()
	logger.Infof("✓ Task Pool stopped")

	logger.Infof("Stopping Event Bus...")
	eb.Shutdown()
	logger.Infof("✓ Event Bus stopped")

	stopCheckpoints()

	logger.Infof("Closing database connection...")
	if err := repo.GracefulClose(); err != nil {
		logger.Errorf("Failed to close database connection: %v", err)
	} else {
		logger.Infof("✓ Database connection closed")
	}

	logger.Infof("========================================")
	logger.Infof("✓ Courselib shutdown complete")
	logger.Infof("========================================")
}
