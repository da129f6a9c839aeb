package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Version is set at build time via -ldflags
// Default "dev" is used for development builds
var Version = "dev"

// MaxFileSizeCeiling is the hard upper bound for COURSELIB_MAX_FILE_SIZE (5 GB).
// Values above it are clamped at load time.
const MaxFileSizeCeiling = 5 * 1024 * 1024 * 1024

// MaxFileSizeFloor is the lower bound for COURSELIB_MAX_FILE_SIZE (1 KB).
const MaxFileSizeFloor = 1024

// Config holds all application configuration loaded from environment variables.
// All fields have sensible defaults if environment variables are not set.
type Config struct {
	// Port is the HTTP server listen port (default: 8320)
	Port string

	// LogLevel controls logging verbosity: "debug", "info", "warn", "error" (default: "info")
	LogLevel string

	// DataDir is the directory for persistent data (database, logs)
	// Default: /config in Docker, ./config locally
	DataDir string

	// DatabasePath is the SQLite database file path (default: <DataDir>/courselib.db)
	DatabasePath string

	// LogDir is the directory for log files (default: <DataDir>/logs)
	LogDir string

	// AllowedExtensions is the extension allow-list applied to scanned files.
	// Extensions are lowercase and include the leading dot.
	AllowedExtensions []string

	// MaxFileSize is the per-file size ceiling in bytes (default: 100 MB).
	// Clamped to [MaxFileSizeFloor, MaxFileSizeCeiling] at load time.
	MaxFileSize int64

	// HeartbeatInterval is how often the task monitor checks worker liveness (default: 10s)
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long a scan worker may go silent before it is
	// forcibly marked failed (default: 120s)
	HeartbeatTimeout time.Duration

	// LockStaleAfter breaks a scan lock older than this duration on acquire.
	// 0 disables automatic takeover; a wedged lock then needs a manual
	// force-release (default: 0)
	LockStaleAfter time.Duration

	// RetentionDays is the number of days to keep finished scan history (default: 90)
	// Set to 0 to disable automatic pruning
	RetentionDays int
}

// DefaultAllowedExtensions matches the original deployment's allow-list.
const DefaultAllowedExtensions = ".pdf,.mp4,.mp3,.txt,.docx,.jpg,.png,.epub"

// Global singleton
var cfg *Config

// Load reads configuration from environment variables with sensible defaults.
// Should be called once at application startup.
func Load() *Config {
	// Determine DataDir - this is where all persistent data lives
	dataDir := getEnvOrDefault("COURSELIB_DATA_DIR", "")
	if dataDir == "" {
		// Check if we're in Docker (has /config directory)
		if info, err := os.Stat("/config"); err == nil && info.IsDir() {
			dataDir = "/config"
		} else if cwd, err := os.Getwd(); err == nil {
			dataDir = filepath.Join(cwd, "config")
		} else {
			dataDir = "./config"
		}
	}
	if absDataDir, err := filepath.Abs(dataDir); err == nil {
		dataDir = absDataDir
	}
	os.MkdirAll(dataDir, 0755)

	dbPath := getEnvOrDefault("COURSELIB_DATABASE_PATH", "")
	if dbPath == "" {
		dbPath = filepath.Join(dataDir, "courselib.db")
	}

	logDir := filepath.Join(dataDir, "logs")
	os.MkdirAll(logDir, 0755)

	cfg = &Config{
		Port:              getEnvOrDefault("COURSELIB_PORT", "8320"),
		LogLevel:          strings.ToLower(getEnvOrDefault("COURSELIB_LOG_LEVEL", "info")),
		DataDir:           dataDir,
		DatabasePath:      dbPath,
		LogDir:            logDir,
		AllowedExtensions: parseExtensions(getEnvOrDefault("COURSELIB_ALLOWED_EXTENSIONS", DefaultAllowedExtensions)),
		MaxFileSize:       clampFileSize(getEnvInt64OrDefault("COURSELIB_MAX_FILE_SIZE", 100*1024*1024)),
		HeartbeatInterval: getEnvDurationOrDefault("COURSELIB_HEARTBEAT_INTERVAL", 10*time.Second),
		HeartbeatTimeout:  getEnvDurationOrDefault("COURSELIB_HEARTBEAT_TIMEOUT", 120*time.Second),
		LockStaleAfter:    getEnvDurationOrDefault("COURSELIB_LOCK_STALE_AFTER", 0),
		RetentionDays:     getEnvIntOrDefault("COURSELIB_RETENTION_DAYS", 90),
	}

	// Validate log level
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
		// Valid
	default:
		cfg.LogLevel = "info"
	}

	return cfg
}

// parseExtensions normalizes a comma-separated extension list: lowercase,
// leading dot, blanks dropped.
func parseExtensions(raw string) []string {
	parts := strings.Split(raw, ",")
	exts := make([]string, 0, len(parts))
	for _, p := range parts {
		ext := strings.ToLower(strings.TrimSpace(p))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts = append(exts, ext)
	}
	return exts
}

func clampFileSize(size int64) int64 {
	if size < MaxFileSizeFloor {
		return MaxFileSizeFloor
	}
	if size > MaxFileSizeCeiling {
		return MaxFileSizeCeiling
	}
	return size
}

// Get returns the current configuration. Panics if Load() hasn't been called.
func Get() *Config {
	if cfg == nil {
		panic("config.Load() must be called before config.Get()")
	}
	return cfg
}

// SetForTesting allows tests to set the global config without calling Load().
// This should ONLY be used in test code.
func SetForTesting(c *Config) {
	cfg = c
}

// NewTestConfig returns a minimal Config suitable for unit tests.
func NewTestConfig() *Config {
	return &Config{
		Port:              "8080",
		LogLevel:          "debug",
		DataDir:           "/tmp/courselib-test",
		DatabasePath:      "/tmp/courselib-test/courselib.db",
		LogDir:            "/tmp/courselib-test/logs",
		AllowedExtensions: parseExtensions(DefaultAllowedExtensions),
		MaxFileSize:       100 * 1024 * 1024,
		HeartbeatInterval: 10 * time.Second,
		HeartbeatTimeout:  120 * time.Second,
		LockStaleAfter:    0,
		RetentionDays:     90,
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable as an int or the default if not set/invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64OrDefault returns the environment variable as an int64 or the default if not set/invalid.
func getEnvInt64OrDefault(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault returns the environment variable as a duration or the default if not set/invalid.
// Accepts Go duration strings like "30s", "5m", "72h".
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FlagOverrides holds command-line flag values that can override environment variables
type FlagOverrides struct {
	Port             *string
	LogLevel         *string
	DataDir          *string
	DatabasePath     *string
	MaxFileSize      *int64
	HeartbeatTimeout *time.Duration
	RetentionDays    *int
}

// ApplyFlags applies command-line flag overrides to the configuration.
// Should be called after Load() and after flag parsing.
// Only non-nil values with non-default flag values will override.
func ApplyFlags(flags FlagOverrides) {
	if cfg == nil {
		return
	}

	if flags.Port != nil && *flags.Port != "" {
		cfg.Port = *flags.Port
	}
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		cfg.LogLevel = strings.ToLower(*flags.LogLevel)
	}
	if flags.DataDir != nil && *flags.DataDir != "" {
		cfg.DataDir = *flags.DataDir
	}
	if flags.DatabasePath != nil && *flags.DatabasePath != "" {
		cfg.DatabasePath = *flags.DatabasePath
	}
	if flags.MaxFileSize != nil && *flags.MaxFileSize != 0 {
		cfg.MaxFileSize = clampFileSize(*flags.MaxFileSize)
	}
	if flags.HeartbeatTimeout != nil && *flags.HeartbeatTimeout != 0 {
		cfg.HeartbeatTimeout = *flags.HeartbeatTimeout
	}
	if flags.RetentionDays != nil {
		cfg.RetentionDays = *flags.RetentionDays
	}
}
