package api

import (
	"bufio"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/haldric/courselib/internal/config"
)

func (s *RESTServer) handleRecentLogs(c *gin.Context) {
	// Read the last N log entries from the log file
	cfg := config.Get()
	logFile := filepath.Join(cfg.LogDir, "courselib.log")

	file, err := os.Open(logFile)
	if err != nil {
		// If log file doesn't exist yet, return empty array
		if os.IsNotExist(err) {
			c.JSON(http.StatusOK, []map[string]interface{}{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read log file"})
		return
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to scan log file"})
		return
	}

	start := 0
	if len(lines) > 100 {
		start = len(lines) - 100
	}

	// Format: timestamp [LEVEL] message
	var logEntries []map[string]interface{}
	for _, line := range lines[start:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.SplitN(line, " ", 3)
		if len(parts) >= 3 {
			logEntries = append(logEntries, map[string]interface{}{
				"timestamp": parts[0],
				"level":     strings.Trim(parts[1], "[]"),
				"message":   parts[2],
			})
		}
	}

	c.JSON(http.StatusOK, logEntries)
}
