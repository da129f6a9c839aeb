package db

import (
	"database/sql"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/haldric/courselib/internal/logger"
)

// backoffDelay returns the exponential delay for a retry attempt plus
// up to one base delay of jitter, so writers that collided once do not
// retry in lockstep and collide again.
func backoffDelay(attempt int) time.Duration {
	delay := RetryDelay * time.Duration(1<<attempt)
	return delay + time.Duration(rand.Int63n(int64(RetryDelay)))
}

// ExecWithRetry executes a SQL statement with retry logic for SQLITE_BUSY errors.
// This function works with any *sql.DB and is useful for high-concurrency scenarios
// where a status poller and a running scan write to the database simultaneously.
func ExecWithRetry(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		result, err = db.Exec(query, args...)
		if err == nil {
			return result, nil
		}

		if !isBusyError(err) {
			return nil, err
		}

		if attempt < MaxRetries-1 {
			delay := backoffDelay(attempt)
			logger.Debugf("Database busy, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

// QueryWithRetry executes a query with retry logic for SQLITE_BUSY errors.
func QueryWithRetry(db *sql.DB, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error

	for attempt := 0; attempt < MaxRetries; attempt++ {
		rows, err = db.Query(query, args...)
		if err == nil {
			return rows, nil
		}

		if !isBusyError(err) {
			return nil, err
		}

		if attempt < MaxRetries-1 {
			delay := backoffDelay(attempt)
			logger.Debugf("Database busy on query, retrying in %v (attempt %d/%d)", delay, attempt+1, MaxRetries)
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("database busy after %d retries: %w", MaxRetries, err)
}

func isBusyError(err error) bool {
	errStr := err.Error()
	return strings.Contains(errStr, "SQLITE_BUSY") || strings.Contains(errStr, "database is locked")
}
