package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/haldric/courselib/internal/db"
)

// ReconcileCounts aggregates the mutations a reconcile pass performed.
type ReconcileCounts struct {
	Added   int `json:"files_added"`
	Updated int `json:"files_updated"`
	Removed int `json:"files_removed"`
}

func (c *ReconcileCounts) Merge(other ReconcileCounts) {
	c.Added += other.Added
	c.Updated += other.Updated
	c.Removed += other.Removed
}

// CreateScan inserts a pending scan record and returns it.
func (s *Store) CreateScan(startedBy, rootPath string) (*ScanHistory, error) {
	now := time.Now().UTC()
	res, err := db.ExecWithRetry(s.db, `
        INSERT INTO scan_history (started_by, started_at, status, root_path)
        VALUES (?, ?, ?, ?)
    `, startedBy, now, ScanStatusPending, rootPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &ScanHistory{
		ID:        id,
		StartedBy: startedBy,
		StartedAt: now,
		Status:    ScanStatusPending,
		RootPath:  rootPath,
	}, nil
}

// MarkScanRunning transitions a pending scan to running.
func (s *Store) MarkScanRunning(scanID int64) error {
	_, err := db.ExecWithRetry(s.db, `
        UPDATE scan_history SET status = ? WHERE id = ? AND status = ?
    `, ScanStatusRunning, scanID, ScanStatusPending)
	return err
}

// CompleteScan writes the terminal status and final counters. A scan
// already in a terminal state is left untouched so a late writer cannot
// overwrite a timeout verdict.
func (s *Store) CompleteScan(scanID int64, status string, sh *ScanHistory) error {
	if !IsTerminalStatus(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}
	_, err := db.ExecWithRetry(s.db, `
        UPDATE scan_history
        SET status = ?, completed_at = ?,
            categories_found = ?, courses_found = ?,
            files_added = ?, files_updated = ?, files_removed = ?,
            errors_count = ?, message = ?, error_message = ?
        WHERE id = ? AND status IN (?, ?)
    `, status, time.Now().UTC(),
		sh.CategoriesFound, sh.CoursesFound,
		sh.FilesAdded, sh.FilesUpdated, sh.FilesRemoved,
		sh.ErrorsCount, sh.Message, sh.ErrorMessage,
		scanID, ScanStatusPending, ScanStatusRunning)
	return err
}

// FailScan marks a scan failed with an error message, preserving any
// terminal state already written.
func (s *Store) FailScan(scanID int64, message string) error {
	_, err := db.ExecWithRetry(s.db, `
        UPDATE scan_history
        SET status = ?, completed_at = ?, error_message = ?
        WHERE id = ? AND status IN (?, ?)
    `, ScanStatusFailed, time.Now().UTC(), message, scanID, ScanStatusPending, ScanStatusRunning)
	return err
}

// RecordScanError appends one skipped-file entry and bumps the scan's
// error counter.
func (s *Store) RecordScanError(scanID int64, filePath, errorType, message string) error {
	if _, err := db.ExecWithRetry(s.db, `
        INSERT INTO scan_errors (scan_id, file_path, error_type, error_message)
        VALUES (?, ?, ?, ?)
    `, scanID, filePath, errorType, message); err != nil {
		return fmt.Errorf("failed to record scan error: %w", err)
	}
	_, err := db.ExecWithRetry(s.db, `
        UPDATE scan_history SET errors_count = errors_count + 1 WHERE id = ?
    `, scanID)
	return err
}

func (s *Store) GetScan(scanID int64) (*ScanHistory, error) {
	row := s.db.QueryRow(scanSelectColumns+` WHERE id = ?`, scanID)
	sh, err := scanHistoryFromRow(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scan %d not found", scanID)
	}
	return sh, err
}

// LatestScan returns the most recently started scan, or nil when the
// history is empty.
func (s *Store) LatestScan() (*ScanHistory, error) {
	row := s.db.QueryRow(scanSelectColumns + ` ORDER BY started_at DESC, id DESC LIMIT 1`)
	sh, err := scanHistoryFromRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sh, err
}

// ListScans returns scans newest first.
func (s *Store) ListScans(limit, offset int) ([]ScanHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryWithRetry(s.db, scanSelectColumns+`
        ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	scans := make([]ScanHistory, 0, limit)
	for rows.Next() {
		sh, err := scanHistoryFromRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *sh)
	}
	return scans, rows.Err()
}

// ScanErrors returns the skipped-file log for one scan.
func (s *Store) ScanErrors(scanID int64, limit int) ([]ScanError, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryWithRetry(s.db, `
        SELECT id, scan_id, file_path, error_type, error_message, created_at
        FROM scan_errors WHERE scan_id = ? ORDER BY id LIMIT ?
    `, scanID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	errorsList := make([]ScanError, 0)
	for rows.Next() {
		var se ScanError
		if err := rows.Scan(&se.ID, &se.ScanID, &se.FilePath, &se.ErrorType, &se.Message, &se.CreatedAt); err != nil {
			return nil, err
		}
		errorsList = append(errorsList, se)
	}
	return errorsList, rows.Err()
}

// InterruptedScans returns scans stuck in a non-terminal state, used at
// startup to fail records left behind by a crash.
func (s *Store) InterruptedScans() ([]ScanHistory, error) {
	rows, err := db.QueryWithRetry(s.db, scanSelectColumns+`
        WHERE status IN (?, ?) ORDER BY started_at
    `, ScanStatusPending, ScanStatusRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scans []ScanHistory
	for rows.Next() {
		sh, err := scanHistoryFromRow(rows)
		if err != nil {
			return nil, err
		}
		scans = append(scans, *sh)
	}
	return scans, rows.Err()
}

const scanSelectColumns = `
    SELECT id, started_by, started_at, completed_at, status, root_path,
           categories_found, courses_found, files_added, files_updated, files_removed,
           errors_count, message, error_message
    FROM scan_history`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHistoryFromRow(row rowScanner) (*ScanHistory, error) {
	var sh ScanHistory
	var completedAt sql.NullTime
	var message, errorMessage sql.NullString
	err := row.Scan(&sh.ID, &sh.StartedBy, &sh.StartedAt, &completedAt, &sh.Status, &sh.RootPath,
		&sh.CategoriesFound, &sh.CoursesFound, &sh.FilesAdded, &sh.FilesUpdated, &sh.FilesRemoved,
		&sh.ErrorsCount, &message, &errorMessage)
	if err != nil {
		return nil, err
	}
	if completedAt.Valid {
		t := completedAt.Time
		sh.CompletedAt = &t
	}
	sh.Message = message.String
	sh.ErrorMessage = errorMessage.String
	return &sh, nil
}
