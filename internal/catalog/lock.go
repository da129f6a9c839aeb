package catalog

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/haldric/courselib/internal/db"
	"github.com/haldric/courselib/internal/logger"
)

// ErrLockHeld is returned when another scan already holds the lock.
var ErrLockHeld = fmt.Errorf("a scan is already in progress")

// AcquireLock attempts to take the scan lock singleton for the given
// owner. The compare-and-set runs as a single UPDATE so two concurrent
// callers cannot both succeed. When staleAfter is positive, a lock held
// longer than that is treated as abandoned and taken over. A zero
// scanID records no scan reference, used by maintenance sweeps.
func (s *Store) AcquireLock(lockedBy string, scanID int64, staleAfter time.Duration) error {
	now := time.Now().UTC()

	var scanRef interface{}
	if scanID > 0 {
		scanRef = scanID
	}

	res, err := db.ExecWithRetry(s.db, `
        UPDATE scan_lock
        SET is_locked = 1, locked_by = ?, locked_at = ?, scan_id = ?
        WHERE id = 1 AND is_locked = 0
    `, lockedBy, now, scanRef)
	if err != nil {
		return fmt.Errorf("failed to acquire scan lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	if staleAfter > 0 {
		cutoff := now.Add(-staleAfter)
		res, err := db.ExecWithRetry(s.db, `
            UPDATE scan_lock
            SET is_locked = 1, locked_by = ?, locked_at = ?, scan_id = ?
            WHERE id = 1 AND is_locked = 1 AND locked_at < ?
        `, lockedBy, now, scanRef, cutoff)
		if err != nil {
			return fmt.Errorf("failed to take over stale scan lock: %w", err)
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			logger.Warnf("Took over scan lock held longer than %s", staleAfter)
			return nil
		}
	}

	return ErrLockHeld
}

// ReleaseLock frees the lock if the given owner still holds it. A
// release by a different owner is ignored so a timed-out scan cannot
// free a lock that was already taken over.
func (s *Store) ReleaseLock(lockedBy string) error {
	res, err := db.ExecWithRetry(s.db, `
        UPDATE scan_lock
        SET is_locked = 0, locked_by = NULL, locked_at = NULL, scan_id = NULL
        WHERE id = 1 AND locked_by = ?
    `, lockedBy)
	if err != nil {
		return fmt.Errorf("failed to release scan lock: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		logger.Debugf("Scan lock release by %s was a no-op", lockedBy)
	}
	return nil
}

// ForceReleaseLock unconditionally frees the lock. Admin recovery path
// for a lock orphaned by a crash.
func (s *Store) ForceReleaseLock() (bool, error) {
	res, err := db.ExecWithRetry(s.db, `
        UPDATE scan_lock
        SET is_locked = 0, locked_by = NULL, locked_at = NULL, scan_id = NULL
        WHERE id = 1 AND is_locked = 1
    `)
	if err != nil {
		return false, fmt.Errorf("failed to force-release scan lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// LockState reads the current lock row.
func (s *Store) LockState() (*LockStatus, error) {
	var status LockStatus
	var lockedBy sql.NullString
	var lockedAt sql.NullTime
	var scanID sql.NullInt64
	err := s.db.QueryRow(`
        SELECT is_locked, locked_by, locked_at, scan_id FROM scan_lock WHERE id = 1
    `).Scan(&status.IsLocked, &lockedBy, &lockedAt, &scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to read scan lock: %w", err)
	}
	status.LockedBy = lockedBy.String
	if lockedAt.Valid {
		t := lockedAt.Time
		status.LockedAt = &t
	}
	if scanID.Valid {
		id := scanID.Int64
		status.ScanID = &id
	}
	return &status, nil
}
