package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/config"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
	"github.com/haldric/courselib/internal/security"
)

// RootPathSetting is the settings key holding the library root.
const RootPathSetting = "root_path"

// ErrNoRootPath is returned when a scan is requested before an admin
// has configured the library root.
var ErrNoRootPath = fmt.Errorf("no library root path configured")

// ScannerService orchestrates library scans: it owns the scan lock,
// drives reconciliation course by course, and maintains the scan
// history state machine.
type ScannerService struct {
	store  *catalog.Store
	bus    eventbus.Publisher
	policy *security.Policy
	tasks  *TaskPool
	cfg    *config.Config
}

func NewScannerService(store *catalog.Store, bus eventbus.Publisher, policy *security.Policy, tasks *TaskPool, cfg *config.Config) *ScannerService {
	return &ScannerService{store: store, bus: bus, policy: policy, tasks: tasks, cfg: cfg}
}

// StartScan creates a scan record and runs the full-library scan as a
// background task. An empty rootPath means the persisted root setting;
// callers wanting synchronous behavior wait on the returned handle.
// It fails fast with ErrLockHeld when another scan is running; the
// rejected attempt stays in the history as a failed scan.
func (s *ScannerService) StartScan(ctx context.Context, startedBy, rootPath string) (*catalog.ScanHistory, *TaskHandle, error) {
	if rootPath == "" {
		var err error
		rootPath, err = s.rootPath()
		if err != nil {
			return nil, nil, err
		}
	}

	scan, err := s.store.CreateScan(startedBy, rootPath)
	if err != nil {
		return nil, nil, err
	}

	owner := "scan-" + strconv.FormatInt(scan.ID, 10)
	if err := s.store.AcquireLock(owner, scan.ID, s.cfg.LockStaleAfter); err != nil {
		s.rejectScan(scan)
		return nil, nil, err
	}

	handle := s.tasks.Submit(ctx, "library-scan", func(taskCtx context.Context, h *TaskHandle) error {
		defer func() {
			if err := s.store.ReleaseLock(owner); err != nil {
				logger.Errorf("Failed to release scan lock: %v", err)
			}
		}()
		return s.runScan(taskCtx, h, scan, rootPath, nil)
	})
	s.watchScanTask(handle, scan.ID, owner)

	return scan, handle, nil
}

// rejectScan fails a pending record whose trigger lost the lock race,
// keeping the rejected attempt visible in the history.
func (s *ScannerService) rejectScan(scan *catalog.ScanHistory) {
	if err := s.store.FailScan(scan.ID, "scan already in progress, request rejected"); err != nil {
		logger.Errorf("Failed to mark rejected scan %d failed: %v", scan.ID, err)
	}
}

// StartCourseRescan reconciles a single course under the scan lock.
func (s *ScannerService) StartCourseRescan(ctx context.Context, courseID int64, startedBy string) (*catalog.ScanHistory, *TaskHandle, error) {
	rootPath, err := s.rootPath()
	if err != nil {
		return nil, nil, err
	}

	course, err := s.store.GetCourse(courseID)
	if err != nil {
		return nil, nil, err
	}

	scan, err := s.store.CreateScan(startedBy, course.Path)
	if err != nil {
		return nil, nil, err
	}

	owner := "rescan-" + strconv.FormatInt(scan.ID, 10)
	if err := s.store.AcquireLock(owner, scan.ID, s.cfg.LockStaleAfter); err != nil {
		s.rejectScan(scan)
		return nil, nil, err
	}

	handle := s.tasks.Submit(ctx, "course-rescan", func(taskCtx context.Context, h *TaskHandle) error {
		defer func() {
			if err := s.store.ReleaseLock(owner); err != nil {
				logger.Errorf("Failed to release scan lock: %v", err)
			}
		}()
		return s.runScan(taskCtx, h, scan, rootPath, course)
	})
	s.watchScanTask(handle, scan.ID, owner)

	return scan, handle, nil
}

// watchScanTask wires the task monitor to the scan row: when the
// heartbeat watchdog times the task out, the row is failed and the lock
// freed immediately, without waiting for the worker goroutine to notice
// its cancelled context.
func (s *ScannerService) watchScanTask(handle *TaskHandle, scanID int64, owner string) {
	handle.OnTimeout(func() {
		if err := s.store.FailScan(scanID, "scan timed out, no heartbeat from worker"); err != nil {
			logger.Errorf("Failed to mark timed-out scan %d failed: %v", scanID, err)
		}
		if err := s.store.ReleaseLock(owner); err != nil {
			logger.Errorf("Failed to release lock of timed-out scan %d: %v", scanID, err)
		}
	})
}

// runScan executes the scan body. When course is non-nil only that
// course is reconciled; otherwise the whole root is walked.
func (s *ScannerService) runScan(ctx context.Context, task *TaskHandle, scan *catalog.ScanHistory, rootPath string, course *catalog.Course) error {
	start := time.Now()

	validation := security.ValidateRootPath(rootPath)
	if !validation.Valid {
		return s.failScan(scan, fmt.Sprintf("root path rejected: %s", validation.Error))
	}
	rootPath = validation.Canonical

	if err := s.store.MarkScanRunning(scan.ID); err != nil {
		return s.failScan(scan, fmt.Sprintf("failed to mark scan running: %v", err))
	}
	s.publishScanEvent(domain.ScanStarted, scan.ID, map[string]interface{}{
		"root_path":  rootPath,
		"started_by": scan.StartedBy,
	})
	logger.Infof("Scan %d started on %s by %s", scan.ID, rootPath, scan.StartedBy)

	sink := newScanErrorSink(s.store, s.bus, scan.ID)
	reconciler := NewReconciler(s.store, s.policy, sink)
	reconciler.SetHeartbeat(task.Heartbeat)

	var courses []*catalog.Course
	var courseFailures int
	if course != nil {
		courses = []*catalog.Course{course}
	} else {
		var err error
		courses, err = s.discoverCourses(ctx, task, scan, rootPath)
		if err != nil {
			if ctx.Err() != nil {
				return s.failScan(scan, "scan cancelled during discovery")
			}
			return s.failScan(scan, fmt.Sprintf("discovery failed: %v", err))
		}
	}

	total := catalog.ReconcileCounts{}
	for i, c := range courses {
		if ctx.Err() != nil {
			return s.failScan(scan, "scan cancelled")
		}

		counts, err := reconciler.ReconcileCourse(ctx, c, rootPath)
		total.Merge(counts)
		if err != nil {
			if ctx.Err() != nil {
				return s.failScan(scan, "scan cancelled")
			}
			courseFailures++
			sink.ReportSkip(c.Path, ErrTypeCourse, err.Error())
			logger.Errorf("Scan %d: course %s failed: %v", scan.ID, c.Name, err)
			continue
		}

		task.Heartbeat()
		s.publishScanEvent(domain.CourseReconciled, scan.ID, map[string]interface{}{
			"course_id":     c.ID,
			"course_name":   c.Name,
			"files_added":   int64(counts.Added),
			"files_updated": int64(counts.Updated),
			"files_removed": int64(counts.Removed),
		})
		s.publishScanEvent(domain.ScanProgress, scan.ID, map[string]interface{}{
			"courses_done":  int64(i + 1),
			"courses_total": int64(len(courses)),
			"current":       c.Name,
		})
	}

	// Refresh the error counter: the sink wrote directly to the store.
	current, err := s.store.GetScan(scan.ID)
	if err == nil {
		scan.ErrorsCount = current.ErrorsCount
	}

	scan.FilesAdded = total.Added
	scan.FilesUpdated = total.Updated
	scan.FilesRemoved = total.Removed

	status := catalog.ScanStatusCompleted
	if scan.ErrorsCount > 0 || courseFailures > 0 {
		status = catalog.ScanStatusPartial
	}
	scan.Message = fmt.Sprintf("%d added, %d updated, %d removed in %s",
		total.Added, total.Updated, total.Removed, time.Since(start).Round(time.Millisecond))

	if err := s.store.CompleteScan(scan.ID, status, scan); err != nil {
		logger.Errorf("Failed to finalize scan %d: %v", scan.ID, err)
		return err
	}

	s.publishScanEvent(domain.ScanCompleted, scan.ID, map[string]interface{}{
		"status":           status,
		"files_added":      int64(total.Added),
		"files_updated":    int64(total.Updated),
		"files_removed":    int64(total.Removed),
		"errors_count":     int64(scan.ErrorsCount),
		"duration_seconds": time.Since(start).Seconds(),
	})
	logger.Infof("Scan %d finished with status %s (%s)", scan.ID, status, scan.Message)
	return nil
}

// discoverCourses enumerates first-level directories as categories and
// second-level directories as courses, creating catalog rows on the
// way. The scan counters track rows created this scan, not directories
// seen, so an unchanged tree reports zeroes. Hidden directories and
// loose files at these levels are ignored.
func (s *ScannerService) discoverCourses(ctx context.Context, task *TaskHandle, scan *catalog.ScanHistory, rootPath string) ([]*catalog.Course, error) {
	topLevel, err := os.ReadDir(rootPath)
	if err != nil {
		return nil, fmt.Errorf("cannot read root: %w", err)
	}
	sort.Slice(topLevel, func(i, j int) bool { return topLevel[i].Name() < topLevel[j].Name() })

	var courses []*catalog.Course
	for _, catEntry := range topLevel {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !catEntry.IsDir() || strings.HasPrefix(catEntry.Name(), ".") {
			continue
		}
		catPath := filepath.Join(rootPath, catEntry.Name())
		category, created, err := s.store.GetOrCreateCategory(security.SanitizeFilename(catEntry.Name()), catPath)
		if err != nil {
			return nil, err
		}
		if created {
			scan.CategoriesFound++
		}

		courseEntries, err := os.ReadDir(catPath)
		if err != nil {
			logger.Warnf("Cannot read category %s: %v", catPath, err)
			continue
		}
		for _, courseEntry := range courseEntries {
			if !courseEntry.IsDir() || strings.HasPrefix(courseEntry.Name(), ".") {
				continue
			}
			coursePath := filepath.Join(catPath, courseEntry.Name())
			c, created, err := s.store.GetOrCreateCourse(category.ID, security.SanitizeFilename(courseEntry.Name()), coursePath)
			if err != nil {
				return nil, err
			}
			if created {
				scan.CoursesFound++
			}
			courses = append(courses, c)
		}
	}

	task.Heartbeat()
	return courses, nil
}

func (s *ScannerService) failScan(scan *catalog.ScanHistory, message string) error {
	if err := s.store.FailScan(scan.ID, message); err != nil {
		logger.Errorf("Failed to mark scan %d failed: %v", scan.ID, err)
	}
	s.publishScanEvent(domain.ScanFailed, scan.ID, map[string]interface{}{
		"error": message,
	})
	logger.Errorf("Scan %d failed: %s", scan.ID, message)
	return fmt.Errorf("%s", message)
}

func (s *ScannerService) publishScanEvent(eventType domain.EventType, scanID int64, data map[string]interface{}) {
	if err := s.bus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   strconv.FormatInt(scanID, 10),
		EventType:     eventType,
		EventData:     data,
	}); err != nil {
		logger.Errorf("Failed to publish %s event: %v", eventType, err)
	}
}

func (s *ScannerService) rootPath() (string, error) {
	rootPath, err := s.store.GetSetting(RootPathSetting)
	if err != nil {
		return "", err
	}
	if rootPath == "" {
		return "", ErrNoRootPath
	}
	return rootPath, nil
}

// RecoverInterruptedScans fails any scan left pending or running by a
// previous process and frees the lock. Called once at startup.
func (s *ScannerService) RecoverInterruptedScans() error {
	stuck, err := s.store.InterruptedScans()
	if err != nil {
		return err
	}
	for _, scan := range stuck {
		logger.Warnf("Failing interrupted scan %d from previous run", scan.ID)
		if err := s.store.FailScan(scan.ID, "interrupted by shutdown"); err != nil {
			return err
		}
	}
	if len(stuck) > 0 {
		if released, err := s.store.ForceReleaseLock(); err != nil {
			return err
		} else if released {
			logger.Warnf("Released scan lock orphaned by previous run")
		}
	}
	return nil
}
