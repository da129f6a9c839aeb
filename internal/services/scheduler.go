package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/logger"
)

// ScanScheduleSetting holds the cron expression for periodic scans.
// Empty means scheduled scanning is disabled.
const ScanScheduleSetting = "scan_schedule"

// SchedulerService triggers library scans on a cron schedule stored in
// settings.
type SchedulerService struct {
	store   *catalog.Store
	scanner *ScannerService
	cron    *cron.Cron
	entry   cron.EntryID
}

func NewSchedulerService(store *catalog.Store, scanner *ScannerService) *SchedulerService {
	return &SchedulerService{
		store:   store,
		scanner: scanner,
		cron:    cron.New(),
	}
}

func (s *SchedulerService) Start() {
	logger.Infof("Starting scheduler service...")
	s.cron.Start()
	if err := s.Reload(); err != nil {
		logger.Errorf("Failed to load scan schedule: %v", err)
	}
}

func (s *SchedulerService) Stop() {
	s.cron.Stop()
}

// Reload re-reads the schedule setting and replaces the cron job.
// Called at startup and whenever an admin changes the schedule.
func (s *SchedulerService) Reload() error {
	if s.entry != 0 {
		s.cron.Remove(s.entry)
		s.entry = 0
	}

	expr, err := s.store.GetSetting(ScanScheduleSetting)
	if err != nil {
		return err
	}
	if expr == "" {
		logger.Infof("Scheduled scanning disabled")
		return nil
	}

	entryID, err := s.cron.AddFunc(expr, func() {
		logger.Infof("Executing scheduled library scan")
		_, _, err := s.scanner.StartScan(context.Background(), "scheduler", "")
		if errors.Is(err, catalog.ErrLockHeld) {
			logger.Warnf("Skipping scheduled scan: another scan is running")
			return
		}
		if err != nil {
			logger.Errorf("Scheduled scan failed to start: %v", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid scan schedule %q: %w", expr, err)
	}

	s.entry = entryID
	logger.Infof("Scheduled scans active: %s", expr)
	return nil
}

// SetSchedule validates and persists a new cron expression, then
// reloads. An empty expression disables scheduled scans.
func (s *SchedulerService) SetSchedule(expr string) error {
	if expr != "" {
		if _, err := cron.ParseStandard(expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
	}
	if err := s.store.SetSetting(ScanScheduleSetting, expr); err != nil {
		return err
	}
	return s.Reload()
}
