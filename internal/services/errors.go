package services

import (
	"strconv"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
)

// Error types recorded for skipped files.
const (
	ErrTypeExtension = "extension_not_allowed"
	ErrTypeFileSize  = "file_too_large"
	ErrTypeTraversal = "path_outside_root"
	ErrTypeWalk      = "walk_error"
	ErrTypeCourse    = "course_failed"
	ErrTypeOrphan    = "orphaned_parent"
)

// ErrorSink receives per-file skip reports during a scan. The scanner
// and reconciler only depend on this interface, so tests can collect
// reports in memory while production writes them to the error log.
type ErrorSink interface {
	ReportSkip(path, errorType, message string)
}

// scanErrorSink persists skips to the scan error log and announces them
// on the event bus, bound to one scan record.
type scanErrorSink struct {
	store  *catalog.Store
	bus    eventbus.Publisher
	scanID int64
}

func newScanErrorSink(store *catalog.Store, bus eventbus.Publisher, scanID int64) *scanErrorSink {
	return &scanErrorSink{store: store, bus: bus, scanID: scanID}
}

func (s *scanErrorSink) ReportSkip(path, errorType, message string) {
	logger.Debugf("Scan %d skipping %s: %s", s.scanID, path, message)

	if err := s.store.RecordScanError(s.scanID, path, errorType, message); err != nil {
		logger.Errorf("Failed to record scan error for %s: %v", path, err)
	}

	if err := s.bus.Publish(domain.Event{
		AggregateType: "scan",
		AggregateID:   strconv.FormatInt(s.scanID, 10),
		EventType:     domain.FileSkipped,
		EventData: map[string]interface{}{
			"file_path":  path,
			"error_type": errorType,
			"message":    message,
		},
	}); err != nil {
		logger.Errorf("Failed to publish skip event for %s: %v", path, err)
	}
}
