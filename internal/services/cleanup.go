package services

import (
	"context"
	"os"
	"time"

	"github.com/haldric/courselib/internal/catalog"
	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
)

// CleanupService removes catalog rows whose filesystem paths no longer
// exist, without running a full scan.
type CleanupService struct {
	store *catalog.Store
	bus   eventbus.Publisher
}

func NewCleanupService(store *catalog.Store, bus eventbus.Publisher) *CleanupService {
	return &CleanupService{store: store, bus: bus}
}

// CleanupResult reports what one orphan sweep removed.
type CleanupResult struct {
	CategoriesRemoved int `json:"categories_removed"`
	CoursesRemoved    int `json:"courses_removed"`
	FilesRemoved      int `json:"files_removed"`
}

func (r CleanupResult) Total() int {
	return r.CategoriesRemoved + r.CoursesRemoved + r.FilesRemoved
}

// RemoveOrphans deletes categories, courses, and file nodes pointing at
// paths missing from disk. It takes the scan lock so a sweep never runs
// concurrently with a scan.
func (c *CleanupService) RemoveOrphans(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult

	owner := "maintenance-" + time.Now().UTC().Format("20060102150405")
	if err := c.store.AcquireLock(owner, 0, 0); err != nil {
		return result, err
	}
	defer func() {
		if err := c.store.ReleaseLock(owner); err != nil {
			logger.Errorf("Failed to release lock after orphan sweep: %v", err)
		}
	}()

	categories, err := c.store.ListCategories()
	if err != nil {
		return result, err
	}
	liveCategories := make(map[int64]bool, len(categories))
	for _, cat := range categories {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if pathMissing(cat.Path) {
			if err := c.store.DeleteCategory(cat.ID); err != nil {
				return result, err
			}
			result.CategoriesRemoved++
			continue
		}
		liveCategories[cat.ID] = true
	}

	courses, err := c.store.ListCourses()
	if err != nil {
		return result, err
	}
	for _, course := range courses {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		// Courses under a removed category are already gone via
		// cascade.
		if !liveCategories[course.CategoryID] {
			continue
		}
		if pathMissing(course.Path) {
			if err := c.store.DeleteCourse(course.ID); err != nil {
				return result, err
			}
			result.CoursesRemoved++
			continue
		}

		nodes, err := c.store.FileNodesByCourse(course.ID)
		if err != nil {
			return result, err
		}
		for path, node := range nodes {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if pathMissing(path) {
				if err := c.store.DeleteFileNode(node.ID); err != nil {
					return result, err
				}
				result.FilesRemoved++
			}
		}
	}

	if result.Total() > 0 {
		logger.Infof("Orphan sweep removed %d categories, %d courses, %d files",
			result.CategoriesRemoved, result.CoursesRemoved, result.FilesRemoved)
	}
	if err := c.bus.Publish(domain.Event{
		AggregateType: "maintenance",
		AggregateID:   owner,
		EventType:     domain.OrphansRemoved,
		EventData: map[string]interface{}{
			"categories_removed": int64(result.CategoriesRemoved),
			"courses_removed":    int64(result.CoursesRemoved),
			"files_removed":      int64(result.FilesRemoved),
		},
	}); err != nil {
		logger.Errorf("Failed to publish orphan sweep event: %v", err)
	}

	return result, nil
}

func pathMissing(path string) bool {
	_, err := os.Stat(path)
	return os.IsNotExist(err)
}
