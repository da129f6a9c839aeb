package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haldric/courselib/internal/domain"
	tu "github.com/haldric/courselib/internal/testutil"
)

func newTestMetrics(t *testing.T) (*MetricsService, *tu.MockPublisher) {
	t.Helper()
	bus := tu.NewMockPublisher()
	m := newMetricsService(bus, prometheus.NewRegistry())
	m.Start()
	return m, bus
}

func TestScanLifecycleMetrics(t *testing.T) {
	m, bus := newTestMetrics(t)

	require.NoError(t, bus.Publish(domain.Event{EventType: domain.ScanStarted}))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.scanRunning))

	require.NoError(t, bus.Publish(domain.Event{
		EventType: domain.ScanCompleted,
		EventData: map[string]interface{}{
			"status":           "partial",
			"duration_seconds": 3.5,
		},
	}))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.scanRunning))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.scansTotal.WithLabelValues("partial")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.scanDuration))
}

func TestScanFailedMetrics(t *testing.T) {
	m, bus := newTestMetrics(t)

	require.NoError(t, bus.Publish(domain.Event{EventType: domain.ScanStarted}))
	require.NoError(t, bus.Publish(domain.Event{EventType: domain.ScanFailed}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.scansTotal.WithLabelValues("failed")))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.scanRunning))
}

func TestFileSkippedMetrics(t *testing.T) {
	m, bus := newTestMetrics(t)

	require.NoError(t, bus.Publish(domain.Event{
		EventType: domain.FileSkipped,
		EventData: map[string]interface{}{"error_type": "extension_not_allowed"},
	}))
	require.NoError(t, bus.Publish(domain.Event{
		EventType: domain.FileSkipped,
		EventData: map[string]interface{}{"error_type": "extension_not_allowed"},
	}))

	assert.Equal(t, float64(2), testutil.ToFloat64(m.filesSkipped.WithLabelValues("extension_not_allowed")))
}

func TestCourseReconciledMetrics(t *testing.T) {
	m, bus := newTestMetrics(t)

	require.NoError(t, bus.Publish(domain.Event{
		EventType: domain.CourseReconciled,
		EventData: map[string]interface{}{
			"files_added":   int64(5),
			"files_updated": int64(2),
			"files_removed": int64(1),
		},
	}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.coursesReconciled))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.filesReconciled.WithLabelValues("added")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.filesReconciled.WithLabelValues("updated")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.filesReconciled.WithLabelValues("removed")))
}

func TestOrphansRemovedMetrics(t *testing.T) {
	m, bus := newTestMetrics(t)

	require.NoError(t, bus.Publish(domain.Event{
		EventType: domain.OrphansRemoved,
		EventData: map[string]interface{}{
			"categories_removed": int64(1),
			"courses_removed":    int64(2),
			"files_removed":      int64(3),
		},
	}))

	assert.Equal(t, float64(6), testutil.ToFloat64(m.orphansRemoved))
}
