package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haldric/courselib/internal/domain"
	"github.com/haldric/courselib/internal/eventbus"
	"github.com/haldric/courselib/internal/logger"
)

// MetricsService exposes Prometheus metrics fed by the event bus.
type MetricsService struct {
	bus eventbus.Publisher

	scansTotal        *prometheus.CounterVec
	filesSkipped      *prometheus.CounterVec
	filesReconciled   *prometheus.CounterVec
	orphansRemoved    prometheus.Counter
	tasksTimedOut     prometheus.Counter
	scanRunning       prometheus.Gauge
	coursesReconciled prometheus.Counter
	scanDuration      prometheus.Histogram

	mu           sync.Mutex
	runningScans int
}

// NewMetricsService creates and registers metrics on the default
// registry.
func NewMetricsService(bus eventbus.Publisher) *MetricsService {
	return newMetricsService(bus, prometheus.DefaultRegisterer)
}

func newMetricsService(bus eventbus.Publisher, reg prometheus.Registerer) *MetricsService {
	m := &MetricsService{
		bus: bus,

		scansTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courselib_scans_total",
				Help: "Total number of scans by outcome",
			},
			[]string{"outcome"}, // completed, partial, failed
		),

		filesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courselib_files_skipped_total",
				Help: "Total number of files skipped during scans by reason",
			},
			[]string{"reason"},
		),

		filesReconciled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courselib_files_reconciled_total",
				Help: "Total file node mutations by kind",
			},
			[]string{"kind"}, // added, updated, removed
		),

		orphansRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courselib_orphans_removed_total",
				Help: "Total catalog rows removed by orphan sweeps",
			},
		),

		tasksTimedOut: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courselib_tasks_timed_out_total",
				Help: "Total background tasks cancelled for missing heartbeats",
			},
		),

		scanRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courselib_scan_running",
				Help: "1 while a scan is in progress",
			},
		),

		coursesReconciled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "courselib_courses_reconciled_total",
				Help: "Total per-course reconcile passes",
			},
		),

		scanDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "courselib_scan_duration_seconds",
				Help:    "Wall-clock duration of finished scans",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
			},
		),
	}

	reg.MustRegister(
		m.scansTotal,
		m.filesSkipped,
		m.filesReconciled,
		m.orphansRemoved,
		m.tasksTimedOut,
		m.scanRunning,
		m.coursesReconciled,
		m.scanDuration,
	)

	return m
}

// Start subscribes to events and updates metrics.
func (m *MetricsService) Start() {
	m.bus.Subscribe(domain.ScanStarted, m.handleScanStarted)
	m.bus.Subscribe(domain.ScanCompleted, m.handleScanCompleted)
	m.bus.Subscribe(domain.ScanFailed, m.handleScanFailed)
	m.bus.Subscribe(domain.FileSkipped, m.handleFileSkipped)
	m.bus.Subscribe(domain.CourseReconciled, m.handleCourseReconciled)
	m.bus.Subscribe(domain.OrphansRemoved, m.handleOrphansRemoved)
	m.bus.Subscribe(domain.TaskTimedOut, m.handleTaskTimedOut)

	logger.Infof("Metrics service started")
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func (m *MetricsService) Handler() http.Handler {
	return promhttp.Handler()
}

func (m *MetricsService) handleScanStarted(event domain.Event) {
	m.mu.Lock()
	m.runningScans++
	m.scanRunning.Set(float64(m.runningScans))
	m.mu.Unlock()
}

func (m *MetricsService) scanFinished() {
	m.mu.Lock()
	if m.runningScans > 0 {
		m.runningScans--
	}
	m.scanRunning.Set(float64(m.runningScans))
	m.mu.Unlock()
}

func (m *MetricsService) handleScanCompleted(event domain.Event) {
	outcome := event.GetStringOr("status", "completed")
	m.scansTotal.WithLabelValues(outcome).Inc()
	if secs, ok := event.GetFloat64("duration_seconds"); ok {
		m.scanDuration.Observe(secs)
	}
	m.scanFinished()
}

func (m *MetricsService) handleScanFailed(event domain.Event) {
	m.scansTotal.WithLabelValues("failed").Inc()
	m.scanFinished()
}

func (m *MetricsService) handleFileSkipped(event domain.Event) {
	reason := event.GetStringOr("error_type", "unknown")
	m.filesSkipped.WithLabelValues(reason).Inc()
}

func (m *MetricsService) handleCourseReconciled(event domain.Event) {
	m.coursesReconciled.Inc()
	m.filesReconciled.WithLabelValues("added").Add(float64(event.GetInt64Or("files_added", 0)))
	m.filesReconciled.WithLabelValues("updated").Add(float64(event.GetInt64Or("files_updated", 0)))
	m.filesReconciled.WithLabelValues("removed").Add(float64(event.GetInt64Or("files_removed", 0)))
}

func (m *MetricsService) handleOrphansRemoved(event domain.Event) {
	total := event.GetInt64Or("categories_removed", 0) +
		event.GetInt64Or("courses_removed", 0) +
		event.GetInt64Or("files_removed", 0)
	m.orphansRemoved.Add(float64(total))
}

func (m *MetricsService) handleTaskTimedOut(event domain.Event) {
	m.tasksTimedOut.Inc()
}
