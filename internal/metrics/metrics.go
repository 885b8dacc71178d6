// Package metrics provides Prometheus metrics for archivist runs.
package metrics

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry is the Prometheus registry for all archivist metrics.
var Registry = prometheus.NewRegistry()

// RunMetrics holds the metrics recorded by one publish run.
type RunMetrics struct {
	// Per-collection document counts (gauges, labeled by collection)
	DocumentsFetched *prometheus.GaugeVec
	DocumentsMerged  *prometheus.GaugeVec
	DocumentsRemoved *prometheus.GaugeVec

	// Purge (counters, labeled by collection)
	DocumentsPurged *prometheus.CounterVec
	PurgeFailures   *prometheus.CounterVec

	ArchiveBytes        prometheus.Gauge
	ArchiveLoadFailures prometheus.Counter
	RunDuration         prometheus.Gauge
	LastSuccess         prometheus.Gauge // unix seconds

	RunInfo *prometheus.GaugeVec // labels: run_id, version
}

func init() {
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics registers the run metrics with Registry.
func InitMetrics(runID, version string) *RunMetrics {
	m := NewRunMetrics(Registry)
	m.RunInfo.WithLabelValues(runID, version).Set(1)
	return m
}

// NewRunMetrics registers the run metrics with reg.
func NewRunMetrics(reg prometheus.Registerer) *RunMetrics {
	return &RunMetrics{
		DocumentsFetched: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "archivist_documents_fetched",
			Help: "Documents read from the live collection this run",
		}, []string{"collection"}),
		DocumentsMerged: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "archivist_documents_archived",
			Help: "Documents in the published archive after merging",
		}, []string{"collection"}),
		DocumentsRemoved: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "archivist_documents_removed",
			Help: "Archived documents removed by tombstones this run",
		}, []string{"collection"}),

		DocumentsPurged: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_documents_purged_total",
			Help: "Documents deleted from the live collection after publishing",
		}, []string{"collection"}),
		PurgeFailures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "archivist_purge_failures_total",
			Help: "Collections whose purge stopped on an error",
		}, []string{"collection"}),

		ArchiveBytes: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "archivist_archive_bytes",
			Help: "Size of the published archive file in bytes",
		}),
		ArchiveLoadFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "archivist_archive_load_failures_total",
			Help: "Prior archives that existed but could not be read",
		}),
		RunDuration: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "archivist_run_duration_seconds",
			Help: "Wall time of the last run",
		}),
		LastSuccess: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "archivist_last_success_timestamp_seconds",
			Help: "Unix time of the last run that published successfully",
		}),

		RunInfo: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "archivist_run_info",
			Help: "Run information (value is always 1)",
		}, []string{"run_id", "version"}),
	}
}

// Push sends everything in Registry to a Pushgateway, replacing the previous
// push for job.
func Push(ctx context.Context, url, job string) error {
	return PushGatherer(ctx, url, job, Registry)
}

// PushGatherer sends everything in g to a Pushgateway.
func PushGatherer(ctx context.Context, url, job string, g prometheus.Gatherer) error {
	if err := push.New(url, job).Gatherer(g).PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
