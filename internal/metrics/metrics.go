// Package metrics holds the Prometheus instruments of the mail blob store.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Link methods.
const (
	MethodHardLink = "hardlink"
	MethodCopy     = "copy"
	MethodExisting = "existing"
)

// Metrics holds all Prometheus metrics for the store.
type Metrics struct {
	// Staging
	StagedTotal      prometheus.Counter // mailstore_staged_total
	StagedBytes      prometheus.Counter // mailstore_staged_bytes_total
	StagingFailures  prometheus.Counter // mailstore_staging_failures_total
	StagingExpired   prometheus.Counter // mailstore_staging_expired_total
	StagingSweepRuns prometheus.Counter // mailstore_staging_sweeps_total

	// Linking
	LinksTotal    *prometheus.CounterVec // mailstore_links_total{method}
	LinkFallbacks prometheus.Counter     // mailstore_link_fallbacks_total
	LinkFailures  *prometheus.CounterVec // mailstore_link_failures_total{reason}

	// GC
	SweepDeleted     *prometheus.CounterVec   // mailstore_gc_deleted_total{volume}
	SweepBytes       *prometheus.CounterVec   // mailstore_gc_deleted_bytes_total{volume}
	SweepFailures    *prometheus.CounterVec   // mailstore_gc_delete_failures_total{volume}
	SweepStuck       *prometheus.GaugeVec     // mailstore_gc_stuck_paths{volume}
	SweepDuration    *prometheus.HistogramVec // mailstore_gc_sweep_duration_seconds{volume}
	MovesTotal       *prometheus.CounterVec   // mailstore_moves_total{status}
	VerifyMissing    *prometheus.GaugeVec     // mailstore_verify_missing_blobs{volume}
	WorkerIterations *prometheus.CounterVec   // mailstore_worker_iterations_total{status}
}

// New registers every metric with registry, or the default registerer when
// registry is nil. Each registry must only be passed once.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		StagedTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_staged_total",
			Help: "Total blobs written to the incoming staging area",
		}),
		StagedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_staged_bytes_total",
			Help: "Total bytes written to the incoming staging area",
		}),
		StagingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_staging_failures_total",
			Help: "Total staging writes that failed and were cleaned up",
		}),
		StagingExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_staging_expired_total",
			Help: "Total staged files removed by the staging sweep",
		}),
		StagingSweepRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_staging_sweeps_total",
			Help: "Total staging sweep passes",
		}),

		LinksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_links_total",
			Help: "Total mailbox blobs materialized by method",
		}, []string{"method"}),
		LinkFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailstore_link_fallbacks_total",
			Help: "Total hard link attempts that fell back to copying",
		}),
		LinkFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_link_failures_total",
			Help: "Total failed materializations by reason",
		}, []string{"reason"}),

		SweepDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_gc_deleted_total",
			Help: "Total orphaned blobs deleted by the sweeper",
		}, []string{"volume"}),
		SweepBytes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_gc_deleted_bytes_total",
			Help: "Total bytes reclaimed by the sweeper",
		}, []string{"volume"}),
		SweepFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_gc_delete_failures_total",
			Help: "Total sweeper deletions that failed",
		}, []string{"volume"}),
		SweepStuck: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailstore_gc_stuck_paths",
			Help: "Paths whose deletion failed repeatedly",
		}, []string{"volume"}),
		SweepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailstore_gc_sweep_duration_seconds",
			Help:    "Sweep pass duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"volume"}),
		MovesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_moves_total",
			Help: "Total blob moves by outcome",
		}, []string{"status"}),
		VerifyMissing: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailstore_verify_missing_blobs",
			Help: "Referenced blobs missing from their volume at the last verify",
		}, []string{"volume"}),
		WorkerIterations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailstore_worker_iterations_total",
			Help: "Background maintenance iterations by outcome",
		}, []string{"status"}),
	}
}

// RecordStaged records one successful staging write.
func (m *Metrics) RecordStaged(bytes int64) {
	if m == nil {
		return
	}
	m.StagedTotal.Inc()
	m.StagedBytes.Add(float64(bytes))
}

// RecordStagingFailure records one failed staging write.
func (m *Metrics) RecordStagingFailure() {
	if m == nil {
		return
	}
	m.StagingFailures.Inc()
}

// RecordStagingSweep records one staging sweep pass.
func (m *Metrics) RecordStagingSweep(removed int) {
	if m == nil {
		return
	}
	m.StagingSweepRuns.Inc()
	m.StagingExpired.Add(float64(removed))
}

// RecordLink records one materialized mailbox blob.
func (m *Metrics) RecordLink(method string) {
	if m == nil {
		return
	}
	m.LinksTotal.WithLabelValues(method).Inc()
}

// RecordLinkFallback records a hard link that fell back to copy.
func (m *Metrics) RecordLinkFallback() {
	if m == nil {
		return
	}
	m.LinkFallbacks.Inc()
}

// RecordLinkFailure records a failed materialization.
func (m *Metrics) RecordLinkFailure(reason string) {
	if m == nil {
		return
	}
	m.LinkFailures.WithLabelValues(reason).Inc()
}

// RecordSweep records one volume sweep pass.
func (m *Metrics) RecordSweep(volumeID int16, deleted int, bytes int64, failures, stuck int, elapsed time.Duration) {
	if m == nil {
		return
	}
	vol := volumeLabel(volumeID)
	m.SweepDeleted.WithLabelValues(vol).Add(float64(deleted))
	m.SweepBytes.WithLabelValues(vol).Add(float64(bytes))
	m.SweepFailures.WithLabelValues(vol).Add(float64(failures))
	m.SweepStuck.WithLabelValues(vol).Set(float64(stuck))
	m.SweepDuration.WithLabelValues(vol).Observe(elapsed.Seconds())
}

// RecordMove records a move outcome: "moved", "noop", "incomplete" or "failed".
func (m *Metrics) RecordMove(status string) {
	if m == nil {
		return
	}
	m.MovesTotal.WithLabelValues(status).Inc()
}

// SetVerifyMissing records the result of a verify pass.
func (m *Metrics) SetVerifyMissing(volumeID int16, missing int) {
	if m == nil {
		return
	}
	m.VerifyMissing.WithLabelValues(volumeLabel(volumeID)).Set(float64(missing))
}

// RecordWorkerIteration records one background iteration.
func (m *Metrics) RecordWorkerIteration(err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.WorkerIterations.WithLabelValues(status).Inc()
}

func volumeLabel(id int16) string {
	return strconv.Itoa(int(id))
}
