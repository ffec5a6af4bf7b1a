// Package telemetry records the run-level measurements and ships them
// to a Pushgateway at the end of the run. Unlike
// the teacher's internal/metrics (a long-lived scrape server backing a
// continuously-running API), this job is a short batch invocation with
// nothing to scrape between runs, so metrics are pushed once at exit
// rather than exposed on a /metrics handler.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"go.uber.org/zap"

	"eventshipper/internal/eventmodel"
)

// Recorder owns a private registry so repeated runs in the same
// process (tests, in particular) never collide with prometheus's
// global DefaultRegisterer.
type Recorder struct {
	registry *prometheus.Registry

	eventsScanned  prometheus.Counter
	eventsInWindow prometheus.Counter
	eventsRejected prometheus.Counter
	clientsSeen    prometheus.Gauge
	objectsWritten prometheus.Counter
	objectsFailed  prometheus.Counter
	bytesWritten   prometheus.Counter
	duration       prometheus.Histogram
	partialRuns    prometheus.Counter
}

// NewRecorder builds a Recorder with its own registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		eventsScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_events_scanned_total",
			Help: "Events read from the source store across all segments.",
		}),
		eventsInWindow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_events_in_window_total",
			Help: "Scanned events whose timestamp fell inside the run's window.",
		}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_events_rejected_total",
			Help: "Forwarded events rejected by the partitioner (missing client_id or unparseable time).",
		}),
		clientsSeen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "eventshipper_clients_seen",
			Help: "Distinct clients with at least one admitted event this run.",
		}),
		objectsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_objects_written_total",
			Help: "Objects successfully uploaded to the sink store.",
		}),
		objectsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_objects_failed_total",
			Help: "Objects that could not be uploaded after retry.",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_bytes_written_total",
			Help: "Serialized bytes successfully uploaded to the sink store.",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "eventshipper_run_duration_seconds",
			Help:    "Wall-clock duration of a complete run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		partialRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "eventshipper_partial_runs_total",
			Help: "Runs that completed with at least one segment or upload failure.",
		}),
	}
	reg.MustRegister(
		r.eventsScanned, r.eventsInWindow, r.eventsRejected, r.clientsSeen,
		r.objectsWritten, r.objectsFailed, r.bytesWritten, r.duration, r.partialRuns,
	)
	return r
}

// Observe folds one RunSummary's counts into the recorder's metrics.
func (r *Recorder) Observe(summary eventmodel.RunSummary) {
	r.eventsScanned.Add(float64(summary.EventsScanned))
	r.eventsInWindow.Add(float64(summary.EventsInWindow))
	r.eventsRejected.Add(float64(summary.EventsRejected))
	r.clientsSeen.Set(float64(summary.ClientsSeen))
	r.objectsWritten.Add(float64(summary.ObjectsWritten))
	r.objectsFailed.Add(float64(summary.ObjectsFailed))
	r.bytesWritten.Add(float64(summary.BytesWritten))
	r.duration.Observe(float64(summary.DurationMS) / 1000)
	if summary.Partial {
		r.partialRuns.Inc()
	}
}

// Push ships the accumulated metrics to a Pushgateway. A push failure
// is logged, never fails the run.
func (r *Recorder) Push(gatewayURL, job, runID string, log *zap.Logger) {
	if gatewayURL == "" {
		return
	}
	err := push.New(gatewayURL, job).
		Grouping("run_id", runID).
		Gatherer(r.registry).
		Push()
	if err != nil && log != nil {
		log.Warn("pushgateway push failed", zap.Error(err), zap.String("gateway", gatewayURL))
	}
}
