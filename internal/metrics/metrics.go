// Package metrics exports session telemetry in the Prometheus format.
package metrics

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"cryptowipe/internal/wipe"
)

const namespace = "cryptowipe"

// Recorder implements wipe.Observer on a private registry. A nil *Recorder
// records nothing.
type Recorder struct {
	registry      *prometheus.Registry
	sessions      *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	bytes         prometheus.Counter
	formatRetries prometheus.Counter
}

var _ wipe.Observer = (*Recorder)(nil)

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Crypto-erase sessions by outcome and failed stage.",
		}, []string{"outcome", "failed_stage"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 12),
		}, []string{"stage"}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_overwritten_total",
			Help:      "Bytes of random data written through encrypted mappings.",
		}),
		formatRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "format_retries_total",
			Help:      "Container format attempts retried on removable media.",
		}),
	}
	r.registry.MustRegister(r.sessions, r.stageDuration, r.bytes, r.formatRetries)
	return r
}

// Registry exposes the underlying registry for gathering.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) StageCompleted(stage wipe.Stage, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage.String()).Observe(elapsed.Seconds())
}

func (r *Recorder) BytesOverwritten(n uint64) {
	if r == nil {
		return
	}
	r.bytes.Add(float64(n))
}

func (r *Recorder) FormatRetried() {
	if r == nil {
		return
	}
	r.formatRetries.Inc()
}

func (r *Recorder) SessionFinished(outcome string, failedStage wipe.Stage) {
	if r == nil {
		return
	}
	stage := ""
	if outcome != "complete" {
		stage = failedStage.String()
	}
	r.sessions.WithLabelValues(outcome, stage).Inc()
}

// WriteTextfile writes all metrics to path in the text exposition format,
// for the node_exporter textfile collector. The write is atomic.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}
