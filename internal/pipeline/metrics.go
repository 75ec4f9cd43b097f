package pipeline

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the consuming loop.
type Metrics struct {
	RecordsTotal        prometheus.Counter
	DroppedRecordsTotal prometheus.Counter
	DiagnosesTotal      *prometheus.CounterVec
	SuppressedTotal     *prometheus.CounterVec
	SessionsOpenedTotal prometheus.Counter
	PanicsTotal         prometheus.Counter
	QueueDepth          prometheus.Gauge
	SourceReconnects    prometheus.Gauge
}

// NewMetrics registers the pipeline metrics once per process.
//
// Metrics:
//   - neighbor_pipeline_records_total
//   - neighbor_pipeline_dropped_records_total - records lost to queue overflow
//   - neighbor_pipeline_diagnoses_total{method}
//   - neighbor_pipeline_suppressed_total{reason} - cooldown or storm
//   - neighbor_pipeline_sessions_opened_total
//   - neighbor_pipeline_panics_total - records whose processing panicked
//   - neighbor_pipeline_queue_depth
//   - neighbor_pipeline_source_reconnects
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			RecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "neighbor_pipeline_records_total",
				Help: "Total number of log records consumed",
			}),
			DroppedRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "neighbor_pipeline_dropped_records_total",
				Help: "Total number of records dropped because the queue was full",
			}),
			DiagnosesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "neighbor_pipeline_diagnoses_total",
					Help: "Total number of diagnoses produced",
				},
				[]string{"method"}, // "deterministic" or "semantic"
			),
			SuppressedTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "neighbor_pipeline_suppressed_total",
					Help: "Total number of diagnoses suppressed before reaching a session",
				},
				[]string{"reason"},
			),
			SessionsOpenedTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "neighbor_pipeline_sessions_opened_total",
				Help: "Total number of sessions opened",
			}),
			PanicsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "neighbor_pipeline_panics_total",
				Help: "Total number of records whose processing panicked",
			}),
			QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "neighbor_pipeline_queue_depth",
				Help: "Records waiting to be consumed",
			}),
			SourceReconnects: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "neighbor_pipeline_source_reconnects",
				Help: "Times the log source has been reopened",
			}),
		}
	})
	return globalMetrics
}
