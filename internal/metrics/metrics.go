// Package metrics provides Prometheus metrics for admission and conversions.
// Labels are bounded enums; never label by URI or job ID.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Conversion outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeReused    = "reused"
	OutcomeBusy      = "busy"
	OutcomeTimeout   = "timeout"
	OutcomeFailed    = "failed"
)

// Pipeline legs.
const (
	LegIngest = "ingest"
	LegEgress = "egress"
)

var (
	// AdmissionSlotsHeld tracks pipelines currently holding a slot.
	AdmissionSlotsHeld = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidtap_admission_slots_held",
		Help: "Current number of admission slots held by running pipelines.",
	})

	// ProcessMemoryBytes is the last resident memory sample taken by admission.
	ProcessMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vidtap_process_memory_bytes",
		Help: "Resident memory of the service as last sampled by admission control.",
	})

	// AdmissionWaitSeconds observes how long callers waited for a slot.
	AdmissionWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidtap_admission_wait_seconds",
		Help:    "Time spent waiting for an admission slot.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})

	// ConversionsTotal counts finished conversion requests by outcome.
	ConversionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidtap_conversions_total",
		Help: "Total number of conversion requests, by outcome.",
	}, []string{"outcome"})

	// ConversionDurationSeconds observes end-to-end pipeline duration.
	ConversionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "vidtap_conversion_duration_seconds",
		Help:    "Duration of completed transcode pipelines.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	// PipelineBytesTotal counts bytes moved through each pipeline leg.
	PipelineBytesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vidtap_pipeline_bytes_total",
		Help: "Total bytes moved through the pipeline, by leg.",
	}, []string{"leg"})
)

// SetSlotsHeld records the number of held admission slots.
func SetSlotsHeld(n int) {
	AdmissionSlotsHeld.Set(float64(n))
}

// SetProcessMemory records a resident memory sample.
func SetProcessMemory(bytes uint64) {
	ProcessMemoryBytes.Set(float64(bytes))
}

// ObserveAdmissionWait records time spent in Acquire.
func ObserveAdmissionWait(d time.Duration) {
	AdmissionWaitSeconds.Observe(d.Seconds())
}

// RecordConversion increments the outcome counter.
func RecordConversion(outcome string) {
	ConversionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveConversionDuration records a completed pipeline's duration.
func ObserveConversionDuration(d time.Duration) {
	ConversionDurationSeconds.Observe(d.Seconds())
}

// AddPipelineBytes adds n bytes to the given leg.
func AddPipelineBytes(leg string, n int64) {
	if n > 0 {
		PipelineBytesTotal.WithLabelValues(leg).Add(float64(n))
	}
}
