// Package metrics provides the Prometheus collectors of a pipeline run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "dfpp"

// Metrics holds the pipeline collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	DownloadTasks  *prometheus.CounterVec
	ChunkDuration  prometheus.Histogram
	Merges         *prometheus.CounterVec
	MergeWarnings  *prometheus.CounterVec
	Transforms     *prometheus.CounterVec
	StageDurations *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.DownloadTasks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "download_tasks_total",
			Help:      "Download tasks by final state",
		},
		[]string{"state"},
	)

	m.ChunkDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "chunk_duration_seconds",
			Help:      "Wall time of one download chunk",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
	)

	m.Merges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "merges_total",
			Help:      "Base artifact merges by outcome",
		},
		[]string{"outcome"},
	)

	m.MergeWarnings = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "merge_warnings_total",
			Help:      "Non-fatal merge warnings by kind",
		},
		[]string{"kind"},
	)

	m.Transforms = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "transforms_total",
			Help:      "Indicator transforms by outcome",
		},
		[]string{"outcome"},
	)

	m.StageDurations = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of a pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"stage"},
	)

	return m
}

// DownloadTask counts a finished download task.
func (m *Metrics) DownloadTask(state string) {
	if m == nil {
		return
	}
	m.DownloadTasks.WithLabelValues(state).Inc()
}

// ObserveChunk records the duration of a download chunk.
func (m *Metrics) ObserveChunk(d time.Duration) {
	if m == nil {
		return
	}
	m.ChunkDuration.Observe(d.Seconds())
}

// Merge counts a merge outcome.
func (m *Metrics) Merge(outcome string) {
	if m == nil {
		return
	}
	m.Merges.WithLabelValues(outcome).Inc()
}

// MergeWarning counts a merge warning.
func (m *Metrics) MergeWarning(kind string) {
	if m == nil {
		return
	}
	m.MergeWarnings.WithLabelValues(kind).Inc()
}

// Transform counts a transform outcome.
func (m *Metrics) Transform(outcome string) {
	if m == nil {
		return
	}
	m.Transforms.WithLabelValues(outcome).Inc()
}

// ObserveStage records the duration of a pipeline stage.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurations.WithLabelValues(stage).Observe(d.Seconds())
}
