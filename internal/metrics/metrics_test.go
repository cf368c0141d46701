package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.DownloadTask("Succeeded")
	m.DownloadTask("Succeeded")
	m.DownloadTask("TimedOut")
	m.Merge("ok")
	m.MergeWarning("duplicate_keys")
	m.Transform("error")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DownloadTasks.WithLabelValues("Succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DownloadTasks.WithLabelValues("TimedOut")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Merges.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.MergeWarnings.WithLabelValues("duplicate_keys")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Transforms.WithLabelValues("error")))

	expected := `
# HELP dfpp_merges_total Base artifact merges by outcome
# TYPE dfpp_merges_total counter
dfpp_merges_total{outcome="ok"} 1
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dfpp_merges_total"))
}

func TestHistograms(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveChunk(2 * time.Second)
	m.ObserveStage("download", time.Minute)

	assert.Equal(t, 1, testutil.CollectAndCount(m.ChunkDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDurations))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.DownloadTask("Failed")
		m.ObserveChunk(time.Second)
		m.Merge("ok")
		m.MergeWarning("unchanged_checksum")
		m.Transform("ok")
		m.ObserveStage("publish", time.Second)
	})
}

func TestUnregistered(t *testing.T) {
	a := New(nil)
	b := New(nil)
	a.Merge("ok")
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Merges.WithLabelValues("ok")))
}
