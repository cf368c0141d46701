package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "gocloud.dev/blob/memblob"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/merge"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/orchestrator"
	"github.com/undp-data/dfpp/internal/report"
	"github.com/undp-data/dfpp/internal/transform"
	"github.com/undp-data/dfpp/internal/universe"
)

const sourceCSV = `Alpha-3 code,year,gdp,pop
AFG,2020,1.1,38
AFG,2021,1.2,39
ALB,2020,5.0,
ALB,2021,5.5,2.8
`

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch cache left behind")
}

func TestRunEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/gone" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Write([]byte(sourceCSV))
	}))
	defer srv.Close()

	ctx := context.Background()
	store, err := artifact.Open(ctx, "mem://")
	require.NoError(t, err)
	defer store.Close()
	paths := artifact.Paths{Project: "test"}

	provider := catalog.NewStaticProvider(catalog.Validation{},
		[]catalog.Indicator{
			{ID: "gdp", SourceID: "WB", Preprocessing: "csv", Transform: "pivot_years", ValueColumn: "gdp"},
			{ID: "pop", SourceID: "WB", Preprocessing: "csv", Transform: "pivot_years", ValueColumn: "pop"},
			{ID: "lost", SourceID: "GONE", Preprocessing: "csv", Transform: "pivot_years"},
		},
		[]catalog.Source{
			{ID: "WB", URL: srv.URL + "/wb", Downloader: "http_get", SaveAs: "wb.csv"},
			{ID: "GONE", URL: srv.URL + "/gone", Downloader: "http_get", SaveAs: "gone.csv"},
		},
	)
	u := universe.New([]string{"AFG", "ALB", "ARG"})
	m := metrics.New(prometheus.NewRegistry())
	sink := &report.MemorySink{}
	cacheDir := t.TempDir()

	c := New(Config{
		Provider: provider,
		Downloader: orchestrator.New(orchestrator.Config{
			Provider: provider, Store: store, Paths: paths, Metrics: m,
		}),
		Transformer: transform.NewStage(transform.Config{
			Provider: provider, Store: store, Paths: paths, Metrics: m,
			Merger: merge.NewEngine(store, paths, u, merge.WithMetrics(m)),
		}),
		Publisher: &BasePublisher{Provider: provider, Store: store, Paths: paths},
		Sink:      sink,
		Download:  orchestrator.Request{MinBytes: 10},
		CacheDir:  cacheDir,
		Metrics:   m,
		NewRunID:  func() string { return "run-1" },
	})

	sum, err := c.Run(ctx, Request{})
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, []string{"gdp", "pop"}, sum.SucceededIndicatorIDs)
	assert.Equal(t, "TASKED: 2 DOWNLOADED: 1 FAILED: 1 SKIPPED: 0", sum.Download.String())

	require.Len(t, sum.Stages, 3)
	assert.Equal(t, StageDownload, sum.Stages[0].Stage)
	assert.Equal(t, []string{"gdp", "pop"}, sum.Stages[0].Succeeded)
	assert.Equal(t, 2, sum.Stages[1].Input)

	require.Len(t, sink.Rows, 1)
	assert.Equal(t, "lost", sink.Rows[0].IndicatorID)
	assert.Equal(t, "run-1", sink.Rows[0].RunID)
	assert.Equal(t, "StatusError", sink.Rows[0].Kind)

	out, err := store.Read(ctx, paths.Output(DefaultOutputName))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	assert.Equal(t, "Alpha-3 code,year,indicator_id,value", lines[0])
	assert.Contains(t, lines, "AFG,2021,gdp,1.2")
	assert.Contains(t, lines, "ALB,2021,pop,2.8")
	assert.NotContains(t, string(out), "ARG")

	assertEmptyDir(t, cacheDir)
	assert.Equal(t, 3, testutil.CollectAndCount(m.StageDurations))
}

type fakeDownloader struct {
	ids []string
}

func (f *fakeDownloader) FetchSources(_ context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	return &orchestrator.Result{SucceededIndicatorIDs: f.ids, Summary: report.Summary{Tasked: len(f.ids)}}, nil
}

type fakeTransformer struct {
	got  []string
	keep []string
	err  error
}

func (f *fakeTransformer) Run(_ context.Context, req transform.Request) (*transform.Result, error) {
	f.got = req.IndicatorIDs
	if req.Cache == nil {
		return nil, errors.New("no cache")
	}
	if f.err != nil {
		return nil, f.err
	}
	return &transform.Result{
		SucceededIndicatorIDs: f.keep,
		Errors:                []report.Row{{RunID: req.RunID, Stage: transform.StageName, IndicatorID: "b", Kind: transform.KindTransformation}},
	}, nil
}

type fakePublisher struct {
	got   []string
	calls int
}

func (f *fakePublisher) Publish(_ context.Context, req PublishRequest) (*PublishResult, error) {
	f.calls++
	f.got = req.IndicatorIDs
	return &PublishResult{SucceededIndicatorIDs: req.IndicatorIDs}, nil
}

func TestRunThreadsSucceededIDs(t *testing.T) {
	tr := &fakeTransformer{keep: []string{"a"}}
	pub := &fakePublisher{}
	sink := &report.MemorySink{}
	c := New(Config{
		Downloader:  &fakeDownloader{ids: []string{"a", "b"}},
		Transformer: tr,
		Publisher:   pub,
		Sink:        sink,
		CacheDir:    t.TempDir(),
	})

	sum, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, tr.got)
	assert.Equal(t, []string{"a"}, pub.got)
	assert.Equal(t, []string{"a"}, sum.SucceededIndicatorIDs)
	require.Len(t, sink.Rows, 1)
	assert.Equal(t, sum.RunID, sink.Rows[0].RunID)
	assert.NotEmpty(t, sum.RunID)
}

func TestRunStopsWhenNothingSucceeds(t *testing.T) {
	tr := &fakeTransformer{}
	pub := &fakePublisher{}
	c := New(Config{
		Downloader:  &fakeDownloader{},
		Transformer: tr,
		Publisher:   pub,
		CacheDir:    t.TempDir(),
	})

	sum, err := c.Run(context.Background(), Request{})
	require.NoError(t, err)
	assert.Nil(t, tr.got)
	assert.Zero(t, pub.calls)
	assert.Len(t, sum.Stages, 3)
	assert.Empty(t, sum.SucceededIndicatorIDs)
}

func TestRunWrapsStageFailures(t *testing.T) {
	tests := []struct {
		name      string
		publisher Publisher
		tr        *fakeTransformer
		stage     Stage
	}{
		{
			name:      "error",
			tr:        &fakeTransformer{err: errors.New("bucket unreachable")},
			publisher: &fakePublisher{},
			stage:     StageTransform,
		},
		{
			name: "panic",
			tr:   &fakeTransformer{keep: []string{"a"}},
			publisher: PublisherFunc(func(context.Context, PublishRequest) (*PublishResult, error) {
				panic("publisher exploded")
			}),
			stage: StagePublish,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &report.MemorySink{}
			cacheDir := t.TempDir()
			c := New(Config{
				Downloader:  &fakeDownloader{ids: []string{"a"}},
				Transformer: tt.tr,
				Publisher:   tt.publisher,
				Sink:        sink,
				CacheDir:    cacheDir,
			})

			sum, err := c.Run(context.Background(), Request{})
			require.Error(t, err)
			require.NotNil(t, sum)

			var perr *PublishError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tt.stage, perr.Stage)

			last := sink.Rows[len(sink.Rows)-1]
			assert.Equal(t, KindPublish, last.Kind)
			assert.Equal(t, string(tt.stage), last.Stage)
			assert.Equal(t, tt.stage, sum.Stages[len(sum.Stages)-1].Stage)
			assertEmptyDir(t, cacheDir)
		})
	}
}

func TestRunFailedTransformSkipsPublish(t *testing.T) {
	pub := &fakePublisher{}
	c := New(Config{
		Downloader:  &fakeDownloader{ids: []string{"a"}},
		Transformer: &fakeTransformer{err: errors.New("boom")},
		Publisher:   pub,
		CacheDir:    t.TempDir(),
	})
	_, err := c.Run(context.Background(), Request{})
	require.Error(t, err)
	assert.Zero(t, pub.calls)
}

func TestRunSelectedStages(t *testing.T) {
	provider := catalog.NewStaticProvider(catalog.Validation{},
		[]catalog.Indicator{
			{ID: "x1", SourceID: "S", Preprocessing: "csv", Transform: "pivot_years"},
			{ID: "x2", SourceID: "S", Preprocessing: "csv", Transform: "pivot_years"},
			{ID: "y", SourceID: "S", Preprocessing: "csv", Transform: "pivot_years"},
		}, nil)
	tr := &fakeTransformer{keep: []string{"x1"}}
	pub := &fakePublisher{}
	c := New(Config{Provider: provider, Transformer: tr, Publisher: pub, CacheDir: t.TempDir()})

	sum, err := c.Run(context.Background(), Request{
		Filter: catalog.Filter{Contains: "x"},
		Stages: []Stage{StagePublish, StageTransform},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"x1", "x2"}, tr.got)
	assert.Equal(t, []string{"x1"}, pub.got)
	require.Len(t, sum.Stages, 2)
	assert.Equal(t, StageTransform, sum.Stages[0].Stage)
}

func TestRunRejectsUnknownStage(t *testing.T) {
	c := New(Config{})
	sum, err := c.Run(context.Background(), Request{Stages: []Stage{"deploy"}})
	assert.Error(t, err)
	assert.NotNil(t, sum)
}

func TestParseStage(t *testing.T) {
	s, err := ParseStage("transform")
	require.NoError(t, err)
	assert.Equal(t, StageTransform, s)
	_, err = ParseStage("merge")
	assert.Error(t, err)
}
