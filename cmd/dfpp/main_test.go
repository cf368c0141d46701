package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/metrics"
	"github.com/undp-data/dfpp/internal/testutils"
)

const worldBankCSV = `Alpha-3 code,year,gdp,pop
AFG,2020,1.1,38
AFG,2021,1.2,39
ALB,2020,5.0,
ALB,2021,5.5,2.8
`

const project = "access_all_data"

type cliEnv struct {
	dir        string
	bucket     string
	configPath string
	reportPath string
	store      *artifact.Store
	paths      artifact.Paths
	server     *testutils.SourceServer
}

// newCLIEnv seeds a file bucket with two working indicators, one whose
// source is gone and a universe of three countries.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	bucketDir := filepath.Join(dir, "bucket")
	require.NoError(t, os.MkdirAll(bucketDir, 0o755))

	e := &cliEnv{
		dir:        dir,
		bucket:     "file://" + bucketDir,
		configPath: filepath.Join(dir, "dfpp.yaml"),
		reportPath: filepath.Join(dir, "reports", "errors.csv"),
		paths:      artifact.Paths{Project: project},
	}

	e.server = testutils.StartSourceServer(t, map[string]testutils.Route{
		"/wb": {ContentType: "text/csv", Body: []byte(worldBankCSV)},
	})

	store, err := artifact.Open(ctx, e.bucket)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	e.store = store

	testutils.SeedSources(t, ctx, store, e.paths,
		catalog.Source{ID: "WB", URL: e.server.URL + "/wb", Downloader: "http_get", SaveAs: "wb.csv"},
		catalog.Source{ID: "GONE", URL: e.server.URL + "/gone", Downloader: "http_get", SaveAs: "gone.csv"},
	)
	testutils.SeedIndicators(t, ctx, store, e.paths,
		catalog.Indicator{ID: "gdp", SourceID: "WB", Preprocessing: "csv", Transform: "pivot_years", ValueColumn: "gdp"},
		catalog.Indicator{ID: "pop", SourceID: "WB", Preprocessing: "csv", Transform: "pivot_years", ValueColumn: "pop"},
		catalog.Indicator{ID: "lost", SourceID: "GONE", Preprocessing: "csv", Transform: "pivot_years"},
	)
	universePath := testutils.SeedUniverse(t, ctx, store, e.paths, "countries.json", "Alpha-3 code", "AFG", "ALB", "ARG")

	cfg := fmt.Sprintf(`bucket: %s
project: %s
log_level: error
cache_dir: %s
error_report: %s
download:
  chunk_size: 4
  request_timeout: 5s
  chunk_slack: 1s
  ack_timeout: 1s
  max_retries: 2
  min_bytes: 10B
  retry:
    backoff: 1ms
    max_backoff: 5ms
universe:
  path: %s
`, e.bucket, project, dir, e.reportPath, universePath)
	require.NoError(t, os.WriteFile(e.configPath, []byte(cfg), 0o644))
	return e
}

func (e *cliEnv) run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), append([]string{"--config", e.configPath}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunCommand(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()

	code, out, errOut := e.run(t, "run", "-i", "gdp,pop")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "TASKED: 1 DOWNLOADED: 1 FAILED: 0 SKIPPED: 0")
	assert.Equal(t, 1, e.server.Hits("/wb"))

	raw, err := e.store.Read(ctx, e.paths.Raw("wb.csv"))
	require.NoError(t, err)
	assert.Equal(t, worldBankCSV, string(raw))

	published, err := e.store.Read(ctx, e.paths.Output("output.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(published), "AFG,2021,gdp,1.2")
	assert.Contains(t, string(published), "ALB,2021,pop,2.8")

	_, err = os.Stat(e.reportPath)
	assert.True(t, os.IsNotExist(err), "no error report expected")
}

func TestRunCommandItemFailures(t *testing.T) {
	e := newCLIEnv(t)

	code, out, errOut := e.run(t, "run")
	require.Equal(t, ExitItemsFailed, code, errOut)
	assert.Contains(t, out, "TASKED: 2 DOWNLOADED: 1 FAILED: 1 SKIPPED: 0")
	assert.Contains(t, errOut, "1 items failed")

	report, err := os.ReadFile(e.reportPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(report)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "run_id,stage,indicator_id"))
	assert.Contains(t, lines[1], ",download,lost,GONE,StatusError,")
}

func TestStageCommands(t *testing.T) {
	e := newCLIEnv(t)
	ctx := context.Background()

	code, out, errOut := e.run(t, "download", "-p", "p")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "TASKED: 1 DOWNLOADED: 1")

	exists, err := e.store.Exists(ctx, e.paths.Base("WB"))
	require.NoError(t, err)
	assert.False(t, exists, "download must not merge")

	code, _, errOut = e.run(t, "transform", "-i", "gdp")
	require.Equal(t, ExitSuccess, code, errOut)
	exists, err = e.store.Exists(ctx, e.paths.Base("WB"))
	require.NoError(t, err)
	assert.True(t, exists)

	code, _, errOut = e.run(t, "publish", "-i", "gdp")
	require.Equal(t, ExitSuccess, code, errOut)
	published, err := e.store.Read(ctx, e.paths.Output("output.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(published), "AFG,2020,gdp,1.1")
	assert.NotContains(t, string(published), ",pop,")

	assert.Equal(t, 1, e.server.Hits("/wb"))
}

func TestRunCommandSelectedStages(t *testing.T) {
	e := newCLIEnv(t)

	code, out, errOut := e.run(t, "run", "-s", "transform", "-s", "download", "-i", "gdp")
	require.Equal(t, ExitSuccess, code, errOut)
	downloadAt := strings.Index(out, "download")
	transformAt := strings.Index(out, "transform")
	require.True(t, downloadAt >= 0 && transformAt >= 0, out)
	assert.Less(t, downloadAt, transformAt)
	assert.NotContains(t, out, "publish")
}

func TestExitCodes(t *testing.T) {
	e := newCLIEnv(t)

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"unknown stage", []string{"run", "--stage", "deploy"}, ExitInvalidArgs},
		{"unknown flag", []string{"run", "--bogus"}, ExitInvalidArgs},
		{"unexpected argument", []string{"run", "extra"}, ExitGeneralError},
		{"missing bucket dir", []string{"run", "--bucket", "file://" + filepath.Join(e.dir, "nope")}, ExitStorageError},
		{"bad schedule", []string{"schedule", "--cron", "every now and then"}, ExitInvalidArgs},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, errOut := e.run(t, tt.args...)
			assert.Equal(t, tt.want, code, errOut)
		})
	}
}

func TestMissingConfigFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := execute(context.Background(), []string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	assert.Equal(t, ExitInvalidArgs, code)
	assert.Contains(t, stderr.String(), "Error:")
}

func TestTransformWithoutUniverse(t *testing.T) {
	e := newCLIEnv(t)
	require.NoError(t, e.store.Delete(context.Background(), e.paths.Utility("countries.json")))

	code, _, errOut := e.run(t, "transform", "-i", "gdp")
	assert.Equal(t, ExitStorageError, code, errOut)
	assert.Contains(t, errOut, "universe")
}

func TestListCommand(t *testing.T) {
	e := newCLIEnv(t)

	code, out, errOut := e.run(t, "list")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "3 indicators, 0 invalid")
	assert.Contains(t, out, "gdp")

	code, out, errOut = e.run(t, "list", "--sources")
	require.Equal(t, ExitSuccess, code, errOut)
	assert.Contains(t, out, "2 sources, 0 invalid")
	assert.Contains(t, out, "http_get")

	testutils.SeedIndicators(t, context.Background(), e.store, e.paths,
		catalog.Indicator{ID: "broken", SourceID: "WB", Preprocessing: "csv", Transform: "no_such_transform"},
		catalog.Indicator{ID: "orphan", SourceID: "NOWHERE", Preprocessing: "csv", Transform: "pivot_years"},
	)
	code, out, _ = e.run(t, "list")
	assert.Equal(t, ExitValidationFailed, code)
	assert.Contains(t, out, "5 indicators, 2 invalid")
	assert.Contains(t, out, "no_such_transform")

	code, out, _ = e.run(t, "list", "-p", "gd")
	assert.Equal(t, ExitSuccess, code)
	assert.Contains(t, out, "1 indicators, 0 invalid")
}

func TestNewCronParsesSchedules(t *testing.T) {
	c := newCron()
	for _, spec := range []string{"@daily", "0 3 * * *", "*/15 * * * *"} {
		_, err := c.AddFunc(spec, func() {})
		assert.NoError(t, err, spec)
	}
	_, err := c.AddFunc("0 0 3 * * *", func() {})
	assert.Error(t, err, "seconds field is not accepted")
}

func TestMetricsHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.ObserveStage("download", 2*time.Second)
	m.DownloadTask("Succeeded")

	srv := httptest.NewServer(metricsHandler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `dfpp_stage_duration_seconds_count{stage="download"} 1`)
	assert.Contains(t, string(body), `dfpp_download_tasks_total{state="Succeeded"} 1`)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}
