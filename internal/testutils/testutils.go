// Package testutils provides shared test infrastructure: a fake source
// server, helpers seeding configs into a bucket and a MinIO container for
// integration tests.
package testutils

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/catalog"
)

// Route is the canned response of one source server path.
type Route struct {
	Status      int
	ContentType string
	Body        []byte

	// Delay holds the response back. The request context still cancels it.
	Delay time.Duration
}

// SourceServer serves canned source data and counts requests per path.
type SourceServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

// StartSourceServer starts a server for routes keyed by path. Unknown
// paths get 404. The server is closed when the test ends.
func StartSourceServer(t *testing.T, routes map[string]Route) *SourceServer {
	t.Helper()

	s := &SourceServer{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		s.mu.Unlock()

		route, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		if route.Delay > 0 {
			select {
			case <-time.After(route.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if route.ContentType != "" {
			w.Header().Set("Content-Type", route.ContentType)
		}
		if route.Status != 0 {
			w.WriteHeader(route.Status)
		}
		w.Write(route.Body)
	}))
	t.Cleanup(s.Close)
	return s
}

// Hits returns how many requests reached path.
func (s *SourceServer) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

// Writer is the artifact store subset the seed helpers need.
type Writer interface {
	Write(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error
}

// SeedIndicators writes indicator configs as YAML.
func SeedIndicators(t *testing.T, ctx context.Context, w Writer, paths artifact.Paths, inds ...catalog.Indicator) {
	t.Helper()
	for _, ind := range inds {
		seedYAML(t, ctx, w, paths.IndicatorConfig(ind.ID), ind)
	}
}

// SeedSources writes source configs as YAML.
func SeedSources(t *testing.T, ctx context.Context, w Writer, paths artifact.Paths, srcs ...catalog.Source) {
	t.Helper()
	for _, src := range srcs {
		seedYAML(t, ctx, w, paths.SourceConfig(src.ID), src)
	}
}

// SeedUniverse writes keys as a JSON array of records under the utility
// name and returns its path.
func SeedUniverse(t *testing.T, ctx context.Context, w Writer, paths artifact.Paths, name, keyColumn string, keys ...string) string {
	t.Helper()
	recs := make([]map[string]string, len(keys))
	for i, k := range keys {
		recs[i] = map[string]string{keyColumn: k}
	}
	data, err := json.Marshal(recs)
	if err != nil {
		t.Fatalf("marshal universe: %v", err)
	}
	p := paths.Utility(name)
	if err := w.Write(ctx, p, data, "application/json", true); err != nil {
		t.Fatalf("write universe: %v", err)
	}
	return p
}

func seedYAML(t *testing.T, ctx context.Context, w Writer, p string, v any) {
	t.Helper()
	data, err := yaml.Marshal(v)
	if err != nil {
		t.Fatalf("marshal %s: %v", p, err)
	}
	if err := w.Write(ctx, p, data, "application/yaml", true); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
}
