// Package catalog resolves indicator and source configuration.
//
// Registry names referenced by a config (downloader, preprocessing and
// transform functions) are validated when the config is loaded, so an
// unknown name surfaces as a [*ConfigError] for that item before any
// work is scheduled for it.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// SourceType tells whether a source is fetched by the pipeline.
type SourceType string

const (
	// SourceAuto sources are downloaded by a registered downloader.
	SourceAuto SourceType = "Auto"
	// SourceManual sources are uploaded by hand and never fetched.
	SourceManual SourceType = "Manual"
)

// Source is an external provider of one raw dataset.
type Source struct {
	ID         string            `yaml:"id"`
	Name       string            `yaml:"name,omitempty"`
	URL        string            `yaml:"url"`
	Type       SourceType        `yaml:"source_type"`
	Downloader string            `yaml:"downloader_function"`
	SaveAs     string            `yaml:"save_as"`
	FileFormat string            `yaml:"file_format"`
	KeyColumn  string            `yaml:"country_iso3_column,omitempty"`
	Params     map[string]string `yaml:"downloader_params,omitempty"`
}

// Indicator is a single statistical series backed by exactly one source.
type Indicator struct {
	ID            string `yaml:"indicator_id"`
	SourceID      string `yaml:"source_id"`
	Preprocessing string `yaml:"preprocessing"`
	Transform     string `yaml:"transform_function"`
	ValueColumn   string `yaml:"value_column,omitempty"`
	YearColumn    string `yaml:"year_column,omitempty"`
	Sheet         string `yaml:"sheet_name,omitempty"`
}

// ErrNotFound is wrapped by ConfigError when a config does not exist.
var ErrNotFound = errors.New("config not found")

// ConfigError reports a malformed, missing or invalid config item. It is
// fatal to that item only.
type ConfigError struct {
	Kind string // "indicator" or "source"
	ID   string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Kind, e.ID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Filter selects indicators. Empty IDs means all configured indicators.
// Contains keeps only ids containing the substring.
type Filter struct {
	IDs      []string
	Contains string
}

// Match reports whether id passes the Contains pattern.
func (f Filter) Match(id string) bool {
	return f.Contains == "" || strings.Contains(id, f.Contains)
}

// Selection is the outcome of resolving a Filter.
type Selection struct {
	Indicators []Indicator
	Invalid    []*ConfigError
}

// IDs returns the ids of the selected valid indicators.
func (s Selection) IDs() []string {
	ids := make([]string, len(s.Indicators))
	for i, ind := range s.Indicators {
		ids[i] = ind.ID
	}
	return ids
}

// Provider resolves indicator and source configs.
type Provider interface {
	Indicators(ctx context.Context, f Filter) (Selection, error)
	Source(ctx context.Context, id string) (Source, error)
}

// Names is satisfied by registries.
type Names interface {
	Has(name string) bool
}

// Validation holds the registries config names are checked against. A nil
// field disables that check.
type Validation struct {
	Downloaders   Names
	Preprocessors Names
	Transforms    Names
}

// ValidateSource checks a source config.
func (v Validation) ValidateSource(s *Source) error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	switch s.Type {
	case "":
		s.Type = SourceAuto
	case SourceAuto, SourceManual:
	default:
		return fmt.Errorf("unknown source_type %q", s.Type)
	}
	if s.SaveAs == "" {
		if s.FileFormat == "" {
			return errors.New("save_as or file_format is required")
		}
		s.SaveAs = s.ID + "." + s.FileFormat
	}
	if s.Type == SourceManual {
		return nil
	}
	if s.URL == "" {
		return errors.New("url is required for Auto sources")
	}
	if s.Downloader == "" {
		return errors.New("downloader_function is required for Auto sources")
	}
	if v.Downloaders != nil && !v.Downloaders.Has(s.Downloader) {
		return fmt.Errorf("unknown downloader %q", s.Downloader)
	}
	return nil
}

// ValidateIndicator checks an indicator config.
func (v Validation) ValidateIndicator(ind *Indicator) error {
	if ind.ID == "" {
		return errors.New("indicator_id is required")
	}
	if ind.SourceID == "" {
		return errors.New("source_id is required")
	}
	if ind.Preprocessing == "" || ind.Transform == "" {
		return errors.New("preprocessing and transform_function are required")
	}
	if v.Preprocessors != nil && !v.Preprocessors.Has(ind.Preprocessing) {
		return fmt.Errorf("unknown preprocessing %q", ind.Preprocessing)
	}
	if v.Transforms != nil && !v.Transforms.Has(ind.Transform) {
		return fmt.Errorf("unknown transform_function %q", ind.Transform)
	}
	return nil
}

// SourceIndicators groups indicators by the source backing them. Indicator
// ids within a group are sorted.
func SourceIndicators(inds []Indicator) map[string][]string {
	m := make(map[string][]string)
	for _, ind := range inds {
		m[ind.SourceID] = append(m[ind.SourceID], ind.ID)
	}
	for _, ids := range m {
		sort.Strings(ids)
	}
	return m
}

// Sources resolves ids through p. Sources that fail to load are returned
// in the error map keyed by id and left out of the slice. The slice keeps
// the order of ids.
func Sources(ctx context.Context, p Provider, ids []string) ([]Source, map[string]error) {
	var (
		srcs []Source
		errs map[string]error
	)
	for _, id := range ids {
		src, err := p.Source(ctx, id)
		if err != nil {
			if errs == nil {
				errs = make(map[string]error)
			}
			errs[id] = err
			continue
		}
		srcs = append(srcs, src)
	}
	return srcs, errs
}
