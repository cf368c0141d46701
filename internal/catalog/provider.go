package catalog

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/undp-data/dfpp/internal/artifact"
)

// StaticProvider serves configs held in memory.
type StaticProvider struct {
	indicators map[string]Indicator
	sources    map[string]Source
	invalid    map[string]*ConfigError
	srcInvalid map[string]*ConfigError
}

// NewStaticProvider validates inds and srcs with v. Invalid items are kept
// aside and reported as ConfigError when requested.
func NewStaticProvider(v Validation, inds []Indicator, srcs []Source) *StaticProvider {
	p := &StaticProvider{
		indicators: make(map[string]Indicator),
		sources:    make(map[string]Source),
		invalid:    make(map[string]*ConfigError),
		srcInvalid: make(map[string]*ConfigError),
	}
	for _, ind := range inds {
		if err := v.ValidateIndicator(&ind); err != nil {
			p.invalid[ind.ID] = &ConfigError{Kind: "indicator", ID: ind.ID, Err: err}
			continue
		}
		p.indicators[ind.ID] = ind
	}
	for _, src := range srcs {
		if err := v.ValidateSource(&src); err != nil {
			p.srcInvalid[src.ID] = &ConfigError{Kind: "source", ID: src.ID, Err: err}
			continue
		}
		p.sources[src.ID] = src
	}
	return p
}

// Indicators implements Provider.
func (p *StaticProvider) Indicators(_ context.Context, f Filter) (Selection, error) {
	ids := f.IDs
	if len(ids) == 0 {
		for id := range p.indicators {
			ids = append(ids, id)
		}
		for id := range p.invalid {
			ids = append(ids, id)
		}
	}
	return selectIndicators(ids, f, func(id string) (Indicator, error) {
		if cerr, ok := p.invalid[id]; ok {
			return Indicator{}, cerr
		}
		ind, ok := p.indicators[id]
		if !ok {
			return Indicator{}, &ConfigError{Kind: "indicator", ID: id, Err: ErrNotFound}
		}
		return ind, nil
	})
}

// Source implements Provider.
func (p *StaticProvider) Source(_ context.Context, id string) (Source, error) {
	if cerr, ok := p.srcInvalid[id]; ok {
		return Source{}, cerr
	}
	src, ok := p.sources[id]
	if !ok {
		return Source{}, &ConfigError{Kind: "source", ID: id, Err: ErrNotFound}
	}
	return src, nil
}

// Blobs is the subset of the artifact store the bucket provider reads.
type Blobs interface {
	Read(ctx context.Context, path string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]string, error)
}

// BucketProvider reads YAML configs from the artifact store. Each config
// is parsed once per provider and cached, so one provider per run gives
// an immutable view of the configuration.
type BucketProvider struct {
	blobs Blobs
	paths artifact.Paths
	v     Validation

	mu         sync.Mutex
	indicators map[string]indicatorEntry
	sources    map[string]sourceEntry
}

type indicatorEntry struct {
	ind Indicator
	err error
}

type sourceEntry struct {
	src Source
	err error
}

// NewBucketProvider creates a provider over blobs.
func NewBucketProvider(blobs Blobs, paths artifact.Paths, v Validation) *BucketProvider {
	return &BucketProvider{
		blobs:      blobs,
		paths:      paths,
		v:          v,
		indicators: make(map[string]indicatorEntry),
		sources:    make(map[string]sourceEntry),
	}
}

// IndicatorIDs lists all configured indicator ids.
func (p *BucketProvider) IndicatorIDs(ctx context.Context) ([]string, error) {
	return p.listIDs(ctx, artifact.IndicatorsConfigPrefix)
}

// SourceIDs lists all configured source config names.
func (p *BucketProvider) SourceIDs(ctx context.Context) ([]string, error) {
	return p.listIDs(ctx, artifact.SourcesConfigPrefix)
}

func (p *BucketProvider) listIDs(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, k := range keys {
		name := path.Base(k)
		if ext := path.Ext(name); ext == ".yaml" || ext == ".yml" {
			ids = append(ids, strings.TrimSuffix(name, ext))
		}
	}
	return ids, nil
}

// Indicators implements Provider.
func (p *BucketProvider) Indicators(ctx context.Context, f Filter) (Selection, error) {
	ids := f.IDs
	if len(ids) == 0 {
		all, err := p.IndicatorIDs(ctx)
		if err != nil {
			return Selection{}, fmt.Errorf("catalog: list indicators: %w", err)
		}
		ids = all
	}
	return selectIndicators(ids, f, func(id string) (Indicator, error) {
		return p.indicator(ctx, id)
	})
}

func (p *BucketProvider) indicator(ctx context.Context, id string) (Indicator, error) {
	p.mu.Lock()
	e, ok := p.indicators[id]
	p.mu.Unlock()
	if ok {
		return e.ind, e.err
	}

	var ind Indicator
	err := p.load(ctx, p.paths.IndicatorConfig(id), &ind)
	if err == nil {
		if ind.ID == "" {
			ind.ID = id
		}
		err = p.v.ValidateIndicator(&ind)
	}
	if err != nil {
		err = &ConfigError{Kind: "indicator", ID: id, Err: err}
	}

	p.mu.Lock()
	p.indicators[id] = indicatorEntry{ind: ind, err: err}
	p.mu.Unlock()
	return ind, err
}

// Source implements Provider.
func (p *BucketProvider) Source(ctx context.Context, id string) (Source, error) {
	p.mu.Lock()
	e, ok := p.sources[id]
	p.mu.Unlock()
	if ok {
		return e.src, e.err
	}

	var src Source
	err := p.load(ctx, p.paths.SourceConfig(id), &src)
	if err == nil {
		if src.ID == "" {
			src.ID = id
		}
		err = p.v.ValidateSource(&src)
	}
	if err != nil {
		err = &ConfigError{Kind: "source", ID: id, Err: err}
	}

	p.mu.Lock()
	p.sources[id] = sourceEntry{src: src, err: err}
	p.mu.Unlock()
	return src, err
}

func (p *BucketProvider) load(ctx context.Context, key string, out any) error {
	data, err := p.blobs.Read(ctx, key)
	if err != nil {
		var srcErr *artifact.SourceError
		if errors.As(err, &srcErr) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	return nil
}

// selectIndicators applies f to ids, loading each with get. Ids are
// deduplicated and processed in sorted order.
func selectIndicators(ids []string, f Filter, get func(string) (Indicator, error)) (Selection, error) {
	uniq := make(map[string]struct{}, len(ids))
	ordered := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := uniq[id]; ok || !f.Match(id) {
			continue
		}
		uniq[id] = struct{}{}
		ordered = append(ordered, id)
	}
	sort.Strings(ordered)

	var sel Selection
	for _, id := range ordered {
		ind, err := get(id)
		if err != nil {
			var cerr *ConfigError
			if errors.As(err, &cerr) {
				sel.Invalid = append(sel.Invalid, cerr)
				continue
			}
			return Selection{}, err
		}
		sel.Indicators = append(sel.Indicators, ind)
	}
	return sel, nil
}
