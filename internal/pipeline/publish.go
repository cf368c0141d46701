package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"sort"
	"time"

	"github.com/undp-data/dfpp/internal/artifact"
	"github.com/undp-data/dfpp/internal/cache"
	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/logger"
	"github.com/undp-data/dfpp/internal/report"
	"github.com/undp-data/dfpp/internal/table"
)

// Report kinds recorded by BasePublisher.
const (
	KindNoData = "NoData"
	KindSource = "SourceError"
	KindConfig = "ConfigError"
)

// DefaultOutputName is the file BasePublisher writes under the project
// output prefix.
const DefaultOutputName = "output.csv"

// PublishRequest selects the indicators to publish.
type PublishRequest struct {
	RunID        string
	IndicatorIDs []string
	Cache        *cache.Cache
}

// PublishResult is the outcome of a publish run.
type PublishResult struct {
	SucceededIndicatorIDs []string
	Errors                []report.Row
}

// Publisher releases merged indicators to their consumers.
type Publisher interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishResult, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, req PublishRequest) (*PublishResult, error)

// Publish implements Publisher.
func (f PublisherFunc) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	return f(ctx, req)
}

// BlobStore is the part of the artifact store BasePublisher uses.
type BlobStore interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error
}

// BasePublisher flattens the "<indicator>_<year>" columns of base
// artifacts into one long CSV with the columns key, year, indicator_id
// and value. Null cells are left out. Indicators with no year columns in
// their base are reported as NoData and not published.
type BasePublisher struct {
	Provider   catalog.Provider
	Store      BlobStore
	Paths      artifact.Paths
	OutputName string

	// KeyColumn is the key column of base artifacts and of the output.
	// Empty means table.DefaultKeyColumn.
	KeyColumn string

	Logger logger.Logger
}

type longRow struct {
	key, year, indicator, value string
}

// Publish implements Publisher.
func (p *BasePublisher) Publish(ctx context.Context, req PublishRequest) (*PublishResult, error) {
	log := p.Logger
	if log == nil {
		log = logger.NewNop()
	}
	res := &PublishResult{}
	if len(req.IndicatorIDs) == 0 {
		return res, nil
	}

	sel, err := p.Provider.Indicators(ctx, catalog.Filter{IDs: req.IndicatorIDs})
	if err != nil {
		return nil, fmt.Errorf("resolve indicators: %w", err)
	}
	fail := func(indID, srcID, kind string, err error) {
		res.Errors = append(res.Errors, report.Row{
			RunID: req.RunID, Stage: string(StagePublish), IndicatorID: indID, SourceID: srcID,
			Kind: kind, Error: err.Error(), At: time.Now().UTC(),
		})
	}
	for _, cerr := range sel.Invalid {
		fail(cerr.ID, "", KindConfig, cerr)
	}

	var rows []longRow
	for _, ind := range sel.Indicators {
		base, err := p.base(ctx, req.Cache, ind.SourceID)
		if err != nil {
			fail(ind.ID, ind.SourceID, KindSource, err)
			continue
		}

		n := 0
		for _, col := range base.IndicatorColumns(ind.ID) {
			year, _ := table.ColumnYear(col, ind.ID)
			for i := range base.Len() {
				key, cells := base.RowAt(i)
				if v, ok := cells[col]; ok {
					rows = append(rows, longRow{key: key, year: year, indicator: ind.ID, value: v})
					n++
				}
			}
		}
		if n == 0 {
			fail(ind.ID, ind.SourceID, KindNoData, fmt.Errorf("no data for indicator %s in base %s", ind.ID, ind.SourceID))
			log.Warn("Nothing to publish", logger.String("indicator_id", ind.ID))
			continue
		}
		res.SucceededIndicatorIDs = append(res.SucceededIndicatorIDs, ind.ID)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.indicator != b.indicator {
			return a.indicator < b.indicator
		}
		if a.year != b.year {
			return a.year < b.year
		}
		return a.key < b.key
	})

	data, err := encodeLong(p.keyColumn(), rows)
	if err != nil {
		return nil, err
	}
	name := p.OutputName
	if name == "" {
		name = DefaultOutputName
	}
	if err := p.Store.Write(ctx, p.Paths.Output(name), data, "text/csv", true); err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}

	sort.Strings(res.SucceededIndicatorIDs)
	log.Info("Published indicators",
		logger.String("run_id", req.RunID),
		logger.Int("published", len(res.SucceededIndicatorIDs)),
		logger.Int("failed", len(res.Errors)),
		logger.Int("rows", len(rows)),
	)
	return res, nil
}

func (p *BasePublisher) base(ctx context.Context, c *cache.Cache, sourceID string) (*table.Frame, error) {
	read := func(ctx context.Context) ([]byte, error) {
		return p.Store.Read(ctx, p.Paths.Base(sourceID))
	}
	var (
		data []byte
		err  error
	)
	if c != nil {
		data, err = c.Load(ctx, "base/"+sourceID+".csv", read)
	} else {
		data, err = read(ctx)
	}
	if err != nil {
		return nil, err
	}
	return table.ReadCSV(bytes.NewReader(data), p.keyColumn())
}

func (p *BasePublisher) keyColumn() string {
	if p.KeyColumn == "" {
		return table.DefaultKeyColumn
	}
	return p.KeyColumn
}

func encodeLong(keyColumn string, rows []longRow) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write([]string{keyColumn, "year", "indicator_id", "value"}); err != nil {
		return nil, err
	}
	for _, r := range rows {
		if err := w.Write([]string{r.key, r.year, r.indicator, r.value}); err != nil {
			return nil, err
		}
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}
