package transform

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/undp-data/dfpp/internal/catalog"
	"github.com/undp-data/dfpp/internal/registry"
	"github.com/undp-data/dfpp/internal/table"
)

// Preprocessor turns raw source bytes into a frame keyed by country.
type Preprocessor func(raw []byte, ind catalog.Indicator, src catalog.Source) (*table.Frame, error)

// Transformer reshapes a preprocessed frame into "<indicator>_<year>"
// columns.
type Transformer func(f *table.Frame, ind catalog.Indicator) (*table.Frame, error)

// Names of the built-in functions.
const (
	PreprocessCSV  = "csv"
	PreprocessXLSX = "xlsx"
	PivotYears     = "pivot_years"
	WideYears      = "wide_years"
)

// Defaults for long-format columns.
const (
	DefaultYearColumn  = "year"
	DefaultValueColumn = "value"
)

// NewPreprocessors returns a registry holding the built-in preprocessors.
func NewPreprocessors() *registry.Registry[Preprocessor] {
	r := registry.New[Preprocessor]("preprocessing")
	r.MustRegister(PreprocessCSV, preprocessCSV)
	r.MustRegister(PreprocessXLSX, preprocessXLSX)
	return r
}

// NewTransformers returns a registry holding the built-in transformers.
func NewTransformers() *registry.Registry[Transformer] {
	r := registry.New[Transformer]("transform")
	r.MustRegister(PivotYears, pivotYears)
	r.MustRegister(WideYears, wideYears)
	return r
}

func preprocessCSV(raw []byte, _ catalog.Indicator, src catalog.Source) (*table.Frame, error) {
	return table.ReadCSV(bytes.NewReader(raw), src.KeyColumn)
}

func preprocessXLSX(raw []byte, ind catalog.Indicator, src catalog.Source) (*table.Frame, error) {
	f, err := excelize.OpenReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %w", err)
	}
	defer f.Close()

	sheet := ind.Sheet
	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("xlsx has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %s is empty", sheet)
	}
	return table.FromRecords(rows[0], rows[1:], src.KeyColumn)
}

// pivotYears reshapes long data (one row per key and year) into one row
// per key. The first non-null value per key and year wins.
func pivotYears(f *table.Frame, ind catalog.Indicator) (*table.Frame, error) {
	yearCol := ind.YearColumn
	if yearCol == "" {
		yearCol = DefaultYearColumn
	}
	valueCol := ind.ValueColumn
	if valueCol == "" {
		valueCol = DefaultValueColumn
	}
	if !f.HasColumn(yearCol) || !f.HasColumn(valueCol) {
		return nil, fmt.Errorf("pivot_years: need columns %q and %q", yearCol, valueCol)
	}

	out := table.New(table.DefaultKeyColumn)
	for i := range f.Len() {
		key, row := f.RowAt(i)
		year, ok := table.ParseYear(row[yearCol])
		if !ok {
			continue
		}
		col := ind.ID + "_" + year
		if cur, _ := out.Get(key, col); cur != "" {
			continue
		}
		out.Set(key, col, strings.TrimSpace(row[valueCol]))
	}
	return out, nil
}

// wideYears keeps year-named columns and prefixes them with the indicator
// id. Other columns are dropped. Repeated keys are kept for the merge to
// report.
func wideYears(f *table.Frame, ind catalog.Indicator) (*table.Frame, error) {
	rename := make(map[string]string)
	for _, c := range f.Columns() {
		if year, ok := table.ParseYear(c); ok {
			rename[c] = ind.ID + "_" + year
		}
	}
	if len(rename) == 0 {
		return nil, errors.New("wide_years: no year columns")
	}

	out := table.New(table.DefaultKeyColumn)
	for i := range f.Len() {
		key, row := f.RowAt(i)
		values := make(map[string]string, len(rename))
		for from, to := range rename {
			if v := strings.TrimSpace(row[from]); v != "" {
				values[to] = v
			}
		}
		out.AddRow(key, values)
	}
	return out, nil
}
