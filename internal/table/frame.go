// Package table holds a minimal keyed table of nullable string cells.
//
// A Frame has one key column and any number of data columns. Cells are
// strings; the empty string is null. Rows may repeat a key until Dedup
// is called, which mirrors how transformed data arrives from upstream.
package table

import (
	"regexp"
	"sort"
	"strings"
)

// DefaultKeyColumn is the ISO3 country key column of base artifacts.
const DefaultKeyColumn = "Alpha-3 code"

// Frame is a keyed table. The zero value is not usable; call New.
type Frame struct {
	keyColumn string
	columns   []string
	colIndex  map[string]int
	keys      []string
	rows      [][]string
	first     map[string]int
}

// New creates an empty frame with the given data columns. Duplicate and
// key-named columns are ignored.
func New(keyColumn string, columns ...string) *Frame {
	if keyColumn == "" {
		keyColumn = DefaultKeyColumn
	}
	f := &Frame{
		keyColumn: keyColumn,
		colIndex:  make(map[string]int),
		first:     make(map[string]int),
	}
	for _, c := range columns {
		f.AddColumn(c)
	}
	return f
}

// KeyColumn returns the name of the key column.
func (f *Frame) KeyColumn() string { return f.keyColumn }

// Columns returns the data column names in order.
func (f *Frame) Columns() []string {
	return append([]string(nil), f.columns...)
}

// Keys returns the row keys in order, including repeats.
func (f *Frame) Keys() []string {
	return append([]string(nil), f.keys...)
}

// Len returns the number of rows.
func (f *Frame) Len() int { return len(f.keys) }

// HasColumn reports whether name is a data column.
func (f *Frame) HasColumn(name string) bool {
	_, ok := f.colIndex[name]
	return ok
}

// HasKey reports whether any row carries key.
func (f *Frame) HasKey(key string) bool {
	_, ok := f.first[key]
	return ok
}

// AddColumn appends an all-null data column. It is a no-op if the column
// exists or name is the key column.
func (f *Frame) AddColumn(name string) {
	if name == "" || name == f.keyColumn {
		return
	}
	if _, ok := f.colIndex[name]; ok {
		return
	}
	f.colIndex[name] = len(f.columns)
	f.columns = append(f.columns, name)
	for i := range f.rows {
		f.rows[i] = append(f.rows[i], "")
	}
}

// AddRow appends a row. Values for unknown columns add the column.
func (f *Frame) AddRow(key string, values map[string]string) {
	for c := range values {
		if _, ok := f.colIndex[c]; !ok {
			f.addSorted(values)
			break
		}
	}
	row := make([]string, len(f.columns))
	for c, v := range values {
		if i, ok := f.colIndex[c]; ok {
			row[i] = v
		}
	}
	if _, ok := f.first[key]; !ok {
		f.first[key] = len(f.keys)
	}
	f.keys = append(f.keys, key)
	f.rows = append(f.rows, row)
}

// addSorted adds the unknown columns of values in sorted order so that
// map iteration order never leaks into the column layout.
func (f *Frame) addSorted(values map[string]string) {
	var missing []string
	for c := range values {
		if _, ok := f.colIndex[c]; !ok && c != f.keyColumn {
			missing = append(missing, c)
		}
	}
	sort.Strings(missing)
	for _, c := range missing {
		f.AddColumn(c)
	}
}

// Get returns the cell for the first row with key. ok is false if the key
// or column is unknown.
func (f *Frame) Get(key, column string) (value string, ok bool) {
	r, ok := f.first[key]
	if !ok {
		return "", false
	}
	c, ok := f.colIndex[column]
	if !ok {
		return "", false
	}
	return f.rows[r][c], true
}

// Set writes the cell for the first row with key, adding the row and
// column when missing.
func (f *Frame) Set(key, column, value string) {
	if column == f.keyColumn {
		return
	}
	f.AddColumn(column)
	r, ok := f.first[key]
	if !ok {
		f.AddRow(key, nil)
		r = len(f.rows) - 1
	}
	f.rows[r][f.colIndex[column]] = value
}

// Row returns a copy of the first row with key as a column map. Null
// cells are omitted.
func (f *Frame) Row(key string) (map[string]string, bool) {
	r, ok := f.first[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]string)
	for i, c := range f.columns {
		if v := f.rows[r][i]; v != "" {
			out[c] = v
		}
	}
	return out, true
}

// RowAt returns the key and non-null cells of row i, counting repeats.
func (f *Frame) RowAt(i int) (string, map[string]string) {
	out := make(map[string]string)
	for j, c := range f.columns {
		if v := f.rows[i][j]; v != "" {
			out[c] = v
		}
	}
	return f.keys[i], out
}

// Dedup returns a frame keeping the first row for each key, and the sorted
// keys that had more than one row.
func (f *Frame) Dedup() (*Frame, []string) {
	out := New(f.keyColumn, f.columns...)
	dups := make(map[string]struct{})
	for i, key := range f.keys {
		if _, seen := out.first[key]; seen {
			dups[key] = struct{}{}
			continue
		}
		out.first[key] = len(out.keys)
		out.keys = append(out.keys, key)
		out.rows = append(out.rows, append([]string(nil), f.rows[i]...))
	}
	duplicates := make([]string, 0, len(dups))
	for k := range dups {
		duplicates = append(duplicates, k)
	}
	sort.Strings(duplicates)
	return out, duplicates
}

var yearPattern = regexp.MustCompile(`^(\d{4})(\.0+)?$`)

// ParseYear returns the four-digit year of s, accepting spreadsheet
// floats such as "2020.0".
func ParseYear(s string) (string, bool) {
	m := yearPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ColumnYear returns the year of column col of indicator id. Only
// "<id>_<year>" names match, so "gdp_pc_2020" does not belong to "gdp".
func ColumnYear(col, id string) (string, bool) {
	rest, ok := strings.CutPrefix(col, id+"_")
	if !ok {
		return "", false
	}
	return ParseYear(rest)
}

// IndicatorColumns returns the "<id>_<year>" data columns of indicator id.
func (f *Frame) IndicatorColumns(id string) []string {
	var cols []string
	for _, c := range f.columns {
		if _, ok := ColumnYear(c, id); ok {
			cols = append(cols, c)
		}
	}
	return cols
}

// HasData reports whether any of columns holds a non-null value.
func (f *Frame) HasData(columns []string) bool {
	for _, c := range columns {
		i, ok := f.colIndex[c]
		if !ok {
			continue
		}
		for _, row := range f.rows {
			if row[i] != "" {
				return true
			}
		}
	}
	return false
}
