package table

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// ReadCSV parses a CSV with a header row. See FromRecords.
func ReadCSV(r io.Reader, keyColumn string) (*Frame, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("table: empty csv")
	}
	if err != nil {
		return nil, fmt.Errorf("table: read header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	var records [][]string
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("table: line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	return FromRecords(header, records, keyColumn)
}

// FromRecords builds a frame from a header and data records, as read from
// a CSV or a spreadsheet. The header must contain keyColumn. Records with
// an empty key are skipped and short records are padded with nulls.
func FromRecords(header []string, records [][]string, keyColumn string) (*Frame, error) {
	if keyColumn == "" {
		keyColumn = DefaultKeyColumn
	}
	keyIdx := -1
	for i, h := range header {
		if strings.TrimSpace(h) == keyColumn {
			keyIdx = i
			break
		}
	}
	if keyIdx < 0 {
		return nil, fmt.Errorf("table: key column %q not in header", keyColumn)
	}

	var dataCols []string
	for i, h := range header {
		if i != keyIdx {
			dataCols = append(dataCols, h)
		}
	}
	f := New(keyColumn, dataCols...)

	for _, rec := range records {
		if keyIdx >= len(rec) {
			continue
		}
		key := strings.TrimSpace(rec[keyIdx])
		if key == "" {
			continue
		}
		values := make(map[string]string, len(header)-1)
		for i, h := range header {
			if i == keyIdx || i >= len(rec) || h == "" {
				continue
			}
			values[h] = rec[i]
		}
		f.AddRow(key, values)
	}
	return f, nil
}

// WriteCSV writes the key column followed by the data columns in order.
// The output depends only on the frame content.
func (f *Frame) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	header := make([]string, 0, len(f.columns)+1)
	header = append(header, f.keyColumn)
	header = append(header, f.columns...)
	if err := cw.Write(header); err != nil {
		return err
	}
	rec := make([]string, len(header))
	for i, key := range f.keys {
		rec[0] = key
		copy(rec[1:], f.rows[i])
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// MarshalCSV returns the CSV encoding of f.
func (f *Frame) MarshalCSV() ([]byte, error) {
	var buf bytes.Buffer
	if err := f.WriteCSV(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
