// Package universe loads the canonical set of country keys every base
// artifact must cover.
package universe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/xuri/excelize/v2"
)

// Universe is an ordered, duplicate-free key set.
type Universe struct {
	keys []string
	set  map[string]struct{}
}

// New builds a universe from keys, dropping blanks and repeats. The first
// occurrence fixes a key's position.
func New(keys []string) *Universe {
	u := &Universe{set: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := u.set[k]; ok {
			continue
		}
		u.set[k] = struct{}{}
		u.keys = append(u.keys, k)
	}
	return u
}

// Keys returns the keys in canonical order.
func (u *Universe) Keys() []string { return append([]string(nil), u.keys...) }

// Len returns the number of keys.
func (u *Universe) Len() int { return len(u.keys) }

// Contains reports whether key belongs to the universe.
func (u *Universe) Contains(key string) bool {
	_, ok := u.set[key]
	return ok
}

// Reader reads a blob.
type Reader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

// Load reads the universe file at p. The format follows the extension:
// ".json" or ".xlsx". keyColumn names the record field or header cell
// holding the key.
func Load(ctx context.Context, r Reader, p, keyColumn string) (*Universe, error) {
	data, err := r.Read(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("universe: %w", err)
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return ParseJSON(data, keyColumn)
	case ".xlsx":
		return ParseXLSX(data, "", keyColumn)
	default:
		return nil, fmt.Errorf("universe: unsupported file %s", p)
	}
}

// ParseJSON accepts either an object keyed by country code or an array
// of records carrying keyColumn. Object key order is preserved.
func ParseJSON(data []byte, keyColumn string) (*Universe, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("universe: parse json: %w", err)
	}

	var keys []string
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			kt, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("universe: parse json: %w", err)
			}
			key, _ := kt.(string)
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("universe: parse json: %w", err)
			}
			keys = append(keys, key)
		}
	case json.Delim('['):
		for dec.More() {
			var rec map[string]any
			if err := dec.Decode(&rec); err != nil {
				return nil, fmt.Errorf("universe: parse json: %w", err)
			}
			if v, ok := rec[keyColumn].(string); ok {
				keys = append(keys, v)
			}
		}
	default:
		return nil, errors.New("universe: json must be an object or an array")
	}
	return nonEmpty(New(keys))
}

// ParseXLSX reads keys from the column headed keyColumn. An empty sheet
// selects the first sheet.
func ParseXLSX(data []byte, sheet, keyColumn string) (*Universe, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("universe: open xlsx: %w", err)
	}
	defer f.Close()

	if sheet == "" {
		sheets := f.GetSheetList()
		if len(sheets) == 0 {
			return nil, errors.New("universe: xlsx has no sheets")
		}
		sheet = sheets[0]
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("universe: read sheet %s: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("universe: sheet %s is empty", sheet)
	}

	col := -1
	for i, h := range rows[0] {
		if strings.TrimSpace(h) == keyColumn {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("universe: column %q not found in sheet %s", keyColumn, sheet)
	}

	var keys []string
	for _, row := range rows[1:] {
		if col < len(row) {
			keys = append(keys, row[col])
		}
	}
	return nonEmpty(New(keys))
}

func nonEmpty(u *Universe) (*Universe, error) {
	if u.Len() == 0 {
		return nil, errors.New("universe: no keys found")
	}
	return u, nil
}
