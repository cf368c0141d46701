// Package cache keeps raw source bytes on local disk for the length of
// one pipeline run. Several indicators usually share a source; the cache
// makes them share one read of it.
package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrClosed is returned by Load after Close.
var ErrClosed = errors.New("cache: closed")

// FillFunc produces the bytes for a cache miss.
type FillFunc func(ctx context.Context) ([]byte, error)

// Cache is a run-scoped scratch directory. It is owned by exactly one run,
// which must call Close on every exit path.
type Cache struct {
	dir   string
	group singleflight.Group

	mu     sync.RWMutex
	closed bool
}

// New creates a private directory under parent. An empty parent uses the
// system temp dir.
func New(parent string) (*Cache, error) {
	dir, err := os.MkdirTemp(parent, "dfpp-run-*")
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the scratch directory.
func (c *Cache) Dir() string { return c.dir }

// Load returns the bytes cached under name, calling fill on a miss.
// Concurrent loads of the same name share a single fill.
func (c *Cache) Load(ctx context.Context, name string, fill FillFunc) ([]byte, error) {
	p, err := c.path(name)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}

	if data, err := os.ReadFile(p); err == nil {
		return data, nil
	}

	v, err, _ := c.group.Do(name, func() (any, error) {
		if data, err := os.ReadFile(p); err == nil {
			return data, nil
		}
		data, err := fill(ctx)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		tmp := p + ".part"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		if err := os.Rename(tmp, p); err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Close removes the scratch directory. It waits for in-flight loads and
// is safe to call more than once.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return os.RemoveAll(c.dir)
}

func (c *Cache) path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if name == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("cache: invalid name %q", name)
	}
	return filepath.Join(c.dir, clean), nil
}
