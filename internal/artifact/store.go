package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"
)

// checksumKey is the blob metadata key holding the sha256 of the content.
const checksumKey = "sha256"

// ErrExists is returned by Write when overwrite is false and the blob
// already exists.
var ErrExists = errors.New("artifact: blob already exists")

// SourceError reports that a referenced blob does not exist.
type SourceError struct {
	Path string
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("artifact %s does not exist", e.Path)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Store is a blob-backed artifact store. Any gocloud bucket driver works;
// tests use memblob.
type Store struct {
	bucket *blob.Bucket
}

// Open opens the bucket at url (e.g. "file:///data", "s3://bucket",
// "azblob://container", "mem://").
func Open(ctx context.Context, url string) (*Store, error) {
	b, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("artifact: open bucket: %w", err)
	}
	return &Store{bucket: b}, nil
}

// New wraps an already opened bucket. The Store takes ownership.
func New(bucket *blob.Bucket) *Store {
	return &Store{bucket: bucket}
}

// Close releases the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

// Exists reports whether a blob exists at path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := s.bucket.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("artifact: exists %s: %w", path, err)
	}
	return ok, nil
}

// Read returns the full content of the blob at path.
func (s *Store) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := s.bucket.ReadAll(ctx, path)
	if err != nil {
		if isNotExist(err) {
			return nil, &SourceError{Path: path, Err: err}
		}
		return nil, fmt.Errorf("artifact: read %s: %w", path, err)
	}
	return data, nil
}

// Write stores data at path. The content checksum is recorded in the
// blob metadata so Checksum does not need to re-read the content.
func (s *Store) Write(ctx context.Context, path string, data []byte, contentType string, overwrite bool) error {
	if !overwrite {
		exists, err := s.Exists(ctx, path)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrExists, path)
		}
	}

	opts := &blob.WriterOptions{
		ContentType: contentType,
		Metadata:    map[string]string{checksumKey: Sum(data)},
	}
	if err := s.bucket.WriteAll(ctx, path, data, opts); err != nil {
		return fmt.Errorf("artifact: write %s: %w", path, err)
	}
	return nil
}

// Checksum returns the sha256 hex digest of the blob at path.
func (s *Store) Checksum(ctx context.Context, path string) (string, error) {
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		if isNotExist(err) {
			return "", &SourceError{Path: path, Err: err}
		}
		return "", fmt.Errorf("artifact: attributes %s: %w", path, err)
	}
	if sum := attrs.Metadata[checksumKey]; sum != "" {
		return sum, nil
	}

	// Written by something other than Write; hash the content.
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		return "", fmt.Errorf("artifact: open %s: %w", path, err)
	}
	defer r.Close()

	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("artifact: hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Delete removes the blob at path. Deleting a missing blob is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.bucket.Delete(ctx, path); err != nil && !isNotExist(err) {
		return fmt.Errorf("artifact: delete %s: %w", path, err)
	}
	return nil
}

// List returns the keys under prefix in lexical order.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("artifact: list %s: %w", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Sum returns the sha256 hex digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func isNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
