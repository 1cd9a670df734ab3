package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/s3blob"
	"gocloud.dev/gcerrors"

	"github.com/vulnz/vulnz/internal/metrics"
)

// Bucket is a Storage backed by a gocloud.dev bucket. file:// and s3://
// URLs are supported; s3 takes credentials from the AWS_* environment
// and accepts region and endpoint query parameters for MinIO.
type Bucket struct {
	bucket *blob.Bucket
}

// OpenBucket opens the archive at rawURL. Local directories are created
// on first use.
func OpenBucket(ctx context.Context, rawURL string) (*Bucket, error) {
	if strings.HasPrefix(rawURL, "file://") {
		dir, err := localDir(rawURL)
		if err != nil {
			return nil, err
		}
		rawURL = "file://" + filepath.ToSlash(dir)
	}

	b, err := blob.OpenBucket(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("opening report bucket: %w", err)
	}
	return &Bucket{bucket: b}, nil
}

// localDir resolves a file:// URL to an absolute directory, which
// fileblob requires, creating it if needed.
func localDir(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parsing storage url: %w", err)
	}
	dir := u.Path
	if dir == "" {
		dir = u.Opaque
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}
	return filepath.Abs(dir)
}

// observe records the duration of op and counts it as failed when err is
// set. Missing objects are not failures.
func observe(op string, start time.Time, err error) {
	metrics.RecordStorageOperation(op, time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		metrics.RecordStorageError(op)
	}
}

func (b *Bucket) Store(ctx context.Context, path string, r io.Reader) (size int64, sum string, err error) {
	defer func(start time.Time) { observe("write", start, err) }(time.Now())

	w, err := b.bucket.NewWriter(ctx, path, &blob.WriterOptions{ContentType: contentType(path)})
	if err != nil {
		return 0, "", fmt.Errorf("creating writer for %s: %w", path, err)
	}
	d := newDigestReader(r)
	if _, err := io.Copy(w, d); err != nil {
		_ = w.Close()
		return 0, "", fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("committing %s: %w", path, err)
	}
	return d.n, d.sum(), nil
}

func contentType(path string) string {
	if strings.HasSuffix(path, ".html") {
		return "text/html; charset=utf-8"
	}
	return "application/octet-stream"
}

func (b *Bucket) Open(ctx context.Context, path string) (rc io.ReadCloser, err error) {
	defer func(start time.Time) { observe("read", start, err) }(time.Now())

	rc, err = b.bucket.NewReader(ctx, path, nil)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return rc, nil
}

func (b *Bucket) Exists(ctx context.Context, path string) (bool, error) {
	ok, err := b.bucket.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	return ok, nil
}

func (b *Bucket) Delete(ctx context.Context, path string) (err error) {
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())

	err = b.bucket.Delete(ctx, path)
	if gcerrors.Code(err) == gcerrors.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("deleting %s: %w", path, err)
	}
	return nil
}

func (b *Bucket) List(ctx context.Context, prefix string) (out []Object, err error) {
	defer func(start time.Time) { observe("list", start, err) }(time.Now())

	it := b.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := it.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefix, err)
		}
		if !obj.IsDir {
			out = append(out, Object{Path: obj.Key, Size: obj.Size, ModTime: obj.ModTime})
		}
	}
}

func (b *Bucket) Close() error {
	return b.bucket.Close()
}
