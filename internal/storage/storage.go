// Package storage archives rendered summary reports in a blob bucket.
//
// Reports are keyed per user and per day so the API can list a user's
// history by prefix and fetch one summary by date without a database row.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Open when no report exists at the path.
var ErrNotFound = errors.New("report not found")

const reportsRoot = "reports/"

// Object is one stored report.
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Storage is a report archive.
type Storage interface {
	// Store writes r to path and reports the byte count and SHA256 of
	// what was written.
	Store(ctx context.Context, path string, r io.Reader) (size int64, sum string, err error)

	// Open returns the content at path, or ErrNotFound. Callers close it.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	Exists(ctx context.Context, path string) (bool, error)

	// Delete is a no-op for missing paths.
	Delete(ctx context.Context, path string) error

	// List returns the objects under prefix in key order.
	List(ctx context.Context, prefix string) ([]Object, error)
}

// ReportPath is reports/{user_id}/{YYYY-MM-DD}.html.
func ReportPath(userID int64, day time.Time) string {
	return ReportPrefix(userID) + day.Format(time.DateOnly) + ".html"
}

// ReportPrefix is the directory holding one user's archived summaries.
func ReportPrefix(userID int64) string {
	return reportsRoot + strconv.FormatInt(userID, 10) + "/"
}

// ReportDate extracts the day from a path built by ReportPath.
func ReportDate(path string) (time.Time, bool) {
	name, ok := strings.CutSuffix(path[strings.LastIndexByte(path, '/')+1:], ".html")
	if !ok {
		return time.Time{}, false
	}
	day, err := time.Parse(time.DateOnly, name)
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// Prune deletes every archived report dated before cutoff and returns how
// many were removed. Keys that do not parse as report paths are left alone.
func Prune(ctx context.Context, s Storage, cutoff time.Time) (int, error) {
	objects, err := s.List(ctx, reportsRoot)
	if err != nil {
		return 0, err
	}

	cutoff = cutoff.UTC().Truncate(24 * time.Hour)
	removed := 0
	for _, obj := range objects {
		day, ok := ReportDate(obj.Path)
		if !ok || !day.Before(cutoff) {
			continue
		}
		if err := s.Delete(ctx, obj.Path); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// digestReader counts and hashes bytes as they are read through it.
type digestReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

func newDigestReader(r io.Reader) *digestReader {
	h := sha256.New()
	return &digestReader{r: io.TeeReader(r, h), h: h}
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.n += int64(n)
	return n, err
}

func (d *digestReader) sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}
