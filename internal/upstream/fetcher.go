// Package upstream fetches component metadata from upstream sources such
// as the WordPress.org plugin and theme APIs.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	ErrNotFound     = errors.New("not found upstream")
	ErrRateLimited  = errors.New("rate limited by upstream")
	ErrUpstreamDown = errors.New("upstream unavailable")
)

// maxBodySize caps how much of a metadata response is decoded.
const maxBodySize = 8 << 20

// Fetcher GETs JSON documents from upstream metadata APIs.
type Fetcher struct {
	client    *http.Client
	userAgent string
	observe   func(host string, d time.Duration, err error)
}

type Option func(*Fetcher)

func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) { f.client.Timeout = d }
}

func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.userAgent = ua }
}

// WithObserver is called with the host, duration and outcome of every
// request.
func WithObserver(fn func(host string, d time.Duration, err error)) Option {
	return func(f *Fetcher) { f.observe = fn }
}

func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:    &http.Client{Timeout: 10 * time.Second},
		userAgent: "vulnz",
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchJSON GETs url once and decodes the body into dst. A failure is not
// retried; the next scheduled sync tries again.
func (f *Fetcher) FetchJSON(ctx context.Context, url string, dst any) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", url, err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "application/json")

	if f.observe != nil {
		defer func(start time.Time) { f.observe(req.URL.Host, time.Since(start), err) }(time.Now())
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := statusError(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodySize)).Decode(dst); err != nil {
		return fmt.Errorf("decoding %s: %w", url, err)
	}
	return nil
}

// statusError maps a non-200 response to one of the package errors.
func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusTooManyRequests:
		return ErrRateLimited
	case code >= 500:
		return fmt.Errorf("%w: status %d", ErrUpstreamDown, code)
	default:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", code, snippet)
	}
}
