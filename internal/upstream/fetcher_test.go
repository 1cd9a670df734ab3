package upstream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestFetchJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "test-agent" {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`{"name":"ok"}`))
	}))
	defer srv.Close()

	f := New(WithUserAgent("test-agent"))
	var out struct{ Name string }
	if err := f.FetchJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("FetchJSON failed: %v", err)
	}
	if out.Name != "ok" {
		t.Errorf("expected name ok, got %q", out.Name)
	}
}

func TestFetchJSONStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusNotFound, ErrNotFound},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusBadGateway, ErrUpstreamDown},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			var out map[string]any
			err := New().FetchJSON(context.Background(), srv.URL, &out)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestFetchJSONDoesNotRetry(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusTooManyRequests} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(status)
		}))

		var out map[string]any
		if err := New().FetchJSON(context.Background(), srv.URL, &out); err == nil {
			t.Errorf("status %d: expected an error", status)
		}
		if calls.Load() != 1 {
			t.Errorf("status %d: expected a single attempt, got %d", status, calls.Load())
		}
		srv.Close()
	}
}

func TestFetchJSONTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	var observed error
	f := New(WithTimeout(20*time.Millisecond), WithObserver(func(_ string, _ time.Duration, err error) {
		observed = err
	}))
	var out map[string]any
	if err := f.FetchJSON(context.Background(), srv.URL, &out); err == nil {
		t.Fatal("expected timeout error")
	}
	if observed == nil {
		t.Error("expected observer to see the error")
	}
}

func TestPluginInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/plugins/akismet.json":
			_, _ = w.Write([]byte(`{"name":"Akismet Anti-spam","version":"5.3","homepage":"https://akismet.com","sections":{"description":"<p>Spam protection</p>"}}`))
		case "/plugins/empty.json":
			_, _ = w.Write([]byte(`{"name":"Empty","sections":[]}`))
		default:
			_, _ = w.Write([]byte(`{"error":"Plugin not found."}`))
		}
	}))
	defer srv.Close()

	wp := NewWordPress(New(), srv.URL+"/plugins/", "")

	info, err := wp.PluginInfo(context.Background(), "akismet")
	if err != nil {
		t.Fatalf("PluginInfo failed: %v", err)
	}
	if info.Name != "Akismet Anti-spam" || info.Description != "<p>Spam protection</p>" {
		t.Errorf("unexpected info: %+v", info)
	}

	info, err = wp.PluginInfo(context.Background(), "empty")
	if err != nil {
		t.Fatalf("PluginInfo(empty) failed: %v", err)
	}
	if info.Description != "" {
		t.Errorf("expected empty description, got %q", info.Description)
	}

	if _, err := wp.PluginInfo(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestThemeInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("request[slug]") == "astra" {
			_, _ = w.Write([]byte(`{"name":"Astra","sections":{"description":"Fast theme"}}`))
			return
		}
		_, _ = w.Write([]byte(`false`))
	}))
	defer srv.Close()

	wp := NewWordPress(New(), "", srv.URL+"/themes/")

	info, err := wp.ThemeInfo(context.Background(), "astra")
	if err != nil {
		t.Fatalf("ThemeInfo failed: %v", err)
	}
	if info.Description != "Fast theme" {
		t.Errorf("unexpected description %q", info.Description)
	}

	if _, err := wp.ThemeInfo(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
