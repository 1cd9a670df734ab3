package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vulnz/vulnz/internal/enrichment"
	"github.com/vulnz/vulnz/internal/upstream"
)

type fakeWordPress struct {
	plugins map[string]*upstream.Info
	themes  map[string]*upstream.Info
	err     error
}

func (f *fakeWordPress) PluginInfo(_ context.Context, slug string) (*upstream.Info, error) {
	if f.err != nil {
		return nil, f.err
	}
	if info, ok := f.plugins[slug]; ok {
		return info, nil
	}
	return nil, upstream.ErrNotFound
}

func (f *fakeWordPress) ThemeInfo(_ context.Context, slug string) (*upstream.Info, error) {
	if info, ok := f.themes[slug]; ok {
		return info, nil
	}
	return nil, upstream.ErrNotFound
}

type fakeNPM struct {
	packages map[string]*enrichment.PackageInfo
	advisory map[string][]string
}

func (f *fakeNPM) Package(_ context.Context, name string) (*enrichment.PackageInfo, error) {
	return f.packages[name], nil
}

func (f *fakeNPM) Advisories(_ context.Context, name string, versions []string) (map[string][]string, error) {
	out := make(map[string][]string, len(versions))
	for _, v := range versions {
		out[v] = f.advisory[name+"@"+v]
	}
	return out, nil
}

type fakeBulk struct {
	calls int
	infos map[string]*enrichment.PackageInfo
}

func (f *fakeBulk) BulkLookup(_ context.Context, names []string) (map[string]*enrichment.PackageInfo, error) {
	f.calls++
	return f.infos, nil
}

func TestSyncComponentWordPress(t *testing.T) {
	db := setupTestDB(t)
	r := New(db, discardLogger())
	ctx := context.Background()

	wp := &fakeWordPress{
		plugins: map[string]*upstream.Info{"akismet": {Name: "Akismet Anti-spam", Description: "Spam", Homepage: "https://akismet.com"}},
		themes:  map[string]*upstream.Info{"astra": {Name: "Astra"}},
	}
	s := NewSyncer(db, r, wp, nil, nil, discardLogger())

	plugin, err := r.FindOrCreateComponent(ctx, "wordpress-plugin", "akismet", "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SyncComponent(ctx, plugin); err != nil {
		t.Fatalf("SyncComponent failed: %v", err)
	}
	got, _ := db.GetComponent(ctx, plugin.ID)
	if got.Title != "Akismet Anti-spam" || got.Description.String != "Spam" || !got.SyncedFromWporg || !got.SyncedAt.Valid {
		t.Errorf("unexpected synced component: %+v", got)
	}

	theme, _ := r.FindOrCreateComponent(ctx, "wordpress-theme", "astra", "")
	if err := s.SyncComponent(ctx, theme); err != nil {
		t.Fatalf("SyncComponent(theme) failed: %v", err)
	}
	got, _ = db.GetComponent(ctx, theme.ID)
	if got.Title != "Astra" {
		t.Errorf("expected theme title Astra, got %q", got.Title)
	}

	custom, _ := r.FindOrCreateComponent(ctx, "wordpress-plugin", "in-house", "In House")
	if err := s.SyncComponent(ctx, custom); err != nil {
		t.Fatalf("SyncComponent(unknown) failed: %v", err)
	}
	got, _ = db.GetComponent(ctx, custom.ID)
	if got.Title != "In House" || !got.SyncedAt.Valid || got.SyncedFromWporg {
		t.Errorf("expected unknown plugin stamped but unchanged, got %+v", got)
	}
}

func TestSyncComponentNPMAttachesAdvisories(t *testing.T) {
	db := setupTestDB(t)
	r := New(db, discardLogger())
	ctx := context.Background()

	npm := &fakeNPM{
		packages: map[string]*enrichment.PackageInfo{"lodash": {Name: "lodash", Description: "Utilities", Repository: "https://github.com/lodash/lodash", License: "MIT"}},
		advisory: map[string][]string{"lodash@4.17.20": {"https://osv.dev/vulnerability/GHSA-35jh-r3h4-6jhm"}},
	}
	s := NewSyncer(db, r, nil, npm, nil, discardLogger())

	old, _ := r.Ingest(ctx, IngestRequest{Type: "npm-package", Slug: "lodash", Version: "4.17.20"})
	current, _ := r.Ingest(ctx, IngestRequest{Type: "npm-package", Slug: "lodash", Version: "4.17.21"})

	if err := s.SyncComponent(ctx, old.Component); err != nil {
		t.Fatalf("SyncComponent failed: %v", err)
	}

	got, _ := db.GetComponent(ctx, old.Component.ID)
	if got.URL.String != "https://github.com/lodash/lodash" || got.License.String != "MIT" {
		t.Errorf("unexpected component after sync: %+v", got)
	}
	if got.SyncedFromWporg {
		t.Error("npm components must not be flagged as synced from wordpress.org")
	}

	vulns, _ := db.ListVulnerabilities(ctx, old.Release.ID)
	if len(vulns) != 1 {
		t.Errorf("expected advisory on 4.17.20, got %d", len(vulns))
	}
	vulns, _ = db.ListVulnerabilities(ctx, current.Release.ID)
	if len(vulns) != 0 {
		t.Errorf("expected no advisory on 4.17.21, got %d", len(vulns))
	}
}

func TestSyncPending(t *testing.T) {
	db := setupTestDB(t)
	r := New(db, discardLogger())
	ctx := context.Background()

	wp := &fakeWordPress{plugins: map[string]*upstream.Info{"akismet": {Name: "Akismet"}}}
	bulk := &fakeBulk{infos: map[string]*enrichment.PackageInfo{"react": {Name: "react", Description: "UI"}}}
	s := NewSyncer(db, r, wp, &fakeNPM{}, bulk, discardLogger())

	for _, req := range []IngestRequest{
		{Type: "wordpress-plugin", Slug: "akismet", Version: "5.3"},
		{Type: "npm-package", Slug: "react", Version: "18.2.0"},
	} {
		if _, err := r.Ingest(ctx, req); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.SyncPending(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("SyncPending failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 synced, got %d", n)
	}
	if bulk.calls != 1 {
		t.Errorf("expected one bulk lookup, got %d", bulk.calls)
	}

	react, _ := db.GetComponentBySlug(ctx, "npm-package", "react")
	if react.Description.String != "UI" {
		t.Errorf("expected prefetched description, got %q", react.Description.String)
	}

	n, err = s.SyncPending(ctx, 10, time.Hour)
	if err != nil {
		t.Fatalf("second SyncPending failed: %v", err)
	}
	if n != 0 {
		t.Errorf("expected nothing pending after sync, got %d", n)
	}
}

func TestSyncPendingCollectsErrors(t *testing.T) {
	db := setupTestDB(t)
	r := New(db, discardLogger())
	ctx := context.Background()

	wp := &fakeWordPress{err: upstream.ErrUpstreamDown}
	s := NewSyncer(db, r, wp, nil, nil, discardLogger())

	for _, slug := range []string{"a", "b", "c"} {
		if _, err := r.FindOrCreateComponent(ctx, "wordpress-plugin", slug, ""); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.SyncPending(ctx, 10, time.Hour)
	if n != 0 {
		t.Errorf("expected no successful syncs, got %d", n)
	}
	if !errors.Is(err, upstream.ErrUpstreamDown) {
		t.Errorf("expected aggregated ErrUpstreamDown, got %v", err)
	}
}
