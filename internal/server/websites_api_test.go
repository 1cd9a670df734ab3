package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/reconcile"
)

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func strPtr(s string) *string { return &s }

func (ts *testServer) createWebsite(key, domain string) WebsiteResponse {
	ts.t.Helper()
	w := ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr(domain)}, key)
	expectStatus(ts.t, w, http.StatusCreated)
	return decode[WebsiteResponse](ts.t, w)
}

func TestWebsiteCreateAndDuplicate(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("owner@example.com")

	w := ts.do(http.MethodPost, "/api/websites", map[string]any{
		"domain":            "https://Blog.Example.com/",
		"wordpress_version": "6.5.2",
		"ecosystem":         "wordpress",
		"meta":              map[string]string{"host": "shared"},
	}, key)
	expectStatus(t, w, http.StatusCreated)
	site := decode[WebsiteResponse](t, w)
	if site.Domain != "blog.example.com" {
		t.Errorf("domain = %q, want blog.example.com", site.Domain)
	}
	if site.Title != "blog.example.com" {
		t.Errorf("title should default to the domain, got %q", site.Title)
	}
	if site.WordPressVersion == nil || *site.WordPressVersion != "6.5.2" {
		t.Errorf("wordpress_version not stored: %v", site.WordPressVersion)
	}
	if site.EcosystemID == nil {
		t.Error("ecosystem should resolve to an id")
	}
	if !strings.Contains(string(site.Meta), "shared") {
		t.Errorf("meta not stored: %s", site.Meta)
	}

	w = ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr("blog.example.com")}, key)
	expectStatus(t, w, http.StatusConflict)

	w = ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr("x.example.com"), Ecosystem: strPtr("cobol")}, key)
	expectStatus(t, w, http.StatusBadRequest)

	w = ts.do(http.MethodPost, "/api/websites", WebsiteRequest{}, key)
	expectStatus(t, w, http.StatusBadRequest)
}

func TestWebsiteOwnership(t *testing.T) {
	ts := newTestServer(t)
	_, aliceKey := ts.createUser("alice@example.com")
	bob, bobKey := ts.createUser("bob@example.com")
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)

	site := ts.createWebsite(aliceKey, "alice.example.com")
	path := "/api/websites/" + itoa(site.ID)

	expectStatus(t, ts.do(http.MethodGet, path, nil, bobKey), http.StatusNotFound)
	expectStatus(t, ts.do(http.MethodDelete, path, nil, bobKey), http.StatusNotFound)
	expectStatus(t, ts.do(http.MethodGet, path, nil, adminKey), http.StatusOK)

	w := ts.do(http.MethodGet, "/api/websites", nil, bobKey)
	expectStatus(t, w, http.StatusOK)
	if list := decode[PagedResponse[WebsiteResponse]](t, w); list.Total != 0 {
		t.Errorf("bob should see no websites, got %d", list.Total)
	}
	w = ts.do(http.MethodGet, "/api/websites", nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	if list := decode[PagedResponse[WebsiteResponse]](t, w); list.Total != 1 {
		t.Errorf("admin should see every website, got %d", list.Total)
	}

	// Only administrators create websites for someone else.
	w = ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr("b.example.com"), UserID: &bob.ID}, aliceKey)
	expectStatus(t, w, http.StatusForbidden)
	w = ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr("b.example.com"), UserID: &bob.ID}, adminKey)
	expectStatus(t, w, http.StatusCreated)
	if got := decode[WebsiteResponse](t, w); got.UserID != bob.ID {
		t.Errorf("website owner = %d, want %d", got.UserID, bob.ID)
	}
}

func TestWebsiteLimit(t *testing.T) {
	ts := newTestServer(t)
	u, key := ts.createUser("owner@example.com")
	u.MaxWebsites.Int64, u.MaxWebsites.Valid = 1, true
	if err := ts.db.UpdateUser(context.Background(), u); err != nil {
		t.Fatalf("UpdateUser failed: %v", err)
	}

	ts.createWebsite(key, "one.example.com")
	w := ts.do(http.MethodPost, "/api/websites", WebsiteRequest{Domain: strPtr("two.example.com")}, key)
	expectStatus(t, w, http.StatusForbidden)
}

func TestWebsiteUpdateAndDelete(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("owner@example.com")
	site := ts.createWebsite(key, "shop.example.com")
	path := "/api/websites/" + itoa(site.ID)

	isDev := true
	w := ts.do(http.MethodPut, path, WebsiteRequest{Title: strPtr("Shop"), IsDev: &isDev, PHPVersion: strPtr("8.2")}, key)
	expectStatus(t, w, http.StatusOK)
	got := decode[WebsiteResponse](t, w)
	if got.Title != "Shop" || !got.IsDev || got.PHPVersion == nil || *got.PHPVersion != "8.2" {
		t.Errorf("update not applied: %+v", got)
	}
	if got.Domain != "shop.example.com" {
		t.Errorf("domain changed unexpectedly to %q", got.Domain)
	}

	expectStatus(t, ts.do(http.MethodDelete, path, nil, key), http.StatusNoContent)
	expectStatus(t, ts.do(http.MethodGet, path, nil, key), http.StatusNotFound)
}

func TestWebsiteComponentsReplace(t *testing.T) {
	ts := newTestServer(t)
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)
	site := ts.createWebsite(adminKey, "shop.example.com")
	path := "/api/websites/" + itoa(site.ID)

	w := ts.do(http.MethodPut, path+"/components", WebsiteComponentsRequest{
		Plugins: []ReportedComponent{
			{Slug: "akismet", Version: "5.0", Vulnerabilities: []string{"https://example.com/akismet-5.0"}},
			{Slug: "hello-dolly", Version: "1.7.2"},
		},
		Themes: []ReportedComponent{{Slug: "twentytwentyfour", Version: "1.0"}},
	}, adminKey)
	expectStatus(t, w, http.StatusOK)
	counts := decode[map[string]reconcile.Counts](t, w)
	if counts["wordpress-plugin"].Added != 2 || counts["wordpress-theme"].Added != 1 {
		t.Errorf("unexpected counts %+v", counts)
	}
	if _, ok := counts["npm-package"]; ok {
		t.Error("absent lists should leave their type untouched")
	}

	// Replace plugins only: one update, one removal. Themes stay.
	w = ts.do(http.MethodPut, path+"/components", WebsiteComponentsRequest{
		Plugins: []ReportedComponent{{Slug: "akismet", Version: "5.1"}},
	}, adminKey)
	expectStatus(t, w, http.StatusOK)
	counts = decode[map[string]reconcile.Counts](t, w)
	if c := counts["wordpress-plugin"]; c.Updated != 1 || c.Removed != 1 || c.Added != 0 {
		t.Errorf("unexpected plugin counts %+v", c)
	}

	w = ts.do(http.MethodGet, path, nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	got := decode[WebsiteResponse](t, w)
	if len(got.Components) != 2 {
		t.Fatalf("expected 2 installed components, got %+v", got.Components)
	}

	w = ts.do(http.MethodGet, path+"/changes?days=7", nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	changes := decode[[]ChangeResponse](t, w)
	if len(changes) != 5 {
		t.Errorf("expected 5 change log entries, got %d", len(changes))
	}
	for _, c := range changes {
		if c.ChangedVia != "api" {
			t.Errorf("change recorded via %q", c.ChangedVia)
		}
	}

	expectStatus(t, ts.do(http.MethodGet, path+"/changes?days=-1", nil, adminKey), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodPut, path+"/components", WebsiteComponentsRequest{}, adminKey), http.StatusBadRequest)
}

func TestWebsiteComponentsVulnerabilitiesNeedAdmin(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("owner@example.com")
	site := ts.createWebsite(key, "shop.example.com")

	w := ts.do(http.MethodPut, "/api/websites/"+itoa(site.ID)+"/components", WebsiteComponentsRequest{
		Packages: []ReportedComponent{{Slug: "lodash", Version: "4.17.20", Vulnerabilities: []string{"https://example.com/x"}}},
	}, key)
	expectStatus(t, w, http.StatusForbidden)
}

func TestSecurityEvents(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("owner@example.com")
	site := ts.createWebsite(key, "shop.example.com")
	path := "/api/websites/" + itoa(site.ID) + "/security-events"

	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	batch := SecurityEventsRequest{Events: []SecurityEventRequest{
		{EventType: "failed-login", SourceIP: "203.0.113.7", EventDatetime: at, Username: "admin"},
		{EventType: "file-probe", SourceIP: "2001:db8::1", EventDatetime: at, Details: json.RawMessage(`{"path":"/.env"}`)},
	}}

	w := ts.do(http.MethodPost, path, batch, key)
	expectStatus(t, w, http.StatusOK)
	if res := decode[SecurityEventsResult](t, w); res.Inserted != 2 || res.Duplicates != 0 {
		t.Errorf("first batch = %+v", res)
	}

	w = ts.do(http.MethodPost, path, batch, key)
	expectStatus(t, w, http.StatusOK)
	if res := decode[SecurityEventsResult](t, w); res.Inserted != 0 || res.Duplicates != 2 {
		t.Errorf("repeated batch = %+v", res)
	}

	w = ts.do(http.MethodGet, path, nil, key)
	expectStatus(t, w, http.StatusOK)
	events := decode[[]SecurityEventResponse](t, w)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	seen := map[string]bool{}
	for _, e := range events {
		seen[e.EventType] = true
	}
	if !seen["failed-login"] || !seen["file-probe"] {
		t.Errorf("event types not resolved: %+v", events)
	}

	bad := []SecurityEventRequest{
		{EventType: "alien-invasion", SourceIP: "203.0.113.7"},
		{EventType: "failed-login", SourceIP: "not-an-ip"},
	}
	for _, ev := range bad {
		w = ts.do(http.MethodPost, path, SecurityEventsRequest{Events: []SecurityEventRequest{ev}}, key)
		expectStatus(t, w, http.StatusBadRequest)
	}
}

func TestFileIssues(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("owner@example.com")
	site := ts.createWebsite(key, "shop.example.com")
	path := "/api/websites/" + itoa(site.ID) + "/file-issues"

	issue := FileIssueRequest{FilePath: "wp-content/plugins/x/x.php", IssueType: "eval", LineNumber: 12, Severity: "high", Message: "eval of request data"}
	expectStatus(t, ts.do(http.MethodPost, path, FileIssuesRequest{Issues: []FileIssueRequest{issue}}, key), http.StatusOK)
	expectStatus(t, ts.do(http.MethodPost, path, FileIssuesRequest{Issues: []FileIssueRequest{issue}}, key), http.StatusOK)

	w := ts.do(http.MethodGet, path, nil, key)
	expectStatus(t, w, http.StatusOK)
	issues := decode[[]FileIssueResponse](t, w)
	if len(issues) != 1 {
		t.Fatalf("repeated reports should upsert, got %d issues", len(issues))
	}
	if issues[0].Severity != "high" || issues[0].LineNumber != 12 {
		t.Errorf("unexpected issue %+v", issues[0])
	}

	issue.Severity = "apocalyptic"
	expectStatus(t, ts.do(http.MethodPost, path, FileIssuesRequest{Issues: []FileIssueRequest{issue}}, key), http.StatusBadRequest)
	expectStatus(t, ts.do(http.MethodPost, path, FileIssuesRequest{Issues: []FileIssueRequest{{IssueType: "eval"}}}, key), http.StatusBadRequest)
}
