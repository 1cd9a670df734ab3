package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vulnz/vulnz/internal/auth"
	"github.com/vulnz/vulnz/internal/config"
	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/storage"
)

const testPassword = "Secr3tPassword"

// recordingMailer keeps every message instead of sending it.
type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	err  error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.sent...)
}

type testServer struct {
	t       *testing.T
	srv     *Server
	handler http.Handler
	db      *database.DB
	mailer  *recordingMailer
	archive storage.Storage
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	ctx := context.Background()

	db, err := database.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	archive, err := storage.OpenBucket(ctx, "file://"+filepath.ToSlash(filepath.Join(dir, "reports")))
	if err != nil {
		t.Fatalf("failed to open archive: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	cfg := config.Default()
	cfg.BaseURL = "http://vulnz.test"
	cfg.RegistrationEnabled = true
	cfg.Database.Path = filepath.Join(dir, "test.db")

	mailer := &recordingMailer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := New(cfg, db, Options{Mailer: mailer, Archive: archive, Version: "test"}, logger)
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}

	return &testServer{
		t:       t,
		srv:     srv,
		handler: srv.Router(),
		db:      db,
		mailer:  mailer,
		archive: archive,
	}
}

// createUser adds a user directly and returns an API key for it.
func (ts *testServer) createUser(username string, roles ...string) (*database.User, string) {
	ts.t.Helper()
	ctx := context.Background()
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		ts.t.Fatalf("HashPassword failed: %v", err)
	}
	if len(roles) == 0 {
		roles = []string{database.RoleUser}
	}
	u := &database.User{Username: username, PasswordHash: hash}
	if err := ts.db.CreateUser(ctx, u, roles); err != nil {
		ts.t.Fatalf("CreateUser failed: %v", err)
	}
	token, keyHash, err := auth.NewToken()
	if err != nil {
		ts.t.Fatalf("NewToken failed: %v", err)
	}
	if _, err := ts.db.CreateAPIKey(ctx, u.ID, "test", keyHash); err != nil {
		ts.t.Fatalf("CreateAPIKey failed: %v", err)
	}
	return u, token
}

// do sends a request with an optional JSON body and API key.
func (ts *testServer) do(method, path string, body any, apiKey string) *httptest.ResponseRecorder {
	ts.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/health", nil, "")
	expectStatus(t, w, http.StatusOK)
	if body := w.Body.String(); body != "ok" {
		t.Errorf("expected body 'ok', got %q", body)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	_, key := ts.createUser("user@example.com")
	ts.do(http.MethodGet, "/api/component-types", nil, key)

	w := ts.do(http.MethodGet, "/metrics", nil, "")
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), "vulnz_requests_total") {
		t.Error("metrics output should contain the request counter")
	}
	if !strings.Contains(w.Body.String(), `route="/api/component-types"`) {
		t.Error("requests should be labelled by route pattern")
	}
}

func TestDashboardAnonymousShowsLogin(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/", nil, "")
	expectStatus(t, w, http.StatusOK)
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("expected Content-Type text/html, got %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "Sign in") {
		t.Error("anonymous dashboard should render the sign in form")
	}
	if !strings.Contains(body, "Create an account") {
		t.Error("registration form should show when registration is enabled")
	}
}

func TestDashboardSignedIn(t *testing.T) {
	ts := newTestServer(t)
	_, adminKey := ts.createUser("admin@example.com", database.RoleAdministrator)

	ts.do(http.MethodPost, "/api/websites", map[string]any{"domain": "https://Shop.Example.com/"}, adminKey)

	w := ts.do(http.MethodGet, "/", nil, adminKey)
	expectStatus(t, w, http.StatusOK)
	body := w.Body.String()
	if !strings.Contains(body, "shop.example.com") {
		t.Error("dashboard should list the website")
	}
	if !strings.Contains(body, "Emails failed") {
		t.Error("administrators should see the stats block")
	}
}

func TestResetPage(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/reset-password?token=abc123", nil, "")
	expectStatus(t, w, http.StatusOK)
	if !strings.Contains(w.Body.String(), `value="abc123"`) {
		t.Error("reset page should carry the token in the form")
	}
}

func TestStaticFiles(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		path   string
		status int
		ctype  string
	}{
		{"/static/style.css", http.StatusOK, "text/css"},
		{"/static/app.js", http.StatusOK, "javascript"},
		{"/static/", http.StatusNotFound, ""},
		{"/static/missing.css", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := ts.do(http.MethodGet, tt.path, nil, "")
			if w.Code != tt.status {
				t.Fatalf("expected status %d, got %d", tt.status, w.Code)
			}
			if tt.ctype != "" && !strings.Contains(w.Header().Get("Content-Type"), tt.ctype) {
				t.Errorf("expected Content-Type containing %q, got %q", tt.ctype, w.Header().Get("Content-Type"))
			}
		})
	}
}

func TestFormatDate(t *testing.T) {
	if got := formatDate(time.Time{}); got != "" {
		t.Errorf("formatDate(zero) = %q, want empty", got)
	}
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if got := formatDate(at); got != "2026-03-02 09:30" {
		t.Errorf("formatDate = %q", got)
	}
	if got := formatTimeAgo(time.Time{}); got != "" {
		t.Errorf("formatTimeAgo(zero) = %q, want empty", got)
	}
}
