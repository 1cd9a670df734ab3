package report

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/mail"
	"github.com/vulnz/vulnz/internal/reconcile"
	"github.com/vulnz/vulnz/internal/storage"
)

// Monday 2 March 2026, 09:00 UTC.
var monday = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail map[string]error
}

func (m *fakeMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[msg.To]; err != nil {
		return err
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *fakeMailer) recipients() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.sent {
		out = append(out, msg.To)
	}
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func createUser(t *testing.T, db *database.DB, username string, mutate func(*database.User), roles ...string) *database.User {
	t.Helper()
	u := &database.User{Username: username, PasswordHash: "x", ReportingWeekday: "MON"}
	if mutate != nil {
		mutate(u)
	}
	if len(roles) == 0 {
		roles = []string{database.RoleUser}
	}
	if err := db.CreateUser(context.Background(), u, roles); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return u
}

func createWebsite(t *testing.T, db *database.DB, owner *database.User, domain, wpVersion, phpVersion string) *database.Website {
	t.Helper()
	w := &database.Website{
		UserID:           owner.ID,
		Domain:           domain,
		Title:            domain,
		WordPressVersion: sql.NullString{String: wpVersion, Valid: wpVersion != ""},
		PHPVersion:       sql.NullString{String: phpVersion, Valid: phpVersion != ""},
	}
	if err := db.CreateWebsite(context.Background(), w); err != nil {
		t.Fatalf("CreateWebsite failed: %v", err)
	}
	return w
}

func install(t *testing.T, db *database.DB, w *database.Website, reported ...reconcile.Reported) {
	t.Helper()
	r := reconcile.New(db, discardLogger())
	if _, err := r.ReplaceWebsiteComponents(context.Background(), w.ID, "wordpress-plugin", reported, w.UserID, "api"); err != nil {
		t.Fatalf("ReplaceWebsiteComponents failed: %v", err)
	}
}

func newSender(t *testing.T, db *database.DB, m mail.Mailer, archive storage.Storage) *Sender {
	t.Helper()
	renderer, err := NewRenderer("vulnz", "https://vulnz.example.com")
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}
	s := NewSender(db, NewBuilder(db, Thresholds{WordPress: "6.4", PHP: "8.1"}), renderer, m, archive, discardLogger())
	s.now = func() time.Time { return monday }
	return s
}

func newJob(db *database.DB, s SummarySender, logger *slog.Logger) *Job {
	return NewJob(db, s, JobConfig{Hour: 8, BatchSize: 10, Location: time.UTC}, logger)
}

func TestBuildScopesToOwner(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	alice := createUser(t, db, "alice@example.com", nil)
	bob := createUser(t, db, "bob@example.com", nil)
	admin := createUser(t, db, "admin@example.com", nil, database.RoleAdministrator)

	aliceSite := createWebsite(t, db, alice, "alice.example", "6.2", "7.4")
	createWebsite(t, db, bob, "bob.example", "6.5", "8.2")

	install(t, db, aliceSite,
		reconcile.Reported{Slug: "akismet", Version: "5.0", Title: "Akismet", VulnerabilityURLs: []string{"https://wpscan.com/v/1"}},
		reconcile.Reported{Slug: "jetpack", Version: "12.0"},
	)

	b := NewBuilder(db, Thresholds{WordPress: "6.4", PHP: "8.1"})

	s, err := b.Build(ctx, alice)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Administrator || s.Websites != 1 {
		t.Errorf("alice summary: admin=%v websites=%d", s.Administrator, s.Websites)
	}
	if len(s.Vulnerable) != 1 || s.Vulnerable[0].Domain != "alice.example" {
		t.Fatalf("Vulnerable = %+v", s.Vulnerable)
	}
	if c := s.Vulnerable[0].Components; len(c) != 1 || c[0].Title != "Akismet" || c[0].Version != "5.0" {
		t.Errorf("vulnerable components = %+v", c)
	}
	if len(s.Outdated.WordPress) != 1 || len(s.Outdated.PHP) != 1 {
		t.Errorf("Outdated = %+v", s.Outdated)
	}
	if s.Changes.Added != 2 || len(s.Changes.Websites) != 1 {
		t.Errorf("Changes = %+v", s.Changes)
	}

	s, err = b.Build(ctx, bob)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.HasFindings() {
		t.Errorf("bob should have nothing to report, got %+v", s)
	}

	s, err = b.Build(ctx, admin)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if !s.Administrator || s.Websites != 2 || len(s.Vulnerable) != 1 {
		t.Errorf("admin summary: admin=%v websites=%d vulnerable=%d", s.Administrator, s.Websites, len(s.Vulnerable))
	}
}

func TestAdminSummaryKeepsSameDomainSitesApart(t *testing.T) {
	db := setupTestDB(t)
	alice := createUser(t, db, "alice@example.com", nil)
	bob := createUser(t, db, "bob@example.com", nil)
	admin := createUser(t, db, "admin@example.com", nil, database.RoleAdministrator)

	vulnerable := reconcile.Reported{Slug: "akismet", Version: "5.0", VulnerabilityURLs: []string{"https://wpscan.com/v/1"}}
	install(t, db, createWebsite(t, db, alice, "shared.example", "", ""), vulnerable)
	install(t, db, createWebsite(t, db, bob, "shared.example", "", ""), vulnerable)

	s, err := NewBuilder(db, Thresholds{WordPress: "6.4", PHP: "8.1"}).Build(context.Background(), admin)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(s.Vulnerable) != 2 || s.Vulnerable[0].ID == s.Vulnerable[1].ID {
		t.Fatalf("Vulnerable = %+v, want two separate websites", s.Vulnerable)
	}
	for _, w := range s.Vulnerable {
		if len(w.Components) != 1 {
			t.Errorf("website %d components = %+v", w.ID, w.Components)
		}
	}
}

func TestBuildUsesThresholdSettings(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	u := createUser(t, db, "alice@example.com", nil)
	createWebsite(t, db, u, "alice.example", "6.5", "8.1")

	if err := db.SetSetting(ctx, &database.AppSetting{Key: "thresholds.wordpress_version", Value: "6.6", ValueType: "string"}); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	s, err := NewBuilder(db, Thresholds{WordPress: "6.4", PHP: "8.1"}).Build(ctx, u)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Outdated.WordPressThreshold != "6.6" || len(s.Outdated.WordPress) != 1 {
		t.Errorf("Outdated = %+v", s.Outdated)
	}
	if len(s.Outdated.PHP) != 0 {
		t.Errorf("PHP 8.1 should meet an 8.1 threshold, got %+v", s.Outdated.PHP)
	}
}

func TestBuildFallsBackToConfiguredThresholds(t *testing.T) {
	db := setupTestDB(t)
	u := createUser(t, db, "alice@example.com", nil)
	createWebsite(t, db, u, "alice.example", "6.8", "8.3")

	s, err := NewBuilder(db, Thresholds{WordPress: "9.9", PHP: "8.4"}).Build(context.Background(), u)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.Outdated.WordPressThreshold != "9.9" || s.Outdated.PHPThreshold != "8.4" {
		t.Errorf("thresholds = %q, %q, want the configured 9.9, 8.4",
			s.Outdated.WordPressThreshold, s.Outdated.PHPThreshold)
	}
	if len(s.Outdated.WordPress) != 1 || len(s.Outdated.PHP) != 1 {
		t.Errorf("Outdated = %+v", s.Outdated)
	}
}

func TestBuildSecurityEventsAndFileIssues(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	u := createUser(t, db, "alice@example.com", nil)
	w := createWebsite(t, db, u, "alice.example", "", "")

	et, err := db.GetSecurityEventType(ctx, "failed-login")
	if err != nil || et == nil {
		t.Fatalf("GetSecurityEventType = %v, %v", et, err)
	}
	for i, cc := range []string{"CN", "CN", "RU"} {
		_, err := db.InsertSecurityEvent(ctx, &database.SecurityEvent{
			WebsiteID:     w.ID,
			EventTypeID:   et.ID,
			SourceIP:      "203.0.113.1",
			EventDatetime: time.Now().Add(-time.Duration(i+1) * time.Hour),
			CountryCode:   sql.NullString{String: cc, Valid: true},
		})
		if err != nil {
			t.Fatalf("InsertSecurityEvent failed: %v", err)
		}
	}
	for _, line := range []int{10, 20} {
		err := db.UpsertFileIssue(ctx, &database.FileSecurityIssue{
			WebsiteID: w.ID, FilePath: "wp-content/evil.php", IssueType: "eval", LineNumber: line,
		})
		if err != nil {
			t.Fatalf("UpsertFileIssue failed: %v", err)
		}
	}

	s, err := NewBuilder(db, Thresholds{}).Build(ctx, u)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if s.SecurityEvents.Total != 3 {
		t.Errorf("SecurityEvents.Total = %d, want 3", s.SecurityEvents.Total)
	}
	if c := s.SecurityEvents.TopCountries; len(c) != 2 || c[0].CountryCode != "CN" || c[0].Count != 2 {
		t.Errorf("TopCountries = %+v", c)
	}
	if s.FileIssues.Issues != 2 || s.FileIssues.Files != 1 {
		t.Errorf("FileIssues = %+v", s.FileIssues)
	}
}

func TestRender(t *testing.T) {
	r, err := NewRenderer("vulnz", "https://vulnz.example.com/")
	if err != nil {
		t.Fatalf("NewRenderer failed: %v", err)
	}

	s := &Summary{
		Username:    "alice@example.com",
		GeneratedAt: monday,
		Since:       monday.Add(-Window),
		Websites:    1,
		Vulnerable: []VulnerableWebsite{{
			Domain:     "alice.example",
			Components: []VulnerableComponent{{Type: "wordpress-plugin", Slug: "akismet", Title: "<Akismet>", Version: "5.0"}},
		}},
		Changes: Changes{Updated: 1, Websites: []WebsiteChanges{{
			Domain:  "alice.example",
			Changes: []ChangeLine{{Type: "updated", Component: "Akismet", OldVersion: "4.0", NewVersion: "5.0"}},
		}}},
	}

	out, err := r.Render(s)
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(out.Subject, "1 vulnerable website") {
		t.Errorf("Subject = %q", out.Subject)
	}
	for _, want := range []string{"alice.example", "&lt;Akismet&gt;", "4.0 &rarr; 5.0", "https://vulnz.example.com"} {
		if !strings.Contains(out.HTML, want) {
			t.Errorf("HTML missing %q", want)
		}
	}
	if !strings.Contains(out.Text, "Vulnerable websites: 1") {
		t.Errorf("Text = %q", out.Text)
	}
}

func TestTickSendsDueSummaryOnce(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := &fakeMailer{}

	u := createUser(t, db, "alice@example.com", nil)
	job := newJob(db, newSender(t, db, m, nil), discardLogger())

	sent, err := job.Tick(ctx, monday)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if sent != 1 || len(m.recipients()) != 1 || m.recipients()[0] != "alice@example.com" {
		t.Fatalf("sent = %d, recipients = %v", sent, m.recipients())
	}

	got, _ := db.GetUser(ctx, u.ID)
	if !got.LastSummarySentAt.Valid {
		t.Error("last_summary_sent_at should be set")
	}

	sent, err = job.Tick(ctx, monday.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("second Tick failed: %v", err)
	}
	if sent != 0 || len(m.recipients()) != 1 {
		t.Errorf("second tick sent %d, want 0", sent)
	}

	logs, err := db.ListEmailLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListEmailLogs failed: %v", err)
	}
	if len(logs) != 1 || logs[0].Status != database.EmailSent || logs[0].EmailType != EmailType {
		t.Errorf("email logs = %+v", logs)
	}
}

func TestTickSkipsPausedAndOtherDays(t *testing.T) {
	db := setupTestDB(t)
	m := &fakeMailer{}

	createUser(t, db, "paused@example.com", func(u *database.User) { u.Paused = true })
	createUser(t, db, "tuesday@example.com", func(u *database.User) { u.ReportingWeekday = "TUE" })

	job := newJob(db, newSender(t, db, m, nil), discardLogger())
	sent, err := job.Tick(context.Background(), monday)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if sent != 0 || len(m.recipients()) != 0 {
		t.Errorf("expected no email, sent to %v", m.recipients())
	}
}

func TestTickWaitsForReportingHour(t *testing.T) {
	db := setupTestDB(t)
	m := &fakeMailer{}
	createUser(t, db, "alice@example.com", nil)

	job := newJob(db, newSender(t, db, m, nil), discardLogger())
	sent, err := job.Tick(context.Background(), monday.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("sent %d before the reporting hour", sent)
	}
}

func TestTickRespectsDisabledSetting(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := &fakeMailer{}
	createUser(t, db, "alice@example.com", nil)

	if err := db.SetSetting(ctx, &database.AppSetting{Key: "reporting.enabled", Value: "false", ValueType: "boolean"}); err != nil {
		t.Fatalf("SetSetting failed: %v", err)
	}

	sent, _ := newJob(db, newSender(t, db, m, nil), discardLogger()).Tick(ctx, monday)
	if sent != 0 {
		t.Errorf("sent %d with reporting disabled", sent)
	}
}

func TestTickContinuesAfterFailure(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := &fakeMailer{fail: map[string]error{"broken@example.com": errors.New("mailbox unavailable")}}

	broken := createUser(t, db, "broken@example.com", nil)
	createUser(t, db, "ok@example.com", nil)

	job := newJob(db, newSender(t, db, m, nil), discardLogger())
	sent, err := job.Tick(ctx, monday)
	if err == nil || !strings.Contains(err.Error(), "mailbox unavailable") {
		t.Errorf("expected aggregated send error, got %v", err)
	}
	if sent != 1 || m.recipients()[0] != "ok@example.com" {
		t.Errorf("sent = %d, recipients = %v", sent, m.recipients())
	}

	got, _ := db.GetUser(ctx, broken.ID)
	if got.LastSummarySentAt.Valid {
		t.Error("failed user must stay due")
	}

	logs, _ := db.ListEmailLogs(ctx, 10, 0)
	var failed int
	for _, l := range logs {
		if l.Status == database.EmailFailed {
			failed++
			if !l.ErrorMessage.Valid {
				t.Error("failed log should carry the error message")
			}
		}
	}
	if failed != 1 {
		t.Errorf("failed logs = %d, want 1", failed)
	}
}

func TestTickUsesConfiguredBatchSize(t *testing.T) {
	db := setupTestDB(t)
	m := &fakeMailer{}
	for _, name := range []string{"a@example.com", "b@example.com", "c@example.com"} {
		createUser(t, db, name, nil)
	}

	job := NewJob(db, newSender(t, db, m, nil), JobConfig{Hour: 8, BatchSize: 1, Location: time.UTC}, discardLogger())
	sent, err := job.Tick(context.Background(), monday)
	if err != nil {
		t.Fatalf("Tick failed: %v", err)
	}
	if sent != 1 {
		t.Errorf("sent %d with a configured batch size of 1", sent)
	}
}

func TestFailingUserDoesNotStarveBatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	m := &fakeMailer{fail: map[string]error{"broken@example.com": errors.New("mailbox unavailable")}}

	createUser(t, db, "broken@example.com", nil)
	createUser(t, db, "ok@example.com", nil)

	job := NewJob(db, newSender(t, db, m, nil), JobConfig{Hour: 8, BatchSize: 1, Location: time.UTC}, discardLogger())
	for i := 0; i < 3; i++ {
		_, _ = job.Tick(ctx, monday.Add(time.Duration(i)*10*time.Minute))
	}

	if got := m.recipients(); len(got) != 1 || got[0] != "ok@example.com" {
		t.Errorf("recipients = %v, want ok@example.com served", got)
	}
	pending, err := db.CountDueUsers(ctx, "MON", monday.Truncate(24*time.Hour))
	if err != nil {
		t.Fatalf("CountDueUsers failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want only the failing user", pending)
	}
}

func TestRecipientFallsBackToUsername(t *testing.T) {
	u := &database.User{Username: "alice@example.com"}
	if got := Recipient(u); got != "alice@example.com" {
		t.Errorf("Recipient = %q", got)
	}

	u.ReportingEmail = sql.NullString{String: "reports@example.com", Valid: true}
	if got := Recipient(u); got != "reports@example.com" {
		t.Errorf("Recipient = %q", got)
	}

	u.ReportingEmail = sql.NullString{String: "not an email", Valid: true}
	if got := Recipient(u); got != "alice@example.com" {
		t.Errorf("Recipient with invalid reporting email = %q", got)
	}
}

func TestSendArchivesReport(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	archive, err := storage.OpenBucket(ctx, "file://"+filepath.ToSlash(t.TempDir()))
	if err != nil {
		t.Fatalf("OpenBucket failed: %v", err)
	}
	t.Cleanup(func() { _ = archive.Close() })

	u := createUser(t, db, "alice@example.com", nil)
	if err := newSender(t, db, &fakeMailer{}, archive).Send(ctx, u); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	ok, err := archive.Exists(ctx, storage.ReportPath(u.ID, monday))
	if err != nil || !ok {
		t.Errorf("archived report missing: %v, %v", ok, err)
	}
}

func TestEndOfDayCheck(t *testing.T) {
	db := setupTestDB(t)
	createUser(t, db, "alice@example.com", nil)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	job := newJob(db, newSender(t, db, &fakeMailer{}, nil), logger)

	pending, err := job.EndOfDayCheck(context.Background(), time.Date(2026, 3, 2, 23, 45, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("EndOfDayCheck failed: %v", err)
	}
	if pending != 1 {
		t.Errorf("pending = %d, want 1", pending)
	}
	if out := buf.String(); !strings.Contains(out, "level=ERROR") || !strings.Contains(out, "critical=true") {
		t.Errorf("expected critical error log, got %q", out)
	}

	buf.Reset()
	pending, _ = job.EndOfDayCheck(context.Background(), time.Date(2026, 3, 3, 23, 45, 0, 0, time.UTC))
	if pending != 0 || buf.Len() != 0 {
		t.Errorf("tuesday check: pending %d, log %q", pending, buf.String())
	}
}

func TestDayCode(t *testing.T) {
	if DayCode(time.Monday) != "MON" || DayCode(time.Sunday) != "SUN" {
		t.Error("unexpected day codes")
	}
	if !ValidDayCode("FRI") || ValidDayCode("fri") || ValidDayCode("") {
		t.Error("ValidDayCode accepted or rejected the wrong codes")
	}
}

func TestSchedulerAdd(t *testing.T) {
	s := NewScheduler(time.UTC, discardLogger())

	if err := s.Add("bad", "not a schedule", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid spec")
	}
	if err := s.Add("tick", "*/10 * * * *", func(context.Context) error { return nil }); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if s.Jobs() != 1 {
		t.Errorf("Jobs() = %d, want 1", s.Jobs())
	}

	s.Start()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
