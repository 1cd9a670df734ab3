// Package report builds, renders and emails the weekly per-user summary and
// schedules the jobs that drive it.
package report

import (
	"context"
	"fmt"
	"time"

	"github.com/git-pkgs/vers"
	"golang.org/x/sync/errgroup"

	"github.com/vulnz/vulnz/internal/database"
)

const (
	// Window is how far back security events and component changes are
	// summarised.
	Window = 7 * 24 * time.Hour

	topN = 5
)

// Thresholds are the lowest platform versions not reported as outdated.
type Thresholds struct {
	WordPress string
	PHP       string
}

// Summary is everything one weekly email reports.
type Summary struct {
	Username      string
	Administrator bool
	GeneratedAt   time.Time
	Since         time.Time
	Websites      int

	Vulnerable     []VulnerableWebsite
	SecurityEvents SecurityEvents
	Outdated       Outdated
	FileIssues     FileIssues
	Changes        Changes
}

// VulnerableWebsite lists the vulnerable releases installed on one site.
type VulnerableWebsite struct {
	ID         int64
	Domain     string
	Title      string
	Components []VulnerableComponent
}

type VulnerableComponent struct {
	Type    string
	Slug    string
	Title   string
	Version string
}

// SecurityEvents summarises the window's intrusion signals.
type SecurityEvents struct {
	Total        int64
	ByType       []database.EventTypeCount
	TopCountries []database.CountryCount
}

// Outdated lists websites below the platform thresholds.
type Outdated struct {
	WordPressThreshold string
	PHPThreshold       string
	WordPress          []OutdatedWebsite
	PHP                []OutdatedWebsite
}

type OutdatedWebsite struct {
	Domain  string
	Version string
}

// FileIssues summarises open static-analysis findings.
type FileIssues struct {
	Websites int64
	Files    int64
	Issues   int64
	TopFiles []database.FileCount
}

// Changes summarises component changes in the window.
type Changes struct {
	Added    int
	Removed  int
	Updated  int
	Websites []WebsiteChanges
}

func (c Changes) Total() int {
	return c.Added + c.Removed + c.Updated
}

type WebsiteChanges struct {
	Domain  string
	Changes []ChangeLine
}

type ChangeLine struct {
	Type       string
	Component  string
	OldVersion string
	NewVersion string
}

// HasFindings reports whether anything in the summary needs attention.
func (s *Summary) HasFindings() bool {
	return len(s.Vulnerable) > 0 || s.SecurityEvents.Total > 0 ||
		len(s.Outdated.WordPress) > 0 || len(s.Outdated.PHP) > 0 || s.FileIssues.Issues > 0
}

// Builder assembles summaries from the database.
type Builder struct {
	db         *database.DB
	thresholds Thresholds
	now        func() time.Time
}

// NewBuilder returns a Builder. App settings named thresholds.* take
// precedence over the given defaults.
func NewBuilder(db *database.DB, defaults Thresholds) *Builder {
	return &Builder{db: db, thresholds: defaults, now: time.Now}
}

// Build assembles the summary for user. Administrators see every website;
// other users see only their own.
func (b *Builder) Build(ctx context.Context, user *database.User) (*Summary, error) {
	admin, err := b.db.IsAdministrator(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("checking roles: %w", err)
	}
	owner := user.ID
	if admin {
		owner = 0
	}

	now := b.now()
	s := &Summary{
		Username:      user.Username,
		Administrator: admin,
		GeneratedAt:   now,
		Since:         now.Add(-Window),
	}
	s.Outdated.WordPressThreshold = b.db.SettingString(ctx, "thresholds.wordpress_version", b.thresholds.WordPress)
	s.Outdated.PHPThreshold = b.db.SettingString(ctx, "thresholds.php_version", b.thresholds.PHP)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.vulnerable(ctx, owner, s) })
	g.Go(func() error { return b.securityEvents(ctx, owner, s) })
	g.Go(func() error { return b.outdated(ctx, owner, s) })
	g.Go(func() error { return b.fileIssues(ctx, owner, s) })
	g.Go(func() error { return b.changes(ctx, owner, s) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return s, nil
}

func (b *Builder) vulnerable(ctx context.Context, owner int64, s *Summary) error {
	rows, err := b.db.VulnerableInstalls(ctx, owner)
	if err != nil {
		return fmt.Errorf("listing vulnerable installs: %w", err)
	}
	// Rows arrive grouped by website. Domains are only unique per owner.
	for _, r := range rows {
		n := len(s.Vulnerable)
		if n == 0 || s.Vulnerable[n-1].ID != r.WebsiteID {
			s.Vulnerable = append(s.Vulnerable, VulnerableWebsite{ID: r.WebsiteID, Domain: r.Domain, Title: r.WebsiteTitle})
			n++
		}
		title := r.Title
		if title == "" {
			title = r.Slug
		}
		s.Vulnerable[n-1].Components = append(s.Vulnerable[n-1].Components, VulnerableComponent{
			Type: r.ComponentType, Slug: r.Slug, Title: title, Version: r.Version,
		})
	}
	return nil
}

func (b *Builder) securityEvents(ctx context.Context, owner int64, s *Summary) error {
	counts, err := b.db.SecurityEventCounts(ctx, owner, s.Since)
	if err != nil {
		return fmt.Errorf("counting security events: %w", err)
	}
	countries, err := b.db.TopAttackingCountries(ctx, owner, s.Since, topN)
	if err != nil {
		return fmt.Errorf("ranking countries: %w", err)
	}
	s.SecurityEvents.ByType = counts
	s.SecurityEvents.TopCountries = countries
	for _, c := range counts {
		s.SecurityEvents.Total += c.Count
	}
	return nil
}

func (b *Builder) outdated(ctx context.Context, owner int64, s *Summary) error {
	websites, err := b.db.ListAllWebsites(ctx, owner)
	if err != nil {
		return fmt.Errorf("listing websites: %w", err)
	}
	s.Websites = len(websites)
	for _, w := range websites {
		if w.IsDev {
			continue
		}
		if w.WordPressVersion.Valid && below(w.WordPressVersion.String, s.Outdated.WordPressThreshold) {
			s.Outdated.WordPress = append(s.Outdated.WordPress, OutdatedWebsite{Domain: w.Domain, Version: w.WordPressVersion.String})
		}
		if w.PHPVersion.Valid && below(w.PHPVersion.String, s.Outdated.PHPThreshold) {
			s.Outdated.PHP = append(s.Outdated.PHP, OutdatedWebsite{Domain: w.Domain, Version: w.PHPVersion.String})
		}
	}
	return nil
}

// below reports whether version is lower than threshold. Unknown versions
// and an empty threshold are never outdated.
func below(version, threshold string) bool {
	if version == "" || threshold == "" {
		return false
	}
	return vers.Compare(version, threshold) < 0
}

func (b *Builder) fileIssues(ctx context.Context, owner int64, s *Summary) error {
	totals, err := b.db.FileIssueTotals(ctx, owner)
	if err != nil {
		return fmt.Errorf("totalling file issues: %w", err)
	}
	files, err := b.db.TopIssueFiles(ctx, owner, topN)
	if err != nil {
		return fmt.Errorf("ranking files: %w", err)
	}
	s.FileIssues = FileIssues{
		Websites: totals.Websites,
		Files:    totals.Files,
		Issues:   totals.Issues,
		TopFiles: files,
	}
	return nil
}

func (b *Builder) changes(ctx context.Context, owner int64, s *Summary) error {
	rows, err := b.db.ListChangesSince(ctx, owner, s.Since)
	if err != nil {
		return fmt.Errorf("listing component changes: %w", err)
	}
	index := map[string]int{}
	for _, r := range rows {
		switch r.ChangeType {
		case database.ChangeAdded:
			s.Changes.Added++
		case database.ChangeRemoved:
			s.Changes.Removed++
		case database.ChangeUpdated:
			s.Changes.Updated++
		}
		i, ok := index[r.Domain]
		if !ok {
			i = len(s.Changes.Websites)
			index[r.Domain] = i
			s.Changes.Websites = append(s.Changes.Websites, WebsiteChanges{Domain: r.Domain})
		}
		name := r.Title
		if name == "" {
			name = r.ComponentSlug
		}
		s.Changes.Websites[i].Changes = append(s.Changes.Websites[i].Changes, ChangeLine{
			Type:       r.ChangeType,
			Component:  name,
			OldVersion: r.OldVersion.String,
			NewVersion: r.NewVersion.String,
		})
	}
	return nil
}
