// Package search finds components by slug and title.
//
// Four match tiers are unioned and each component keeps its best tier:
// exact slug, slug substring, title substring, then a full-text match on
// slug and title. Results are ordered by tier then slug, so an exact slug
// match always leads the first page.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/version"
)

// ErrEmptyQuery is returned for a blank search.
var ErrEmptyQuery = errors.New("search query is required")

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Release is one version of a matched component.
type Release struct {
	ID                 int64  `json:"id"`
	Version            string `json:"version"`
	HasVulnerabilities bool   `json:"has_vulnerabilities"`
}

// Component is one search hit with all its releases, newest first.
type Component struct {
	ID                int64     `json:"id"`
	Slug              string    `json:"slug"`
	ComponentTypeSlug string    `json:"component_type_slug"`
	Title             string    `json:"title"`
	URL               string    `json:"url,omitempty"`
	Description       string    `json:"description,omitempty"`
	Releases          []Release `json:"releases"`
}

// Result is a page of search hits and the total across all pages.
type Result struct {
	Components []Component `json:"components"`
	Total      int64       `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
}

// Engine runs searches against the component tables.
type Engine struct {
	db *database.DB
}

// New creates a search engine.
func New(db *database.DB) *Engine {
	return &Engine{db: db}
}

// Search returns page (1-based) of components matching query. limit is
// clamped to [1, MaxLimit]; 0 selects DefaultLimit.
func (e *Engine) Search(ctx context.Context, query string, page, limit int) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if page < 1 {
		page = 1
	}
	switch {
	case limit == 0:
		limit = DefaultLimit
	case limit < 1:
		limit = 1
	case limit > MaxLimit:
		limit = MaxLimit
	}

	start := time.Now()
	union, args := e.tiers(query)

	var total int64
	countSQL := `SELECT COUNT(*) FROM (SELECT id FROM (` + union + `) t GROUP BY id) c`
	if err := e.db.GetContext(ctx, &total, e.db.Rebind(countSQL), args...); err != nil {
		return nil, fmt.Errorf("counting search results: %w", err)
	}

	result := &Result{Components: []Component{}, Total: total, Page: page, Limit: limit}
	if total == 0 {
		metrics.RecordSearch(time.Since(start), 0)
		return result, nil
	}

	pageSQL := `
		SELECT c.id, c.slug, c.component_type_slug, c.title, c.url, c.description
		FROM (SELECT id, MIN(priority) AS priority FROM (` + union + `) t GROUP BY id) m
		JOIN components c ON c.id = m.id
		ORDER BY m.priority, c.slug, c.component_type_slug
		LIMIT ? OFFSET ?`
	pageArgs := append(append([]any{}, args...), limit, (page-1)*limit)

	var rows []database.Component
	if err := e.db.SelectContext(ctx, &rows, e.db.Rebind(pageSQL), pageArgs...); err != nil {
		return nil, fmt.Errorf("searching components: %w", err)
	}

	ids := make([]int64, len(rows))
	for i, c := range rows {
		ids[i] = c.ID
	}
	releases, err := e.db.ListReleaseSummaries(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("loading releases: %w", err)
	}
	byComponent := make(map[int64][]Release, len(rows))
	for _, r := range releases {
		byComponent[r.ComponentID] = append(byComponent[r.ComponentID], Release{
			ID:                 r.ID,
			Version:            r.Version,
			HasVulnerabilities: r.HasVulnerabilities,
		})
	}

	for _, c := range rows {
		rels := byComponent[c.ID]
		if rels == nil {
			rels = []Release{}
		}
		version.SortDescending(rels, func(r Release) string { return r.Version })
		result.Components = append(result.Components, Component{
			ID:                c.ID,
			Slug:              c.Slug,
			ComponentTypeSlug: c.ComponentTypeSlug,
			Title:             c.Title,
			URL:               c.URL.String,
			Description:       c.Description.String,
			Releases:          rels,
		})
	}

	metrics.RecordSearch(time.Since(start), total)
	return result, nil
}

// tiers builds the four-way UNION ALL of (id, priority) rows and its
// arguments.
func (e *Engine) tiers(query string) (string, []any) {
	lower := strings.ToLower(query)
	like := "%" + escapeLike(lower) + "%"

	parts := []string{
		`SELECT id, 1 AS priority FROM components WHERE LOWER(slug) = ?`,
		`SELECT id, 2 AS priority FROM components WHERE LOWER(slug) LIKE ? ESCAPE '\'`,
		`SELECT id, 3 AS priority FROM components WHERE LOWER(title) LIKE ? ESCAPE '\'`,
	}
	args := []any{lower, like, like}

	ft, ftArgs := e.fullText(lower)
	if ft != "" {
		parts = append(parts, ft)
		args = append(args, ftArgs...)
	}
	return strings.Join(parts, "\nUNION ALL\n"), args
}

// fullText is the fourth tier. Postgres uses its text search; SQLite
// requires every query term to appear somewhere in the slug or title.
func (e *Engine) fullText(query string) (string, []any) {
	if e.db.Dialect() == database.DialectPostgres {
		return `SELECT id, 4 AS priority FROM components
			WHERE to_tsvector('simple', slug || ' ' || title) @@ plainto_tsquery('simple', ?)`, []any{query}
	}

	terms := strings.Fields(query)
	if len(terms) < 2 {
		// A single term is already covered by the substring tiers.
		return "", nil
	}
	conds := make([]string, len(terms))
	args := make([]any, len(terms))
	for i, term := range terms {
		conds[i] = `LOWER(slug || ' ' || title) LIKE ? ESCAPE '\'`
		args[i] = "%" + escapeLike(term) + "%"
	}
	return `SELECT id, 4 AS priority FROM components WHERE ` + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
