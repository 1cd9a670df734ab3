// Package reconcile keeps components, releases and vulnerabilities in step
// with what untrusted reporting clients send, and records how each
// website's installed set changes over time.
//
// Every find-or-create here is an insert that ignores conflicts followed
// by a read, so concurrent reporters converge on the row the database's
// unique constraint admits.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/metrics"
)

var (
	// ErrUnknownComponentType is returned when a component type slug does
	// not exist.
	ErrUnknownComponentType = errors.New("unknown component type")

	// ErrInvalidInput is returned for empty slugs or versions.
	ErrInvalidInput = errors.New("invalid component input")
)

// Reconciler performs find-or-create and change tracking against the
// database.
type Reconciler struct {
	db     *database.DB
	logger *slog.Logger
}

// New creates a Reconciler.
func New(db *database.DB, logger *slog.Logger) *Reconciler {
	return &Reconciler{db: db, logger: logger}
}

// FindOrCreateComponent returns the component identified by (typeSlug,
// slug), creating it with the given title if it does not exist yet. An
// empty title defaults to the slug.
func (r *Reconciler) FindOrCreateComponent(ctx context.Context, typeSlug, slug, title string) (*database.Component, error) {
	slug = strings.TrimSpace(slug)
	if slug == "" || typeSlug == "" {
		return nil, fmt.Errorf("%w: slug and type are required", ErrInvalidInput)
	}
	if title == "" {
		title = slug
	}

	if err := r.db.InsertComponentIfAbsent(ctx, typeSlug, slug, title); err != nil {
		if errors.Is(err, database.ErrForeignKey) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownComponentType, typeSlug)
		}
		return nil, fmt.Errorf("inserting component: %w", err)
	}

	c, err := r.db.GetComponentBySlug(ctx, typeSlug, slug)
	if err != nil {
		return nil, fmt.Errorf("reading component: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("component %s/%s missing after insert", typeSlug, slug)
	}
	return c, nil
}

// FindOrCreateRelease returns the release of componentID with the given
// version, creating it if needed. The version is stored as reported.
func (r *Reconciler) FindOrCreateRelease(ctx context.Context, componentID int64, version string) (*database.Release, error) {
	version = strings.TrimSpace(version)
	if version == "" {
		return nil, fmt.Errorf("%w: version is required", ErrInvalidInput)
	}

	if err := r.db.InsertReleaseIfAbsent(ctx, componentID, version); err != nil {
		return nil, fmt.Errorf("inserting release: %w", err)
	}

	rel, err := r.db.GetReleaseByVersion(ctx, componentID, version)
	if err != nil {
		return nil, fmt.Errorf("reading release: %w", err)
	}
	if rel == nil {
		return nil, fmt.Errorf("release %d@%s missing after insert", componentID, version)
	}
	return rel, nil
}

// AttachVulnerabilities records each url against the release, skipping
// blanks and urls already attached. It returns how many were new.
func (r *Reconciler) AttachVulnerabilities(ctx context.Context, releaseID int64, urls []string) (int, error) {
	added := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		ok, err := r.db.AttachVulnerability(ctx, releaseID, u)
		if err != nil {
			return added, fmt.Errorf("attaching %s: %w", u, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// IngestRequest is one (type, slug, version) report, optionally carrying a
// title and vulnerability urls.
type IngestRequest struct {
	Type              string
	Slug              string
	Version           string
	Title             string
	VulnerabilityURLs []string
}

// IngestResult is the state after an ingest.
type IngestResult struct {
	Component          *database.Component
	Release            *database.Release
	VulnerabilitiesNew int
}

// Ingest finds or creates the component and release of req and attaches
// its vulnerability urls. Repeating an ingest is a no-op.
func (r *Reconciler) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	c, err := r.FindOrCreateComponent(ctx, req.Type, req.Slug, req.Title)
	if err != nil {
		metrics.RecordIngest("error")
		return nil, err
	}
	rel, err := r.FindOrCreateRelease(ctx, c.ID, req.Version)
	if err != nil {
		metrics.RecordIngest("error")
		return nil, err
	}
	added, err := r.AttachVulnerabilities(ctx, rel.ID, req.VulnerabilityURLs)
	if err != nil {
		metrics.RecordIngest("error")
		return nil, err
	}

	metrics.RecordIngest("ok")
	r.logger.Debug("ingested release",
		"type", c.ComponentTypeSlug, "slug", c.Slug, "version", rel.Version, "new_vulnerabilities", added)

	return &IngestResult{Component: c, Release: rel, VulnerabilitiesNew: added}, nil
}

// PurgeChanges deletes component change log entries recorded before cutoff.
func (r *Reconciler) PurgeChanges(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.db.PurgeComponentChanges(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purging component changes: %w", err)
	}
	if n > 0 {
		r.logger.Debug("purged component changes", "count", n, "before", cutoff)
	}
	return n, nil
}
