package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/enrichment"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/upstream"
)

// WordPressSource reads plugin and theme metadata.
type WordPressSource interface {
	PluginInfo(ctx context.Context, slug string) (*upstream.Info, error)
	ThemeInfo(ctx context.Context, slug string) (*upstream.Info, error)
}

// PackageSource reads npm package metadata and advisories.
type PackageSource interface {
	Package(ctx context.Context, name string) (*enrichment.PackageInfo, error)
	Advisories(ctx context.Context, name string, versions []string) (map[string][]string, error)
}

// BulkPackageSource prefetches metadata for many npm packages at once.
type BulkPackageSource interface {
	BulkLookup(ctx context.Context, names []string) (map[string]*enrichment.PackageInfo, error)
}

// Syncer pulls component metadata from upstream sources.
type Syncer struct {
	db          *database.DB
	reconciler  *Reconciler
	wordpress   WordPressSource
	npm         PackageSource
	bulk        BulkPackageSource
	logger      *slog.Logger
	concurrency int
}

// NewSyncer creates a Syncer. Any source may be nil, in which case
// components of that ecosystem are skipped.
func NewSyncer(db *database.DB, r *Reconciler, wp WordPressSource, npm PackageSource, bulk BulkPackageSource, logger *slog.Logger) *Syncer {
	return &Syncer{
		db:          db,
		reconciler:  r,
		wordpress:   wp,
		npm:         npm,
		bulk:        bulk,
		logger:      logger,
		concurrency: 4,
	}
}

// SyncComponent refreshes one component's title, description and url
// from upstream. For npm components, advisories for every known release
// are attached as vulnerability urls. A component upstream does not know
// is still stamped as synced so it is not retried every run.
func (s *Syncer) SyncComponent(ctx context.Context, c *database.Component) error {
	return s.syncComponent(ctx, c, nil)
}

func (s *Syncer) syncComponent(ctx context.Context, c *database.Component, prefetched *enrichment.PackageInfo) error {
	ecosystem, err := s.db.EcosystemForType(ctx, c.ComponentTypeSlug)
	if err != nil {
		return fmt.Errorf("resolving ecosystem: %w", err)
	}

	switch ecosystem {
	case "wordpress":
		err = s.syncWordPress(ctx, c)
	case enrichment.NPM:
		err = s.syncNPM(ctx, c, prefetched)
	default:
		metrics.RecordComponentSync(ecosystem, "skipped")
		return nil
	}

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordComponentSync(ecosystem, result)
	return err
}

func (s *Syncer) syncWordPress(ctx context.Context, c *database.Component) error {
	if s.wordpress == nil {
		return nil
	}

	var (
		info *upstream.Info
		err  error
	)
	if c.ComponentTypeSlug == "wordpress-theme" {
		info, err = s.wordpress.ThemeInfo(ctx, c.Slug)
	} else {
		info, err = s.wordpress.PluginInfo(ctx, c.Slug)
	}
	if errors.Is(err, upstream.ErrNotFound) {
		s.logger.Debug("component not on wordpress.org", "type", c.ComponentTypeSlug, "slug", c.Slug)
		return s.db.MarkComponentSynced(ctx, c.ID, database.ComponentMetadata{})
	}
	if err != nil {
		return err
	}

	return s.db.MarkComponentSynced(ctx, c.ID, database.ComponentMetadata{
		Title:       info.Name,
		Description: info.Description,
		URL:         info.Homepage,
		FromWporg:   true,
	})
}

func (s *Syncer) syncNPM(ctx context.Context, c *database.Component, info *enrichment.PackageInfo) error {
	if s.npm == nil {
		return nil
	}

	if info == nil {
		var err error
		info, err = s.npm.Package(ctx, c.Slug)
		if err != nil {
			return err
		}
	}

	meta := database.ComponentMetadata{}
	if info != nil {
		meta = database.ComponentMetadata{
			Title:       info.Title(),
			Description: info.Description,
			URL:         info.URL(),
			License:     info.License,
		}
	}
	if err := s.db.MarkComponentSynced(ctx, c.ID, meta); err != nil {
		return err
	}

	releases, err := s.db.ListReleaseSummaries(ctx, []int64{c.ID})
	if err != nil {
		return err
	}
	if len(releases) == 0 {
		return nil
	}
	versions := make([]string, len(releases))
	for i, rel := range releases {
		versions[i] = rel.Version
	}
	advisories, err := s.npm.Advisories(ctx, c.Slug, versions)
	if err != nil {
		return fmt.Errorf("querying advisories for %s: %w", c.Slug, err)
	}
	for _, rel := range releases {
		if _, err := s.reconciler.AttachVulnerabilities(ctx, rel.ID, advisories[rel.Version]); err != nil {
			return err
		}
	}
	return nil
}

// SyncPending syncs up to limit components never synced or last synced
// more than maxAge ago. Failures are collected and do not stop the run.
func (s *Syncer) SyncPending(ctx context.Context, limit int, maxAge time.Duration) (int, error) {
	components, err := s.db.ComponentsNeedingSync(ctx, time.Now().Add(-maxAge), limit)
	if err != nil {
		return 0, fmt.Errorf("listing components to sync: %w", err)
	}
	if len(components) == 0 {
		return 0, nil
	}

	prefetched := s.prefetchNPM(ctx, components)

	var (
		mu     sync.Mutex
		result *multierror.Error
		synced int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range components {
		c := &components[i]
		g.Go(func() error {
			err := s.syncComponent(gctx, c, prefetched[c.Slug])
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s/%s: %w", c.ComponentTypeSlug, c.Slug, err))
				return nil
			}
			synced++
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("component sync finished", "synced", synced, "candidates", len(components))
	return synced, result.ErrorOrNil()
}

// prefetchNPM looks up every npm component in one bulk request. Failures
// fall back to per-component lookups.
func (s *Syncer) prefetchNPM(ctx context.Context, components []database.Component) map[string]*enrichment.PackageInfo {
	if s.bulk == nil {
		return nil
	}

	var names []string
	for _, c := range components {
		if c.ComponentTypeSlug == "npm-package" {
			names = append(names, c.Slug)
		}
	}
	if len(names) == 0 {
		return nil
	}

	infos, err := s.bulk.BulkLookup(ctx, names)
	if err != nil {
		s.logger.Warn("bulk npm lookup failed", "count", len(names), "error", err)
		return nil
	}
	return infos
}
