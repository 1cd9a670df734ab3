package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/metrics"
)

// Installed is one release present on a website.
type Installed struct {
	ComponentID int64
	ReleaseID   int64
}

// Change is one difference between two installed sets.
type Change struct {
	Type         string
	ComponentID  int64
	OldReleaseID int64
	NewReleaseID int64
}

// Counts tallies changes by type.
type Counts struct {
	Added   int `json:"added"`
	Removed int `json:"removed"`
	Updated int `json:"updated"`
}

// Total is the number of changes of any type.
func (c Counts) Total() int {
	return c.Added + c.Removed + c.Updated
}

// Diff compares two installed sets keyed by component id. A component only
// in next is added, only in prev is removed, and in both with a different
// release is updated. The result is ordered by component id.
//
// Component ids are a single auto-increment key across all types, so
// keying on the id alone cannot confuse a plugin with a theme that shares
// its slug.
func Diff(prev, next []Installed) []Change {
	before := make(map[int64]int64, len(prev))
	for _, in := range prev {
		before[in.ComponentID] = in.ReleaseID
	}
	after := make(map[int64]int64, len(next))
	for _, in := range next {
		after[in.ComponentID] = in.ReleaseID
	}

	var changes []Change
	for id, newRel := range after {
		oldRel, ok := before[id]
		switch {
		case !ok:
			changes = append(changes, Change{Type: database.ChangeAdded, ComponentID: id, NewReleaseID: newRel})
		case oldRel != newRel:
			changes = append(changes, Change{Type: database.ChangeUpdated, ComponentID: id, OldReleaseID: oldRel, NewReleaseID: newRel})
		}
	}
	for id, oldRel := range before {
		if _, ok := after[id]; !ok {
			changes = append(changes, Change{Type: database.ChangeRemoved, ComponentID: id, OldReleaseID: oldRel})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].ComponentID < changes[j].ComponentID })
	return changes
}

// CountChanges tallies changes by type.
func CountChanges(changes []Change) Counts {
	var c Counts
	for _, ch := range changes {
		switch ch.Type {
		case database.ChangeAdded:
			c.Added++
		case database.ChangeRemoved:
			c.Removed++
		case database.ChangeUpdated:
			c.Updated++
		}
	}
	return c
}

type changeWriter interface {
	InsertComponentChanges(ctx context.Context, changes []database.ComponentChange) error
}

// RecordChanges diffs prev against next and appends one change log row per
// difference. userID 0 records no author.
func (r *Reconciler) RecordChanges(ctx context.Context, websiteID int64, prev, next []Installed, userID int64, via string) (Counts, error) {
	return recordChanges(ctx, r.db, websiteID, prev, next, userID, via)
}

func recordChanges(ctx context.Context, w changeWriter, websiteID int64, prev, next []Installed, userID int64, via string) (Counts, error) {
	changes := Diff(prev, next)
	if len(changes) == 0 {
		return Counts{}, nil
	}

	rows := make([]database.ComponentChange, len(changes))
	for i, ch := range changes {
		rows[i] = database.ComponentChange{
			WebsiteID:       websiteID,
			ComponentID:     ch.ComponentID,
			ChangeType:      ch.Type,
			OldReleaseID:    nullID(ch.OldReleaseID),
			NewReleaseID:    nullID(ch.NewReleaseID),
			ChangedByUserID: nullID(userID),
			ChangedVia:      via,
		}
	}
	if err := w.InsertComponentChanges(ctx, rows); err != nil {
		return Counts{}, fmt.Errorf("recording component changes: %w", err)
	}
	return CountChanges(changes), nil
}

func nullID(id int64) sql.NullInt64 {
	return sql.NullInt64{Int64: id, Valid: id != 0}
}

// Reported is one component a client says is installed.
type Reported struct {
	Slug              string
	Version           string
	Title             string
	VulnerabilityURLs []string
}

// ReplaceWebsiteComponents makes reported the complete set of typeSlug
// components installed on a website. Components and releases are found or
// created first; the delete, insert and change log then commit together.
func (r *Reconciler) ReplaceWebsiteComponents(ctx context.Context, websiteID int64, typeSlug string, reported []Reported, userID int64, via string) (Counts, error) {
	ct, err := r.db.GetComponentType(ctx, typeSlug)
	if err != nil {
		return Counts{}, err
	}
	if ct == nil {
		return Counts{}, fmt.Errorf("%w: %s", ErrUnknownComponentType, typeSlug)
	}

	byComponent := make(map[int64]int64, len(reported))
	var order []int64
	for _, rep := range reported {
		res, err := r.Ingest(ctx, IngestRequest{
			Type:              typeSlug,
			Slug:              rep.Slug,
			Version:           rep.Version,
			Title:             rep.Title,
			VulnerabilityURLs: rep.VulnerabilityURLs,
		})
		if err != nil {
			return Counts{}, fmt.Errorf("reconciling %s@%s: %w", rep.Slug, rep.Version, err)
		}
		if _, seen := byComponent[res.Component.ID]; !seen {
			order = append(order, res.Component.ID)
		}
		// A slug reported twice keeps its last version.
		byComponent[res.Component.ID] = res.Release.ID
	}
	next := make([]Installed, 0, len(order))
	for _, id := range order {
		next = append(next, Installed{ComponentID: id, ReleaseID: byComponent[id]})
	}

	var counts Counts
	err = r.db.InTx(ctx, func(tx *database.Tx) error {
		current, err := tx.WebsiteReleases(ctx, websiteID, typeSlug)
		if err != nil {
			return fmt.Errorf("reading installed components: %w", err)
		}
		prev := make([]Installed, len(current))
		for i, c := range current {
			prev[i] = Installed{ComponentID: c.ComponentID, ReleaseID: c.ReleaseID}
		}

		if err := tx.DeleteWebsiteComponentsByType(ctx, websiteID, typeSlug); err != nil {
			return fmt.Errorf("clearing installed components: %w", err)
		}
		for _, in := range next {
			if err := tx.AddWebsiteComponent(ctx, websiteID, in.ReleaseID); err != nil {
				return fmt.Errorf("adding release %d: %w", in.ReleaseID, err)
			}
		}
		if err := tx.TouchWebsite(ctx, websiteID); err != nil {
			return err
		}

		counts, err = recordChanges(ctx, tx, websiteID, prev, next, userID, via)
		return err
	})
	if err != nil {
		return Counts{}, err
	}

	metrics.RecordComponentChanges(database.ChangeAdded, counts.Added)
	metrics.RecordComponentChanges(database.ChangeRemoved, counts.Removed)
	metrics.RecordComponentChanges(database.ChangeUpdated, counts.Updated)
	r.logger.Info("replaced website components",
		"website_id", websiteID, "type", typeSlug, "installed", len(next),
		"added", counts.Added, "removed", counts.Removed, "updated", counts.Updated)

	return counts, nil
}
