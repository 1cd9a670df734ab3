package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Ecosystem and component type queries

func (db *DB) ListEcosystems(ctx context.Context) ([]Ecosystem, error) {
	var out []Ecosystem
	err := db.SelectContext(ctx, &out, `
		SELECT id, slug, name, description, active, created_at
		FROM ecosystems ORDER BY slug
	`)
	return out, err
}

func (db *DB) GetEcosystemBySlug(ctx context.Context, slug string) (*Ecosystem, error) {
	var e Ecosystem
	err := db.GetContext(ctx, &e, db.Rebind(`
		SELECT id, slug, name, description, active, created_at
		FROM ecosystems WHERE slug = ?
	`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (db *DB) ListComponentTypes(ctx context.Context) ([]ComponentType, error) {
	var out []ComponentType
	err := db.SelectContext(ctx, &out, `
		SELECT slug, name, ecosystem_id, created_at
		FROM component_types ORDER BY slug
	`)
	return out, err
}

func (db *DB) GetComponentType(ctx context.Context, slug string) (*ComponentType, error) {
	var ct ComponentType
	err := db.GetContext(ctx, &ct, db.Rebind(`
		SELECT slug, name, ecosystem_id, created_at
		FROM component_types WHERE slug = ?
	`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ct, nil
}

// EcosystemForType returns the ecosystem slug a component type belongs to,
// or "" when the type is unassigned.
func (db *DB) EcosystemForType(ctx context.Context, typeSlug string) (string, error) {
	var slug sql.NullString
	err := db.GetContext(ctx, &slug, db.Rebind(`
		SELECT e.slug FROM component_types ct
		LEFT JOIN ecosystems e ON e.id = ct.ecosystem_id
		WHERE ct.slug = ?
	`), typeSlug)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return slug.String, err
}

// Component queries

const componentColumns = `id, slug, component_type_slug, title, url, description, license,
	synced_from_wporg, synced_at, created_at, updated_at`

func (db *DB) GetComponent(ctx context.Context, id int64) (*Component, error) {
	var c Component
	err := db.GetContext(ctx, &c, db.Rebind(`SELECT `+componentColumns+` FROM components WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (db *DB) GetComponentBySlug(ctx context.Context, typeSlug, slug string) (*Component, error) {
	var c Component
	err := db.GetContext(ctx, &c, db.Rebind(`
		SELECT `+componentColumns+` FROM components
		WHERE component_type_slug = ? AND slug = ?
	`), typeSlug, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetComponentsByIDs loads components keyed by id. Missing ids are absent
// from the map.
func (db *DB) GetComponentsByIDs(ctx context.Context, ids []int64) (map[int64]Component, error) {
	out := make(map[int64]Component, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+componentColumns+` FROM components WHERE id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var rows []Component
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, c := range rows {
		out[c.ID] = c
	}
	return out, nil
}

// ListComponents pages through components, optionally restricted to one type.
func (db *DB) ListComponents(ctx context.Context, typeSlug string, limit, offset int) ([]Component, error) {
	var out []Component
	var err error
	if typeSlug != "" {
		err = db.SelectContext(ctx, &out, db.Rebind(`
			SELECT `+componentColumns+` FROM components
			WHERE component_type_slug = ?
			ORDER BY slug LIMIT ? OFFSET ?
		`), typeSlug, limit, offset)
	} else {
		err = db.SelectContext(ctx, &out, db.Rebind(`
			SELECT `+componentColumns+` FROM components
			ORDER BY slug, component_type_slug LIMIT ? OFFSET ?
		`), limit, offset)
	}
	return out, err
}

func (db *DB) CountComponents(ctx context.Context, typeSlug string) (int64, error) {
	var n int64
	if typeSlug != "" {
		err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM components WHERE component_type_slug = ?`), typeSlug)
		return n, err
	}
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM components`)
	return n, err
}

// CreateComponent inserts c and fills in its id and timestamps. A clash on
// (slug, type) returns ErrDuplicate; an unknown type returns ErrForeignKey.
func (db *DB) CreateComponent(ctx context.Context, c *Component) error {
	t := now()
	query := db.Rebind(`
		INSERT INTO components (slug, component_type_slug, title, url, description, license, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`)
	err := db.GetContext(ctx, &c.ID, query, c.Slug, c.ComponentTypeSlug, c.Title, c.URL, c.Description, c.License, t, t)
	if err != nil {
		return classify(err)
	}
	c.CreatedAt, c.UpdatedAt = t, t
	return nil
}

// InsertComponentIfAbsent inserts a bare component row unless one already
// exists for (slug, type). Concurrent callers converge on the single row the
// unique constraint admits.
func (db *DB) InsertComponentIfAbsent(ctx context.Context, typeSlug, slug, title string) error {
	t := now()
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO components (slug, component_type_slug, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (slug, component_type_slug) DO NOTHING
	`), slug, typeSlug, title, t, t)
	return classify(err)
}

func (db *DB) UpdateComponent(ctx context.Context, c *Component) error {
	c.UpdatedAt = now()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE components
		SET slug = ?, component_type_slug = ?, title = ?, url = ?, description = ?, license = ?, updated_at = ?
		WHERE id = ?
	`), c.Slug, c.ComponentTypeSlug, c.Title, c.URL, c.Description, c.License, c.UpdatedAt, c.ID)
	return expectRow(res, err)
}

// DeleteComponent removes a component; its releases and their
// vulnerabilities go with it.
func (db *DB) DeleteComponent(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM components WHERE id = ?`), id)
	return expectRow(res, err)
}

// ComponentMetadata is what an upstream sync writes back onto a component.
type ComponentMetadata struct {
	Title       string
	Description string
	URL         string
	License     string
	FromWporg   bool
}

// MarkComponentSynced stores upstream metadata. Empty fields leave the
// existing value in place.
func (db *DB) MarkComponentSynced(ctx context.Context, id int64, m ComponentMetadata) error {
	t := now()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE components SET
			title = COALESCE(NULLIF(?, ''), title),
			description = COALESCE(NULLIF(?, ''), description),
			url = COALESCE(NULLIF(?, ''), url),
			license = COALESCE(NULLIF(?, ''), license),
			synced_from_wporg = ?,
			synced_at = ?,
			updated_at = ?
		WHERE id = ?
	`), m.Title, m.Description, m.URL, m.License, m.FromWporg, t, t, id)
	return expectRow(res, err)
}

// ComponentsNeedingSync returns components never synced or last synced
// before the cutoff, oldest first.
func (db *DB) ComponentsNeedingSync(ctx context.Context, before time.Time, limit int) ([]Component, error) {
	var out []Component
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT `+componentColumns+` FROM components
		WHERE synced_at IS NULL OR synced_at < ?
		ORDER BY CASE WHEN synced_at IS NULL THEN 0 ELSE 1 END, synced_at, id
		LIMIT ?
	`), ts(before), limit)
	return out, err
}

// Release queries

const releaseColumns = `id, component_id, version, release_date, created_at`

func (db *DB) GetRelease(ctx context.Context, id int64) (*Release, error) {
	var r Release
	err := db.GetContext(ctx, &r, db.Rebind(`SELECT `+releaseColumns+` FROM releases WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (db *DB) GetReleaseByVersion(ctx context.Context, componentID int64, version string) (*Release, error) {
	var r Release
	err := db.GetContext(ctx, &r, db.Rebind(`
		SELECT `+releaseColumns+` FROM releases WHERE component_id = ? AND version = ?
	`), componentID, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// InsertReleaseIfAbsent inserts (component, version) unless it exists.
func (db *DB) InsertReleaseIfAbsent(ctx context.Context, componentID int64, version string) error {
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO releases (component_id, version, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (component_id, version) DO NOTHING
	`), componentID, version, now())
	return classify(err)
}

// ListReleaseSummaries returns every release of the given components with a
// flag for whether any vulnerability is attached. Order is unspecified;
// callers sort by version.
func (db *DB) ListReleaseSummaries(ctx context.Context, componentIDs []int64) ([]ReleaseSummary, error) {
	if len(componentIDs) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(`
		SELECT r.id, r.component_id, r.version,
		       EXISTS (SELECT 1 FROM vulnerabilities v WHERE v.release_id = r.id) AS has_vulnerabilities
		FROM releases r
		WHERE r.component_id IN (?)
	`, componentIDs)
	if err != nil {
		return nil, err
	}
	var out []ReleaseSummary
	err = db.SelectContext(ctx, &out, db.Rebind(query), args...)
	return out, err
}

// Vulnerability queries

// AttachVulnerability records url against a release. It reports whether a
// new row was written; a url already attached is not an error.
func (db *DB) AttachVulnerability(ctx context.Context, releaseID int64, url string) (bool, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO vulnerabilities (release_id, url, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (release_id, url) DO NOTHING
	`), releaseID, url, now())
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reading rows affected: %w", err)
	}
	return n > 0, nil
}

func (db *DB) ListVulnerabilities(ctx context.Context, releaseID int64) ([]Vulnerability, error) {
	var out []Vulnerability
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT id, release_id, url, created_at FROM vulnerabilities
		WHERE release_id = ? ORDER BY id
	`), releaseID)
	return out, err
}

// VulnerabilityURLsByRelease returns attached urls for each release id.
func (db *DB) VulnerabilityURLsByRelease(ctx context.Context, releaseIDs []int64) (map[int64][]string, error) {
	out := make(map[int64][]string)
	if len(releaseIDs) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`
		SELECT id, release_id, url, created_at FROM vulnerabilities
		WHERE release_id IN (?) ORDER BY id
	`, releaseIDs)
	if err != nil {
		return nil, err
	}
	var rows []Vulnerability
	if err := db.SelectContext(ctx, &rows, db.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, v := range rows {
		out[v.ReleaseID] = append(out[v.ReleaseID], v.URL)
	}
	return out, nil
}
