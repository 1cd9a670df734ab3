package database

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

const websiteColumns = `id, user_id, domain, title, meta, wordpress_version, php_version,
	db_server_type, db_server_version, ecosystem_id, platform_metadata, is_dev, created_at, updated_at`

// CreateWebsite inserts w. A domain the user already monitors returns
// ErrDuplicate.
func (db *DB) CreateWebsite(ctx context.Context, w *Website) error {
	t := now()
	err := db.GetContext(ctx, &w.ID, db.Rebind(`
		INSERT INTO websites (user_id, domain, title, meta, wordpress_version, php_version,
		                      db_server_type, db_server_version, ecosystem_id, platform_metadata,
		                      is_dev, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), w.UserID, w.Domain, w.Title, w.Meta, w.WordPressVersion, w.PHPVersion,
		w.DBServerType, w.DBServerVersion, w.EcosystemID, w.PlatformMetadata, w.IsDev, t, t)
	if err != nil {
		return classify(err)
	}
	w.CreatedAt, w.UpdatedAt = t, t
	return nil
}

func (db *DB) GetWebsite(ctx context.Context, id int64) (*Website, error) {
	var w Website
	err := db.GetContext(ctx, &w, db.Rebind(`SELECT `+websiteColumns+` FROM websites WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWebsites pages through websites owned by ownerID, or through every
// website when ownerID is 0.
func (db *DB) ListWebsites(ctx context.Context, ownerID int64, limit, offset int) ([]Website, error) {
	var out []Website
	var err error
	if ownerID != 0 {
		err = db.SelectContext(ctx, &out, db.Rebind(`
			SELECT `+websiteColumns+` FROM websites WHERE user_id = ?
			ORDER BY domain LIMIT ? OFFSET ?
		`), ownerID, limit, offset)
	} else {
		err = db.SelectContext(ctx, &out, db.Rebind(`
			SELECT `+websiteColumns+` FROM websites
			ORDER BY domain LIMIT ? OFFSET ?
		`), limit, offset)
	}
	return out, err
}

func (db *DB) CountWebsites(ctx context.Context, ownerID int64) (int64, error) {
	var n int64
	if ownerID != 0 {
		err := db.GetContext(ctx, &n, db.Rebind(`SELECT COUNT(*) FROM websites WHERE user_id = ?`), ownerID)
		return n, err
	}
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM websites`)
	return n, err
}

func (db *DB) UpdateWebsite(ctx context.Context, w *Website) error {
	w.UpdatedAt = now()
	res, err := db.ExecContext(ctx, db.Rebind(`
		UPDATE websites SET domain = ?, title = ?, meta = ?, wordpress_version = ?, php_version = ?,
		       db_server_type = ?, db_server_version = ?, ecosystem_id = ?, platform_metadata = ?,
		       is_dev = ?, updated_at = ?
		WHERE id = ?
	`), w.Domain, w.Title, w.Meta, w.WordPressVersion, w.PHPVersion, w.DBServerType,
		w.DBServerVersion, w.EcosystemID, w.PlatformMetadata, w.IsDev, w.UpdatedAt, w.ID)
	return expectRow(res, err)
}

// DeleteWebsite removes a website together with its installed components,
// change log, security events and file issues.
func (db *DB) DeleteWebsite(ctx context.Context, id int64) error {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM websites WHERE id = ?`), id)
	return expectRow(res, err)
}

// Website component queries. These run against either the DB or a Tx so a
// replacement can read, delete, insert and log atomically.

const websiteReleaseQuery = `
	SELECT c.id AS component_id, c.slug, c.component_type_slug, c.title,
	       r.id AS release_id, r.version,
	       EXISTS (SELECT 1 FROM vulnerabilities v WHERE v.release_id = r.id) AS has_vulnerabilities
	FROM website_components wc
	JOIN releases r ON r.id = wc.release_id
	JOIN components c ON c.id = r.component_id
	WHERE wc.website_id = ?`

func websiteReleases(ctx context.Context, q sqlx.ExtContext, websiteID int64, typeSlug string) ([]WebsiteRelease, error) {
	var out []WebsiteRelease
	if typeSlug == "" {
		err := sqlx.SelectContext(ctx, q, &out, q.Rebind(websiteReleaseQuery+` ORDER BY c.component_type_slug, c.slug`), websiteID)
		return out, err
	}
	err := sqlx.SelectContext(ctx, q, &out, q.Rebind(websiteReleaseQuery+` AND c.component_type_slug = ? ORDER BY c.slug`), websiteID, typeSlug)
	return out, err
}

// WebsiteReleases lists what is installed on a website, optionally limited
// to one component type.
func (db *DB) WebsiteReleases(ctx context.Context, websiteID int64, typeSlug string) ([]WebsiteRelease, error) {
	return websiteReleases(ctx, db, websiteID, typeSlug)
}

func (tx *Tx) WebsiteReleases(ctx context.Context, websiteID int64, typeSlug string) ([]WebsiteRelease, error) {
	return websiteReleases(ctx, tx, websiteID, typeSlug)
}

// DeleteWebsiteComponentsByType removes every installed release of the
// given component type from the website.
func (tx *Tx) DeleteWebsiteComponentsByType(ctx context.Context, websiteID int64, typeSlug string) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		DELETE FROM website_components
		WHERE website_id = ?
		  AND release_id IN (
			SELECT r.id FROM releases r JOIN components c ON c.id = r.component_id
			WHERE c.component_type_slug = ?
		  )
	`), websiteID, typeSlug)
	return err
}

func (tx *Tx) AddWebsiteComponent(ctx context.Context, websiteID, releaseID int64) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO website_components (website_id, release_id, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT (website_id, release_id) DO NOTHING
	`), websiteID, releaseID, now())
	return classify(err)
}

// TouchWebsite bumps updated_at, marking the website as recently reported.
func (tx *Tx) TouchWebsite(ctx context.Context, websiteID int64) error {
	res, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE websites SET updated_at = ? WHERE id = ?`), now(), websiteID)
	return expectRow(res, err)
}

// Component change log

func insertComponentChanges(ctx context.Context, q sqlx.ExtContext, changes []ComponentChange) error {
	for i := range changes {
		c := &changes[i]
		if c.ChangedAt.IsZero() {
			c.ChangedAt = now()
		}
		if c.ChangedVia == "" {
			c.ChangedVia = "api"
		}
		err := sqlx.GetContext(ctx, q, &c.ID, q.Rebind(`
			INSERT INTO component_changes (website_id, component_id, change_type, old_release_id,
			                               new_release_id, changed_by_user_id, changed_via, changed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id
		`), c.WebsiteID, c.ComponentID, c.ChangeType, c.OldReleaseID, c.NewReleaseID,
			c.ChangedByUserID, c.ChangedVia, ts(c.ChangedAt))
		if err != nil {
			return classify(err)
		}
	}
	return nil
}

// InsertComponentChanges appends changes to the log, filling in their ids.
func (db *DB) InsertComponentChanges(ctx context.Context, changes []ComponentChange) error {
	return insertComponentChanges(ctx, db, changes)
}

func (tx *Tx) InsertComponentChanges(ctx context.Context, changes []ComponentChange) error {
	return insertComponentChanges(ctx, tx, changes)
}

const changeDetailQuery = `
	SELECT cc.id, cc.website_id, cc.component_id, cc.change_type, cc.old_release_id,
	       cc.new_release_id, cc.changed_by_user_id, cc.changed_via, cc.changed_at,
	       w.domain, c.slug AS component_slug, c.component_type_slug, c.title,
	       ro.version AS old_version, rn.version AS new_version
	FROM component_changes cc
	JOIN websites w ON w.id = cc.website_id
	JOIN components c ON c.id = cc.component_id
	LEFT JOIN releases ro ON ro.id = cc.old_release_id
	LEFT JOIN releases rn ON rn.id = cc.new_release_id`

// ListWebsiteChanges returns a website's changes since the given time,
// newest first.
func (db *DB) ListWebsiteChanges(ctx context.Context, websiteID int64, since time.Time, limit int) ([]ComponentChangeDetail, error) {
	var out []ComponentChangeDetail
	err := db.SelectContext(ctx, &out, db.Rebind(changeDetailQuery+`
		WHERE cc.website_id = ? AND cc.changed_at >= ?
		ORDER BY cc.changed_at DESC, cc.id DESC
		LIMIT ?
	`), websiteID, ts(since), limit)
	return out, err
}

// ListChangesSince returns changes across the websites owned by ownerID
// (every website when ownerID is 0), oldest first.
func (db *DB) ListChangesSince(ctx context.Context, ownerID int64, since time.Time) ([]ComponentChangeDetail, error) {
	var out []ComponentChangeDetail
	var err error
	if ownerID != 0 {
		err = db.SelectContext(ctx, &out, db.Rebind(changeDetailQuery+`
			WHERE w.user_id = ? AND cc.changed_at >= ?
			ORDER BY cc.changed_at, cc.id
		`), ownerID, ts(since))
	} else {
		err = db.SelectContext(ctx, &out, db.Rebind(changeDetailQuery+`
			WHERE cc.changed_at >= ?
			ORDER BY cc.changed_at, cc.id
		`), ts(since))
	}
	return out, err
}

// PurgeComponentChanges deletes change log rows older than before.
func (db *DB) PurgeComponentChanges(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM component_changes WHERE changed_at < ?`), ts(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
