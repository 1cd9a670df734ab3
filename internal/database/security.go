package database

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Security event queries

func (db *DB) ListSecurityEventTypes(ctx context.Context) ([]SecurityEventType, error) {
	var out []SecurityEventType
	err := db.SelectContext(ctx, &out, `SELECT id, slug, title, severity FROM security_event_types ORDER BY slug`)
	return out, err
}

func (db *DB) GetSecurityEventType(ctx context.Context, slug string) (*SecurityEventType, error) {
	var et SecurityEventType
	err := db.GetContext(ctx, &et, db.Rebind(`
		SELECT id, slug, title, severity FROM security_event_types WHERE slug = ?
	`), slug)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &et, nil
}

// InsertSecurityEvent appends an event unless the same (website, type,
// source ip, time) was already recorded. It reports whether a row was added.
func (db *DB) InsertSecurityEvent(ctx context.Context, e *SecurityEvent) (bool, error) {
	e.CreatedAt = now()
	res, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO security_events (website_id, event_type_id, source_ip, event_datetime,
		                             continent_code, country_code, username, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (website_id, event_type_id, source_ip, event_datetime) DO NOTHING
	`), e.WebsiteID, e.EventTypeID, e.SourceIP, ts(e.EventDatetime), e.ContinentCode,
		e.CountryCode, e.Username, e.Details, e.CreatedAt)
	if err != nil {
		return false, classify(err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (db *DB) ListSecurityEvents(ctx context.Context, websiteID int64, since time.Time, limit int) ([]SecurityEvent, error) {
	var out []SecurityEvent
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT id, website_id, event_type_id, source_ip, event_datetime, continent_code,
		       country_code, username, details, created_at
		FROM security_events
		WHERE website_id = ? AND event_datetime >= ?
		ORDER BY event_datetime DESC, id DESC
		LIMIT ?
	`), websiteID, ts(since), limit)
	return out, err
}

// EventTypeCount is the number of events of one type in a window.
type EventTypeCount struct {
	Slug     string `db:"slug"`
	Title    string `db:"title"`
	Severity string `db:"severity"`
	Count    int64  `db:"count"`
}

// CountryCount is the number of events attributed to one country.
type CountryCount struct {
	CountryCode string `db:"country_code"`
	Count       int64  `db:"count"`
}

// SecurityEventCounts totals events since the given time per event type,
// for websites owned by ownerID (all websites when ownerID is 0).
func (db *DB) SecurityEventCounts(ctx context.Context, ownerID int64, since time.Time) ([]EventTypeCount, error) {
	var out []EventTypeCount
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT et.slug, et.title, et.severity, COUNT(*) AS count
		FROM security_events e
		JOIN security_event_types et ON et.id = e.event_type_id
		JOIN websites w ON w.id = e.website_id
		WHERE e.event_datetime >= ? AND (? = 0 OR w.user_id = ?)
		GROUP BY et.slug, et.title, et.severity
		ORDER BY count DESC, et.slug
	`), ts(since), ownerID, ownerID)
	return out, err
}

// TopAttackingCountries returns the countries with the most events since
// the given time. Events without a country are skipped.
func (db *DB) TopAttackingCountries(ctx context.Context, ownerID int64, since time.Time, limit int) ([]CountryCount, error) {
	var out []CountryCount
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT e.country_code, COUNT(*) AS count
		FROM security_events e
		JOIN websites w ON w.id = e.website_id
		WHERE e.event_datetime >= ? AND e.country_code IS NOT NULL AND e.country_code <> ''
		  AND (? = 0 OR w.user_id = ?)
		GROUP BY e.country_code
		ORDER BY count DESC, e.country_code
		LIMIT ?
	`), ts(since), ownerID, ownerID, limit)
	return out, err
}

// File security issue queries

// UpsertFileIssue records a static-analysis finding. A finding already
// known for the same file, issue type and line has its last_seen_at,
// message and severity refreshed instead.
func (db *DB) UpsertFileIssue(ctx context.Context, f *FileSecurityIssue) error {
	t := now()
	if f.Severity == "" {
		f.Severity = "medium"
	}
	var excluded = "excluded"
	if db.dialect == DialectPostgres {
		excluded = "EXCLUDED"
	}
	err := db.GetContext(ctx, &f.ID, db.Rebind(`
		INSERT INTO file_security_issues (website_id, file_path, issue_type, line_number, severity,
		                                  message, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (website_id, file_path, issue_type, line_number) DO UPDATE SET
			last_seen_at = `+excluded+`.last_seen_at,
			message = `+excluded+`.message,
			severity = `+excluded+`.severity
		RETURNING id
	`), f.WebsiteID, f.FilePath, f.IssueType, f.LineNumber, f.Severity, f.Message, t, t)
	if err != nil {
		return classify(err)
	}
	f.LastSeenAt = t
	return nil
}

func (db *DB) ListFileIssues(ctx context.Context, websiteID int64) ([]FileSecurityIssue, error) {
	var out []FileSecurityIssue
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT id, website_id, file_path, issue_type, line_number, severity, message,
		       first_seen_at, last_seen_at
		FROM file_security_issues WHERE website_id = ?
		ORDER BY file_path, line_number, issue_type
	`), websiteID)
	return out, err
}

// FileIssueTotals summarises open static-analysis findings.
type FileIssueTotals struct {
	Websites int64 `db:"websites"`
	Files    int64 `db:"files"`
	Issues   int64 `db:"issues"`
}

// FileCount is the number of findings in one file of one website.
type FileCount struct {
	Domain   string `db:"domain"`
	FilePath string `db:"file_path"`
	Count    int64  `db:"count"`
}

func (db *DB) FileIssueTotals(ctx context.Context, ownerID int64) (*FileIssueTotals, error) {
	var t FileIssueTotals
	err := db.GetContext(ctx, &t, db.Rebind(`
		SELECT COUNT(DISTINCT f.website_id) AS websites,
		       COUNT(DISTINCT f.website_id || ':' || f.file_path) AS files,
		       COUNT(*) AS issues
		FROM file_security_issues f
		JOIN websites w ON w.id = f.website_id
		WHERE ? = 0 OR w.user_id = ?
	`), ownerID, ownerID)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (db *DB) TopIssueFiles(ctx context.Context, ownerID int64, limit int) ([]FileCount, error) {
	var out []FileCount
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT w.domain, f.file_path, COUNT(*) AS count
		FROM file_security_issues f
		JOIN websites w ON w.id = f.website_id
		WHERE ? = 0 OR w.user_id = ?
		GROUP BY w.domain, f.file_path
		ORDER BY count DESC, w.domain, f.file_path
		LIMIT ?
	`), ownerID, ownerID, limit)
	return out, err
}

// PurgeStaleFileIssues deletes findings not seen since before.
func (db *DB) PurgeStaleFileIssues(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM file_security_issues WHERE last_seen_at < ?`), ts(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
