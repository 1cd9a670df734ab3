package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrSystemSetting is returned when deleting a setting the application
// depends on.
var ErrSystemSetting = errors.New("system settings cannot be deleted")

// ErrInvalidSetting is returned when a value does not parse as its type.
var ErrInvalidSetting = errors.New("invalid setting value")

// App setting queries

func (db *DB) ListSettings(ctx context.Context) ([]AppSetting, error) {
	var out []AppSetting
	err := db.SelectContext(ctx, &out, `
		SELECT key, value, value_type, description, is_system, updated_at
		FROM app_settings ORDER BY key
	`)
	return out, err
}

func (db *DB) GetSetting(ctx context.Context, key string) (*AppSetting, error) {
	var s AppSetting
	err := db.GetContext(ctx, &s, db.Rebind(`
		SELECT key, value, value_type, description, is_system, updated_at
		FROM app_settings WHERE key = ?
	`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// SetSetting creates or updates a setting after checking its value parses
// as its declared type. An existing setting keeps its system flag.
func (db *DB) SetSetting(ctx context.Context, s *AppSetting) error {
	if s.ValueType == "" {
		s.ValueType = "string"
	}
	if err := ValidateSettingValue(s.ValueType, s.Value); err != nil {
		return err
	}
	s.UpdatedAt = now()

	excluded := "excluded"
	if db.dialect == DialectPostgres {
		excluded = "EXCLUDED"
	}
	_, err := db.ExecContext(ctx, db.Rebind(`
		INSERT INTO app_settings (key, value, value_type, description, is_system, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = `+excluded+`.value,
			value_type = `+excluded+`.value_type,
			description = COALESCE(`+excluded+`.description, app_settings.description),
			updated_at = `+excluded+`.updated_at
	`), s.Key, s.Value, s.ValueType, s.Description, s.IsSystem, s.UpdatedAt)
	return classify(err)
}

// DeleteSetting removes a non-system setting.
func (db *DB) DeleteSetting(ctx context.Context, key string) error {
	s, err := db.GetSetting(ctx, key)
	if err != nil {
		return err
	}
	if s == nil {
		return ErrNotFound
	}
	if s.IsSystem {
		return ErrSystemSetting
	}
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM app_settings WHERE key = ? AND is_system = ?`), key, false)
	return expectRow(res, err)
}

// ValidateSettingValue checks value against one of the four setting types.
func ValidateSettingValue(valueType, value string) error {
	var err error
	switch valueType {
	case "string":
	case "integer":
		_, err = strconv.ParseInt(value, 10, 64)
	case "float":
		_, err = strconv.ParseFloat(value, 64)
	case "boolean":
		_, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSetting, valueType)
	}
	if err != nil {
		return fmt.Errorf("%w: %q is not a valid %s", ErrInvalidSetting, value, valueType)
	}
	return nil
}

// SettingInt returns an integer setting, or def when unset or malformed.
func (db *DB) SettingInt(ctx context.Context, key string, def int) int {
	s, err := db.GetSetting(ctx, key)
	if err != nil || s == nil {
		return def
	}
	n, err := strconv.Atoi(s.Value)
	if err != nil {
		return def
	}
	return n
}

// SettingBool returns a boolean setting, or def when unset or malformed.
func (db *DB) SettingBool(ctx context.Context, key string, def bool) bool {
	s, err := db.GetSetting(ctx, key)
	if err != nil || s == nil {
		return def
	}
	b, err := strconv.ParseBool(s.Value)
	if err != nil {
		return def
	}
	return b
}

// SettingString returns a string setting, or def when unset or empty.
func (db *DB) SettingString(ctx context.Context, key, def string) string {
	s, err := db.GetSetting(ctx, key)
	if err != nil || s == nil || s.Value == "" {
		return def
	}
	return s.Value
}

// Email log queries

func (db *DB) InsertEmailLog(ctx context.Context, l *EmailLog) error {
	if l.SentAt.IsZero() {
		l.SentAt = now()
	}
	err := db.GetContext(ctx, &l.ID, db.Rebind(`
		INSERT INTO email_logs (user_id, recipient, subject, email_type, status, error_message, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING id
	`), l.UserID, l.Recipient, l.Subject, l.EmailType, l.Status, l.ErrorMessage, ts(l.SentAt))
	return classify(err)
}

func (db *DB) ListEmailLogs(ctx context.Context, limit, offset int) ([]EmailLog, error) {
	var out []EmailLog
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT id, user_id, recipient, subject, email_type, status, error_message, sent_at
		FROM email_logs ORDER BY sent_at DESC, id DESC
		LIMIT ? OFFSET ?
	`), limit, offset)
	return out, err
}

func (db *DB) CountEmailLogs(ctx context.Context) (int64, error) {
	var n int64
	err := db.GetContext(ctx, &n, `SELECT COUNT(*) FROM email_logs`)
	return n, err
}

func (db *DB) PurgeEmailLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, db.Rebind(`DELETE FROM email_logs WHERE sent_at < ?`), ts(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Dashboard and report aggregates

func (db *DB) GetDashboardStats(ctx context.Context) (*DashboardStats, error) {
	var s DashboardStats
	err := db.GetContext(ctx, &s, db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM components) AS components,
			(SELECT COUNT(*) FROM releases) AS releases,
			(SELECT COUNT(*) FROM vulnerabilities) AS vulnerabilities,
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM websites) AS websites,
			(SELECT COUNT(*) FROM email_logs WHERE status = ?) AS emails_sent,
			(SELECT COUNT(*) FROM email_logs WHERE status = ?) AS emails_failed
	`), EmailSent, EmailFailed)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// VulnerableInstall is one vulnerable release installed on a website.
type VulnerableInstall struct {
	WebsiteID     int64  `db:"website_id"`
	Domain        string `db:"domain"`
	WebsiteTitle  string `db:"website_title"`
	ComponentType string `db:"component_type_slug"`
	Slug          string `db:"slug"`
	Title         string `db:"title"`
	Version       string `db:"version"`
}

// VulnerableInstalls lists installed releases with at least one known
// vulnerability on websites owned by ownerID (all when 0), grouped by
// website.
func (db *DB) VulnerableInstalls(ctx context.Context, ownerID int64) ([]VulnerableInstall, error) {
	var out []VulnerableInstall
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT w.id AS website_id, w.domain, w.title AS website_title,
		       c.component_type_slug, c.slug, c.title, r.version
		FROM website_components wc
		JOIN websites w ON w.id = wc.website_id
		JOIN releases r ON r.id = wc.release_id
		JOIN components c ON c.id = r.component_id
		WHERE EXISTS (SELECT 1 FROM vulnerabilities v WHERE v.release_id = r.id)
		  AND (? = 0 OR w.user_id = ?)
		ORDER BY w.domain, w.id, c.component_type_slug, c.slug
	`), ownerID, ownerID)
	return out, err
}

// ListAllWebsites returns every website owned by ownerID (all when 0),
// unpaginated, for report assembly.
func (db *DB) ListAllWebsites(ctx context.Context, ownerID int64) ([]Website, error) {
	var out []Website
	err := db.SelectContext(ctx, &out, db.Rebind(`
		SELECT `+websiteColumns+` FROM websites
		WHERE ? = 0 OR user_id = ?
		ORDER BY domain
	`), ownerID, ownerID)
	return out, err
}
