package database

import (
	"context"
	"fmt"
	"strings"
)

// Migration is one named, ordered schema change. SQL is written once with
// {{...}} tokens that expand to dialect-specific column types.
type Migration struct {
	Name string
	SQL  string
}

var dialectTokens = map[Dialect]*strings.Replacer{
	DialectSQLite: strings.NewReplacer(
		"{{id}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
		"{{ts}}", "DATETIME",
		"{{bigint}}", "INTEGER",
	),
	DialectPostgres: strings.NewReplacer(
		"{{id}}", "BIGSERIAL PRIMARY KEY",
		"{{ts}}", "TIMESTAMP",
		"{{bigint}}", "BIGINT",
	),
}

// Migrations is the ordered list applied by Migrate. Never edit a migration
// that has shipped; append a new one.
var Migrations = []Migration{
	{Name: "0001_initial", SQL: schemaInitial},
	{Name: "0002_seed_reference_data", SQL: schemaSeed},
	{Name: "0003_indexes", SQL: schemaIndexes},
	{Name: "0004_config_backed_settings", SQL: schemaConfigBackedSettings},
}

const schemaInitial = `
CREATE TABLE IF NOT EXISTS ecosystems (
	id {{id}},
	slug TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS component_types (
	slug TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	ecosystem_id {{bigint}} REFERENCES ecosystems(id) ON DELETE SET NULL,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS components (
	id {{id}},
	slug TEXT NOT NULL,
	component_type_slug TEXT NOT NULL REFERENCES component_types(slug) ON UPDATE CASCADE ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	url TEXT,
	description TEXT,
	license TEXT,
	synced_from_wporg BOOLEAN NOT NULL DEFAULT FALSE,
	synced_at {{ts}},
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (slug, component_type_slug)
);

CREATE TABLE IF NOT EXISTS releases (
	id {{id}},
	component_id {{bigint}} NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	version TEXT NOT NULL,
	release_date {{ts}},
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (component_id, version)
);

CREATE TABLE IF NOT EXISTS vulnerabilities (
	id {{id}},
	release_id {{bigint}} NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
	url TEXT NOT NULL,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (release_id, url)
);

CREATE TABLE IF NOT EXISTS users (
	id {{id}},
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	reporting_weekday TEXT NOT NULL DEFAULT 'MON',
	reporting_email TEXT,
	last_summary_sent_at {{ts}},
	paused BOOLEAN NOT NULL DEFAULT FALSE,
	blocked BOOLEAN NOT NULL DEFAULT FALSE,
	max_websites INTEGER,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS roles (
	id {{id}},
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS user_roles (
	user_id {{bigint}} NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	role_id {{bigint}} NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, role_id)
);

CREATE TABLE IF NOT EXISTS api_keys (
	id {{id}},
	user_id {{bigint}} NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name TEXT NOT NULL DEFAULT '',
	key_hash TEXT NOT NULL UNIQUE,
	last_used_at {{ts}},
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash TEXT PRIMARY KEY,
	user_id {{bigint}} NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at {{ts}} NOT NULL,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS password_reset_tokens (
	token_hash TEXT PRIMARY KEY,
	user_id {{bigint}} NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	expires_at {{ts}} NOT NULL,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS websites (
	id {{id}},
	user_id {{bigint}} NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	domain TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	meta TEXT,
	wordpress_version TEXT,
	php_version TEXT,
	db_server_type TEXT,
	db_server_version TEXT,
	ecosystem_id {{bigint}} REFERENCES ecosystems(id) ON DELETE SET NULL,
	platform_metadata TEXT,
	is_dev BOOLEAN NOT NULL DEFAULT FALSE,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (user_id, domain)
);

CREATE TABLE IF NOT EXISTS website_components (
	website_id {{bigint}} NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	release_id {{bigint}} NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (website_id, release_id)
);

CREATE TABLE IF NOT EXISTS component_changes (
	id {{id}},
	website_id {{bigint}} NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	component_id {{bigint}} NOT NULL REFERENCES components(id) ON DELETE CASCADE,
	change_type TEXT NOT NULL CHECK (change_type IN ('added', 'removed', 'updated')),
	old_release_id {{bigint}} REFERENCES releases(id) ON DELETE SET NULL,
	new_release_id {{bigint}} REFERENCES releases(id) ON DELETE SET NULL,
	changed_by_user_id {{bigint}} REFERENCES users(id) ON DELETE SET NULL,
	changed_via TEXT NOT NULL DEFAULT 'api',
	changed_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS security_event_types (
	id {{id}},
	slug TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	severity TEXT NOT NULL DEFAULT 'medium'
);

CREATE TABLE IF NOT EXISTS security_events (
	id {{id}},
	website_id {{bigint}} NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	event_type_id {{bigint}} NOT NULL REFERENCES security_event_types(id) ON DELETE CASCADE,
	source_ip TEXT NOT NULL,
	event_datetime {{ts}} NOT NULL,
	continent_code TEXT,
	country_code TEXT,
	username TEXT,
	details TEXT,
	created_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (website_id, event_type_id, source_ip, event_datetime)
);

CREATE TABLE IF NOT EXISTS file_security_issues (
	id {{id}},
	website_id {{bigint}} NOT NULL REFERENCES websites(id) ON DELETE CASCADE,
	file_path TEXT NOT NULL,
	issue_type TEXT NOT NULL,
	line_number INTEGER NOT NULL DEFAULT 0,
	severity TEXT NOT NULL DEFAULT 'medium',
	message TEXT,
	first_seen_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_seen_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE (website_id, file_path, issue_type, line_number)
);

CREATE TABLE IF NOT EXISTS app_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	value_type TEXT NOT NULL DEFAULT 'string' CHECK (value_type IN ('string', 'integer', 'float', 'boolean')),
	description TEXT,
	is_system BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS email_logs (
	id {{id}},
	user_id {{bigint}} REFERENCES users(id) ON DELETE SET NULL,
	recipient TEXT NOT NULL,
	subject TEXT NOT NULL,
	email_type TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('sent', 'failed')),
	error_message TEXT,
	sent_at {{ts}} NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

const schemaSeed = `
INSERT INTO ecosystems (slug, name, description) VALUES
	('wordpress', 'WordPress', 'WordPress plugins and themes'),
	('npm', 'npm', 'Node.js packages from the npm registry')
ON CONFLICT (slug) DO NOTHING;

INSERT INTO component_types (slug, name, ecosystem_id) VALUES
	('wordpress-plugin', 'WordPress Plugin', (SELECT id FROM ecosystems WHERE slug = 'wordpress')),
	('wordpress-theme', 'WordPress Theme', (SELECT id FROM ecosystems WHERE slug = 'wordpress')),
	('npm-package', 'npm Package', (SELECT id FROM ecosystems WHERE slug = 'npm'))
ON CONFLICT (slug) DO NOTHING;

INSERT INTO roles (name) VALUES ('user'), ('administrator')
ON CONFLICT (name) DO NOTHING;

INSERT INTO security_event_types (slug, title, severity) VALUES
	('failed-login', 'Failed login', 'medium'),
	('brute-force', 'Brute force attempt', 'high'),
	('xmlrpc-abuse', 'XML-RPC abuse', 'high'),
	('user-enumeration', 'User enumeration', 'medium'),
	('file-probe', 'Sensitive file probe', 'low'),
	('404-flood', '404 flood', 'low')
ON CONFLICT (slug) DO NOTHING;

INSERT INTO app_settings (key, value, value_type, description, is_system) VALUES
	('site.name', 'Vulnz', 'string', 'Name shown in emails and the dashboard', TRUE),
	('reporting.enabled', 'true', 'boolean', 'Send weekly summary emails', TRUE),
	('reporting.batch_size', '50', 'integer', 'Users processed per scheduler tick', TRUE),
	('retention.component_changes_days', '365', 'integer', 'Days of component change history to keep', TRUE),
	('retention.file_issues_days', '30', 'integer', 'Days before unseen file issues are purged', TRUE),
	('retention.email_logs_days', '90', 'integer', 'Days of email log history to keep', TRUE),
	('retention.reports_days', '365', 'integer', 'Days archived summary reports are kept', TRUE),
	('thresholds.wordpress_version', '6.4', 'string', 'WordPress versions below this are reported as outdated', TRUE),
	('thresholds.php_version', '8.1', 'string', 'PHP versions below this are reported as outdated', TRUE)
ON CONFLICT (key) DO NOTHING;
`

const schemaIndexes = `
CREATE INDEX IF NOT EXISTS idx_components_title ON components(title);
CREATE INDEX IF NOT EXISTS idx_releases_component ON releases(component_id);
CREATE INDEX IF NOT EXISTS idx_vulnerabilities_release ON vulnerabilities(release_id);
CREATE INDEX IF NOT EXISTS idx_websites_user ON websites(user_id);
CREATE INDEX IF NOT EXISTS idx_website_components_release ON website_components(release_id);
CREATE INDEX IF NOT EXISTS idx_component_changes_website_at ON component_changes(website_id, changed_at);
CREATE INDEX IF NOT EXISTS idx_security_events_website_at ON security_events(website_id, event_datetime);
CREATE INDEX IF NOT EXISTS idx_file_issues_website ON file_security_issues(website_id, last_seen_at);
CREATE INDEX IF NOT EXISTS idx_users_reporting ON users(reporting_weekday, paused);
CREATE INDEX IF NOT EXISTS idx_email_logs_sent_at ON email_logs(sent_at);
`

// Batch size, thresholds and retention come from the config file. A row
// left at its seeded value would shadow the config, so those rows go, and
// any operator override stays as a deletable setting.
const schemaConfigBackedSettings = `
DELETE FROM app_settings WHERE is_system = TRUE AND (
	(key = 'reporting.batch_size' AND value = '50') OR
	(key = 'retention.component_changes_days' AND value = '365') OR
	(key = 'retention.file_issues_days' AND value = '30') OR
	(key = 'retention.email_logs_days' AND value = '90') OR
	(key = 'retention.reports_days' AND value = '365') OR
	(key = 'thresholds.wordpress_version' AND value = '6.4') OR
	(key = 'thresholds.php_version' AND value = '8.1')
);

UPDATE app_settings SET is_system = FALSE
WHERE key LIKE 'retention.%' OR key LIKE 'thresholds.%' OR key = 'reporting.batch_size';
`

const schemaMigrationsTable = `
CREATE TABLE IF NOT EXISTS migrations (
	name TEXT PRIMARY KEY,
	applied_at {{ts}} NOT NULL
)`

func (db *DB) render(sql string) string {
	return dialectTokens[db.dialect].Replace(sql)
}

// Migrate applies every migration not yet recorded in the migrations table,
// in order, each inside its own transaction. It returns the names applied.
func (db *DB) Migrate(ctx context.Context) ([]string, error) {
	if _, err := db.ExecContext(ctx, db.render(schemaMigrationsTable)); err != nil {
		return nil, fmt.Errorf("creating migrations table: %w", err)
	}

	var done []string
	if err := db.SelectContext(ctx, &done, "SELECT name FROM migrations"); err != nil {
		return nil, fmt.Errorf("listing applied migrations: %w", err)
	}
	seen := make(map[string]bool, len(done))
	for _, name := range done {
		seen[name] = true
	}

	var applied []string
	for _, m := range Migrations {
		if seen[m.Name] {
			continue
		}
		if err := db.applyMigration(ctx, m); err != nil {
			return applied, fmt.Errorf("applying migration %s: %w", m.Name, err)
		}
		applied = append(applied, m.Name)
	}
	return applied, nil
}

func (db *DB) applyMigration(ctx context.Context, m Migration) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, db.render(m.SQL)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, db.Rebind("INSERT INTO migrations (name, applied_at) VALUES (?, ?)"), m.Name, now()); err != nil {
		return err
	}
	return tx.Commit()
}

// AppliedMigrations lists recorded migration names in application order.
func (db *DB) AppliedMigrations(ctx context.Context) ([]string, error) {
	var names []string
	err := db.SelectContext(ctx, &names, "SELECT name FROM migrations ORDER BY name")
	return names, err
}

// HasTable checks if a table exists in the database.
func (db *DB) HasTable(ctx context.Context, name string) (bool, error) {
	var exists bool
	var query string

	if db.dialect == DialectPostgres {
		query = "SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)"
	} else {
		query = "SELECT EXISTS (SELECT 1 FROM sqlite_master WHERE type='table' AND name=?)"
	}

	err := db.GetContext(ctx, &exists, query, name)
	return exists, err
}
