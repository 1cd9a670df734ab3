package database

import (
	"database/sql"
	"time"
)

type Ecosystem struct {
	ID          int64          `db:"id"`
	Slug        string         `db:"slug"`
	Name        string         `db:"name"`
	Description sql.NullString `db:"description"`
	Active      bool           `db:"active"`
	CreatedAt   time.Time      `db:"created_at"`
}

type ComponentType struct {
	Slug        string        `db:"slug"`
	Name        string        `db:"name"`
	EcosystemID sql.NullInt64 `db:"ecosystem_id"`
	CreatedAt   time.Time     `db:"created_at"`
}

type Component struct {
	ID                int64          `db:"id"`
	Slug              string         `db:"slug"`
	ComponentTypeSlug string         `db:"component_type_slug"`
	Title             string         `db:"title"`
	URL               sql.NullString `db:"url"`
	Description       sql.NullString `db:"description"`
	License           sql.NullString `db:"license"`
	SyncedFromWporg   bool           `db:"synced_from_wporg"`
	SyncedAt          sql.NullTime   `db:"synced_at"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

type Release struct {
	ID          int64        `db:"id"`
	ComponentID int64        `db:"component_id"`
	Version     string       `db:"version"`
	ReleaseDate sql.NullTime `db:"release_date"`
	CreatedAt   time.Time    `db:"created_at"`
}

type Vulnerability struct {
	ID        int64     `db:"id"`
	ReleaseID int64     `db:"release_id"`
	URL       string    `db:"url"`
	CreatedAt time.Time `db:"created_at"`
}

// ReleaseSummary is a release row with its vulnerability flag, as listed
// under a component in search results and the website view.
type ReleaseSummary struct {
	ID                 int64  `db:"id"`
	ComponentID        int64  `db:"component_id"`
	Version            string `db:"version"`
	HasVulnerabilities bool   `db:"has_vulnerabilities"`
}

type User struct {
	ID                int64          `db:"id"`
	Username          string         `db:"username"`
	PasswordHash      string         `db:"password_hash"`
	ReportingWeekday  string         `db:"reporting_weekday"`
	ReportingEmail    sql.NullString `db:"reporting_email"`
	LastSummarySentAt sql.NullTime   `db:"last_summary_sent_at"`
	Paused            bool           `db:"paused"`
	Blocked           bool           `db:"blocked"`
	MaxWebsites       sql.NullInt64  `db:"max_websites"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// ReportEmail is where weekly summaries go: the reporting address if set,
// otherwise the username, which is itself an email address.
func (u *User) ReportEmail() string {
	if u.ReportingEmail.Valid && u.ReportingEmail.String != "" {
		return u.ReportingEmail.String
	}
	return u.Username
}

type Role struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

type APIKey struct {
	ID         int64        `db:"id"`
	UserID     int64        `db:"user_id"`
	Name       string       `db:"name"`
	KeyHash    string       `db:"key_hash"`
	LastUsedAt sql.NullTime `db:"last_used_at"`
	CreatedAt  time.Time    `db:"created_at"`
}

type Session struct {
	TokenHash string    `db:"token_hash"`
	UserID    int64     `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}

type Website struct {
	ID               int64          `db:"id"`
	UserID           int64          `db:"user_id"`
	Domain           string         `db:"domain"`
	Title            string         `db:"title"`
	Meta             sql.NullString `db:"meta"`
	WordPressVersion sql.NullString `db:"wordpress_version"`
	PHPVersion       sql.NullString `db:"php_version"`
	DBServerType     sql.NullString `db:"db_server_type"`
	DBServerVersion  sql.NullString `db:"db_server_version"`
	EcosystemID      sql.NullInt64  `db:"ecosystem_id"`
	PlatformMetadata sql.NullString `db:"platform_metadata"`
	IsDev            bool           `db:"is_dev"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

// WebsiteRelease is one installed release on a website, joined with its
// component.
type WebsiteRelease struct {
	ComponentID        int64  `db:"component_id"`
	Slug               string `db:"slug"`
	ComponentTypeSlug  string `db:"component_type_slug"`
	Title              string `db:"title"`
	ReleaseID          int64  `db:"release_id"`
	Version            string `db:"version"`
	HasVulnerabilities bool   `db:"has_vulnerabilities"`
}

const (
	ChangeAdded   = "added"
	ChangeRemoved = "removed"
	ChangeUpdated = "updated"
)

type ComponentChange struct {
	ID              int64         `db:"id"`
	WebsiteID       int64         `db:"website_id"`
	ComponentID     int64         `db:"component_id"`
	ChangeType      string        `db:"change_type"`
	OldReleaseID    sql.NullInt64 `db:"old_release_id"`
	NewReleaseID    sql.NullInt64 `db:"new_release_id"`
	ChangedByUserID sql.NullInt64 `db:"changed_by_user_id"`
	ChangedVia      string        `db:"changed_via"`
	ChangedAt       time.Time     `db:"changed_at"`
}

// ComponentChangeDetail is a change row joined with the names a report or
// API response needs.
type ComponentChangeDetail struct {
	ComponentChange
	Domain        string         `db:"domain"`
	ComponentSlug string         `db:"component_slug"`
	ComponentType string         `db:"component_type_slug"`
	Title         string         `db:"title"`
	OldVersion    sql.NullString `db:"old_version"`
	NewVersion    sql.NullString `db:"new_version"`
}

type SecurityEventType struct {
	ID       int64  `db:"id"`
	Slug     string `db:"slug"`
	Title    string `db:"title"`
	Severity string `db:"severity"`
}

type SecurityEvent struct {
	ID            int64          `db:"id"`
	WebsiteID     int64          `db:"website_id"`
	EventTypeID   int64          `db:"event_type_id"`
	SourceIP      string         `db:"source_ip"`
	EventDatetime time.Time      `db:"event_datetime"`
	ContinentCode sql.NullString `db:"continent_code"`
	CountryCode   sql.NullString `db:"country_code"`
	Username      sql.NullString `db:"username"`
	Details       sql.NullString `db:"details"`
	CreatedAt     time.Time      `db:"created_at"`
}

type FileSecurityIssue struct {
	ID          int64          `db:"id"`
	WebsiteID   int64          `db:"website_id"`
	FilePath    string         `db:"file_path"`
	IssueType   string         `db:"issue_type"`
	LineNumber  int            `db:"line_number"`
	Severity    string         `db:"severity"`
	Message     sql.NullString `db:"message"`
	FirstSeenAt time.Time      `db:"first_seen_at"`
	LastSeenAt  time.Time      `db:"last_seen_at"`
}

type AppSetting struct {
	Key         string         `db:"key"`
	Value       string         `db:"value"`
	ValueType   string         `db:"value_type"`
	Description sql.NullString `db:"description"`
	IsSystem    bool           `db:"is_system"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const (
	EmailSent   = "sent"
	EmailFailed = "failed"
)

type EmailLog struct {
	ID           int64          `db:"id"`
	UserID       sql.NullInt64  `db:"user_id"`
	Recipient    string         `db:"recipient"`
	Subject      string         `db:"subject"`
	EmailType    string         `db:"email_type"`
	Status       string         `db:"status"`
	ErrorMessage sql.NullString `db:"error_message"`
	SentAt       time.Time      `db:"sent_at"`
}

// DashboardStats is the row counts shown on the admin dashboard.
type DashboardStats struct {
	Components      int64 `db:"components"`
	Releases        int64 `db:"releases"`
	Vulnerabilities int64 `db:"vulnerabilities"`
	Users           int64 `db:"users"`
	Websites        int64 `db:"websites"`
	EmailsSent      int64 `db:"emails_sent"`
	EmailsFailed    int64 `db:"emails_failed"`
}
