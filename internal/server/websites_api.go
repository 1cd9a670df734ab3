package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/geoip"
	"github.com/vulnz/vulnz/internal/metrics"
	"github.com/vulnz/vulnz/internal/reconcile"
)

const (
	changesDefaultDays = 30
	eventsDefaultDays  = 7
	maxListRows        = 500
)

// WebsiteResponse is a website as returned by the API.
type WebsiteResponse struct {
	ID               int64                        `json:"id"`
	UserID           int64                        `json:"user_id"`
	Domain           string                       `json:"domain"`
	Title            string                       `json:"title"`
	Meta             json.RawMessage              `json:"meta,omitempty"`
	WordPressVersion *string                      `json:"wordpress_version"`
	PHPVersion       *string                      `json:"php_version"`
	DBServerType     *string                      `json:"db_server_type"`
	DBServerVersion  *string                      `json:"db_server_version"`
	EcosystemID      *int64                       `json:"ecosystem_id"`
	PlatformMetadata json.RawMessage              `json:"platform_metadata,omitempty"`
	IsDev            bool                         `json:"is_dev"`
	CreatedAt        time.Time                    `json:"created_at"`
	UpdatedAt        time.Time                    `json:"updated_at"`
	Components       []InstalledComponentResponse `json:"components,omitempty"`
}

// InstalledComponentResponse is one release installed on a website.
type InstalledComponentResponse struct {
	ComponentID        int64    `json:"component_id"`
	Slug               string   `json:"slug"`
	ComponentTypeSlug  string   `json:"component_type_slug"`
	Title              string   `json:"title"`
	ReleaseID          int64    `json:"release_id"`
	Version            string   `json:"version"`
	HasVulnerabilities bool     `json:"has_vulnerabilities"`
	Vulnerabilities    []string `json:"vulnerabilities,omitempty"`
}

func rawJSON(ns string) json.RawMessage {
	if ns == "" || !json.Valid([]byte(ns)) {
		return nil
	}
	return json.RawMessage(ns)
}

func websiteResponse(w *database.Website) WebsiteResponse {
	return WebsiteResponse{
		ID:               w.ID,
		UserID:           w.UserID,
		Domain:           w.Domain,
		Title:            w.Title,
		Meta:             rawJSON(w.Meta.String),
		WordPressVersion: optString(w.WordPressVersion),
		PHPVersion:       optString(w.PHPVersion),
		DBServerType:     optString(w.DBServerType),
		DBServerVersion:  optString(w.DBServerVersion),
		EcosystemID:      optInt(w.EcosystemID),
		PlatformMetadata: rawJSON(w.PlatformMetadata.String),
		IsDev:            w.IsDev,
		CreatedAt:        w.CreatedAt.UTC(),
		UpdatedAt:        w.UpdatedAt.UTC(),
	}
}

// NormalizeDomain reduces a reported site address to a bare lowercase
// host: scheme, path, port and a trailing dot are dropped.
func NormalizeDomain(s string) string {
	d := strings.ToLower(strings.TrimSpace(s))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndexByte(d, ':'); i >= 0 && !strings.Contains(d, "]") {
		d = d[:i]
	}
	return strings.TrimSuffix(d, ".")
}

// loadWebsite resolves the {id} parameter to a website the caller may
// see. Websites of other users are reported as not found.
func (s *Server) loadWebsite(r *http.Request) (*database.Website, error) {
	id, err := pathID(r, "id")
	if err != nil {
		return nil, err
	}
	w, err := s.db.GetWebsite(r.Context(), id)
	if err != nil {
		return nil, err
	}
	p := currentUser(r.Context())
	if w == nil || (!p.IsAdmin() && w.UserID != p.User.ID) {
		return nil, notFound("website")
	}
	return w, nil
}

// handleWebsitesList handles GET /api/websites
func (s *Server) handleWebsitesList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := ownerScope(currentUser(ctx))
	page, limit, offset := pagination(r)

	websites, err := s.db.ListWebsites(ctx, owner, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.db.CountWebsites(ctx, owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]WebsiteResponse, 0, len(websites))
	for i := range websites {
		out = append(out, websiteResponse(&websites[i]))
	}
	writeJSON(w, paged(out, total, page, limit))
}

// WebsiteRequest is the body of website create and update. Absent fields
// are left unchanged on update.
type WebsiteRequest struct {
	UserID           *int64          `json:"user_id"`
	Domain           *string         `json:"domain"`
	Title            *string         `json:"title"`
	Meta             json.RawMessage `json:"meta"`
	WordPressVersion *string         `json:"wordpress_version"`
	PHPVersion       *string         `json:"php_version"`
	DBServerType     *string         `json:"db_server_type"`
	DBServerVersion  *string         `json:"db_server_version"`
	Ecosystem        *string         `json:"ecosystem"`
	PlatformMetadata json.RawMessage `json:"platform_metadata"`
	IsDev            *bool           `json:"is_dev"`
}

func (req *WebsiteRequest) apply(ctx context.Context, db *database.DB, w *database.Website) error {
	if req.Domain != nil {
		w.Domain = NormalizeDomain(*req.Domain)
	}
	if w.Domain == "" || strings.ContainsAny(w.Domain, " \t") {
		return badRequest("a valid domain is required")
	}
	if req.Title != nil {
		w.Title = strings.TrimSpace(*req.Title)
	}
	if w.Title == "" {
		w.Title = w.Domain
	}
	if len(req.Meta) > 0 {
		w.Meta = nullString(string(req.Meta))
	}
	if len(req.PlatformMetadata) > 0 {
		w.PlatformMetadata = nullString(string(req.PlatformMetadata))
	}
	setString := func(dst *sql.NullString, v *string) {
		if v != nil {
			*dst = nullString(strings.TrimSpace(*v))
		}
	}
	setString(&w.WordPressVersion, req.WordPressVersion)
	setString(&w.PHPVersion, req.PHPVersion)
	setString(&w.DBServerType, req.DBServerType)
	setString(&w.DBServerVersion, req.DBServerVersion)
	if req.IsDev != nil {
		w.IsDev = *req.IsDev
	}
	if req.Ecosystem != nil {
		if *req.Ecosystem == "" {
			w.EcosystemID = nullInt(0)
		} else {
			e, err := db.GetEcosystemBySlug(ctx, *req.Ecosystem)
			if err != nil {
				return err
			}
			if e == nil {
				return badRequest("unknown ecosystem %q", *req.Ecosystem)
			}
			w.EcosystemID = nullInt(e.ID)
		}
	}
	return nil
}

// handleWebsiteCreate handles POST /api/websites
func (s *Server) handleWebsiteCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := currentUser(ctx)

	var req WebsiteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	owner := p.User
	if req.UserID != nil && *req.UserID != p.User.ID {
		if !p.IsAdmin() {
			s.writeError(w, r, forbidden("cannot create websites for other users"))
			return
		}
		u, err := s.db.GetUser(ctx, *req.UserID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if u == nil {
			s.writeError(w, r, badRequest("unknown user_id %d", *req.UserID))
			return
		}
		owner = u
	}

	if owner.MaxWebsites.Valid {
		n, err := s.db.CountWebsites(ctx, owner.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if n >= owner.MaxWebsites.Int64 {
			s.writeError(w, r, forbidden("website limit reached"))
			return
		}
	}

	site := &database.Website{UserID: owner.ID}
	if err := req.apply(ctx, s.db, site); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.CreateWebsite(ctx, site); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeErrorMessage(w, http.StatusConflict, "website already exists")
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, websiteResponse(site))
}

// handleWebsiteGet handles GET /api/websites/{id}
func (s *Server) handleWebsiteGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	installed, err := s.db.WebsiteReleases(ctx, site.ID, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var vulnerable []int64
	for _, in := range installed {
		if in.HasVulnerabilities {
			vulnerable = append(vulnerable, in.ReleaseID)
		}
	}
	urls, err := s.db.VulnerabilityURLsByRelease(ctx, vulnerable)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := websiteResponse(site)
	resp.Components = make([]InstalledComponentResponse, 0, len(installed))
	for _, in := range installed {
		resp.Components = append(resp.Components, InstalledComponentResponse{
			ComponentID:        in.ComponentID,
			Slug:               in.Slug,
			ComponentTypeSlug:  in.ComponentTypeSlug,
			Title:              in.Title,
			ReleaseID:          in.ReleaseID,
			Version:            in.Version,
			HasVulnerabilities: in.HasVulnerabilities,
			Vulnerabilities:    urls[in.ReleaseID],
		})
	}
	writeJSON(w, resp)
}

// handleWebsiteUpdate handles PUT /api/websites/{id}
func (s *Server) handleWebsiteUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req WebsiteRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.UserID != nil && *req.UserID != site.UserID {
		s.writeError(w, r, badRequest("a website cannot change owner"))
		return
	}
	if err := req.apply(ctx, s.db, site); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.UpdateWebsite(ctx, site); err != nil {
		if errors.Is(err, database.ErrDuplicate) {
			writeErrorMessage(w, http.StatusConflict, "website already exists")
			return
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, websiteResponse(site))
}

// handleWebsiteDelete handles DELETE /api/websites/{id}
func (s *Server) handleWebsiteDelete(w http.ResponseWriter, r *http.Request) {
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.DeleteWebsite(r.Context(), site.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReportedComponent is one installed component a client reports.
type ReportedComponent struct {
	Slug            string   `json:"slug"`
	Version         string   `json:"version"`
	Title           string   `json:"title"`
	Vulnerabilities []string `json:"vulnerabilities"`
}

// WebsiteComponentsRequest is the body of PUT /api/websites/{id}/components.
// Each list present replaces every installed component of its type; an
// absent list leaves that type alone and an empty one clears it.
// Components holds lists for any other type, keyed by type slug.
type WebsiteComponentsRequest struct {
	Plugins    []ReportedComponent            `json:"plugins"`
	Themes     []ReportedComponent            `json:"themes"`
	Packages   []ReportedComponent            `json:"packages"`
	Components map[string][]ReportedComponent `json:"components"`
}

func (req *WebsiteComponentsRequest) byType() map[string][]ReportedComponent {
	out := make(map[string][]ReportedComponent)
	for typeSlug, list := range req.Components {
		if list != nil {
			out[typeSlug] = list
		}
	}
	if req.Plugins != nil {
		out["wordpress-plugin"] = req.Plugins
	}
	if req.Themes != nil {
		out["wordpress-theme"] = req.Themes
	}
	if req.Packages != nil {
		out["npm-package"] = req.Packages
	}
	return out
}

// handleWebsiteComponents handles PUT /api/websites/{id}/components. Each
// type is replaced in its own transaction.
func (s *Server) handleWebsiteComponents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := currentUser(ctx)
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req WebsiteComponentsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	lists := req.byType()
	if len(lists) == 0 {
		s.writeError(w, r, badRequest("no component lists given"))
		return
	}

	types := make([]string, 0, len(lists))
	for typeSlug, list := range lists {
		types = append(types, typeSlug)
		for _, c := range list {
			if len(c.Vulnerabilities) > 0 && !p.IsAdmin() {
				s.writeError(w, r, forbidden("administrator role required to attach vulnerabilities"))
				return
			}
		}
	}
	sort.Strings(types)

	result := make(map[string]reconcile.Counts, len(types))
	for _, typeSlug := range types {
		reported := make([]reconcile.Reported, 0, len(lists[typeSlug]))
		for _, c := range lists[typeSlug] {
			reported = append(reported, reconcile.Reported{
				Slug:              c.Slug,
				Version:           c.Version,
				Title:             c.Title,
				VulnerabilityURLs: c.Vulnerabilities,
			})
		}
		counts, err := s.reconciler.ReplaceWebsiteComponents(ctx, site.ID, typeSlug, reported, p.User.ID, "api")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		result[typeSlug] = counts
	}
	writeJSON(w, result)
}

// ChangeResponse is one component change log entry.
type ChangeResponse struct {
	ID                int64     `json:"id"`
	ComponentID       int64     `json:"component_id"`
	ComponentSlug     string    `json:"component_slug"`
	ComponentTypeSlug string    `json:"component_type_slug"`
	Title             string    `json:"title"`
	ChangeType        string    `json:"change_type"`
	OldVersion        *string   `json:"old_version"`
	NewVersion        *string   `json:"new_version"`
	ChangedByUserID   *int64    `json:"changed_by_user_id"`
	ChangedVia        string    `json:"changed_via"`
	ChangedAt         time.Time `json:"changed_at"`
}

// sinceDays reads ?days= as a lookback window, defaulting to def.
func (s *Server) sinceDays(r *http.Request, def int) (time.Time, error) {
	days := def
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return time.Time{}, badRequest("days must be a positive integer")
		}
		days = n
	}
	return s.now().AddDate(0, 0, -days), nil
}

// handleWebsiteChanges handles GET /api/websites/{id}/changes?days=
func (s *Server) handleWebsiteChanges(w http.ResponseWriter, r *http.Request) {
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := s.sinceDays(r, changesDefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	changes, err := s.db.ListWebsiteChanges(r.Context(), site.ID, since, maxListRows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]ChangeResponse, 0, len(changes))
	for _, c := range changes {
		out = append(out, ChangeResponse{
			ID:                c.ID,
			ComponentID:       c.ComponentID,
			ComponentSlug:     c.ComponentSlug,
			ComponentTypeSlug: c.ComponentType,
			Title:             c.Title,
			ChangeType:        c.ChangeType,
			OldVersion:        optString(c.OldVersion),
			NewVersion:        optString(c.NewVersion),
			ChangedByUserID:   optInt(c.ChangedByUserID),
			ChangedVia:        c.ChangedVia,
			ChangedAt:         c.ChangedAt.UTC(),
		})
	}
	writeJSON(w, out)
}

// SecurityEventRequest is one reported intrusion signal.
type SecurityEventRequest struct {
	EventType     string          `json:"event_type"`
	SourceIP      string          `json:"source_ip"`
	EventDatetime time.Time       `json:"event_datetime"`
	Username      string          `json:"username"`
	Details       json.RawMessage `json:"details"`
}

// SecurityEventsRequest is the body of POST /api/websites/{id}/security-events.
type SecurityEventsRequest struct {
	Events []SecurityEventRequest `json:"events"`
}

// SecurityEventsResult counts what a batch of events did.
type SecurityEventsResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// handleSecurityEventsCreate handles POST /api/websites/{id}/security-events.
// Source addresses are geolocated; an event already recorded for the same
// type, address and time is counted as a duplicate.
func (s *Server) handleSecurityEventsCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req SecurityEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	types := make(map[string]*database.SecurityEventType)
	events := make([]*database.SecurityEvent, 0, len(req.Events))
	for i, ev := range req.Events {
		et, ok := types[ev.EventType]
		if !ok {
			et, err = s.db.GetSecurityEventType(ctx, ev.EventType)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if et == nil {
				s.writeError(w, r, badRequest("event %d: unknown event_type %q", i, ev.EventType))
				return
			}
			types[ev.EventType] = et
		}

		loc, err := s.geoip.Lookup(ev.SourceIP)
		if errors.Is(err, geoip.ErrInvalidIP) {
			s.writeError(w, r, badRequest("event %d: invalid source_ip %q", i, ev.SourceIP))
			return
		}
		if err != nil {
			s.logger.Warn("geoip lookup failed", "ip", ev.SourceIP, "error", err)
		}

		at := ev.EventDatetime
		if at.IsZero() {
			at = s.now()
		}
		var details string
		if len(ev.Details) > 0 && string(ev.Details) != "null" {
			details = string(ev.Details)
		}
		events = append(events, &database.SecurityEvent{
			WebsiteID:     site.ID,
			EventTypeID:   et.ID,
			SourceIP:      ev.SourceIP,
			EventDatetime: at,
			ContinentCode: nullString(loc.ContinentCode),
			CountryCode:   nullString(loc.CountryCode),
			Username:      nullString(ev.Username),
			Details:       nullString(details),
		})
	}

	var result SecurityEventsResult
	for i, ev := range events {
		inserted, err := s.db.InsertSecurityEvent(ctx, ev)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if inserted {
			result.Inserted++
			metrics.RecordSecurityEvent(req.Events[i].EventType)
		} else {
			result.Duplicates++
		}
	}
	writeJSON(w, result)
}

// SecurityEventResponse is one recorded intrusion signal.
type SecurityEventResponse struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	SourceIP      string          `json:"source_ip"`
	EventDatetime time.Time       `json:"event_datetime"`
	ContinentCode *string         `json:"continent_code"`
	CountryCode   *string         `json:"country_code"`
	Username      *string         `json:"username"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// handleSecurityEventsList handles GET /api/websites/{id}/security-events?days=
func (s *Server) handleSecurityEventsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	since, err := s.sinceDays(r, eventsDefaultDays)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	types, err := s.db.ListSecurityEventTypes(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slugs := make(map[int64]string, len(types))
	for _, t := range types {
		slugs[t.ID] = t.Slug
	}

	events, err := s.db.ListSecurityEvents(ctx, site.ID, since, maxListRows)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]SecurityEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, SecurityEventResponse{
			ID:            e.ID,
			EventType:     slugs[e.EventTypeID],
			SourceIP:      e.SourceIP,
			EventDatetime: e.EventDatetime.UTC(),
			ContinentCode: optString(e.ContinentCode),
			CountryCode:   optString(e.CountryCode),
			Username:      optString(e.Username),
			Details:       rawJSON(e.Details.String),
		})
	}
	writeJSON(w, out)
}

// FileIssueRequest is one static-analysis finding.
type FileIssueRequest struct {
	FilePath   string `json:"file_path"`
	IssueType  string `json:"issue_type"`
	LineNumber int    `json:"line_number"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// FileIssuesRequest is the body of POST /api/websites/{id}/file-issues.
type FileIssuesRequest struct {
	Issues []FileIssueRequest `json:"issues"`
}

var severities = map[string]bool{"": true, "low": true, "medium": true, "high": true, "critical": true}

// handleFileIssuesCreate handles POST /api/websites/{id}/file-issues
func (s *Server) handleFileIssuesCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req FileIssuesRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	for i, is := range req.Issues {
		if strings.TrimSpace(is.FilePath) == "" || strings.TrimSpace(is.IssueType) == "" {
			s.writeError(w, r, badRequest("issue %d: file_path and issue_type are required", i))
			return
		}
		if !severities[is.Severity] {
			s.writeError(w, r, badRequest("issue %d: unknown severity %q", i, is.Severity))
			return
		}
	}

	for _, is := range req.Issues {
		err := s.db.UpsertFileIssue(ctx, &database.FileSecurityIssue{
			WebsiteID:  site.ID,
			FilePath:   strings.TrimSpace(is.FilePath),
			IssueType:  strings.TrimSpace(is.IssueType),
			LineNumber: is.LineNumber,
			Severity:   is.Severity,
			Message:    nullString(is.Message),
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, map[string]int{"upserted": len(req.Issues)})
}

// FileIssueResponse is one open static-analysis finding.
type FileIssueResponse struct {
	ID          int64     `json:"id"`
	FilePath    string    `json:"file_path"`
	IssueType   string    `json:"issue_type"`
	LineNumber  int       `json:"line_number"`
	Severity    string    `json:"severity"`
	Message     *string   `json:"message"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	LastSeenAt  time.Time `json:"last_seen_at"`
}

// handleFileIssuesList handles GET /api/websites/{id}/file-issues
func (s *Server) handleFileIssuesList(w http.ResponseWriter, r *http.Request) {
	site, err := s.loadWebsite(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	issues, err := s.db.ListFileIssues(r.Context(), site.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]FileIssueResponse, 0, len(issues))
	for _, f := range issues {
		out = append(out, FileIssueResponse{
			ID:          f.ID,
			FilePath:    f.FilePath,
			IssueType:   f.IssueType,
			LineNumber:  f.LineNumber,
			Severity:    f.Severity,
			Message:     optString(f.Message),
			FirstSeenAt: f.FirstSeenAt.UTC(),
			LastSeenAt:  f.LastSeenAt.UTC(),
		})
	}
	writeJSON(w, out)
}
