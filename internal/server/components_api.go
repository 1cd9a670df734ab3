package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/vulnz/vulnz/internal/database"
	"github.com/vulnz/vulnz/internal/reconcile"
	"github.com/vulnz/vulnz/internal/search"
	"github.com/vulnz/vulnz/internal/version"
)

// ComponentResponse is a component as returned by the API.
type ComponentResponse struct {
	ID                int64             `json:"id"`
	Slug              string            `json:"slug"`
	ComponentTypeSlug string            `json:"component_type_slug"`
	Title             string            `json:"title"`
	URL               *string           `json:"url"`
	Description       *string           `json:"description"`
	License           *string           `json:"license"`
	SyncedFromWporg   bool              `json:"synced_from_wporg"`
	SyncedAt          *time.Time        `json:"synced_at"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
	Releases          []ReleaseResponse `json:"releases,omitempty"`
}

// ReleaseResponse is one version of a component.
type ReleaseResponse struct {
	ID                 int64    `json:"id"`
	Version            string   `json:"version"`
	HasVulnerabilities bool     `json:"has_vulnerabilities"`
	Vulnerabilities    []string `json:"vulnerabilities,omitempty"`
}

func componentResponse(c *database.Component) ComponentResponse {
	return ComponentResponse{
		ID:                c.ID,
		Slug:              c.Slug,
		ComponentTypeSlug: c.ComponentTypeSlug,
		Title:             c.Title,
		URL:               optString(c.URL),
		Description:       optString(c.Description),
		License:           optString(c.License),
		SyncedFromWporg:   c.SyncedFromWporg,
		SyncedAt:          optTime(c.SyncedAt),
		CreatedAt:         c.CreatedAt.UTC(),
		UpdatedAt:         c.UpdatedAt.UTC(),
	}
}

// ComponentTypeResponse is a component type lookup row.
type ComponentTypeResponse struct {
	Slug      string  `json:"slug"`
	Name      string  `json:"name"`
	Ecosystem *string `json:"ecosystem"`
}

// handleComponentTypes handles GET /api/component-types
func (s *Server) handleComponentTypes(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	types, err := s.db.ListComponentTypes(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ecosystems, err := s.db.ListEcosystems(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	slugs := make(map[int64]string, len(ecosystems))
	for _, e := range ecosystems {
		slugs[e.ID] = e.Slug
	}

	out := make([]ComponentTypeResponse, 0, len(types))
	for _, t := range types {
		resp := ComponentTypeResponse{Slug: t.Slug, Name: t.Name}
		if slug, ok := slugs[t.EcosystemID.Int64]; ok && t.EcosystemID.Valid {
			resp.Ecosystem = &slug
		}
		out = append(out, resp)
	}
	writeJSON(w, out)
}

// EcosystemResponse is an ecosystem lookup row.
type EcosystemResponse struct {
	ID          int64   `json:"id"`
	Slug        string  `json:"slug"`
	Name        string  `json:"name"`
	Description *string `json:"description"`
	Active      bool    `json:"active"`
}

// handleEcosystems handles GET /api/ecosystems
func (s *Server) handleEcosystems(w http.ResponseWriter, r *http.Request) {
	ecosystems, err := s.db.ListEcosystems(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]EcosystemResponse, 0, len(ecosystems))
	for _, e := range ecosystems {
		out = append(out, EcosystemResponse{
			ID:          e.ID,
			Slug:        e.Slug,
			Name:        e.Name,
			Description: optString(e.Description),
			Active:      e.Active,
		})
	}
	writeJSON(w, out)
}

// handleComponentsList handles GET /api/components?type=&page=&limit=
func (s *Server) handleComponentsList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typeSlug := r.URL.Query().Get("type")
	page, limit, offset := pagination(r)

	components, err := s.db.ListComponents(ctx, typeSlug, limit, offset)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	total, err := s.db.CountComponents(ctx, typeSlug)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]ComponentResponse, 0, len(components))
	for i := range components {
		out = append(out, componentResponse(&components[i]))
	}
	writeJSON(w, paged(out, total, page, limit))
}

// handleComponentsSearch handles GET /api/components/search?q=&page=&limit=
func (s *Server) handleComponentsSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, limit, _ := pagination(r)
	if q.Get("limit") == "" {
		limit = search.DefaultLimit
	}

	result, err := s.search.Search(r.Context(), q.Get("q"), page, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, result)
}

// handleComponentGet handles GET /api/components/{id}
func (s *Server) handleComponentGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	c, err := s.db.GetComponent(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		s.writeError(w, r, notFound("component"))
		return
	}

	releases, err := s.db.ListReleaseSummaries(ctx, []int64{c.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ids := make([]int64, len(releases))
	for i, rel := range releases {
		ids[i] = rel.ID
	}
	urls, err := s.db.VulnerabilityURLsByRelease(ctx, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := componentResponse(c)
	resp.Releases = make([]ReleaseResponse, 0, len(releases))
	for _, rel := range releases {
		resp.Releases = append(resp.Releases, ReleaseResponse{
			ID:                 rel.ID,
			Version:            rel.Version,
			HasVulnerabilities: rel.HasVulnerabilities,
			Vulnerabilities:    urls[rel.ID],
		})
	}
	version.SortDescending(resp.Releases, func(r ReleaseResponse) string { return r.Version })
	writeJSON(w, resp)
}

// ComponentRequest is the body of component create and update.
type ComponentRequest struct {
	Slug              string `json:"slug"`
	ComponentTypeSlug string `json:"component_type_slug"`
	Title             string `json:"title"`
	URL               string `json:"url"`
	Description       string `json:"description"`
	License           string `json:"license"`
}

func (req *ComponentRequest) apply(c *database.Component) error {
	c.Slug = strings.TrimSpace(req.Slug)
	c.ComponentTypeSlug = req.ComponentTypeSlug
	c.Title = strings.TrimSpace(req.Title)
	c.URL = nullString(req.URL)
	c.Description = nullString(req.Description)
	c.License = nullString(req.License)
	if c.Slug == "" || c.ComponentTypeSlug == "" {
		return badRequest("slug and component_type_slug are required")
	}
	if c.Title == "" {
		c.Title = c.Slug
	}
	return nil
}

// handleComponentCreate handles POST /api/components
func (s *Server) handleComponentCreate(w http.ResponseWriter, r *http.Request) {
	var req ComponentRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var c database.Component
	if err := req.apply(&c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.CreateComponent(r.Context(), &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, componentResponse(&c))
}

// handleComponentUpdate handles PUT /api/components/{id}
func (s *Server) handleComponentUpdate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.db.GetComponent(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		s.writeError(w, r, notFound("component"))
		return
	}

	req := ComponentRequest{
		Slug:              c.Slug,
		ComponentTypeSlug: c.ComponentTypeSlug,
		Title:             c.Title,
		URL:               c.URL.String,
		Description:       c.Description.String,
		License:           c.License.String,
	}
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.apply(c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.UpdateComponent(ctx, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, componentResponse(c))
}

// handleComponentDelete handles DELETE /api/components/{id}
func (s *Server) handleComponentDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.db.DeleteComponent(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// IngestRequest is the optional body of the ingest endpoint.
type IngestRequest struct {
	Title           string   `json:"title"`
	Vulnerabilities []string `json:"vulnerabilities"`
}

// IngestResponse reports the rows an ingest converged on.
type IngestResponse struct {
	Component          ComponentResponse `json:"component"`
	Release            ReleaseResponse   `json:"release"`
	VulnerabilitiesNew int               `json:"vulnerabilities_new"`
}

// handleComponentIngest handles POST /api/components/{type}/{slug}/{version}.
// Any signed-in user may report a (type, slug, version); only
// administrators may attach vulnerability urls.
func (s *Server) handleComponentIngest(w http.ResponseWriter, r *http.Request) {
	var body IngestRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if len(body.Vulnerabilities) > 0 && !currentUser(r.Context()).IsAdmin() {
		s.writeError(w, r, forbidden("administrator role required to attach vulnerabilities"))
		return
	}

	res, err := s.reconciler.Ingest(r.Context(), reconcile.IngestRequest{
		Type:              chi.URLParam(r, "type"),
		Slug:              chi.URLParam(r, "slug"),
		Version:           chi.URLParam(r, "version"),
		Title:             body.Title,
		VulnerabilityURLs: body.Vulnerabilities,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	vulns, err := s.db.VulnerabilityURLsByRelease(r.Context(), []int64{res.Release.ID})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, IngestResponse{
		Component: componentResponse(res.Component),
		Release: ReleaseResponse{
			ID:                 res.Release.ID,
			Version:            res.Release.Version,
			HasVulnerabilities: len(vulns[res.Release.ID]) > 0,
			Vulnerabilities:    vulns[res.Release.ID],
		},
		VulnerabilitiesNew: res.VulnerabilitiesNew,
	})
}

// handleComponentSync handles POST /api/components/{id}/sync
func (s *Server) handleComponentSync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if s.syncer == nil {
		writeErrorMessage(w, http.StatusServiceUnavailable, "upstream sync is not configured")
		return
	}
	id, err := pathID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.db.GetComponent(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		s.writeError(w, r, notFound("component"))
		return
	}

	if err := s.syncer.SyncComponent(ctx, c); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err = s.db.GetComponent(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if c == nil {
		s.writeError(w, r, notFound("component"))
		return
	}
	writeJSON(w, componentResponse(c))
}
