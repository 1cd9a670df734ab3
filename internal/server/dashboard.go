package server

import (
	"net/http"
	"time"

	"github.com/vulnz/vulnz/internal/database"
)

// PageData is shared by every page: the site name, the signed-in user (nil
// on the login and reset pages) and the build version for the footer.
type PageData struct {
	SiteName string
	User     *UserResponse
	IsAdmin  bool
	Version  string
}

// DashboardData contains data for rendering the dashboard.
type DashboardData struct {
	PageData
	Stats      *database.DashboardStats
	Websites   []WebsiteRow
	Vulnerable []database.VulnerableInstall
}

// WebsiteRow is one website in the dashboard table.
type WebsiteRow struct {
	ID         int64
	Domain     string
	Title      string
	IsDev      bool
	Vulnerable int
	UpdatedAgo string
}

// LoginData contains data for rendering the login page.
type LoginData struct {
	PageData
	RegistrationEnabled bool
}

// ResetData contains data for rendering the password reset page.
type ResetData struct {
	PageData
	Token string
}

func (s *Server) pageData(r *http.Request) PageData {
	d := PageData{
		SiteName: s.db.SettingString(r.Context(), "site.name", "Vulnz"),
		Version:  s.version,
	}
	if p := currentUser(r.Context()); p != nil {
		u := userResponse(p.User, p.Roles)
		d.User = &u
		d.IsAdmin = p.IsAdmin()
	}
	return d
}

// handleDashboard renders the dashboard, or the login page when the
// request is anonymous.
// GET /
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	page := s.pageData(r)

	p := currentUser(ctx)
	if p == nil {
		s.render(w, "login", LoginData{PageData: page, RegistrationEnabled: s.cfg.RegistrationEnabled})
		return
	}

	owner := ownerScope(p)
	websites, err := s.db.ListAllWebsites(ctx, owner)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	vulnerable, err := s.db.VulnerableInstalls(ctx, owner)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	perSite := make(map[int64]int)
	for _, v := range vulnerable {
		perSite[v.WebsiteID]++
	}

	data := DashboardData{PageData: page, Vulnerable: vulnerable}
	for _, site := range websites {
		data.Websites = append(data.Websites, WebsiteRow{
			ID:         site.ID,
			Domain:     site.Domain,
			Title:      site.Title,
			IsDev:      site.IsDev,
			Vulnerable: perSite[site.ID],
			UpdatedAgo: formatTimeAgo(site.UpdatedAt),
		})
	}
	if page.IsAdmin {
		data.Stats, err = s.db.GetDashboardStats(ctx)
		if err != nil {
			s.renderError(w, r, err)
			return
		}
	}

	s.render(w, "dashboard", data)
}

// handleResetPage renders the form that completes a password reset.
// GET /reset-password?token=
func (s *Server) handleResetPage(w http.ResponseWriter, r *http.Request) {
	s.render(w, "reset", ResetData{
		PageData: s.pageData(r),
		Token:    r.URL.Query().Get("token"),
	})
}

func (s *Server) render(w http.ResponseWriter, page string, data any) {
	if err := s.templates.Render(w, page, data); err != nil {
		s.logger.Error("failed to render page", "page", page, "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("failed to load page data",
		"request_id", GetRequestID(r.Context()),
		"path", r.URL.Path,
		"error", err)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// formatDate is the template helper for timestamps.
func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}
