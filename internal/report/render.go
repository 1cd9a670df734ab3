package report

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"strings"
	"time"
)

//go:embed templates/*.html
var templateFS embed.FS

// Rendered is a summary ready to send.
type Rendered struct {
	Subject string
	HTML    string
	Text    string
}

// Renderer turns summaries into email bodies.
type Renderer struct {
	siteName string
	baseURL  string
	tmpl     *template.Template
}

// NewRenderer parses the embedded summary template.
func NewRenderer(siteName, baseURL string) (*Renderer, error) {
	tmpl, err := template.New("summary.html").Funcs(template.FuncMap{
		"date": func(t time.Time) string { return t.Format("2 Jan 2006") },
		"title": func(s string) string {
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + s[1:]
		},
	}).ParseFS(templateFS, "templates/summary.html")
	if err != nil {
		return nil, fmt.Errorf("parsing summary template: %w", err)
	}
	if siteName == "" {
		siteName = "vulnz"
	}
	return &Renderer{siteName: siteName, baseURL: strings.TrimRight(baseURL, "/"), tmpl: tmpl}, nil
}

type templateData struct {
	*Summary
	SiteName string
	BaseURL  string
}

// Render produces the subject and bodies for s.
func (r *Renderer) Render(s *Summary) (*Rendered, error) {
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, templateData{Summary: s, SiteName: r.siteName, BaseURL: r.baseURL}); err != nil {
		return nil, fmt.Errorf("rendering summary: %w", err)
	}
	return &Rendered{
		Subject: r.subject(s),
		HTML:    buf.String(),
		Text:    text(s),
	}, nil
}

func (r *Renderer) subject(s *Summary) string {
	day := s.GeneratedAt.Format("2 Jan 2006")
	if n := len(s.Vulnerable); n > 0 {
		return fmt.Sprintf("%s weekly summary %s: %d vulnerable website%s", r.siteName, day, n, plural(n))
	}
	return fmt.Sprintf("%s weekly summary %s", r.siteName, day)
}

func text(s *Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Weekly summary for %s, %s to %s\n\n",
		s.Username, s.Since.Format(time.DateOnly), s.GeneratedAt.Format(time.DateOnly))
	fmt.Fprintf(&b, "Websites monitored: %d\n", s.Websites)
	fmt.Fprintf(&b, "Vulnerable websites: %d\n", len(s.Vulnerable))
	for _, w := range s.Vulnerable {
		for _, c := range w.Components {
			fmt.Fprintf(&b, "  %s: %s %s\n", w.Domain, c.Title, c.Version)
		}
	}
	fmt.Fprintf(&b, "Security events: %d\n", s.SecurityEvents.Total)
	fmt.Fprintf(&b, "Outdated WordPress: %d, outdated PHP: %d\n", len(s.Outdated.WordPress), len(s.Outdated.PHP))
	fmt.Fprintf(&b, "File issues: %d in %d files\n", s.FileIssues.Issues, s.FileIssues.Files)
	fmt.Fprintf(&b, "Component changes: %d added, %d updated, %d removed\n",
		s.Changes.Added, s.Changes.Updated, s.Changes.Removed)
	return b.String()
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
