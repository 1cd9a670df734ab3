package server

import (
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"net/http"
	"path"
	"strings"
)

//go:embed templates/**/*.html
var templatesFS embed.FS

// Templates holds one parsed set per dashboard page, each sharing the
// base layout and components.
type Templates struct {
	pages map[string]*template.Template
}

var templateFuncs = template.FuncMap{
	"formatDate": formatDate,
	"plural": func(n int, noun string) string {
		if n != 1 {
			noun += "s"
		}
		return fmt.Sprintf("%d %s", n, noun)
	},
}

func NewTemplates() (*Templates, error) {
	files, err := fs.Glob(templatesFS, "templates/pages/*.html")
	if err != nil {
		return nil, err
	}

	t := &Templates{pages: make(map[string]*template.Template, len(files))}
	for _, file := range files {
		name := strings.TrimSuffix(path.Base(file), ".html")
		page, err := template.New(name).Funcs(templateFuncs).ParseFS(templatesFS,
			"templates/layout/*.html", "templates/components/*.html", file)
		if err != nil {
			return nil, fmt.Errorf("parsing %s template: %w", name, err)
		}
		t.pages[name] = page
	}
	return t, nil
}

// Render writes page wrapped in the "base" layout.
func (t *Templates) Render(w http.ResponseWriter, page string, data any) error {
	tmpl, ok := t.pages[page]
	if !ok {
		return fmt.Errorf("no template for page %q", page)
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return tmpl.ExecuteTemplate(w, "base", data)
}
