package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

const (
	DefaultPluginAPI = "https://api.wordpress.org/plugins/info/1.0"
	DefaultThemeAPI  = "https://api.wordpress.org/themes/info/1.2/"
)

// Info is the subset of WordPress.org metadata vulnz stores on a component.
type Info struct {
	Name        string
	Description string
	Homepage    string
	Version     string
}

// WordPress reads plugin and theme metadata from WordPress.org.
type WordPress struct {
	fetcher   *Fetcher
	pluginAPI string
	themeAPI  string
}

// NewWordPress returns a client for the given API bases. Empty bases fall
// back to the public WordPress.org endpoints.
func NewWordPress(f *Fetcher, pluginAPI, themeAPI string) *WordPress {
	if pluginAPI == "" {
		pluginAPI = DefaultPluginAPI
	}
	if themeAPI == "" {
		themeAPI = DefaultThemeAPI
	}
	return &WordPress{
		fetcher:   f,
		pluginAPI: strings.TrimSuffix(pluginAPI, "/"),
		themeAPI:  themeAPI,
	}
}

type wpInfoResponse struct {
	Name     string          `json:"name"`
	Homepage string          `json:"homepage"`
	Version  string          `json:"version"`
	Sections json.RawMessage `json:"sections"`
	// The plugin API answers unknown slugs with 200 and an error field.
	Error string `json:"error"`
}

func (r *wpInfoResponse) info() (*Info, error) {
	if r.Error != "" || r.Name == "" {
		return nil, ErrNotFound
	}
	// sections is an object of HTML strings, or [] when empty
	var sections map[string]string
	_ = json.Unmarshal(r.Sections, &sections)
	return &Info{
		Name:        r.Name,
		Description: sections["description"],
		Homepage:    r.Homepage,
		Version:     r.Version,
	}, nil
}

// PluginInfo fetches {base}/{slug}.json.
func (w *WordPress) PluginInfo(ctx context.Context, slug string) (*Info, error) {
	var resp wpInfoResponse
	u := fmt.Sprintf("%s/%s.json", w.pluginAPI, url.PathEscape(slug))
	if err := w.fetcher.FetchJSON(ctx, u, &resp); err != nil {
		return nil, fmt.Errorf("plugin %s: %w", slug, err)
	}
	return resp.info()
}

// ThemeInfo fetches theme_information for slug.
func (w *WordPress) ThemeInfo(ctx context.Context, slug string) (*Info, error) {
	q := url.Values{}
	q.Set("action", "theme_information")
	q.Set("request[slug]", slug)
	q.Set("request[fields][sections]", "1")

	var raw json.RawMessage
	if err := w.fetcher.FetchJSON(ctx, w.themeAPI+"?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("theme %s: %w", slug, err)
	}
	// Unknown themes come back as JSON false or an error object.
	if string(raw) == "false" || string(raw) == "null" {
		return nil, ErrNotFound
	}
	var resp wpInfoResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding theme %s: %w", slug, err)
	}
	return resp.info()
}
