// Package enrichment fills in npm component metadata and vulnerability
// references from package registries and OSV.
package enrichment

import (
	"context"
	"log/slog"

	"github.com/git-pkgs/purl"
	"github.com/git-pkgs/registries"
	_ "github.com/git-pkgs/registries/all"
	"github.com/git-pkgs/spdx"
	"github.com/git-pkgs/vulns"
	"github.com/git-pkgs/vulns/osv"
)

// NPM is the purl type and ecosystem name of the npm registry.
const NPM = "npm"

// AdvisoryURL is the public page of an OSV advisory. One is attached to a
// release per advisory affecting it.
const AdvisoryURL = "https://osv.dev/vulnerability/"

// Client looks up npm packages on the registry and their advisories on OSV.
type Client struct {
	registry   *registries.Client
	advisories vulns.Source
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Client {
	return &Client{
		registry:   registries.DefaultClient(),
		advisories: osv.New(),
		logger:     logger,
	}
}

// PackageInfo is the metadata stored on an npm component.
type PackageInfo struct {
	Name          string
	LatestVersion string
	License       string
	Description   string
	Homepage      string
	Repository    string
}

// Title is the display name of the package.
func (p *PackageInfo) Title() string {
	return p.Name
}

// URL is the homepage, falling back to the repository.
func (p *PackageInfo) URL() string {
	if p.Homepage != "" {
		return p.Homepage
	}
	return p.Repository
}

// Package fetches registry metadata for name. It returns nil, nil when
// the registry does not know the package.
func (c *Client) Package(ctx context.Context, name string) (*PackageInfo, error) {
	pkg, err := registries.FetchPackageFromPURL(ctx, purl.MakePURLString(NPM, name, ""), c.registry)
	if err != nil || pkg == nil {
		return nil, err
	}
	return &PackageInfo{
		Name:          pkg.Name,
		LatestVersion: pkg.LatestVersion,
		License:       normalizeLicense(pkg.Licenses),
		Description:   pkg.Description,
		Homepage:      pkg.Homepage,
		Repository:    pkg.Repository,
	}, nil
}

// Advisories returns the OSV advisory urls affecting each of the given
// versions of name, in a single batched query. Versions with no
// advisories map to an empty slice.
func (c *Client) Advisories(ctx context.Context, name string, versions []string) (map[string][]string, error) {
	if len(versions) == 0 {
		return map[string][]string{}, nil
	}
	purls := make([]*purl.PURL, len(versions))
	for i, v := range versions {
		purls[i] = purl.MakePURL(NPM, name, v)
	}

	batches, err := c.advisories.QueryBatch(ctx, purls)
	if err != nil {
		return nil, err
	}

	out := make(map[string][]string, len(versions))
	for i, v := range versions {
		urls := []string{}
		if i < len(batches) {
			for _, adv := range batches[i] {
				if adv.ID != "" {
					urls = append(urls, AdvisoryURL+adv.ID)
				}
			}
		}
		out[v] = urls
	}
	c.logger.Debug("osv advisories fetched", "package", name, "versions", len(versions))
	return out, nil
}

// normalizeLicense rewrites a registry license to an SPDX expression when
// it can be parsed leniently, and returns it unchanged otherwise.
func normalizeLicense(license string) string {
	if license == "" {
		return ""
	}
	if expr, err := spdx.NormalizeExpressionLax(license); err == nil {
		return expr
	}
	return license
}
