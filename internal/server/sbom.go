package server

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"
	"github.com/git-pkgs/purl"
	"github.com/package-url/packageurl-go"

	"github.com/vulnz/vulnz/internal/database"
)

// componentPURL returns the package URL of an installed release. WordPress
// plugins and themes use the "wordpress" type with the kind as namespace.
func componentPURL(typeSlug, slug, ver string) string {
	switch typeSlug {
	case "npm-package":
		return purl.MakePURLString("npm", slug, ver)
	case "wordpress-plugin", "wordpress-theme":
		kind := strings.TrimPrefix(typeSlug, "wordpress-")
		return packageurl.NewPackageURL("wordpress", kind, slug, ver, nil, "").ToString()
	default:
		return packageurl.NewPackageURL("generic", typeSlug, slug, ver, nil, "").ToString()
	}
}

// buildSBOM describes a website's installed components, and the
// vulnerabilities known against them, as a CycloneDX BOM.
func buildSBOM(site *database.Website, installed []database.WebsiteRelease, vulns map[int64][]string, toolVersion string, now time.Time) *cdx.BOM {
	bom := cdx.NewBOM()
	bom.Metadata = &cdx.Metadata{
		Timestamp: now.UTC().Format(time.RFC3339),
		Tools: &cdx.ToolsChoice{
			Components: &[]cdx.Component{{
				Type:    cdx.ComponentTypeApplication,
				Name:    "vulnz",
				Version: toolVersion,
			}},
		},
		Component: &cdx.Component{
			BOMRef: "website:" + site.Domain,
			Type:   cdx.ComponentTypeApplication,
			Name:   site.Domain,
		},
	}
	if site.WordPressVersion.Valid {
		bom.Metadata.Component.Version = site.WordPressVersion.String
	}

	components := make([]cdx.Component, 0, len(installed))
	var vulnerabilities []cdx.Vulnerability
	for _, in := range installed {
		ref := componentPURL(in.ComponentTypeSlug, in.Slug, in.Version)
		components = append(components, cdx.Component{
			BOMRef:      ref,
			Type:        cdx.ComponentTypeLibrary,
			Name:        in.Slug,
			Version:     in.Version,
			PackageURL:  ref,
			Description: in.Title,
		})
		for i, u := range vulns[in.ReleaseID] {
			vulnerabilities = append(vulnerabilities, cdx.Vulnerability{
				BOMRef:  fmt.Sprintf("%s#vuln-%d", ref, i+1),
				ID:      u,
				Source:  &cdx.Source{URL: u},
				Affects: &[]cdx.Affects{{Ref: ref}},
			})
		}
	}
	bom.Components = &components
	if len(vulnerabilities) > 0 {
		bom.Vulnerabilities = &vulnerabilities
	}
	return bom
}

// handleWebsiteSBOM handles GET /api/websites/{id}/sbom
func (s *Server) handleWebsiteSBOM(w http.ResponseWriter, r *http.Request) {
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
	ids := make([]int64, 0, len(installed))
	for _, in := range installed {
		if in.HasVulnerabilities {
			ids = append(ids, in.ReleaseID)
		}
	}
	vulns, err := s.db.VulnerabilityURLsByRelease(ctx, ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	bom := buildSBOM(site, installed, vulns, s.version, s.now())
	w.Header().Set("Content-Type", "application/vnd.cyclonedx+json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", site.Domain+".cdx.json"))
	if err := cdx.NewBOMEncoder(w, cdx.BOMFileFormatJSON).SetPretty(true).Encode(bom); err != nil {
		s.logger.Error("encoding sbom", "website_id", site.ID, "error", err)
	}
}
