package enrichment

import (
	"context"
	"strings"

	"github.com/ecosyste-ms/ecosystems-go"
	"github.com/package-url/packageurl-go"
)

// Ecosystems prefetches npm metadata in bulk from ecosyste.ms, so a sync
// run over many components needs one request instead of one per package.
type Ecosystems struct {
	client *ecosystems.Client
}

func NewEcosystems(userAgent string) (*Ecosystems, error) {
	client, err := ecosystems.NewClient(userAgent)
	if err != nil {
		return nil, err
	}
	return &Ecosystems{client: client}, nil
}

// PackagePURL is the versionless purl of an npm package. Scoped names
// such as @babel/core keep their scope as the namespace.
func PackagePURL(name string) string {
	var scope string
	if strings.HasPrefix(name, "@") {
		if s, rest, ok := strings.Cut(name, "/"); ok {
			scope, name = s, rest
		}
	}
	return packageurl.NewPackageURL(packageurl.TypeNPM, scope, name, "", nil, "").ToString()
}

// BulkLookup returns metadata for the packages ecosyste.ms knows, keyed
// by the requested name.
func (e *Ecosystems) BulkLookup(ctx context.Context, names []string) (map[string]*PackageInfo, error) {
	purls := make([]string, len(names))
	requested := make(map[string]string, len(names))
	for i, name := range names {
		purls[i] = PackagePURL(name)
		requested[purls[i]] = name
	}

	found, err := e.client.BulkLookup(ctx, purls)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*PackageInfo, len(found))
	for key, pkg := range found {
		if pkg == nil {
			continue
		}
		name, ok := requested[key]
		if !ok {
			name = pkg.Name
		}
		info := &PackageInfo{
			Name:          pkg.Name,
			LatestVersion: deref(pkg.LatestReleaseNumber),
			Description:   deref(pkg.Description),
			Homepage:      deref(pkg.Homepage),
			Repository:    deref(pkg.RepositoryUrl),
			License:       normalizeLicense(deref(pkg.Licenses)),
		}
		if len(pkg.NormalizedLicenses) > 0 {
			info.License = pkg.NormalizedLicenses[0]
		}
		out[name] = info
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
