package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is one named OPDS root the user browses regularly.
type Catalog struct {
	Name     string `yaml:"name"`
	URL      string `yaml:"url"`
	Username string `yaml:"username,omitempty"`
}

type catalogsFile struct {
	Catalogs []Catalog `yaml:"catalogs"`
}

// LoadCatalogs reads a YAML list of catalogs:
//
//	catalogs:
//	  - name: home
//	    url: http://nas:8080/opds
func LoadCatalogs(path string) ([]Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogs file: %w", err)
	}

	var file catalogsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode catalogs file: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Catalogs))
	out := make([]Catalog, 0, len(file.Catalogs))
	for i, c := range file.Catalogs {
		c.Name = strings.TrimSpace(c.Name)
		c.URL = strings.TrimSpace(c.URL)
		if c.URL == "" {
			return nil, fmt.Errorf("catalog %d: url cannot be empty", i)
		}
		parsed, err := url.Parse(c.URL)
		if err != nil || parsed.Host == "" {
			return nil, fmt.Errorf("catalog %d: invalid url %q", i, c.URL)
		}
		if c.Name == "" {
			c.Name = parsed.Host
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("catalog %d: duplicate name %q", i, c.Name)
		}
		seen[c.Name] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}

// FindCatalog resolves a catalog by name, or treats ref as a URL.
func FindCatalog(catalogs []Catalog, ref string) (Catalog, bool) {
	for _, c := range catalogs {
		if c.Name == ref {
			return c, true
		}
	}
	if parsed, err := url.Parse(ref); err == nil && parsed.Host != "" {
		return Catalog{Name: parsed.Host, URL: ref}, true
	}
	return Catalog{}, false
}
