package config

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v2"
)

// Selectors are CSS selectors for HTML and browser sites. Each one is
// evaluated relative to a product Card.
type Selectors struct {
	Card       string `yaml:"card"`
	Name       string `yaml:"name"`
	Price      string `yaml:"price"`
	Size       string `yaml:"size"`
	Unit       string `yaml:"unit"`
	Brand      string `yaml:"brand"`
	Link       string `yaml:"link"`
	Image      string `yaml:"image"`
	OutOfStock string `yaml:"out_of_stock"`
	NextPage   string `yaml:"next_page"`
}

// FieldMap names the JSON keys of a jsonapi site's product objects.
type FieldMap struct {
	Items     string `yaml:"items"`
	Name      string `yaml:"name"`
	Price     string `yaml:"price"`
	Size      string `yaml:"size"`
	Unit      string `yaml:"unit"`
	Brand     string `yaml:"brand"`
	Category  string `yaml:"category"`
	URL       string `yaml:"url"`
	Image     string `yaml:"image"`
	Available string `yaml:"available"`
}

// FixtureProduct is one product of a static site.
type FixtureProduct struct {
	Name      string `yaml:"name"`
	Price     string `yaml:"price"`
	Size      string `yaml:"size"`
	Unit      string `yaml:"unit"`
	Category  string `yaml:"category"`
	Brand     string `yaml:"brand"`
	URL       string `yaml:"url"`
	ImageURL  string `yaml:"image_url"`
	Available *bool  `yaml:"available"`
}

// SiteConfig describes how one site is scraped. Kind selects the scraper
// implementation; the remaining fields are read by the kinds that need them.
type SiteConfig struct {
	Kind          string            `yaml:"kind"`
	Enabled       bool              `yaml:"enabled"`
	Reference     bool              `yaml:"reference"`
	BaseURL       string            `yaml:"base_url"`
	CategoryPaths map[string]string `yaml:"category_paths"`
	Selectors     Selectors         `yaml:"selectors"`
	Fields        FieldMap          `yaml:"fields"`
	MaxPages      int               `yaml:"max_pages"`
	RateLimitMs   int               `yaml:"rate_limit_ms"`
	Files         []string          `yaml:"files"`
	Products      []FixtureProduct  `yaml:"products"`
}

type sitesFile struct {
	Sites map[string]SiteConfig `yaml:"sites"`
}

// LoadSites reads the site definitions file.
func LoadSites(path string) (map[string]SiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sites %q: %w", path, err)
	}
	return ParseSites(data)
}

// ParseSites decodes the site definitions.
func ParseSites(data []byte) (map[string]SiteConfig, error) {
	f := sitesFile{}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, configErr("sites", "invalid yaml: %v", err)
	}
	if len(f.Sites) == 0 {
		return nil, configErr("sites", "no sites defined")
	}
	for name, s := range f.Sites {
		if s.Kind == "" {
			return nil, configErr("sites."+name+".kind", "missing")
		}
	}
	return f.Sites, nil
}

// ReferenceSite picks the benchmarked site. An explicit override wins;
// otherwise exactly one site must be flagged as reference.
func ReferenceSite(sites map[string]SiteConfig, override string) (string, error) {
	if override != "" {
		if _, ok := sites[override]; !ok {
			return "", configErr("REFERENCE_SITE", "unknown site %q", override)
		}
		return override, nil
	}
	var refs []string
	for name, s := range sites {
		if s.Reference {
			refs = append(refs, name)
		}
	}
	sort.Strings(refs)
	switch len(refs) {
	case 1:
		return refs[0], nil
	case 0:
		return "", configErr("sites", "no reference site flagged")
	default:
		return "", configErr("sites", "several reference sites flagged: %v", refs)
	}
}
