package models

// Dimension groups units that can be converted into each other.
type Dimension string

const (
	DimensionMass   Dimension = "mass"
	DimensionVolume Dimension = "volume"
	DimensionCount  Dimension = "count"
)

// UnitDef describes one unit of the rule set. A canonical unit has a
// Dimension and no Base; a derived unit names its Base and the Factor that
// converts one of itself into the base.
type UnitDef struct {
	Dimension Dimension `yaml:"dimension"`
	Base      string    `yaml:"base"`
	Factor    float64   `yaml:"factor"`
	Aliases   []string  `yaml:"aliases"`
}

// NamePattern is a regular expression removed (or replaced) in product names.
type NamePattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// NormalizationRules drive the normaliser. They are loaded from the rules
// file at the start of every run and passed explicitly.
type NormalizationRules struct {
	Units           map[string]UnitDef  `yaml:"units"`
	Categories      map[string][]string `yaml:"categories"`
	Brands          map[string][]string `yaml:"brands"`
	NoiseWords      []string            `yaml:"noise_words"`
	NamePatterns    []NamePattern       `yaml:"name_patterns"`
	StripQuantities bool                `yaml:"strip_quantities"`
	DefaultCategory string              `yaml:"default_category"`
}

// MatchRules drive the matcher. WName and WBrand are pointers so a missing
// weight can be told apart from an explicit zero.
type MatchRules struct {
	WName           *float64 `yaml:"w_name"`
	WBrand          *float64 `yaml:"w_brand"`
	MinSimilarity   float64  `yaml:"min_similarity"`
	MaxAlternatives int      `yaml:"max_alternatives"`
}

// NameWeight returns the configured name weight, 0 when unset.
func (r MatchRules) NameWeight() float64 {
	if r.WName == nil {
		return 0
	}
	return *r.WName
}

// BrandWeight returns the configured brand weight, 0 when unset.
func (r MatchRules) BrandWeight() float64 {
	if r.WBrand == nil {
		return 0
	}
	return *r.WBrand
}

// Rules is the whole rules file.
type Rules struct {
	Normalization NormalizationRules `yaml:"normalization"`
	Matching      MatchRules         `yaml:"matching"`
}
