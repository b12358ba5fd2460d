package config

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v2"

	"grocery-price-scraper/models"
)

const weightTolerance = 1e-9

// ConfigurationError reports a rule set that is unsafe to run with.
// It is always fatal: a run must not start on ambiguous rules.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func configErr(field, format string, args ...any) error {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ResolvedUnit is what a unit alias converts to: the canonical unit of its
// dimension and the factor that turns one alias unit into canonical units.
type ResolvedUnit struct {
	Canonical string
	Dimension models.Dimension
	Factor    float64
}

// LoadRules reads and validates the comparison rules file.
func LoadRules(path string) (*models.Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read rules %q: %w", path, err)
	}
	return ParseRules(data)
}

// ParseRules decodes YAML rules and validates them.
func ParseRules(data []byte) (*models.Rules, error) {
	rules := &models.Rules{}
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, configErr("rules", "invalid yaml: %v", err)
	}
	if err := ValidateRules(rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// ValidateRules checks the rule set and fills in defaults. It returns a
// *ConfigurationError on the first problem found.
func ValidateRules(r *models.Rules) error {
	if err := ValidateMatchRules(&r.Matching); err != nil {
		return err
	}
	if _, err := ResolveUnits(r.Normalization.Units); err != nil {
		return err
	}
	if _, err := AliasIndex("normalization.categories", r.Normalization.Categories); err != nil {
		return err
	}
	if _, err := AliasIndex("normalization.brands", r.Normalization.Brands); err != nil {
		return err
	}
	for i, p := range r.Normalization.NamePatterns {
		if _, err := regexp.Compile(p.Pattern); err != nil {
			return configErr(fmt.Sprintf("normalization.name_patterns[%d]", i), "bad pattern %q: %v", p.Pattern, err)
		}
	}
	if strings.TrimSpace(r.Normalization.DefaultCategory) == "" {
		r.Normalization.DefaultCategory = "general"
	}
	return nil
}

// ValidateMatchRules checks the matching weights and threshold and defaults
// MaxAlternatives.
func ValidateMatchRules(m *models.MatchRules) error {
	if m.WName == nil {
		return configErr("matching.w_name", "missing required weight")
	}
	if m.WBrand == nil {
		return configErr("matching.w_brand", "missing required weight")
	}
	if *m.WName < 0 || *m.WBrand < 0 {
		return configErr("matching", "weights must not be negative")
	}
	if sum := *m.WName + *m.WBrand; math.Abs(sum-1) > weightTolerance {
		return configErr("matching", "w_name + w_brand must equal 1, got %g", sum)
	}
	if m.MinSimilarity < 0 || m.MinSimilarity > 1 {
		return configErr("matching.min_similarity", "must be within [0,1], got %g", m.MinSimilarity)
	}
	if m.MaxAlternatives < 0 {
		return configErr("matching.max_alternatives", "must not be negative")
	}
	if m.MaxAlternatives == 0 {
		m.MaxAlternatives = 3
	}
	return nil
}

// ResolveUnits flattens the unit table into alias -> canonical unit.
// Derived units are followed through their base chain; a chain that loops
// back on itself is a configuration error.
func ResolveUnits(units map[string]models.UnitDef) (map[string]ResolvedUnit, error) {
	if len(units) == 0 {
		return nil, configErr("normalization.units", "no units defined")
	}

	defs := make(map[string]models.UnitDef, len(units))
	names := make([]string, 0, len(units))
	for name, def := range units {
		key := strings.ToLower(strings.TrimSpace(name))
		defs[key] = def
		names = append(names, key)
	}
	sort.Strings(names)

	resolved := make(map[string]ResolvedUnit, len(defs))
	for _, name := range names {
		ru, err := resolveUnit(name, defs)
		if err != nil {
			return nil, err
		}
		resolved[name] = ru
	}

	index := make(map[string]ResolvedUnit)
	owner := make(map[string]string)
	for _, name := range names {
		aliases := append([]string{name}, defs[name].Aliases...)
		for _, a := range aliases {
			key := strings.ToLower(strings.TrimSpace(a))
			if key == "" {
				continue
			}
			if prev, ok := owner[key]; ok && prev != name {
				return nil, configErr("normalization.units", "alias %q claimed by both %q and %q", key, prev, name)
			}
			owner[key] = name
			index[key] = resolved[name]
		}
	}
	return index, nil
}

func resolveUnit(name string, defs map[string]models.UnitDef) (ResolvedUnit, error) {
	field := "normalization.units." + name
	factor := 1.0
	seen := map[string]bool{}
	cur := name
	for {
		if seen[cur] {
			return ResolvedUnit{}, configErr(field, "unit table cycle through %q", cur)
		}
		seen[cur] = true

		def, ok := defs[cur]
		if !ok {
			return ResolvedUnit{}, configErr(field, "unknown base unit %q", cur)
		}
		if def.Base == "" {
			switch def.Dimension {
			case models.DimensionMass, models.DimensionVolume, models.DimensionCount:
			default:
				return ResolvedUnit{}, configErr("normalization.units."+cur, "canonical unit needs a dimension (mass, volume, count), got %q", def.Dimension)
			}
			if def.Factor != 0 && def.Factor != 1 {
				return ResolvedUnit{}, configErr("normalization.units."+cur, "canonical unit factor must be 1")
			}
			return ResolvedUnit{Canonical: cur, Dimension: def.Dimension, Factor: factor}, nil
		}
		if def.Factor <= 0 {
			return ResolvedUnit{}, configErr("normalization.units."+cur, "derived unit needs a positive factor")
		}
		factor *= def.Factor
		cur = strings.ToLower(strings.TrimSpace(def.Base))
	}
}

// AliasIndex inverts a canonical -> aliases table into alias -> canonical.
// Canonical names map to themselves.
func AliasIndex(field string, table map[string][]string) (map[string]string, error) {
	index := make(map[string]string)
	canonicals := make([]string, 0, len(table))
	for c := range table {
		canonicals = append(canonicals, c)
	}
	sort.Strings(canonicals)

	for _, c := range canonicals {
		canon := strings.ToLower(strings.TrimSpace(c))
		for _, a := range append([]string{c}, table[c]...) {
			key := strings.ToLower(strings.TrimSpace(a))
			if key == "" {
				continue
			}
			if prev, ok := index[key]; ok && prev != canon {
				return nil, configErr(field, "alias %q claimed by both %q and %q", key, prev, canon)
			}
			index[key] = canon
		}
	}
	return index, nil
}
