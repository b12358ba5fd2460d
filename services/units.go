package services

import (
	"html"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
)

var (
	// multipackRegexp matches "2 x 500 g", "6×1l" and "3 * 200ml".
	multipackRegexp = regexp.MustCompile(`(\d+)\s*[x×*]\s*(\d+(?:\.\d+)?|\.\d+)\s*([\p{L}\p{M}.]*)`)
	// quantityRegexp matches "500 g", "1.5kg", ".5 l" and bare numbers.
	quantityRegexp = regexp.MustCompile(`(\d+(?:\.\d+)?|\.\d+)\s*([\p{L}\p{M}.]*)`)
	// thousandsRegexp drops grouping commas ("1,500 g"); decimalCommaRegexp
	// then turns "1,5" into "1.5".
	thousandsRegexp    = regexp.MustCompile(`(\d),(\d{3})\b`)
	decimalCommaRegexp = regexp.MustCompile(`(\d),(\d)`)
	unitWordRegexp     = regexp.MustCompile(`[\p{L}\p{M}]+`)
)

// UnitQuantity is a size expressed in a canonical unit.
type UnitQuantity struct {
	Size float64
	Unit string
}

// String renders the quantity so that parsing it again yields the same value.
func (q UnitQuantity) String() string {
	return strconv.FormatFloat(q.Size, 'f', -1, 64) + " " + q.Unit
}

// UnitTable converts size text into canonical units.
type UnitTable struct {
	index   map[string]config.ResolvedUnit
	aliases []string
}

// NewUnitTable resolves the rule set's unit table.
func NewUnitTable(units map[string]models.UnitDef) (*UnitTable, error) {
	index, err := config.ResolveUnits(units)
	if err != nil {
		return nil, err
	}
	aliases := make([]string, 0, len(index))
	for a := range index {
		aliases = append(aliases, a)
	}
	// longest first so "kg" is not shadowed by "k" in quantity patterns
	sort.Slice(aliases, func(i, j int) bool {
		if len(aliases[i]) != len(aliases[j]) {
			return len(aliases[i]) > len(aliases[j])
		}
		return aliases[i] < aliases[j]
	})
	return &UnitTable{index: index, aliases: aliases}, nil
}

// Lookup resolves a unit token, tolerating a trailing period and a plural "s".
func (t *UnitTable) Lookup(token string) (config.ResolvedUnit, bool) {
	token = strings.Trim(strings.ToLower(strings.TrimSpace(token)), ".")
	if token == "" {
		return config.ResolvedUnit{}, false
	}
	if ru, ok := t.index[token]; ok {
		return ru, true
	}
	if strings.HasSuffix(token, "s") {
		ru, ok := t.index[strings.TrimSuffix(token, "s")]
		return ru, ok
	}
	return config.ResolvedUnit{}, false
}

// Aliases returns every known unit token, longest first.
func (t *UnitTable) Aliases() []string {
	return t.aliases
}

// Normalize parses size text like "500 g", "2 x 1 l" or "1,5 kg" into its
// canonical unit. A text that only names a unit ("kg", "per dozen") counts
// as one of that unit. No number and no unit is a size ParseError; an
// unknown or missing unit token is a unit ParseError wrapping ErrUnknownUnit.
func (t *UnitTable) Normalize(text string) (UnitQuantity, error) {
	s := strings.ToLower(html.UnescapeString(strings.TrimSpace(text)))
	s = thousandsRegexp.ReplaceAllString(s, "$1$2")
	s = decimalCommaRegexp.ReplaceAllString(s, "$1.$2")

	var qty float64
	var token string

	if m := multipackRegexp.FindStringSubmatch(s); m != nil {
		count, _ := strconv.ParseFloat(m[1], 64)
		each, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return UnitQuantity{}, &ParseError{Field: "size", Input: text, Err: err}
		}
		qty, token = count*each, m[3]
	} else if m := quantityRegexp.FindStringSubmatch(s); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return UnitQuantity{}, &ParseError{Field: "size", Input: text, Err: err}
		}
		qty, token = v, m[2]
		if token == "" {
			token = t.firstUnitWord(s[strings.Index(s, m[0])+len(m[0]):])
		}
	} else {
		token = t.firstUnitWord(s)
		if token == "" {
			return UnitQuantity{}, &ParseError{Field: "size", Input: text}
		}
		qty = 1
	}

	ru, ok := t.Lookup(token)
	if !ok {
		return UnitQuantity{}, &ParseError{Field: "unit", Input: text, Err: ErrUnknownUnit}
	}
	if qty <= 0 {
		return UnitQuantity{}, &ParseError{Field: "size", Input: text}
	}
	return UnitQuantity{Size: roundSize(qty * ru.Factor), Unit: ru.Canonical}, nil
}

// firstUnitWord returns the first word of s that is a known unit.
func (t *UnitTable) firstUnitWord(s string) string {
	for _, w := range unitWordRegexp.FindAllString(s, -1) {
		if _, ok := t.Lookup(w); ok {
			return w
		}
	}
	return ""
}

// roundSize drops float noise from factor multiplication (500 * 0.001).
func roundSize(v float64) float64 {
	return math.Round(v*1e9) / 1e9
}
