package services

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

type namePattern struct {
	re          *regexp.Regexp
	replacement string
}

// Normalizer turns RawListings into NormalizedListings using one rule set.
// It holds no mutable state and is safe for concurrent use.
type Normalizer struct {
	rules      models.NormalizationRules
	units      *UnitTable
	categories map[string]string
	brands     map[string]string
	noise      map[string]struct{}
	patterns   []namePattern
	quantityRe *regexp.Regexp
	runID      string
	workers    int
	logger     *utils.Logger
}

// NewNormalizer compiles the normalisation rules. Rules that fail to compile
// are reported as *config.ConfigurationError.
func NewNormalizer(rules models.NormalizationRules, logger *utils.Logger) (*Normalizer, error) {
	units, err := NewUnitTable(rules.Units)
	if err != nil {
		return nil, err
	}
	categories, err := config.AliasIndex("normalization.categories", foldTable(rules.Categories))
	if err != nil {
		return nil, err
	}
	brands, err := config.AliasIndex("normalization.brands", foldTable(rules.Brands))
	if err != nil {
		return nil, err
	}

	n := &Normalizer{
		rules:      rules,
		units:      units,
		categories: categories,
		brands:     brands,
		noise:      make(map[string]struct{}, len(rules.NoiseWords)),
		workers:    4,
		logger:     logger,
	}
	if strings.TrimSpace(n.rules.DefaultCategory) == "" {
		n.rules.DefaultCategory = "general"
	}
	for _, w := range rules.NoiseWords {
		if w = cleanLabel(w); w != "" {
			n.noise[w] = struct{}{}
		}
	}
	for _, p := range rules.NamePatterns {
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return nil, &config.ConfigurationError{Field: "normalization.name_patterns", Reason: "bad pattern " + p.Pattern}
		}
		n.patterns = append(n.patterns, namePattern{re: re, replacement: p.Replacement})
	}
	if rules.StripQuantities {
		quoted := make([]string, 0, len(units.Aliases()))
		for _, a := range units.Aliases() {
			quoted = append(quoted, regexp.QuoteMeta(a))
		}
		n.quantityRe = regexp.MustCompile(`(?:^|\s)(?:\d+\s*[x×*]\s*)?\d+(?:[.,]\d+)?\s*(?:` + strings.Join(quoted, "|") + `)s?\.?(?:\s|$)`)
	}
	return n, nil
}

// WithRun returns a copy of n that stamps listings with runID.
func (n *Normalizer) WithRun(runID string) *Normalizer {
	cp := *n
	cp.runID = runID
	return &cp
}

// WithWorkers returns a copy of n that normalises batches on w goroutines.
func (n *Normalizer) WithWorkers(w int) *Normalizer {
	cp := *n
	if w > 0 {
		cp.workers = w
	}
	return &cp
}

// Units exposes the compiled unit table.
func (n *Normalizer) Units() *UnitTable { return n.units }

// Normalize produces the canonical form of one raw listing. It never fails:
// unparseable fields are flagged and lower the listing's confidence.
func (n *Normalizer) Normalize(raw *models.RawListing) *models.NormalizedListing {
	l := &models.NormalizedListing{
		RawListing: *raw,
		ID:         uuid.NewString(),
		RunID:      n.runID,
		Usable:     true,
	}

	l.NormalizedName = n.NormalizeName(raw.Name)
	if l.NormalizedName == "" {
		l.Flags |= models.FlagNameEmpty
	}

	l.NormalizedCategory, l.Flags = n.normalizeCategory(raw.Category, l.Flags)
	l.NormalizedBrand, l.Flags = n.normalizeBrand(raw.Brand, l.Flags)

	price, err := ParsePrice(raw.RawPrice)
	if err != nil {
		l.Flags |= models.FlagPriceUnparsed
		l.Usable = false
		price = decimal.Zero
	}
	l.Price = price

	qty, err := n.units.Normalize(sizeText(raw.Size, raw.Unit))
	var perr *ParseError
	switch {
	case err == nil:
		l.NormalizedSize = qty.Size
		l.NormalizedUnit = qty.Unit
	case errors.Is(err, ErrUnknownUnit):
		l.Flags |= models.FlagUnitUnknown
	case errors.As(err, &perr):
		l.Flags |= models.FlagSizeUnparsed
	}

	l.PricePerUnit, l.Confident = PricePerUnit(l.Price, l.NormalizedSize, l.NormalizedUnit)
	if !l.Usable {
		l.Confident = false
	}
	return l
}

// PricePerUnit divides price by size. Without a positive size in a known unit
// it falls back to the raw price and reports low confidence.
func PricePerUnit(price decimal.Decimal, size float64, unit string) (decimal.Decimal, bool) {
	if size <= 0 || unit == "" {
		return price, false
	}
	return price.Div(decimal.NewFromFloat(size)).Round(4), true
}

// NormalizeBatch normalises listings concurrently, dropping repeated URLs
// within the batch. Output order follows input order.
func (n *Normalizer) NormalizeBatch(raw []*models.RawListing) []*models.NormalizedListing {
	seen := utils.NewURLSet()
	kept := make([]*models.RawListing, 0, len(raw))
	for _, r := range raw {
		url := strings.TrimSpace(r.URL)
		if url != "" && !seen.Add(r.Site+"|"+url) {
			n.logger.Debug("[normalizer] Duplicate URL skipped: %s", url)
			continue
		}
		kept = append(kept, r)
	}

	out := make([]*models.NormalizedListing, len(kept))
	pool := utils.NewWorkerPool(n.workers, 0)
	for i, r := range kept {
		i, r := i, r
		pool.Submit(func() { out[i] = n.Normalize(r) })
	}
	pool.Wait()

	unusable, lowConfidence := 0, 0
	for _, l := range out {
		if !l.Usable {
			unusable++
			n.logger.Warn("[normalizer] Unusable listing %q on %s: %s", l.Name, l.Site, l.Flags)
		} else if !l.Confident {
			lowConfidence++
		}
	}
	n.logger.Info("[normalizer] Normalized %d → %d listings (duplicates %d, unusable %d, low confidence %d)",
		len(raw), len(out), len(raw)-len(kept), unusable, lowConfidence)
	return out
}

// NormalizeName cleans a product name for matching. The result is lower
// case with markup, diacritics, punctuation and noise words removed, and
// NormalizeName(NormalizeName(s)) == NormalizeName(s).
func (n *Normalizer) NormalizeName(s string) string {
	cur := n.cleanOnce(s)
	seen := map[string]struct{}{}
	for {
		next := n.cleanOnce(cur)
		if next == cur {
			return cur
		}
		// a pattern replacement that reintroduces its own match can cycle
		// or grow; keep the shortest form seen so far.
		if _, ok := seen[next]; ok || len(next) > len(cur) {
			return cur
		}
		seen[cur] = struct{}{}
		cur = next
	}
}

func (n *Normalizer) cleanOnce(s string) string {
	s = foldText(stripMarkup(s))
	for _, p := range n.patterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	if n.quantityRe != nil {
		s = n.stripQuantities(s)
	}
	words := strings.Fields(stripPunctuation(s))
	kept := words[:0]
	for _, w := range words {
		if _, noisy := n.noise[w]; !noisy {
			kept = append(kept, w)
		}
	}
	return strings.Join(kept, " ")
}

// stripQuantities removes every size token. Adjacent quantities share the
// separating space, so one replacement pass only drops every other one.
func (n *Normalizer) stripQuantities(s string) string {
	s = strings.TrimSpace(s)
	for {
		next := strings.TrimSpace(n.quantityRe.ReplaceAllString(" "+s+" ", " "))
		if next == s {
			return s
		}
		s = next
	}
}

func (n *Normalizer) normalizeCategory(raw string, flags models.Flag) (string, models.Flag) {
	key := cleanLabel(raw)
	if key == "" {
		return n.rules.DefaultCategory, flags | models.FlagCategoryUnmapped
	}
	if canon, ok := n.categories[key]; ok {
		return canon, flags
	}
	return key, flags | models.FlagCategoryUnmapped
}

func (n *Normalizer) normalizeBrand(raw string, flags models.Flag) (string, models.Flag) {
	key := cleanLabel(raw)
	if key == "" {
		return "", flags
	}
	if canon, ok := n.brands[key]; ok {
		return canon, flags
	}
	return key, flags | models.FlagBrandUnmapped
}

// sizeText joins the size and unit columns unless the size already names
// a unit.
func sizeText(size, unit string) string {
	size, unit = strings.TrimSpace(size), strings.TrimSpace(unit)
	switch {
	case unit == "":
		return size
	case size == "":
		return unit
	case strings.IndexFunc(size, unicode.IsLetter) >= 0:
		return size
	}
	return size + " " + unit
}

// stripMarkup extracts the text of scraped HTML fragments and decodes entities.
func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return doc.Text()
}

// accentMarks are the combining diacritics folded away ("é" -> "e").
// Marks of other scripts are part of the letter and stay.
var accentMarks = &unicode.RangeTable{
	R16: []unicode.Range16{{Lo: 0x0300, Hi: 0x036f, Stride: 1}},
}

// foldText applies compatibility normalisation, drops accents and lowercases.
func foldText(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(accentMarks)), norm.NFKC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func stripPunctuation(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) {
			return r
		}
		return ' '
	}, s)
}

// cleanLabel folds a category, brand or noise word into its lookup key.
func cleanLabel(s string) string {
	return strings.Join(strings.Fields(stripPunctuation(foldText(stripMarkup(s)))), " ")
}

func foldTable(table map[string][]string) map[string][]string {
	out := make(map[string][]string, len(table))
	for canon, aliases := range table {
		folded := make([]string, 0, len(aliases))
		for _, a := range aliases {
			folded = append(folded, cleanLabel(a))
		}
		out[cleanLabel(canon)] = folded
	}
	return out
}

// NormalizeUnit converts size text into the canonical unit of its dimension.
func (n *Normalizer) NormalizeUnit(size string) (UnitQuantity, error) {
	return n.units.Normalize(size)
}
