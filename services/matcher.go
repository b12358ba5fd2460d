package services

import (
	"sort"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// Matcher pairs reference listings with their closest competitor listings.
type Matcher struct {
	rules   models.MatchRules
	workers int
	logger  *utils.Logger
}

// NewMatcher validates the match rules. Invalid weights or threshold are a
// *config.ConfigurationError.
func NewMatcher(rules models.MatchRules, logger *utils.Logger) (*Matcher, error) {
	if err := config.ValidateMatchRules(&rules); err != nil {
		return nil, err
	}
	return &Matcher{rules: rules, workers: 4, logger: logger}, nil
}

// WithWorkers returns a copy of m that matches references on w goroutines.
func (m *Matcher) WithWorkers(w int) *Matcher {
	cp := *m
	if w > 0 {
		cp.workers = w
	}
	return &cp
}

// competitorIndex groups usable competitors by category. Listings whose
// category is unmapped are kept apart: they are candidates for every reference.
type competitorIndex struct {
	all        []*models.NormalizedListing
	byCategory map[string][]*models.NormalizedListing
	unmapped   []*models.NormalizedListing
}

func newCompetitorIndex(competitors []*models.NormalizedListing) *competitorIndex {
	idx := &competitorIndex{byCategory: make(map[string][]*models.NormalizedListing)}
	for _, c := range competitors {
		if c == nil || !c.Usable {
			continue
		}
		idx.all = append(idx.all, c)
		if c.Flags.Has(models.FlagCategoryUnmapped) {
			idx.unmapped = append(idx.unmapped, c)
			continue
		}
		idx.byCategory[c.NormalizedCategory] = append(idx.byCategory[c.NormalizedCategory], c)
	}
	return idx
}

// pool returns the competitors a reference may be matched against.
func (idx *competitorIndex) pool(ref *models.NormalizedListing) []*models.NormalizedListing {
	if ref.Flags.Has(models.FlagCategoryUnmapped) {
		return idx.all
	}
	same := idx.byCategory[ref.NormalizedCategory]
	if len(idx.unmapped) == 0 {
		return same
	}
	out := make([]*models.NormalizedListing, 0, len(same)+len(idx.unmapped))
	out = append(out, same...)
	return append(out, idx.unmapped...)
}

// Match returns, for every reference listing and every competitor site, the
// best competitor listing scoring at least min_similarity. Results are
// ordered by reference position, then competitor site.
func (m *Matcher) Match(reference, competitors []*models.NormalizedListing) []*models.MatchCandidate {
	idx := newCompetitorIndex(competitors)

	perRef := make([][]*models.MatchCandidate, len(reference))
	pool := utils.NewWorkerPool(m.workers, 0)
	for i, ref := range reference {
		i, ref := i, ref
		pool.Submit(func() { perRef[i] = m.bestPerSite(ref, idx.pool(ref)) })
	}
	pool.Wait()

	var out []*models.MatchCandidate
	for _, cands := range perRef {
		out = append(out, cands...)
	}
	m.logger.Info("[matcher] %d reference listings, %d competitor listings → %d matches",
		len(reference), len(idx.all), len(out))
	return out
}

func (m *Matcher) bestPerSite(ref *models.NormalizedListing, pool []*models.NormalizedListing) []*models.MatchCandidate {
	best := make(map[string]*models.MatchCandidate)
	for _, c := range pool {
		cand := m.Score(ref, c)
		if cand.SimilarityScore < m.rules.MinSimilarity {
			continue
		}
		if cur, ok := best[c.Site]; !ok || better(cand, cur) {
			best[c.Site] = cand
		}
	}

	sites := make([]string, 0, len(best))
	for s := range best {
		sites = append(sites, s)
	}
	sort.Strings(sites)
	out := make([]*models.MatchCandidate, 0, len(sites))
	for _, s := range sites {
		out = append(out, best[s])
	}
	return out
}

// Rank returns up to limit above-threshold candidates for one reference
// across all competitor sites, best first. A limit of zero or less uses the
// configured max_alternatives.
func (m *Matcher) Rank(ref *models.NormalizedListing, competitors []*models.NormalizedListing, limit int) []*models.MatchCandidate {
	return m.rank(ref, newCompetitorIndex(competitors).pool(ref), limit)
}

// Alternatives ranks every reference listing's candidates with the
// configured max_alternatives, keyed by reference ID. References without an
// above-threshold candidate are left out.
func (m *Matcher) Alternatives(reference, competitors []*models.NormalizedListing) map[string][]*models.MatchCandidate {
	idx := newCompetitorIndex(competitors)

	perRef := make([][]*models.MatchCandidate, len(reference))
	pool := utils.NewWorkerPool(m.workers, 0)
	for i, ref := range reference {
		i, ref := i, ref
		pool.Submit(func() { perRef[i] = m.rank(ref, idx.pool(ref), 0) })
	}
	pool.Wait()

	out := make(map[string][]*models.MatchCandidate, len(reference))
	for i, cands := range perRef {
		if len(cands) > 0 {
			out[reference[i].ID] = cands
		}
	}
	return out
}

func (m *Matcher) rank(ref *models.NormalizedListing, pool []*models.NormalizedListing, limit int) []*models.MatchCandidate {
	if limit <= 0 {
		limit = m.rules.MaxAlternatives
	}
	var out []*models.MatchCandidate
	for _, c := range pool {
		cand := m.Score(ref, c)
		if cand.SimilarityScore >= m.rules.MinSimilarity {
			out = append(out, cand)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return better(out[i], out[j]) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Score computes the weighted similarity of a pair without applying the
// category gate or threshold.
func (m *Matcher) Score(ref, comp *models.NormalizedListing) *models.MatchCandidate {
	var nameSim float64
	if ref.NormalizedName != "" && comp.NormalizedName != "" {
		nameSim = NameSimilarity(ref.NormalizedName, comp.NormalizedName)
	}
	var brandBonus float64
	if ref.NormalizedBrand != "" && ref.NormalizedBrand == comp.NormalizedBrand {
		brandBonus = 1
	}
	score := m.rules.NameWeight()*nameSim + m.rules.BrandWeight()*brandBonus
	if score > 1 {
		score = 1
	}
	return &models.MatchCandidate{
		Reference:       ref,
		Competitor:      comp,
		SimilarityScore: score,
		NameSimilarity:  nameSim,
		BrandBonus:      brandBonus,
	}
}

// better orders candidates: higher score, then cheaper competitor, then
// earlier scrape, then URL and ID so the choice is deterministic.
func better(a, b *models.MatchCandidate) bool {
	if a.SimilarityScore != b.SimilarityScore {
		return a.SimilarityScore > b.SimilarityScore
	}
	av, _ := a.Competitor.ComparisonValue()
	bv, _ := b.Competitor.ComparisonValue()
	if !av.Equal(bv) {
		return av.LessThan(bv)
	}
	if !a.Competitor.ScrapedAt.Equal(b.Competitor.ScrapedAt) {
		return a.Competitor.ScrapedAt.Before(b.Competitor.ScrapedAt)
	}
	if a.Competitor.URL != b.Competitor.URL {
		return a.Competitor.URL < b.Competitor.URL
	}
	return a.Competitor.ID < b.Competitor.ID
}
