package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"

	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

// Batch is everything scraped for one run, keyed by site.
type Batch struct {
	ReferenceSite string
	Listings      map[string][]*models.RawListing
}

// RunStats counts listings and pairs at each stage of a run.
type RunStats struct {
	Raw           int `json:"raw"`
	Normalized    int `json:"normalized"`
	Unusable      int `json:"unusable"`
	LowConfidence int `json:"low_confidence"`
	Unmapped      int `json:"unmapped"`
	Matched       int `json:"matched"`
	Compared      int `json:"compared"`
	Excluded      int `json:"excluded"`
}

// RunResult is the immutable outcome of one pipeline run.
type RunResult struct {
	RunID       string
	RunDate     time.Time
	Reference   []*models.NormalizedListing
	Competitors []*models.NormalizedListing
	Matches     []*models.MatchCandidate
	// Alternatives holds up to max_alternatives ranked candidates per
	// reference ID, across all competitor sites.
	Alternatives map[string][]*models.MatchCandidate
	Comparisons  []*models.Comparison
	Exclusions   []*models.Exclusion
	// Unmatched are the reference listings with no competitor match.
	Unmatched []*models.NormalizedListing
	Report    *models.ComparisonReport
	Stats     RunStats
}

// AlternativeRecords flattens Alternatives in reference order for storage.
func (r *RunResult) AlternativeRecords() []*models.Alternative {
	var out []*models.Alternative
	for _, ref := range r.Reference {
		for i, m := range r.Alternatives[ref.ID] {
			out = append(out, models.NewAlternative(i+1, m, r.RunDate))
		}
	}
	return out
}

// Pipeline wires normaliser, matcher, comparator and aggregator for a run.
type Pipeline struct {
	normalizer *Normalizer
	matcher    *Matcher
	aggregator *Aggregator
	logger     *utils.Logger
	now        func() time.Time
}

// NewPipeline compiles the rules. Only a bad rule set fails here.
func NewPipeline(rules *models.Rules, workers int, logger *utils.Logger) (*Pipeline, error) {
	normalizer, err := NewNormalizer(rules.Normalization, logger)
	if err != nil {
		return nil, err
	}
	matcher, err := NewMatcher(rules.Matching, logger)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		normalizer: normalizer.WithWorkers(workers),
		matcher:    matcher.WithWorkers(workers),
		aggregator: NewAggregator(logger),
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Normalizer exposes the compiled normaliser.
func (p *Pipeline) Normalizer() *Normalizer { return p.normalizer }

// Matcher exposes the compiled matcher.
func (p *Pipeline) Matcher() *Matcher { return p.matcher }

// Aggregator exposes the report aggregator.
func (p *Pipeline) Aggregator() *Aggregator { return p.aggregator }

// Run normalises, matches, compares and aggregates one batch. Per-listing
// and per-pair problems are flagged or excluded; only a cancelled context
// stops the run.
func (p *Pipeline) Run(ctx context.Context, batch Batch) (*RunResult, error) {
	res := &RunResult{
		RunID:   uuid.NewString(),
		RunDate: p.now(),
	}
	norm := p.normalizer.WithRun(res.RunID)

	if _, ok := batch.Listings[batch.ReferenceSite]; !ok {
		p.logger.Warn("[pipeline] No listings for reference site %q", batch.ReferenceSite)
	}

	sites := make([]string, 0, len(batch.Listings))
	for site := range batch.Listings {
		sites = append(sites, site)
	}
	sort.Strings(sites)

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := batch.Listings[site]
		res.Stats.Raw += len(raw)
		listings := norm.NormalizeBatch(raw)
		if site == batch.ReferenceSite {
			res.Reference = listings
		} else {
			res.Competitors = append(res.Competitors, listings...)
		}
	}

	for _, l := range append(append([]*models.NormalizedListing(nil), res.Reference...), res.Competitors...) {
		res.Stats.Normalized++
		switch {
		case !l.Usable:
			res.Stats.Unusable++
		case !l.Confident:
			res.Stats.LowConfidence++
		}
		if l.Flags.Has(models.FlagCategoryUnmapped) {
			res.Stats.Unmapped++
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Matches = p.matcher.Match(res.Reference, res.Competitors)
	res.Stats.Matched = len(res.Matches)
	res.Alternatives = p.matcher.Alternatives(res.Reference, res.Competitors)

	matched := make(map[string]bool, len(res.Matches))
	cmp := NewComparator(res.RunDate)
	for _, m := range res.Matches {
		matched[m.Reference.ID] = true
		c, err := cmp.Compare(m.Reference, m.Competitor, m)
		var excl *ExclusionError
		switch {
		case err == nil:
			res.Comparisons = append(res.Comparisons, c)
		case errors.As(err, &excl):
			res.Exclusions = append(res.Exclusions, Exclude(m.Reference, m.Competitor, excl.Reason))
			p.logger.Debug("[pipeline] Excluded %q vs %q (%s): %s",
				m.Reference.Name, m.Competitor.Name, m.Competitor.Site, excl.Reason)
		default:
			return nil, err
		}
	}
	res.Stats.Compared = len(res.Comparisons)
	res.Stats.Excluded = len(res.Exclusions)

	for _, ref := range res.Reference {
		if !matched[ref.ID] {
			res.Unmatched = append(res.Unmatched, ref)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res.Report = p.aggregator.Aggregate(res.Comparisons, res.Exclusions...)

	p.logger.Info("[pipeline] Run %s: %d raw, %d normalized (%d unusable, %d low confidence), %d matched, %d compared, %d excluded",
		res.RunID, res.Stats.Raw, res.Stats.Normalized, res.Stats.Unusable, res.Stats.LowConfidence,
		res.Stats.Matched, res.Stats.Compared, res.Stats.Excluded)
	return res, nil
}
