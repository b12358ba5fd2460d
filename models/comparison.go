package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// MatchCandidate pairs a reference listing with a competitor listing.
// It only lives for the duration of a run; accepted matches become Comparisons.
type MatchCandidate struct {
	Reference       *NormalizedListing
	Competitor      *NormalizedListing
	SimilarityScore float64
	NameSimilarity  float64
	BrandBonus      float64
}

// Alternative is a ranked runner-up kept for a reference listing so that
// near misses can be reviewed next to the accepted matches. Rank 1 is best.
type Alternative struct {
	ReferenceID     string          `json:"reference_id"`
	CompetitorID    string          `json:"competitor_id"`
	CompetitorSite  string          `json:"competitor_site"`
	CompetitorName  string          `json:"competitor_name"`
	Rank            int             `json:"rank"`
	SimilarityScore float64         `json:"similarity_score"`
	NameSimilarity  float64         `json:"name_similarity"`
	BrandBonus      float64         `json:"brand_bonus"`
	CompetitorValue decimal.Decimal `json:"competitor_value"`
	Unit            string          `json:"unit"`
	MatchedOn       time.Time       `json:"matched_on"`
}

// NewAlternative flattens a candidate at the given 1-based rank.
func NewAlternative(rank int, m *MatchCandidate, on time.Time) *Alternative {
	value, unit := m.Competitor.ComparisonValue()
	return &Alternative{
		ReferenceID:     m.Reference.ID,
		CompetitorID:    m.Competitor.ID,
		CompetitorSite:  m.Competitor.Site,
		CompetitorName:  m.Competitor.Name,
		Rank:            rank,
		SimilarityScore: m.SimilarityScore,
		NameSimilarity:  m.NameSimilarity,
		BrandBonus:      m.BrandBonus,
		CompetitorValue: value,
		Unit:            unit,
		MatchedOn:       on,
	}
}

// Basis is the price both sides of a comparison are expressed in.
type Basis string

const (
	BasisPerUnit Basis = "per_unit"
	BasisRaw     Basis = "raw"
)

// Comparison is the priced outcome of one accepted match.
// PriceDifference is competitor minus reference on the chosen basis.
type Comparison struct {
	ReferenceID    string `json:"reference_id"`
	CompetitorID   string `json:"competitor_id"`
	ReferenceSite  string `json:"reference_site"`
	CompetitorSite string `json:"competitor_site"`
	Category       string `json:"category"`
	ReferenceName  string `json:"reference_name"`
	CompetitorName string `json:"competitor_name"`

	Basis           Basis           `json:"basis"`
	Unit            string          `json:"unit"`
	ReferenceValue  decimal.Decimal `json:"reference_value"`
	CompetitorValue decimal.Decimal `json:"competitor_value"`

	PriceDifference      decimal.Decimal `json:"price_difference"`
	PercentageDifference float64         `json:"percentage_difference"`
	SimilarityScore      float64         `json:"similarity_score"`
	ReferenceIsCheaper   bool            `json:"reference_is_cheaper"`
	ComparedOn           time.Time       `json:"compared_on"`
}

// ExclusionReason explains why a matched pair produced no Comparison.
type ExclusionReason string

const (
	ReasonBasisMismatch      ExclusionReason = "basis_mismatch"
	ReasonReferenceZeroPrice ExclusionReason = "reference_zero_price"
)

// Exclusion records a matched pair the comparator refused to price.
type Exclusion struct {
	ReferenceID    string          `json:"reference_id"`
	CompetitorID   string          `json:"competitor_id"`
	ReferenceName  string          `json:"reference_name"`
	CompetitorName string          `json:"competitor_name"`
	CompetitorSite string          `json:"competitor_site"`
	Category       string          `json:"category"`
	Reason         ExclusionReason `json:"reason"`
}

// GroupStats summarises the comparisons of one category, one site, or one
// (category, site) pair. Mean and median are nil when Count is zero.
type GroupStats struct {
	Category          string   `json:"category,omitempty"`
	Site              string   `json:"site,omitempty"`
	Count             int      `json:"count"`
	MeanPercentage    *float64 `json:"mean_percentage"`
	MedianPercentage  *float64 `json:"median_percentage"`
	ReferenceCheaper  int      `json:"reference_cheaper"`
	CompetitorCheaper int      `json:"competitor_cheaper"`
	Equal             int      `json:"equal"`
}

// ComparisonReport holds the roll-up of one run's comparisons.
type ComparisonReport struct {
	GeneratedAt      time.Time               `json:"generated_at"`
	Overall          GroupStats              `json:"overall"`
	Rows             []GroupStats            `json:"rows"`
	ByCategory       []GroupStats            `json:"by_category"`
	BySite           []GroupStats            `json:"by_site"`
	ExcludedPairs    int                     `json:"excluded_pairs"`
	ExcludedByReason map[ExclusionReason]int `json:"excluded_by_reason"`
}
