package services

import (
	"time"

	"github.com/shopspring/decimal"

	"grocery-price-scraper/models"
)

var hundred = decimal.NewFromInt(100)

// Comparator prices accepted matches against each other.
type Comparator struct {
	on time.Time
}

// NewComparator returns a Comparator stamping comparisons with the date of on.
func NewComparator(on time.Time) *Comparator {
	y, m, d := on.Date()
	return &Comparator{on: time.Date(y, m, d, 0, 0, 0, 0, on.Location())}
}

// Compare computes the price gap of a matched pair. Both listings must be
// priced on the same basis: per unit when both are confident in the same
// unit, raw price when neither is. Anything else, or a reference priced at
// zero, is an *ExclusionError.
func (c *Comparator) Compare(ref, comp *models.NormalizedListing, match *models.MatchCandidate) (*models.Comparison, error) {
	// a reference without a price has nothing to compare on, whatever the basis
	if ref.Price.IsZero() {
		return nil, &ExclusionError{Reason: models.ReasonReferenceZeroPrice}
	}

	refValue, refUnit := ref.ComparisonValue()
	compValue, compUnit := comp.ComparisonValue()

	var basis models.Basis
	switch {
	case ref.Confident && comp.Confident && refUnit == compUnit:
		basis = models.BasisPerUnit
	case !ref.Confident && !comp.Confident:
		basis = models.BasisRaw
	default:
		return nil, &ExclusionError{Reason: models.ReasonBasisMismatch}
	}

	if refValue.IsZero() {
		return nil, &ExclusionError{Reason: models.ReasonReferenceZeroPrice}
	}

	diff := compValue.Sub(refValue)
	pct := diff.Div(refValue).Mul(hundred).Round(4).InexactFloat64()

	var score float64
	if match != nil {
		score = match.SimilarityScore
	}
	return &models.Comparison{
		ReferenceID:          ref.ID,
		CompetitorID:         comp.ID,
		ReferenceSite:        ref.Site,
		CompetitorSite:       comp.Site,
		Category:             ref.NormalizedCategory,
		ReferenceName:        ref.Name,
		CompetitorName:       comp.Name,
		Basis:                basis,
		Unit:                 refUnit,
		ReferenceValue:       refValue,
		CompetitorValue:      compValue,
		PriceDifference:      diff,
		PercentageDifference: pct,
		SimilarityScore:      score,
		ReferenceIsCheaper:   diff.IsPositive(),
		ComparedOn:           c.on,
	}, nil
}

// Exclude describes a pair Compare refused.
func Exclude(ref, comp *models.NormalizedListing, reason models.ExclusionReason) *models.Exclusion {
	return &models.Exclusion{
		ReferenceID:    ref.ID,
		CompetitorID:   comp.ID,
		ReferenceName:  ref.Name,
		CompetitorName: comp.Name,
		CompetitorSite: comp.Site,
		Category:       ref.NormalizedCategory,
		Reason:         reason,
	}
}
