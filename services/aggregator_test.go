package services

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"

	"grocery-price-scraper/models"
)

func cmpRow(category, site string, diff, pct float64) *models.Comparison {
	d := decimal.NewFromFloat(diff)
	return &models.Comparison{
		Category:             category,
		CompetitorSite:       site,
		ReferenceName:        category + " item",
		PriceDifference:      d,
		PercentageDifference: pct,
		ReferenceIsCheaper:   d.IsPositive(),
	}
}

func sampleComparisons() []*models.Comparison {
	return []*models.Comparison{
		cmpRow("vegetables", "bigbasket", 2.5, 5.49),
		cmpRow("vegetables", "bigbasket", -1, -2),
		cmpRow("vegetables", "amazon", 4, 10),
		cmpRow("dairy", "bigbasket", 0, 0),
		cmpRow("dairy", "zepto", -3, -6),
	}
}

func TestAggregateEmpty(t *testing.T) {
	r := NewAggregator(newTestLogger()).Aggregate(nil)
	if r.Overall.Count != 0 || r.Overall.MeanPercentage != nil || r.Overall.MedianPercentage != nil {
		t.Errorf("empty overall: %+v", r.Overall)
	}
	if len(r.Rows) != 0 || len(r.ByCategory) != 0 || len(r.BySite) != 0 {
		t.Errorf("empty report has groups: %d rows", len(r.Rows))
	}
	if r.ExcludedPairs != 0 {
		t.Errorf("ExcludedPairs: got %d, want 0", r.ExcludedPairs)
	}
}

func TestAggregateOrdering(t *testing.T) {
	r := NewAggregator(newTestLogger()).Aggregate(sampleComparisons())

	want := []struct{ category, site string }{
		{"dairy", "bigbasket"},
		{"dairy", "zepto"},
		{"vegetables", "amazon"},
		{"vegetables", "bigbasket"},
	}
	if len(r.Rows) != len(want) {
		t.Fatalf("rows: got %d, want %d", len(r.Rows), len(want))
	}
	for i, w := range want {
		if r.Rows[i].Category != w.category || r.Rows[i].Site != w.site {
			t.Errorf("row %d: got %s/%s, want %s/%s", i, r.Rows[i].Category, r.Rows[i].Site, w.category, w.site)
		}
	}
	if r.ByCategory[0].Category != "dairy" || r.ByCategory[1].Category != "vegetables" {
		t.Errorf("category order: %s, %s", r.ByCategory[0].Category, r.ByCategory[1].Category)
	}
	if got := []string{r.BySite[0].Site, r.BySite[1].Site, r.BySite[2].Site}; got[0] != "amazon" || got[1] != "bigbasket" || got[2] != "zepto" {
		t.Errorf("site order: %v", got)
	}
}

func TestAggregateStatistics(t *testing.T) {
	r := NewAggregator(newTestLogger()).Aggregate(sampleComparisons())

	if r.Overall.Count != 5 {
		t.Errorf("Count: got %d, want 5", r.Overall.Count)
	}
	if r.Overall.ReferenceCheaper != 2 || r.Overall.CompetitorCheaper != 2 || r.Overall.Equal != 1 {
		t.Errorf("cheaper counts: ref %d comp %d equal %d; want 2, 2, 1",
			r.Overall.ReferenceCheaper, r.Overall.CompetitorCheaper, r.Overall.Equal)
	}
	if got := *r.Overall.MeanPercentage; math.Abs(got-1.498) > 1e-9 {
		t.Errorf("mean: got %g, want 1.498", got)
	}
	if got := *r.Overall.MedianPercentage; got != 0 {
		t.Errorf("median: got %g, want 0", got)
	}

	veg := r.ByCategory[1]
	if veg.Count != 3 || *veg.MedianPercentage != 5.49 {
		t.Errorf("vegetables: count %d median %g; want 3, 5.49", veg.Count, *veg.MedianPercentage)
	}
	bb := r.Rows[3]
	if *bb.MedianPercentage != (5.49-2)/2 {
		t.Errorf("vegetables/bigbasket median: got %g", *bb.MedianPercentage)
	}
}

func TestAggregateCountsExclusions(t *testing.T) {
	excl := []*models.Exclusion{
		{Reason: models.ReasonReferenceZeroPrice},
		{Reason: models.ReasonBasisMismatch},
		{Reason: models.ReasonBasisMismatch},
	}
	r := NewAggregator(newTestLogger()).Aggregate(sampleComparisons(), excl...)
	if r.ExcludedPairs != 3 {
		t.Errorf("ExcludedPairs: got %d, want 3", r.ExcludedPairs)
	}
	if r.ExcludedByReason[models.ReasonBasisMismatch] != 2 {
		t.Errorf("basis mismatches: got %d, want 2", r.ExcludedByReason[models.ReasonBasisMismatch])
	}
	if r.Overall.Count != 5 {
		t.Errorf("exclusions must not count as comparisons: %d", r.Overall.Count)
	}
}

func TestTopSavings(t *testing.T) {
	got := TopSavings(sampleComparisons(), 1)
	if len(got) != 1 || got[0].PercentageDifference != -6 {
		t.Fatalf("TopSavings: got %+v", got)
	}
	if all := TopSavings(sampleComparisons(), 10); len(all) != 2 {
		t.Errorf("TopSavings(10): got %d, want 2", len(all))
	}
}
