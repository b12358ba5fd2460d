package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

func quietLogger() *utils.Logger { return utils.NewLoggerTo(io.Discard, io.Discard) }

func openTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history", "prices.db")
	s, err := OpenHistoryStore(context.Background(), "sqlite", path, quietLogger())
	if err != nil {
		t.Fatalf("OpenHistoryStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func listing(id, site, name, price string, at time.Time) *models.NormalizedListing {
	p := decimal.RequireFromString(price)
	return &models.NormalizedListing{
		RawListing: models.RawListing{
			Site:      site,
			Name:      name,
			RawPrice:  "₹" + price,
			Size:      "1 kg",
			Category:  "Vegetables",
			URL:       "https://" + site + ".example/" + id,
			Available: true,
			ScrapedAt: at,
		},
		ID:                 id,
		NormalizedName:     name,
		NormalizedUnit:     "kg",
		NormalizedSize:     1,
		NormalizedCategory: "vegetables",
		Price:              p,
		PricePerUnit:       p,
		Confident:          true,
		Usable:             true,
		Flags:              models.FlagBrandUnmapped,
	}
}

func TestHistoryStoreSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	if err := s.SaveSnapshot(ctx, "run-1", now, []*models.NormalizedListing{
		listing("a1", "farm2bag", "tomato", "45.50", now),
		listing("a2", "farm2bag", "onion", "30", now),
		listing("b1", "bigbasket", "tomato", "48", now),
	}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	got, err := s.Listing(ctx, "a1")
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	if !got.Price.Equal(decimal.RequireFromString("45.50")) {
		t.Errorf("Price = %s; want 45.50", got.Price)
	}
	if got.Site != "farm2bag" || got.NormalizedName != "tomato" || got.RawPrice != "₹45.50" {
		t.Errorf("Listing = %+v", got)
	}
	if !got.Confident || !got.Usable || !got.Available {
		t.Errorf("booleans lost: confident=%v usable=%v available=%v", got.Confident, got.Usable, got.Available)
	}
	if got.Flags != models.FlagBrandUnmapped {
		t.Errorf("Flags = %v; want %v", got.Flags, models.FlagBrandUnmapped)
	}
	if !got.ScrapedAt.Equal(now) {
		t.Errorf("ScrapedAt = %v; want %v", got.ScrapedAt, now)
	}

	if _, err := s.Listing(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Listing(missing) error = %v; want ErrNotFound", err)
	}

	// saving the same ids again is a no-op
	if err := s.SaveSnapshot(ctx, "run-1", now, []*models.NormalizedListing{listing("a1", "farm2bag", "tomato", "99", now)}); err != nil {
		t.Fatalf("SaveSnapshot again: %v", err)
	}
	got, _ = s.Listing(ctx, "a1")
	if !got.Price.Equal(decimal.RequireFromString("45.50")) {
		t.Errorf("duplicate id overwrote price: %s", got.Price)
	}
}

func TestHistoryStoreLatestListings(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	yesterday := time.Now().UTC().AddDate(0, 0, -1)
	today := time.Now().UTC()

	mustSave(t, s, "run-old", yesterday,
		listing("old1", "farm2bag", "tomato", "40", yesterday),
		listing("old2", "farm2bag", "potato", "20", yesterday))
	mustSave(t, s, "run-new", today,
		listing("new1", "farm2bag", "tomato", "45", today),
		listing("new2", "bigbasket", "cherry tomato", "60", today))

	tests := []struct {
		name   string
		filter ListingFilter
		want   []string
	}{
		{"all sites latest run", ListingFilter{}, []string{"new2", "new1"}},
		{"by site", ListingFilter{Site: "farm2bag"}, []string{"new1"}},
		{"search", ListingFilter{Search: "Cherry"}, []string{"new2"}},
		{"category", ListingFilter{Category: "fruits"}, nil},
		{"limit", ListingFilter{Limit: 1}, []string{"new2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.LatestListings(ctx, tt.filter)
			if err != nil {
				t.Fatalf("LatestListings: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("LatestListings(%+v) returned %d listings; want %d", tt.filter, len(got), len(tt.want))
			}
			for i, l := range got {
				if l.ID != tt.want[i] {
					t.Errorf("listing[%d] = %s; want %s", i, l.ID, tt.want[i])
				}
			}
		})
	}
}

func TestHistoryStorePriceHistory(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Now().UTC()

	for i, price := range []string{"50", "48", "45"} {
		day := now.AddDate(0, 0, i-2)
		mustSave(t, s, "run-"+price, day, listing("t"+price, "farm2bag", "tomato", price, day))
	}
	// second run on the last day replaces that day's point
	mustSave(t, s, "run-late", now, listing("late", "farm2bag", "tomato", "44", now.Add(time.Second)))
	mustSave(t, s, "run-ancient", now.AddDate(0, 0, -60), listing("ancient", "farm2bag", "tomato", "10", now.AddDate(0, 0, -60)))

	points, err := s.PriceHistory(ctx, "farm2bag", "tomato", 30)
	if err != nil {
		t.Fatalf("PriceHistory: %v", err)
	}
	want := []string{"50", "48", "44"}
	if len(points) != len(want) {
		t.Fatalf("PriceHistory returned %d points; want %d: %+v", len(points), len(want), points)
	}
	for i, p := range points {
		if !p.Price.Equal(decimal.RequireFromString(want[i])) {
			t.Errorf("point[%d] price = %s; want %s", i, p.Price, want[i])
		}
	}

	all, err := s.PriceHistory(ctx, "farm2bag", "tomato", 0)
	if err != nil {
		t.Fatalf("PriceHistory(all): %v", err)
	}
	if len(all) != 4 {
		t.Errorf("PriceHistory(all) returned %d points; want 4", len(all))
	}
}

func comparison(refID, compID, site string, diff float64, on time.Time) *models.Comparison {
	return &models.Comparison{
		ReferenceID:          refID,
		CompetitorID:         compID,
		ReferenceSite:        "farm2bag",
		CompetitorSite:       site,
		Category:             "vegetables",
		ReferenceName:        "Tomato",
		CompetitorName:       "Tomato",
		Basis:                models.BasisPerUnit,
		Unit:                 "kg",
		ReferenceValue:       decimal.RequireFromString("45.50"),
		CompetitorValue:      decimal.RequireFromString("48.00"),
		PriceDifference:      decimal.RequireFromString("2.50"),
		PercentageDifference: diff,
		SimilarityScore:      0.9,
		ReferenceIsCheaper:   diff > 0,
		ComparedOn:           on,
	}
}

func TestHistoryStoreComparisons(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	if err := s.SaveComparisons(ctx, d1, []*models.Comparison{comparison("r1", "c1", "bigbasket", 5.49, d1)}); err != nil {
		t.Fatalf("SaveComparisons: %v", err)
	}
	if err := s.SaveComparisons(ctx, d2, []*models.Comparison{
		comparison("r2", "c2", "zepto", -3, d2),
		comparison("r2", "c3", "bigbasket", 1, d2),
	}); err != nil {
		t.Fatalf("SaveComparisons: %v", err)
	}
	// same pair and day again: updated, not duplicated
	if err := s.SaveComparisons(ctx, d2, []*models.Comparison{comparison("r2", "c2", "zepto", -4, d2)}); err != nil {
		t.Fatalf("SaveComparisons upsert: %v", err)
	}

	got, err := s.Comparisons(ctx, d1)
	if err != nil {
		t.Fatalf("Comparisons: %v", err)
	}
	if len(got) != 1 || got[0].ReferenceID != "r1" {
		t.Fatalf("Comparisons(d1) = %+v", got)
	}
	if !got[0].PriceDifference.Equal(decimal.RequireFromString("2.5")) || got[0].Basis != models.BasisPerUnit {
		t.Errorf("comparison fields lost: %+v", got[0])
	}
	if !got[0].ComparedOn.Equal(d1) {
		t.Errorf("ComparedOn = %v; want %v", got[0].ComparedOn, d1)
	}

	latest, err := s.Comparisons(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Comparisons(latest): %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("Comparisons(latest) returned %d; want 2", len(latest))
	}

	prices, err := s.CompetitorPrices(ctx, "r2")
	if err != nil {
		t.Fatalf("CompetitorPrices: %v", err)
	}
	if len(prices) != 2 || prices[0].CompetitorSite != "bigbasket" || prices[1].CompetitorSite != "zepto" {
		t.Fatalf("CompetitorPrices(r2) = %+v", prices)
	}
	if prices[1].PercentageDifference != -4 {
		t.Errorf("upsert kept %v; want -4", prices[1].PercentageDifference)
	}
}

func TestHistoryStoreStatsAndCleanup(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	old := time.Now().UTC().AddDate(0, 0, -100)
	now := time.Now().UTC()

	mustSave(t, s, "run-old", old, listing("o1", "farm2bag", "tomato", "40", old))
	mustSave(t, s, "run-new", now,
		listing("n1", "farm2bag", "tomato", "45", now),
		listing("n2", "bigbasket", "tomato", "48", now))
	if err := s.SaveComparisons(ctx, old, []*models.Comparison{comparison("o1", "x", "bigbasket", 1, old)}); err != nil {
		t.Fatalf("SaveComparisons: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Listings != 3 || st.Runs != 2 || st.Comparisons != 1 || len(st.Sites) != 2 {
		t.Errorf("Stats = %+v", st)
	}
	if st.FirstSnapshot != old.Format(dateLayout) || st.LastSnapshot != now.Format(dateLayout) {
		t.Errorf("snapshot range = %s..%s", st.FirstSnapshot, st.LastSnapshot)
	}

	n, err := s.Cleanup(ctx, now.AddDate(0, 0, -90))
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if n != 2 {
		t.Errorf("Cleanup removed %d rows; want 2", n)
	}
	st, _ = s.Stats(ctx)
	if st.Listings != 2 || st.Comparisons != 0 {
		t.Errorf("after cleanup Stats = %+v", st)
	}
}

func TestOpenHistoryStoreUnknownDriver(t *testing.T) {
	if _, err := OpenHistoryStore(context.Background(), "oracle", "x", quietLogger()); err == nil {
		t.Error("OpenHistoryStore(oracle) succeeded; want error")
	}
}

func TestDialectRebind(t *testing.T) {
	tests := []struct {
		driver string
		in     string
		want   string
	}{
		{"sqlite", "a = ? AND b = ?", "a = ? AND b = ?"},
		{"postgres", "a = ? AND b = ?", "a = $1 AND b = $2"},
		{"postgres", "no args", "no args"},
	}
	for _, tt := range tests {
		if got := dialects[tt.driver].rebind(tt.in); got != tt.want {
			t.Errorf("%s rebind(%q) = %q; want %q", tt.driver, tt.in, got, tt.want)
		}
	}
}

func mustSave(t *testing.T, s *HistoryStore, runID string, date time.Time, listings ...*models.NormalizedListing) {
	t.Helper()
	for _, l := range listings {
		l.RunID = runID
	}
	if err := s.SaveSnapshot(context.Background(), runID, date, listings); err != nil {
		t.Fatalf("SaveSnapshot(%s): %v", runID, err)
	}
}
