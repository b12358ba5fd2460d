package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"grocery-price-scraper/models"
	"grocery-price-scraper/storage"
	"grocery-price-scraper/utils"
)

type fakeStore struct {
	listings     map[string]*models.NormalizedListing
	comparisons  []*models.Comparison
	exclusions   []*models.Exclusion
	alternatives []*models.Alternative
	history      []storage.PricePoint
	err          error

	lastFilter        storage.ListingFilter
	lastDays          int
	lastDate          time.Time
	lastExclusionDate time.Time
}

func (f *fakeStore) LatestListings(_ context.Context, filter storage.ListingFilter) ([]*models.NormalizedListing, error) {
	f.lastFilter = filter
	if f.err != nil {
		return nil, f.err
	}
	var out []*models.NormalizedListing
	for _, l := range f.listings {
		if filter.Site == "" || l.Site == filter.Site {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) Listing(_ context.Context, id string) (*models.NormalizedListing, error) {
	if l, ok := f.listings[id]; ok {
		return l, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeStore) CompetitorPrices(_ context.Context, referenceID string) ([]*models.Comparison, error) {
	var out []*models.Comparison
	for _, c := range f.comparisons {
		if c.ReferenceID == referenceID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) PriceHistory(_ context.Context, site, name string, days int) ([]storage.PricePoint, error) {
	f.lastDays = days
	return f.history, nil
}

func (f *fakeStore) Comparisons(_ context.Context, date time.Time) ([]*models.Comparison, error) {
	f.lastDate = date
	return f.comparisons, f.err
}

func (f *fakeStore) Exclusions(_ context.Context, date time.Time) ([]*models.Exclusion, error) {
	f.lastExclusionDate = date
	return f.exclusions, f.err
}

func (f *fakeStore) Alternatives(_ context.Context, referenceID string) ([]*models.Alternative, error) {
	var out []*models.Alternative
	for _, a := range f.alternatives {
		if a.ReferenceID == referenceID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) Stats(context.Context) (*storage.StoreStats, error) {
	return &storage.StoreStats{Listings: len(f.listings), Comparisons: len(f.comparisons)}, nil
}

func newFakeStore() *fakeStore {
	tomato := &models.NormalizedListing{
		RawListing:     models.RawListing{Site: "farm2bag", Name: "Fresh Tomato"},
		ID:             "ref-1",
		NormalizedName: "tomato",
		Price:          decimal.RequireFromString("45.50"),
	}
	return &fakeStore{
		listings: map[string]*models.NormalizedListing{"ref-1": tomato},
		comparisons: []*models.Comparison{{
			ReferenceID:          "ref-1",
			CompetitorID:         "cmp-1",
			ReferenceSite:        "farm2bag",
			CompetitorSite:       "bigbasket",
			Category:             "vegetables",
			Basis:                models.BasisPerUnit,
			ReferenceValue:       decimal.RequireFromString("45.50"),
			CompetitorValue:      decimal.RequireFromString("48.00"),
			PriceDifference:      decimal.RequireFromString("2.50"),
			PercentageDifference: 5.4945,
			ReferenceIsCheaper:   true,
			ComparedOn:           time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC),
		}},
		exclusions: []*models.Exclusion{
			{ReferenceID: "ref-2", CompetitorID: "cmp-2", CompetitorSite: "bigbasket", Reason: models.ReasonReferenceZeroPrice},
			{ReferenceID: "ref-3", CompetitorID: "cmp-3", CompetitorSite: "zepto", Reason: models.ReasonBasisMismatch},
		},
		alternatives: []*models.Alternative{
			{ReferenceID: "ref-1", CompetitorID: "cmp-1", CompetitorSite: "bigbasket", Rank: 1, SimilarityScore: 0.8},
			{ReferenceID: "ref-1", CompetitorID: "cmp-4", CompetitorSite: "zepto", Rank: 2, SimilarityScore: 0.76},
		},
		history: []storage.PricePoint{{Date: "2026-10-17", Price: decimal.RequireFromString("45.50")}},
	}
}

func doRequest(t *testing.T, store storage.HistoryReader, path string) (int, map[string]any) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := NewRouter(store, utils.NewLoggerTo(io.Discard, io.Discard))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("GET %s: invalid json %q: %v", path, w.Body.String(), err)
	}
	return w.Code, body
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		path    string
		status  int
		wantKey string
	}{
		{"/api/v1/health", http.StatusOK, "data"},
		{"/api/v1/stats", http.StatusOK, "data"},
		{"/api/v1/products", http.StatusOK, "data"},
		{"/api/v1/products/ref-1", http.StatusOK, "data"},
		{"/api/v1/products/missing", http.StatusNotFound, "error"},
		{"/api/v1/products/ref-1/competitors", http.StatusOK, "data"},
		{"/api/v1/products/ref-1/history", http.StatusOK, "data"},
		{"/api/v1/products/ref-1/history?days=0", http.StatusBadRequest, "error"},
		{"/api/v1/products/missing/history", http.StatusNotFound, "error"},
		{"/api/v1/comparisons", http.StatusOK, "data"},
		{"/api/v1/comparisons?date=18-10-2026", http.StatusBadRequest, "error"},
		{"/api/v1/report?date=2026-10-18", http.StatusOK, "data"},
		{"/api/v1/nope", http.StatusNotFound, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := doRequest(t, newFakeStore(), tt.path)
			if status != tt.status {
				t.Errorf("GET %s status = %d; want %d", tt.path, status, tt.status)
			}
			if _, ok := body[tt.wantKey]; !ok {
				t.Errorf("GET %s body = %v; want key %q", tt.path, body, tt.wantKey)
			}
		})
	}
}

func TestListProductsPassesFilter(t *testing.T) {
	store := newFakeStore()
	status, body := doRequest(t, store, "/api/v1/products?site=farm2bag&category=Vegetables&search=tom&limit=5")
	if status != http.StatusOK {
		t.Fatalf("status = %d", status)
	}
	want := storage.ListingFilter{Site: "farm2bag", Category: "Vegetables", Search: "tom", Limit: 5}
	if store.lastFilter != want {
		t.Errorf("filter = %+v; want %+v", store.lastFilter, want)
	}
	if body["count"].(float64) != 1 {
		t.Errorf("count = %v; want 1", body["count"])
	}
}

func TestHistoryDays(t *testing.T) {
	store := newFakeStore()
	doRequest(t, store, "/api/v1/products/ref-1/history")
	if store.lastDays != defaultHistoryDays {
		t.Errorf("default days = %d; want %d", store.lastDays, defaultHistoryDays)
	}
	doRequest(t, store, "/api/v1/products/ref-1/history?days=7")
	if store.lastDays != 7 {
		t.Errorf("days = %d; want 7", store.lastDays)
	}
}

func TestReportAggregatesStoredComparisons(t *testing.T) {
	store := newFakeStore()
	_, body := doRequest(t, store, "/api/v1/report?date=2026-10-18")
	if want := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC); !store.lastDate.Equal(want) {
		t.Errorf("date = %v; want %v", store.lastDate, want)
	}
	data := body["data"].(map[string]any)
	report := data["report"].(map[string]any)
	overall := report["overall"].(map[string]any)
	if overall["count"].(float64) != 1 || overall["reference_cheaper"].(float64) != 1 {
		t.Errorf("overall = %v", overall)
	}
	if got := report["excluded_pairs"].(float64); got != 2 {
		t.Errorf("excluded_pairs = %v; want 2", got)
	}
	byReason := report["excluded_by_reason"].(map[string]any)
	if byReason["reference_zero_price"].(float64) != 1 || byReason["basis_mismatch"].(float64) != 1 {
		t.Errorf("excluded_by_reason = %v", byReason)
	}
}

func TestReportReadsExclusionsForLatestComparisonDay(t *testing.T) {
	store := newFakeStore()
	doRequest(t, store, "/api/v1/report")
	if !store.lastDate.IsZero() {
		t.Errorf("comparisons date = %v; want latest", store.lastDate)
	}
	if want := time.Date(2026, 10, 18, 0, 0, 0, 0, time.UTC); !store.lastExclusionDate.Equal(want) {
		t.Errorf("exclusions date = %v; want %v", store.lastExclusionDate, want)
	}
}

func TestCompetitorsIncludeAlternatives(t *testing.T) {
	_, body := doRequest(t, newFakeStore(), "/api/v1/products/ref-1/competitors")
	data := body["data"].(map[string]any)
	alts := data["alternatives"].([]any)
	if len(alts) != 2 {
		t.Fatalf("alternatives = %v; want 2", alts)
	}
	for i, want := range []string{"bigbasket", "zepto"} {
		a := alts[i].(map[string]any)
		if a["competitor_site"] != want || a["rank"].(float64) != float64(i+1) {
			t.Errorf("alternatives[%d] = %v; want %s at rank %d", i, a, want, i+1)
		}
	}
}

func TestStoreErrorIs500(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("db down")
	status, body := doRequest(t, store, "/api/v1/comparisons")
	if status != http.StatusInternalServerError {
		t.Errorf("status = %d; want 500", status)
	}
	if body["error"] != "internal error" {
		t.Errorf("error = %v", body["error"])
	}
}
