package scraper

import (
	"context"
	"errors"
	"testing"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

func testEnv() Env {
	return Env{
		Cfg:    &config.Config{MaxRetries: 1, RateLimitMs: 0, HTTPTimeoutSec: 5},
		Logger: utils.NewLogger(),
	}
}

func boolPtr(b bool) *bool { return &b }

func TestStaticFiltersCategories(t *testing.T) {
	sc := config.SiteConfig{Kind: "static", Products: []config.FixtureProduct{
		{Name: "Tomato", Price: "₹45", Size: "1 kg", Category: "Vegetables", URL: "/p/1"},
		{Name: "Milk", Price: "₹30", Size: "500 ml", Category: "dairy", URL: "/p/2", Available: boolPtr(false)},
	}}
	s, err := NewStatic("farm2bag", sc, testEnv())
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}

	all, err := s.ScrapeProducts(context.Background(), nil)
	if err != nil || len(all) != 2 {
		t.Fatalf("all categories: got %d, %v", len(all), err)
	}
	if all[1].Available {
		t.Error("Milk should be unavailable")
	}
	if all[0].Site != "farm2bag" || all[0].ScrapedAt.IsZero() {
		t.Errorf("listing metadata: %+v", all[0])
	}

	veg, _ := s.ScrapeProducts(context.Background(), []string{"vegetables"})
	if len(veg) != 1 || veg[0].Name != "Tomato" {
		t.Errorf("vegetables only: got %d listings", len(veg))
	}
}

func TestRegistryBuild(t *testing.T) {
	sites := map[string]config.SiteConfig{
		"farm2bag":  {Kind: "static", Reference: true},
		"bigbasket": {Kind: "static", Enabled: true},
		"zepto":     {Kind: "static", Enabled: true},
		"amazon":    {Kind: "static", Enabled: false},
	}

	got, err := NewRegistry().Build(sites, nil, "farm2bag", testEnv())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	names := []string{}
	for _, s := range got {
		names = append(names, s.Site())
	}
	if len(names) != 3 || names[0] != "bigbasket" || names[1] != "farm2bag" || names[2] != "zepto" {
		t.Errorf("built sites: %v; want [bigbasket farm2bag zepto]", names)
	}

	got, err = NewRegistry().Build(sites, []string{"zepto"}, "farm2bag", testEnv())
	if err != nil || len(got) != 2 {
		t.Errorf("restricted build: %d sites, %v; want reference plus zepto", len(got), err)
	}
}

func TestRegistryUnknownKind(t *testing.T) {
	sites := map[string]config.SiteConfig{"odd": {Kind: "carrier-pigeon", Enabled: true}}
	_, err := NewRegistry().Build(sites, nil, "", testEnv())
	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected *config.ConfigurationError, got %v", err)
	}
}

type fakeScraper struct {
	site     string
	listings []*models.RawListing
	err      error
}

func (f *fakeScraper) Site() string { return f.site }

func (f *fakeScraper) ScrapeProducts(context.Context, []string) ([]*models.RawListing, error) {
	return f.listings, f.err
}

func TestCollectSkipsFailingSites(t *testing.T) {
	scrapers := []Scraper{
		&fakeScraper{site: "ok", listings: []*models.RawListing{{Site: "ok", Name: "A"}}},
		&fakeScraper{site: "down", err: errors.New("connection refused")},
		&fakeScraper{site: "partial", listings: []*models.RawListing{{Site: "partial", Name: "B"}}, err: errors.New("page 2 failed")},
	}

	got := Collect(context.Background(), scrapers, nil, 2, utils.NewLogger())
	if len(got) != 2 {
		t.Fatalf("sites collected: got %d, want 2", len(got))
	}
	if _, ok := got["down"]; ok {
		t.Error("failing site should be left out")
	}
	if len(got["partial"]) != 1 {
		t.Error("partial results should be kept")
	}
}
