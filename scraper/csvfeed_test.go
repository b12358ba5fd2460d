package scraper

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"grocery-price-scraper/config"
)

func TestCSVFeedReadsByHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "export.csv")
	data := "Price,Name,Size,Category,URL,Available,Scraped_At\n" +
		"\"₹1,250\",Basmati Rice,5 kg,Grains,https://shop.example/rice,yes,2026-10-01T08:00:00Z\n" +
		"₹45.50,Organic Tomatoes,1 kg,vegetables,https://shop.example/tomato,no,\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	s, err := NewCSVFeed("shop", config.SiteConfig{Kind: "csvfeed", Files: []string{path}}, testEnv())
	if err != nil {
		t.Fatalf("NewCSVFeed: %v", err)
	}
	got, err := s.ScrapeProducts(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScrapeProducts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("rows: got %d, want 2", len(got))
	}
	if got[0].RawPrice != "₹1,250" || got[0].Name != "Basmati Rice" || got[0].Size != "5 kg" {
		t.Errorf("row 0: %+v", got[0])
	}
	if got[0].ScrapedAt.Year() != 2026 || !got[0].Available {
		t.Errorf("row 0 metadata: %v %v", got[0].ScrapedAt, got[0].Available)
	}
	if got[1].Available {
		t.Error("row 1 should be unavailable")
	}

	veg, _ := s.ScrapeProducts(context.Background(), []string{"Vegetables"})
	if len(veg) != 1 {
		t.Errorf("category filter: got %d rows", len(veg))
	}
}

func TestCSVFeedMissingColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.csv")
	if err := os.WriteFile(path, []byte("title,cost\nx,1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s, _ := NewCSVFeed("shop", config.SiteConfig{Files: []string{path}}, testEnv())
	if _, err := s.ScrapeProducts(context.Background(), nil); err == nil {
		t.Error("expected error for missing name/price columns")
	}
}

func TestNewCSVFeedNeedsFiles(t *testing.T) {
	if _, err := NewCSVFeed("shop", config.SiteConfig{}, testEnv()); err == nil {
		t.Error("expected configuration error")
	}
}
