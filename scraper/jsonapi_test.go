package scraper

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"grocery-price-scraper/config"
)

func TestJSONAPIMapsFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			fmt.Fprint(w, `{"data": {"products": [
				{"title": "Amul Butter", "pricing": {"mrp": 56}, "pack": "500 g", "brand": "Amul",
				 "slug": "/pd/amul-butter", "in_stock": true},
				{"title": "Paneer", "pricing": {"mrp": "₹90"}, "pack": "200 g", "in_stock": false}
			]}}`)
		default:
			fmt.Fprint(w, `{"data": {"products": []}}`)
		}
	}))
	defer srv.Close()

	sc := config.SiteConfig{
		Kind:          "jsonapi",
		BaseURL:       srv.URL,
		CategoryPaths: map[string]string{"dairy": "/api/catalog/dairy"},
		MaxPages:      5,
		Fields: config.FieldMap{
			Items:     "data.products",
			Name:      "title",
			Price:     "pricing.mrp",
			Size:      "pack",
			Brand:     "brand",
			URL:       "slug",
			Available: "in_stock",
		},
	}
	s, err := NewJSONAPI("zepto", sc, testEnv())
	if err != nil {
		t.Fatalf("NewJSONAPI: %v", err)
	}

	got, err := s.ScrapeProducts(context.Background(), nil)
	if err != nil {
		t.Fatalf("ScrapeProducts: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("listings: got %d, want 2", len(got))
	}
	if got[0].Name != "Amul Butter" || got[0].RawPrice != "56" || got[0].Size != "500 g" || got[0].Brand != "Amul" {
		t.Errorf("first item: %+v", got[0])
	}
	if got[0].URL != srv.URL+"/pd/amul-butter" || got[0].Category != "dairy" || !got[0].Available {
		t.Errorf("first item metadata: %+v", got[0])
	}
	if got[1].RawPrice != "₹90" || got[1].Available {
		t.Errorf("second item: %+v", got[1])
	}
}

func TestLookup(t *testing.T) {
	doc := map[string]any{
		"a":    map[string]any{"b": map[string]any{"c": 1.5}},
		"tabs": []any{map[string]any{"name": "first"}, map[string]any{"name": "second"}},
	}
	tests := []struct {
		path string
		want string
	}{
		{"a.b.c", "1.5"},
		{"a.x", ""},
		{"a.b.c.d", ""},
		{"tabs.1.name", "second"},
		{"tabs.2.name", ""},
		{"tabs.x", ""},
	}
	for _, tt := range tests {
		if got := scalar(lookup(doc, tt.path)); got != tt.want {
			t.Errorf("lookup(%q) = %q; want %q", tt.path, got, tt.want)
		}
	}
}
