package scraper

import (
	"context"
	"time"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
)

// Static serves the fixture products listed in the site definition. It
// stands in for sites without a live integration.
type Static struct {
	site     string
	products []config.FixtureProduct
	now      func() time.Time
}

func NewStatic(site string, sc config.SiteConfig, _ Env) (Scraper, error) {
	return &Static{site: site, products: sc.Products, now: time.Now}, nil
}

func (s *Static) Site() string { return s.site }

func (s *Static) ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keep := categoryFilter(categories)
	scrapedAt := s.now()

	var out []*models.RawListing
	for _, p := range s.products {
		if !keep(p.Category) {
			continue
		}
		available := true
		if p.Available != nil {
			available = *p.Available
		}
		out = append(out, &models.RawListing{
			Site:      s.site,
			Name:      p.Name,
			RawPrice:  p.Price,
			Size:      p.Size,
			Unit:      p.Unit,
			Category:  p.Category,
			Brand:     p.Brand,
			URL:       p.URL,
			ImageURL:  p.ImageURL,
			Available: available,
			ScrapedAt: scrapedAt,
		})
	}
	return out, nil
}
