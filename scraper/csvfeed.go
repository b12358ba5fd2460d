package scraper

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"grocery-price-scraper/config"
	"grocery-price-scraper/models"
	"grocery-price-scraper/utils"
)

var csvColumns = []string{"name", "price", "size", "unit", "category", "brand", "url", "image_url", "available", "scraped_at"}

// CSVFeed reads a merchant's product export. Columns are matched by header
// name; only name and price are required.
type CSVFeed struct {
	site   string
	files  []string
	logger *utils.Logger
}

func NewCSVFeed(site string, sc config.SiteConfig, env Env) (Scraper, error) {
	if len(sc.Files) == 0 {
		return nil, &config.ConfigurationError{Field: "sites." + site + ".files", Reason: "csvfeed needs at least one file"}
	}
	return &CSVFeed{site: site, files: sc.Files, logger: env.Logger}, nil
}

func (c *CSVFeed) Site() string { return c.site }

func (c *CSVFeed) ScrapeProducts(ctx context.Context, categories []string) ([]*models.RawListing, error) {
	keep := categoryFilter(categories)
	var out []*models.RawListing
	var errs []error
	for _, path := range c.files {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		listings, err := c.readFile(path, keep)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, listings...)
	}
	return out, errors.Join(errs...)
}

func (c *CSVFeed) readFile(path string, keep func(string) bool) ([]*models.RawListing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("csvfeed: open %q: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("csvfeed: read header of %q: %w", path, err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))] = i
	}
	for _, required := range []string{"name", "price"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("csvfeed: %q has no %q column (want some of %v)", path, required, csvColumns)
		}
	}

	info, _ := f.Stat()
	fileTime := time.Now()
	if info != nil {
		fileTime = info.ModTime()
	}

	var out []*models.RawListing
	line := 1
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			c.logger.Warn("[%s] %s line %d skipped: %v", c.site, path, line, err)
			continue
		}
		get := func(name string) string {
			if i, ok := col[name]; ok && i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		if !keep(get("category")) {
			continue
		}

		scrapedAt := fileTime
		if ts := get("scraped_at"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				scrapedAt = t
			}
		}
		out = append(out, &models.RawListing{
			Site:      c.site,
			Name:      get("name"),
			RawPrice:  get("price"),
			Size:      get("size"),
			Unit:      get("unit"),
			Category:  get("category"),
			Brand:     get("brand"),
			URL:       get("url"),
			ImageURL:  get("image_url"),
			Available: parseAvailable(get("available")),
			ScrapedAt: scrapedAt,
		})
	}
	return out, nil
}

// parseAvailable treats an empty value as in stock.
func parseAvailable(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "false", "0", "no", "n", "out of stock", "unavailable":
		return false
	}
	return true
}
