package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"grocery-price-scraper/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("storage: not found")

// RawListingWriter is the interface for persisting unprocessed scraped data.
type RawListingWriter interface {
	WriteRaw(listings []*models.RawListing) error
	Close() error
}

// SnapshotWriter persists the outcome of a run. Writes are append-only.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, runID string, date time.Time, listings []*models.NormalizedListing) error
	SaveComparisons(ctx context.Context, date time.Time, comparisons []*models.Comparison) error
	SaveExclusions(ctx context.Context, date time.Time, exclusions []*models.Exclusion) error
	SaveAlternatives(ctx context.Context, date time.Time, alternatives []*models.Alternative) error
	Close() error
}

// HistoryReader is the read side the query API is served from.
type HistoryReader interface {
	LatestListings(ctx context.Context, f ListingFilter) ([]*models.NormalizedListing, error)
	Listing(ctx context.Context, id string) (*models.NormalizedListing, error)
	CompetitorPrices(ctx context.Context, referenceID string) ([]*models.Comparison, error)
	PriceHistory(ctx context.Context, site, normalizedName string, days int) ([]PricePoint, error)
	Comparisons(ctx context.Context, date time.Time) ([]*models.Comparison, error)
	Exclusions(ctx context.Context, date time.Time) ([]*models.Exclusion, error)
	Alternatives(ctx context.Context, referenceID string) ([]*models.Alternative, error)
	Stats(ctx context.Context) (*StoreStats, error)
}

// ListingFilter narrows LatestListings. Empty fields match everything.
type ListingFilter struct {
	Site     string
	Category string
	Search   string
	Limit    int
}

// PricePoint is the last price seen for a product on one day.
type PricePoint struct {
	Date         string          `json:"date"`
	Price        decimal.Decimal `json:"price"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Unit         string          `json:"unit"`
	Available    bool            `json:"available"`
	ListingID    string          `json:"listing_id"`
}

// SiteCount is the number of listings stored for one site.
type SiteCount struct {
	Site     string `json:"site"`
	Listings int    `json:"listings"`
}

// StoreStats describes what the history store holds.
type StoreStats struct {
	Listings      int         `json:"listings"`
	Comparisons   int         `json:"comparisons"`
	Runs          int         `json:"runs"`
	FirstSnapshot string      `json:"first_snapshot,omitempty"`
	LastSnapshot  string      `json:"last_snapshot,omitempty"`
	Sites         []SiteCount `json:"sites"`
}
