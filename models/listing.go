package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawListing holds unprocessed scraped data exactly as a site presented it.
// It is written to CSV before any normalisation and never modified afterwards.
type RawListing struct {
	Site      string    `json:"site"`
	Name      string    `json:"name"`
	RawPrice  string    `json:"raw_price"`
	Size      string    `json:"size"`
	Unit      string    `json:"unit"`
	Category  string    `json:"category"`
	Brand     string    `json:"brand"`
	URL       string    `json:"url"`
	ImageURL  string    `json:"image_url,omitempty"`
	Available bool      `json:"available"`
	ScrapedAt time.Time `json:"scraped_at"`
}

// Flag marks a data-quality condition found while normalising a listing.
type Flag uint16

const (
	FlagPriceUnparsed Flag = 1 << iota
	FlagSizeUnparsed
	FlagUnitUnknown
	FlagCategoryUnmapped
	FlagBrandUnmapped
	FlagNameEmpty
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagPriceUnparsed, "price_unparsed"},
	{FlagSizeUnparsed, "size_unparsed"},
	{FlagUnitUnknown, "unit_unknown"},
	{FlagCategoryUnmapped, "category_unmapped"},
	{FlagBrandUnmapped, "brand_unmapped"},
	{FlagNameEmpty, "name_empty"},
}

// Has reports whether every bit of f2 is set in f.
func (f Flag) Has(f2 Flag) bool { return f&f2 == f2 }

func (f Flag) String() string {
	var parts []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, ",")
}

// MarshalText renders the flag set as its comma separated names.
func (f Flag) MarshalText() ([]byte, error) { return []byte(f.String()), nil }

func (f *Flag) UnmarshalText(b []byte) error {
	*f = ParseFlags(string(b))
	return nil
}

// ParseFlags is the inverse of Flag.String; unknown names are ignored.
func ParseFlags(s string) Flag {
	var f Flag
	for _, part := range strings.Split(s, ",") {
		for _, fn := range flagNames {
			if strings.TrimSpace(part) == fn.name {
				f |= fn.flag
			}
		}
	}
	return f
}

// NormalizedListing is the canonical form of exactly one RawListing.
// Price and PricePerUnit are never negative. When Confident is false the
// PricePerUnit is the raw Price and must not be compared per unit.
type NormalizedListing struct {
	RawListing

	ID    string `json:"id"`
	RunID string `json:"run_id"`

	NormalizedName     string  `json:"normalized_name"`
	NormalizedUnit     string  `json:"normalized_unit"`
	NormalizedSize     float64 `json:"normalized_size"`
	NormalizedCategory string  `json:"normalized_category"`
	NormalizedBrand    string  `json:"normalized_brand"`

	Price        decimal.Decimal `json:"price"`
	PricePerUnit decimal.Decimal `json:"price_per_unit"`
	Confident    bool            `json:"confident"`
	Usable       bool            `json:"usable"`
	Flags        Flag            `json:"flags"`
}

// ComparisonValue returns the value the listing is compared on together with
// the unit it is expressed in ("" when it is the raw price).
func (l *NormalizedListing) ComparisonValue() (decimal.Decimal, string) {
	if l.Confident {
		return l.PricePerUnit, l.NormalizedUnit
	}
	return l.Price, ""
}
