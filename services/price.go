package services

import (
	"html"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

// priceRegexp captures the first number, including any grouping separators.
var priceRegexp = regexp.MustCompile(`\d(?:[\d.,'\x{00a0}\x{202f}]*\d)?`)

// signedRegexp matches a minus sign attached to the first number, either
// directly ("-5") or through a currency symbol or code ("-₹5", "-Rs.5").
var signedRegexp = regexp.MustCompile(`^[^\d]*[-\x{2212}](?:[^\d\s]{1,4}\.?\s*)?\d`)

// ParsePrice extracts a non-negative decimal price from scraped text such as
// "₹45.50", "Rs. 1,250", "$1,200.50 /kg" or "1.250,00 €". The first number in
// the text wins. Text without any digit, or a price carrying a minus sign
// such as "-₹5", yields a *ParseError.
func ParsePrice(raw string) (decimal.Decimal, error) {
	text := html.UnescapeString(raw)
	match := priceRegexp.FindString(text)
	if match == "" {
		return decimal.Zero, &ParseError{Field: "price", Input: raw}
	}

	if signedRegexp.MatchString(text) {
		return decimal.Zero, &ParseError{Field: "price", Input: raw, Err: errNegativePrice}
	}

	num := normaliseSeparators(match)
	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, &ParseError{Field: "price", Input: raw, Err: err}
	}
	return d, nil
}

// normaliseSeparators rewrites a grouped number into plain "1234.56" form.
// When both '.' and ',' occur the last one is the decimal separator. A lone
// ',' followed by one or two digits is a decimal comma, otherwise grouping.
func normaliseSeparators(s string) string {
	s = strings.NewReplacer("'", "", "\u00a0", "", "\u202f", "").Replace(s)

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			return strings.Replace(s, ",", ".", 1)
		}
		return strings.ReplaceAll(s, ",", "")
	case strings.Count(s, ".") > 1:
		return strings.ReplaceAll(s, ".", "")
	}
	return s
}
