package services

import (
	"errors"
	"fmt"

	"grocery-price-scraper/models"
)

var (
	// ErrUnknownUnit is wrapped by a unit ParseError when the unit token is
	// missing or not in the rule set's synonym table.
	ErrUnknownUnit = errors.New("unknown unit")

	ErrBasisMismatch      = errors.New("basis mismatch")
	ErrReferenceZeroPrice = errors.New("reference zero price")

	errNegativePrice = errors.New("negative price")
)

// ParseError reports free text that could not be interpreted. The
// normaliser recovers from it by flagging the listing.
type ParseError struct {
	Field string
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s %q: %v", e.Field, e.Input, e.Err)
	}
	return fmt.Sprintf("parse %s %q: no usable value", e.Field, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ExclusionError is returned by the comparator for a matched pair that can
// not be priced fairly. The pair is dropped and counted, never fatal.
type ExclusionError struct {
	Reason models.ExclusionReason
}

func (e *ExclusionError) Error() string {
	return "comparison excluded: " + string(e.Reason)
}

func (e *ExclusionError) Unwrap() error {
	switch e.Reason {
	case models.ReasonBasisMismatch:
		return ErrBasisMismatch
	case models.ReasonReferenceZeroPrice:
		return ErrReferenceZeroPrice
	}
	return nil
}
