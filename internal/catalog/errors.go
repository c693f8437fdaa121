// Package catalog extracts product and search data from the dropshipping
// catalog's pages as stored by the remote fetcher.
package catalog

import (
	"errors"
	"fmt"
)

// ParseKind classifies parser failures. All kinds are retryable at the
// queue level; Shape recurring across every retry is the signal that the
// catalog changed its page structure.
type ParseKind string

// Parser failure kinds.
const (
	ParseShape      ParseKind = "shape"
	ParseSyntax     ParseKind = "syntax"
	ParseIncomplete ParseKind = "incomplete"
)

// ParseError is an item-level extraction failure.
type ParseError struct {
	Kind   ParseKind
	Detail string
	// Blocked marks payloads that look like an anti-bot challenge page.
	// The caller archives these for debugging before retrying.
	Blocked bool
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("catalog parse (%s): %s", e.Kind, e.Detail)
}

// ErrProductRemoved indicates a product page for a discontinued listing.
// Not an error for the crawl: the item completes with nothing to score.
var ErrProductRemoved = errors.New("product removed from catalog")

// KindOf returns the failure kind of err, or "" if err is not a ParseError.
func KindOf(err error) ParseKind {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsBlocked reports whether err marks a suspected anti-bot block page.
func IsBlocked(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe) && pe.Blocked
}
