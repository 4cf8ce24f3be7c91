// Package fetcher looks up current retail prices for catalog items.
package fetcher

import (
	"context"
	"regexp"

	"github.com/mybookshelf/pricewatch/internal/model"
)

// PriceFetcher returns the current observation for a product identifier.
//
// An unavailable product, a page without a price, or a network failure
// after retries are all reported inside the Observation. A non-nil error is
// reserved for conditions that say nothing about the item itself: a
// cancelled context or an open circuit breaker.
type PriceFetcher interface {
	Fetch(ctx context.Context, asin string) (model.Observation, error)
}

// Ordered from most to least specific; the last one accepts any
// ten-character product code at the end of a path segment.
var asinPatterns = []*regexp.Regexp{
	regexp.MustCompile(`/dp/([A-Z0-9]{10})`),
	regexp.MustCompile(`/gp/product/([A-Z0-9]{10})`),
	regexp.MustCompile(`ASIN=([A-Z0-9]{10})`),
	regexp.MustCompile(`/([A-Z0-9]{10})(?:/|$|\?)`),
}

// ExtractASIN pulls the product identifier out of an affiliate link. It
// returns "" when the link carries none.
func ExtractASIN(link string) string {
	if link == "" {
		return ""
	}
	for _, re := range asinPatterns {
		if m := re.FindStringSubmatch(link); m != nil {
			return m[1]
		}
	}
	return ""
}

// ItemASIN returns the stored identifier, falling back to the affiliate link.
func ItemASIN(it model.Item) string {
	if it.ASIN != "" {
		return it.ASIN
	}
	return ExtractASIN(it.AffiliateLink)
}
