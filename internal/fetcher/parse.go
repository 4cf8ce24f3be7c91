package fetcher

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/mybookshelf/pricewatch/internal/model"
)

var outOfStockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)currently unavailable`),
	regexp.MustCompile(`(?i)temporarily out of stock`),
	regexp.MustCompile(`(?i)out of stock`),
	regexp.MustCompile(`(?i)this item is not available`),
	regexp.MustCompile(`(?i)product not available`),
}

// Tried in order. A pattern with two groups captures whole and fractional
// parts separately.
var pricePatterns = []*regexp.Regexp{
	regexp.MustCompile(`<span class="a-price-whole">([0-9,]+)(?:<span class="a-price-decimal">\.</span>)?</span><span class="a-price-fraction">([0-9]+)</span>`),
	regexp.MustCompile(`<span class="a-price a-text-price a-size-medium apb-price-current"><span class="a-offscreen">\$([0-9,]+\.?[0-9]*)</span>`),
	regexp.MustCompile(`"priceAmount":([0-9]+\.?[0-9]*)`),
	regexp.MustCompile(`(?s)<span class="a-price-range">.*?\$([0-9,]+\.?[0-9]*)`),
	regexp.MustCompile(`(?s)id="apex_desktop".*?<span class="a-offscreen">\$([0-9,]+\.?[0-9]*)</span>`),
	regexp.MustCompile(`<span class="a-offscreen">\$([0-9,]+\.?[0-9]*)</span>`),
}

const noteNoPrice = "could not parse price from page"

// ParsePage extracts a price observation from a product page. Availability
// markers win over any price on the page; a zero price is reported as out of
// stock.
func ParsePage(body string) model.Observation {
	for _, re := range outOfStockPatterns {
		if re.MatchString(body) {
			return model.Observation{Price: model.Ptr(decimal.Zero)}
		}
	}

	for _, re := range pricePatterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		raw := strings.ReplaceAll(m[1], ",", "")
		if len(m) == 3 {
			raw += "." + m[2]
		}
		price, err := decimal.NewFromString(raw)
		if err != nil {
			continue
		}
		if !price.IsPositive() {
			return model.Observation{Price: model.Ptr(decimal.Zero)}
		}
		return model.Observation{Price: &price, InStock: true}
	}

	return model.Observation{Err: noteNoPrice}
}
