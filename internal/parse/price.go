package parse

import (
	"regexp"
	"strconv"
	"strings"
)

// PriceToken is one currency-adjacent amount found in free text.
type PriceToken struct {
	Amount   float64
	Currency string
}

// markerCurrency maps currency markers, including mis-encoded variants seen
// in the wild, to ISO codes. Lookups are lowercase.
var markerCurrency = map[string]string{
	"€":    "EUR",
	"â‚¬":  "EUR",
	"eur":  "EUR",
	"£":    "GBP",
	"â£":   "GBP",
	"gbp":  "GBP",
	"$":    "USD",
	"usd":  "USD",
	"₴":    "UAH",
	"грн":  "UAH",
	"uah":  "UAH",
	"zł":   "PLN",
	"zl":   "PLN",
	"pln":  "PLN",
}

const markerPattern = `€|â‚¬|£|Â£|\$|₴|грн|zł|zl|EUR|GBP|USD|UAH|PLN`

// A numeric group optionally split by spaces, nbsp, commas or dots. The
// marker must be adjacent on at least one side.
var priceTokenRe = regexp.MustCompile(
	`(?i)(` + markerPattern + `)?\s?([0-9](?:[0-9 \x{00a0}.,]*[0-9])?)\s?(` + markerPattern + `)?`,
)

// Tokens extracts currency-adjacent price tokens from text. Bare numbers
// with no marker on either side are ignored.
func Tokens(text string) []PriceToken {
	var out []PriceToken
	for _, m := range priceTokenRe.FindAllStringSubmatch(text, -1) {
		marker := m[1]
		if marker == "" {
			marker = m[3]
		}
		if marker == "" {
			continue
		}
		amount := normalizeNumber(m[2])
		if amount <= 0 {
			continue
		}
		out = append(out, PriceToken{
			Amount:   amount,
			Currency: markerCurrency[strings.ToLower(marker)],
		})
	}
	return out
}

// Amount parses a single price string, stripping currency markers and
// normalising locale separators. Invalid input yields 0.
func Amount(s string) float64 {
	tokens := Tokens(s)
	if len(tokens) > 0 {
		return tokens[0].Amount
	}
	// No marker present; try the numeric part alone.
	m := regexp.MustCompile(`[0-9](?:[0-9 \x{00a0}.,]*[0-9])?`).FindString(s)
	if m == "" {
		return 0
	}
	return normalizeNumber(m)
}

// normalizeNumber resolves separators: with both `,` and `.` present the
// last one is the decimal separator. A separator that repeats only groups
// thousands. A lone `,` is a decimal separator. Spaces always group
// thousands.
func normalizeNumber(s string) float64 {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == ' ' {
			return -1
		}
		return r
	}, s)

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		if strings.LastIndex(s, ".") > strings.LastIndex(s, ",") {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		}
	case hasComma:
		if strings.Count(s, ",") > 1 {
			s = strings.ReplaceAll(s, ",", "")
		} else {
			s = strings.Replace(s, ",", ".", 1)
		}
	case hasDot:
		if strings.Count(s, ".") > 1 {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
