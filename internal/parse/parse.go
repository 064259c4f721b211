// Package parse turns raw marketplace HTML into Listings. One Parser serves
// one source; all site-specific markup knowledge lives in its selector set.
// A card missing any required field after the fallback ladders is dropped
// silently and counted, never failed.
package parse

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"

	"github.com/avasylenko/pricewatch/internal/metrics"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// regionCurrency is the fallback when no price token carried a marker.
var regionCurrency = map[domain.Region]string{
	"GB": "GBP",
	"US": "USD",
	"PL": "PLN",
	"UA": "UAH",
}

// Parser extracts Listings for a single source.
type Parser struct {
	source   domain.Source
	sel      selectorSet
	minPrice float64
	log      *slog.Logger
}

// Option configures the Parser.
type Option func(*Parser)

// WithMinPrice sets the minimum original-price floor that filters out
// promo and "view all" tiles.
func WithMinPrice(min float64) Option {
	return func(p *Parser) {
		p.minPrice = min
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		p.log = l
	}
}

// New creates a Parser for the given source.
func New(source domain.Source, opts ...Option) (*Parser, error) {
	sel, ok := selectorSets[source]
	if !ok {
		return nil, fmt.Errorf("no selector set for source %q", source)
	}
	p := &Parser{
		source: source,
		sel:    sel,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Parse extracts all complete Listings from a page.
func (p *Parser) Parse(html string, region domain.Region) ([]domain.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parsing document: %w", err)
	}

	ldImages := jsonLDImages(doc)

	var listings []domain.Listing
	for _, cardSel := range p.sel.Card {
		cards := doc.Find(cardSel)
		if cards.Length() == 0 {
			continue
		}
		cards.Each(func(_ int, card *goquery.Selection) {
			l, ok := p.listing(card, region, ldImages)
			if !ok {
				metrics.CardsSkippedTotal.WithLabelValues(string(p.source)).Inc()
				return
			}
			listings = append(listings, l)
		})
		break
	}

	metrics.ListingsParsedTotal.WithLabelValues(string(p.source)).Add(float64(len(listings)))
	return listings, nil
}

func (p *Parser) listing(card *goquery.Selection, region domain.Region, ldImages map[string]string) (domain.Listing, bool) {
	link := p.deepLink(card)
	if link == "" {
		return domain.Listing{}, false
	}

	name := p.name(card)
	if name == "" {
		return domain.Listing{}, false
	}

	original, sale, currency := p.prices(card)
	if original <= 0 || sale <= 0 {
		return domain.Listing{}, false
	}
	if p.minPrice > 0 && original < p.minPrice {
		p.log.Debug("card below price floor", "name", name, "original", original)
		return domain.Listing{}, false
	}
	if currency == "" {
		currency = regionCurrency[region]
	}
	if currency == "" {
		currency = "EUR"
	}

	image := imageURL(card)
	if image == "" {
		image = ldImages[link]
	}
	if image == "" {
		return domain.Listing{}, false
	}

	store := firstText(card, p.sel.Store)
	if store == "" {
		store = displayName(p.source)
	}

	return domain.Listing{
		Source:   p.source,
		ID:       p.stableID(card, link),
		Name:     name,
		Region:   region,
		Store:    store,
		Original: original,
		Sale:     sale,
		Currency: currency,
		ImageURL: image,
		Link:     link,
	}, true
}

// name tries declared name nodes, then image alt, then anchor text.
func (p *Parser) name(card *goquery.Selection) string {
	if v := firstText(card, p.sel.Name); v != "" {
		return v
	}
	if alt, ok := card.Find("img").Attr("alt"); ok {
		if alt = strings.TrimSpace(alt); alt != "" {
			return alt
		}
	}
	return strings.TrimSpace(card.Find("a").First().Text())
}

// prices resolves the (original, sale) pair. An explicit strike-through
// element wins; otherwise price tokens from the card text are split with
// max as original and min as sale.
func (p *Parser) prices(card *goquery.Selection) (original, sale float64, currency string) {
	if strikeText := firstText(card, p.sel.Strike); strikeText != "" {
		original = Amount(strikeText)
		if t := Tokens(strikeText); len(t) > 0 {
			currency = t[0].Currency
		}
	}
	if saleText := firstText(card, p.sel.Sale); saleText != "" {
		sale = Amount(saleText)
		if currency == "" {
			if t := Tokens(saleText); len(t) > 0 {
				currency = t[0].Currency
			}
		}
	}

	if original <= 0 || sale <= 0 {
		tokens := Tokens(card.Text())
		var min, max float64
		for _, t := range tokens {
			if min == 0 || t.Amount < min {
				min = t.Amount
			}
			if t.Amount > max {
				max = t.Amount
			}
			if currency == "" {
				currency = t.Currency
			}
		}
		if original <= 0 {
			original = max
		}
		if sale <= 0 {
			sale = min
		}
	}

	if original <= 0 {
		original = sale
	}
	if sale <= 0 {
		sale = original
	}
	if sale > original {
		original, sale = sale, original
	}
	return original, sale, currency
}

// deepLink finds the first anchor matching a known product-path prefix,
// falling back to the first anchor, and resolves it against the base URL.
func (p *Parser) deepLink(card *goquery.Selection) string {
	var href string
	card.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		h, _ := a.Attr("href")
		for _, prefix := range p.sel.ProductPathPrefixes {
			if strings.Contains(h, prefix) {
				href = h
				return false
			}
		}
		if href == "" {
			href = h
		}
		return true
	})
	if href == "" {
		return ""
	}

	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if !u.IsAbs() {
		base, err := url.Parse(p.sel.BaseURL)
		if err != nil {
			return ""
		}
		u = base.ResolveReference(u)
	}
	return canonicalURL(u.String())
}

// stableID prefers the card's own id attribute; otherwise it derives a
// deterministic UUIDv5 from the canonical product URL so the key survives
// DOM churn.
func (p *Parser) stableID(card *goquery.Selection, link string) string {
	if id, ok := card.Attr("id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	if id, ok := card.Attr("data-product-id"); ok && strings.TrimSpace(id) != "" {
		return strings.TrimSpace(id)
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(link)).String()
}

// canonicalURL strips the query and fragment so the same product always
// hashes to the same key.
func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func firstText(card *goquery.Selection, selectors []string) string {
	for _, sel := range selectors {
		if v := strings.TrimSpace(card.Find(sel).First().Text()); v != "" {
			return v
		}
	}
	return ""
}

func displayName(source domain.Source) string {
	switch source {
	case domain.SourceLyst:
		return "Lyst"
	case domain.SourceOLX:
		return "OLX"
	case domain.SourceShafa:
		return "Shafa"
	}
	return string(source)
}
