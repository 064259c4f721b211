package parse

import domain "github.com/avasylenko/pricewatch/pkg/types"

// selectorSet groups every site-specific CSS selector behind one value so a
// markup change on the target site is a one-place edit. Several entries are
// point-in-time class fingerprints of the sites (notably the hashed lyst
// class tokens) and will rot; each field is a fallback ladder tried in
// order.
type selectorSet struct {
	// Card selects one listing tile.
	Card []string
	// Name holds declared product-name nodes; image alt and anchor text
	// are implicit final fallbacks.
	Name []string
	// Strike selects the crossed-out original price when the site renders
	// one.
	Strike []string
	// Sale selects the current-price node paired with Strike.
	Sale []string
	// Store selects the retailer or seller label.
	Store []string
	// ProductPathPrefixes identify anchors that deep-link to a product.
	ProductPathPrefixes []string
	// BaseURL resolves relative deep links.
	BaseURL string
}

// CardSelector returns the primary card selector for a source. The rendered
// fetch waits on it and uses it to gauge the lazy-image ready ratio.
func CardSelector(source domain.Source) string {
	if set, ok := selectorSets[source]; ok && len(set.Card) > 0 {
		return set.Card[0]
	}
	return ""
}

var selectorSets = map[domain.Source]selectorSet{
	domain.SourceLyst: {
		Card: []string{
			`div[data-testid="product-card"]`,
			`li._1b08vvh36`,
			`div.vjlibs2`,
		},
		Name: []string{
			`[data-testid="product-card-description"]`,
			`span._1cbgmmq6`,
		},
		Strike: []string{
			`del`,
			`[data-testid="original-price"]`,
		},
		Sale: []string{
			`[data-testid="current-price"]`,
		},
		Store: []string{
			`[data-testid="product-card-retailer"]`,
			`span._1cbgmmq8`,
		},
		ProductPathPrefixes: []string{"/shoes/", "/clothing/", "/accessories/", "/bags/"},
		BaseURL:             "https://www.lyst.com",
	},
	domain.SourceOLX: {
		Card: []string{
			`div[data-cy="l-card"]`,
			`div[data-testid="l-card"]`,
		},
		Name: []string{
			`h6`,
			`h4`,
		},
		Strike: []string{`del`},
		Sale: []string{
			`p[data-testid="ad-price"]`,
		},
		Store: []string{
			`p[data-testid="location-date"]`,
		},
		ProductPathPrefixes: []string{"/d/obyavlenie/", "/d/uk/obyavlenie/", "/d/oferta/"},
		BaseURL:             "https://www.olx.ua",
	},
	domain.SourceShafa: {
		Card: []string{
			`li[data-product-id]`,
			`div.catalog-grid__item`,
		},
		Name: []string{
			`p[itemprop="name"]`,
			`a.product-card__name`,
		},
		Strike: []string{
			`del`,
			`span.price--old`,
		},
		Sale: []string{
			`span[itemprop="price"]`,
			`span.price--current`,
		},
		Store: []string{
			`a.product-card__seller`,
		},
		ProductPathPrefixes: []string{"/uk/", "/ru/"},
		BaseURL:             "https://shafa.ua",
	},
}
