package parse

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

func TestAmount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want float64
	}{
		{"€1,234.50", 1234.50},
		{"1 299,00 zł", 1299.00},
		{"£75", 75.00},
		{"1.299,00 €", 1299.00},
		{"грн 2 450", 2450},
		{"$49.99", 49.99},
		{"$1,234,567", 1234567},
		{"1.234.567 грн", 1234567},
		{"€1.234.567,89", 1234567.89},
		{"not a price", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.InDelta(t, tt.want, Amount(tt.in), 0.001)
		})
	}
}

func TestTokens(t *testing.T) {
	t.Parallel()

	t.Run("currency required on one side", func(t *testing.T) {
		t.Parallel()

		tokens := Tokens("was €120 now €85, item 42")
		require.Len(t, tokens, 2)
		assert.Equal(t, 120.0, tokens[0].Amount)
		assert.Equal(t, "EUR", tokens[0].Currency)
		assert.Equal(t, 85.0, tokens[1].Amount)
	})

	t.Run("bare numbers ignored", func(t *testing.T) {
		t.Parallel()
		assert.Empty(t, Tokens("page 3 of 12"))
	})

	t.Run("textual and mis-encoded markers", func(t *testing.T) {
		t.Parallel()

		tokens := Tokens("â‚¬99 or 450 UAH")
		require.Len(t, tokens, 2)
		assert.Equal(t, "EUR", tokens[0].Currency)
		assert.Equal(t, "UAH", tokens[1].Currency)
	})
}

const lystPage = `<html><body>
<div data-testid="product-card" id="card-001">
  <a href="/shoes/nike-air-max-97?atc=abc#pos">
    <img alt="Nike Air Max 97" data-src="https://cdna.lyst.com/photos/nike/200x250/air.jpg">
  </a>
  <span data-testid="product-card-description">Nike Air Max 97</span>
  <span data-testid="product-card-retailer">END.</span>
  <del>€180</del>
  <span data-testid="current-price">€95</span>
</div>
<div data-testid="product-card">
  <a href="/shoes/asics-gel-kayano-14">
    <img srcset="https://cdn.example.com/k14-small.jpg 320w, https://cdn.example.com/k14-big.jpg 1280w" alt="Asics Gel-Kayano 14">
  </a>
  <span data-testid="current-price">£75</span>
</div>
<div data-testid="product-card">
  <a href="/shoes/promo-tile"><img src="data:image/gif;base64,xx" alt="View all"></a>
  <span data-testid="current-price">€5</span>
</div>
</body></html>`

func TestParseLyst(t *testing.T) {
	t.Parallel()

	p, err := New(domain.SourceLyst, WithMinPrice(10))
	require.NoError(t, err)

	listings, err := p.Parse(lystPage, "GB")
	require.NoError(t, err)
	require.Len(t, listings, 2)

	first := listings[0]
	assert.Equal(t, domain.SourceLyst, first.Source)
	assert.Equal(t, "card-001", first.ID)
	assert.Equal(t, "Nike Air Max 97", first.Name)
	assert.Equal(t, "END.", first.Store)
	assert.Equal(t, 180.0, first.Original)
	assert.Equal(t, 95.0, first.Sale)
	assert.Equal(t, "EUR", first.Currency)
	assert.Equal(t, "https://www.lyst.com/shoes/nike-air-max-97", first.Link, "query and fragment stripped")
	assert.Equal(t, "https://cdna.lyst.com/photos/nike/540x675/air.jpg", first.ImageURL, "CDN upgraded to hi-res")

	second := listings[1]
	assert.Equal(t, 75.0, second.Original, "single price fills both")
	assert.Equal(t, 75.0, second.Sale)
	assert.Equal(t, "GBP", second.Currency)
	assert.Equal(t, "https://cdn.example.com/k14-big.jpg", second.ImageURL, "largest srcset entry")
	assert.Equal(t, uuid.NewSHA1(uuid.NameSpaceURL, []byte(second.Link)).String(), second.ID)
}

func TestParseStableIDDeterministic(t *testing.T) {
	t.Parallel()

	page := func(query string) string {
		return fmt.Sprintf(`<div data-testid="product-card">
  <a href="/shoes/new-balance-991%s"><img src="https://cdn.example.com/nb.jpg" alt="New Balance 991"></a>
  <span data-testid="current-price">€120</span>
</div>`, query)
	}

	p, err := New(domain.SourceLyst)
	require.NoError(t, err)

	a, err := p.Parse(page("?srp=1"), "GB")
	require.NoError(t, err)
	b, err := p.Parse(page("?srp=99&pos=3"), "GB")
	require.NoError(t, err)

	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].ID, b[0].ID, "volatile query params must not change the key")
}

const olxPage = `<html><body>
<div data-cy="l-card" id="olx-77812">
  <a href="/d/uk/obyavlenie/krosivki-salomon-IDabc.html">
    <h6>Кросівки Salomon XT-6</h6>
    <img src="https://apollo-ireland.akamaized.net/v1/files/xyz/image;s=200x300">
  </a>
  <p data-testid="ad-price">3 200 грн</p>
  <p data-testid="location-date">Київ</p>
</div>
<div data-cy="l-card">
  <a href="/d/uk/obyavlenie/no-image-IDdef.html"><h6>Без фото</h6></a>
  <p data-testid="ad-price">500 грн</p>
</div>
</body></html>`

func TestParseOLX(t *testing.T) {
	t.Parallel()

	p, err := New(domain.SourceOLX)
	require.NoError(t, err)

	listings, err := p.Parse(olxPage, "UA")
	require.NoError(t, err)
	require.Len(t, listings, 1, "card without image is skipped")

	l := listings[0]
	assert.Equal(t, "olx-77812", l.ID)
	assert.Equal(t, "Кросівки Salomon XT-6", l.Name)
	assert.Equal(t, 3200.0, l.Sale)
	assert.Equal(t, 3200.0, l.Original)
	assert.Equal(t, "UAH", l.Currency)
	assert.Equal(t, "Київ", l.Store)
	assert.Contains(t, l.ImageURL, ";s=1000x700")
	assert.Equal(t, "https://www.olx.ua/d/uk/obyavlenie/krosivki-salomon-IDabc.html", l.Link)
}

const shafaPage = `<html><body>
<li data-product-id="991204">
  <a href="/uk/women/krosivki-nike-991204">
    <img data-lazy-src="https://images.prom.ua/photo_w200_nike.jpg" alt="Кросівки Nike">
  </a>
  <p itemprop="name">Кросівки Nike Vomero</p>
  <del>1 500 грн</del>
  <span itemprop="price">900 грн</span>
</li>
</body></html>`

func TestParseShafa(t *testing.T) {
	t.Parallel()

	p, err := New(domain.SourceShafa)
	require.NoError(t, err)

	listings, err := p.Parse(shafaPage, "UA")
	require.NoError(t, err)
	require.Len(t, listings, 1)

	l := listings[0]
	assert.Equal(t, "991204", l.ID)
	assert.Equal(t, 1500.0, l.Original)
	assert.Equal(t, 900.0, l.Sale)
	assert.Equal(t, "UAH", l.Currency)
	assert.Equal(t, "https://shafa.ua/uk/women/krosivki-nike-991204", l.Link)
}

func TestParseJSONLDImageFallback(t *testing.T) {
	t.Parallel()

	page := `<html><head>
<script type="application/ld+json">
{"@type":"ItemList","itemListElement":[
  {"item":{"url":"https://www.lyst.com/shoes/mizuno-wave-rider?x=1",
           "image":"https://cdn.example.com/wave-rider.jpg"}}]}
</script></head><body>
<div data-testid="product-card">
  <a href="/shoes/mizuno-wave-rider"><img alt="Mizuno Wave Rider"></a>
  <span data-testid="current-price">€110</span>
</div>
</body></html>`

	p, err := New(domain.SourceLyst)
	require.NoError(t, err)

	listings, err := p.Parse(page, "GB")
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, "https://cdn.example.com/wave-rider.jpg", listings[0].ImageURL)
}

func TestParseEmptyPage(t *testing.T) {
	t.Parallel()

	p, err := New(domain.SourceLyst)
	require.NoError(t, err)

	listings, err := p.Parse("<html><body><p>no results</p></body></html>", "GB")
	require.NoError(t, err)
	assert.Empty(t, listings)
}

func TestBestSrcsetEntry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		srcset string
		want   string
	}{
		{"width descriptors", "a.jpg 320w, b.jpg 1280w, c.jpg 640w", "b.jpg"},
		{"density descriptors", "a.jpg 1x, b.jpg 2x", "b.jpg"},
		{"no descriptors", "only.jpg", "only.jpg"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, bestSrcsetEntry(tt.srcset))
		})
	}
}
