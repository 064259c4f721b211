package publish

import (
	"fmt"
	"html"
	"math"
	"strings"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Message is one outbound chat notification. When ImageURL is set the
// worker composes a photo with the overlay strip; Text then becomes the
// caption.
type Message struct {
	ChatID   int64
	Text     string
	ImageURL string
	Overlay  *Overlay
}

// Overlay carries the strip contents rendered onto the image.
type Overlay struct {
	Price    string
	Discount int
}

var currencySymbols = map[string]string{
	"EUR": "€",
	"GBP": "£",
	"USD": "$",
	"UAH": "₴",
	"PLN": "zł",
}

// FormatPrice renders an amount with its currency symbol, dropping cents
// when they are zero.
func FormatPrice(amount float64, currency string) string {
	sym, ok := currencySymbols[currency]
	if !ok {
		sym = currency
	}
	if amount == math.Trunc(amount) {
		return fmt.Sprintf("%s%.0f", sym, amount)
	}
	return fmt.Sprintf("%s%.2f", sym, amount)
}

// newListingMessage formats a first-sighting notification.
func newListingMessage(l domain.Listing, chatID int64) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "🆕 <b>%s</b>\n", html.EscapeString(l.Name))

	discount := l.Discount()
	if discount > 0 {
		fmt.Fprintf(&b, "💰 <s>%s</s> → <b>%s</b> (-%d%%)\n",
			FormatPrice(l.Original, l.Currency),
			FormatPrice(l.Sale, l.Currency), discount)
	} else {
		fmt.Fprintf(&b, "💰 <b>%s</b>\n", FormatPrice(l.Sale, l.Currency))
	}

	fmt.Fprintf(&b, "🏬 %s · %s\n", html.EscapeString(l.Store), l.Region)
	fmt.Fprintf(&b, `<a href="%s">Подивитись</a>`, l.Link)

	return Message{
		ChatID:   chatID,
		Text:     b.String(),
		ImageURL: l.ImageURL,
		Overlay:  overlayFor(l),
	}
}

// priceChangeMessage formats a price-change notification carrying both the
// prior and the current price.
func priceChangeMessage(l domain.Listing, previous float64, chatID int64) Message {
	arrow := "📉"
	if l.Sale > previous {
		arrow = "📈"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>\n", arrow, html.EscapeString(l.Name))
	fmt.Fprintf(&b, "💰 %s → <b>%s</b>\n",
		FormatPrice(previous, l.Currency),
		FormatPrice(l.Sale, l.Currency))
	if discount := l.Discount(); discount > 0 {
		fmt.Fprintf(&b, "🔖 -%d%% від початкової %s\n",
			discount, FormatPrice(l.Original, l.Currency))
	}
	fmt.Fprintf(&b, "🏬 %s · %s\n", html.EscapeString(l.Store), l.Region)
	fmt.Fprintf(&b, `<a href="%s">Подивитись</a>`, l.Link)

	return Message{
		ChatID:   chatID,
		Text:     b.String(),
		ImageURL: l.ImageURL,
		Overlay:  overlayFor(l),
	}
}

func overlayFor(l domain.Listing) *Overlay {
	return &Overlay{
		Price:    FormatPrice(l.Sale, l.Currency),
		Discount: l.Discount(),
	}
}
