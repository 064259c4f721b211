package parse

import (
	"encoding/json"

	"github.com/PuerkitoBio/goquery"
)

// jsonLDImages builds a product-URL → image-URL map from embedded JSON-LD
// ItemList blocks. Malformed blocks are skipped.
func jsonLDImages(doc *goquery.Document) map[string]string {
	images := make(map[string]string)
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var block struct {
			Type     string `json:"@type"`
			Elements []struct {
				Item struct {
					URL   string          `json:"url"`
					Image json.RawMessage `json:"image"`
				} `json:"item"`
			} `json:"itemListElement"`
		}
		if err := json.Unmarshal([]byte(s.Text()), &block); err != nil {
			return
		}
		if block.Type != "ItemList" {
			return
		}
		for _, el := range block.Elements {
			if el.Item.URL == "" {
				continue
			}
			if img := firstImage(el.Item.Image); validImageURL(img) {
				images[canonicalURL(el.Item.URL)] = img
			}
		}
	})
	return images
}

// firstImage handles the two shapes JSON-LD allows: a string or an array.
func firstImage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return single
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
