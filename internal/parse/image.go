package parse

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// imageAttrs is the lazy-load fallback order for a single-URL attribute.
var imageAttrs = []string{"src", "data-src", "data-lazy-src"}

// srcsetAttrs hold candidate lists; the highest-resolution entry wins.
var srcsetAttrs = []string{"srcset", "data-srcset", "data-lazy-srcset"}

// imageURL walks the fallback ladder over every <img> under the card.
// Data-URIs and scheme-less URLs never qualify.
func imageURL(card *goquery.Selection) string {
	var found string
	card.Find("img").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		for _, attr := range imageAttrs {
			if v, ok := img.Attr(attr); ok && validImageURL(v) {
				found = v
				return false
			}
		}
		for _, attr := range srcsetAttrs {
			if v, ok := img.Attr(attr); ok {
				if best := bestSrcsetEntry(v); validImageURL(best) {
					found = best
					return false
				}
			}
		}
		return true
	})
	return hiRes(found)
}

// bestSrcsetEntry picks the candidate with the largest width descriptor.
// Entries without a descriptor count as width 1.
func bestSrcsetEntry(srcset string) string {
	var bestURL string
	bestWidth := 0
	for _, entry := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(entry))
		if len(fields) == 0 {
			continue
		}
		width := 1
		if len(fields) > 1 {
			d := fields[1]
			if strings.HasSuffix(d, "w") || strings.HasSuffix(d, "x") {
				if n, err := strconv.Atoi(d[:len(d)-1]); err == nil {
					width = n
				}
			}
		}
		if width > bestWidth {
			bestWidth = width
			bestURL = fields[0]
		}
	}
	return bestURL
}

func validImageURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

var cdnSizeSegment = regexp.MustCompile(`/\d{2,4}x\d{2,4}/`)

// hiResRewrites upgrade known image-CDN URLs to a larger variant. Hosts not
// listed pass through untouched.
var hiResRewrites = []struct {
	host    string
	rewrite func(string) string
}{
	{
		host: "cdna.lyst.com",
		rewrite: func(u string) string {
			return cdnSizeSegment.ReplaceAllString(u, "/540x675/")
		},
	},
	{
		host: "apollo-ireland.akamaized.net",
		rewrite: func(u string) string {
			if i := strings.Index(u, ";s="); i >= 0 {
				return u[:i] + ";s=1000x700"
			}
			return u
		},
	},
	{
		host: "images.prom.ua",
		rewrite: func(u string) string {
			return strings.Replace(u, "_w200_", "_w640_", 1)
		},
	},
}

func hiRes(u string) string {
	if u == "" {
		return ""
	}
	for _, r := range hiResRewrites {
		if strings.Contains(u, r.host) {
			return r.rewrite(u)
		}
	}
	return u
}
