package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// telemetryHosts are aborted outright when resource blocking is on; none of
// them contribute to the rendered product grid.
var telemetryHosts = []string{
	"google-analytics.com",
	"googletagmanager.com",
	"doubleclick.net",
	"facebook.net",
	"hotjar.com",
	"segment.io",
}

// applyResourceBlocking intercepts requests and fails media, font and
// stylesheet loads plus known telemetry hosts. Images stay enabled: the
// parsers need their URLs resolved.
func applyResourceBlocking(page *rod.Page) error {
	router := page.HijackRequests()

	router.MustAdd("*", func(ctx *rod.Hijack) {
		if shouldBlock(string(ctx.Request.Type()), ctx.Request.URL().Host) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	go router.Run()

	return nil
}

func shouldBlock(resType, host string) bool {
	switch strings.ToLower(resType) {
	case "media", "font", "stylesheet":
		return true
	}
	for _, h := range telemetryHosts {
		if strings.HasSuffix(host, h) {
			return true
		}
	}
	return false
}
