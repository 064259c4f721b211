package crawl

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avasylenko/pricewatch/internal/fetch"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

const (
	defaultRetryWait = 2 * time.Second
	// transportRetries bounds the caller-side retries on top of anything
	// the fetcher does internally; the rendered backend has none of its
	// own.
	transportRetries = 3
)

// fetchWithRetry fetches one URL under the crawler retry contract: transport
// errors get up to transportRetries retries with linear backoff, a challenge
// is retried exactly once after challengeWait.
func fetchWithRetry(ctx context.Context, f PageFetcher, u string, region domain.Region,
	challengeWait, retryWait time.Duration, log *slog.Logger,
) (string, error) {
	body, err := fetchTransport(ctx, f, u, region, retryWait, log)
	if !errors.Is(err, fetch.ErrChallenge) {
		return body, err
	}

	log.Warn("challenge received, retrying once", "url", u)
	select {
	case <-time.After(challengeWait):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fetchTransport(ctx, f, u, region, retryWait, log)
}

func fetchTransport(ctx context.Context, f PageFetcher, u string, region domain.Region,
	retryWait time.Duration, log *slog.Logger,
) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			log.Debug("retrying after transport error",
				"url", u, "attempt", attempt, "error", lastErr)
			select {
			case <-time.After(time.Duration(attempt) * retryWait):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		body, err := f.Fetch(ctx, u, region)
		var terr *fetch.TransportError
		if errors.As(err, &terr) {
			lastErr = err
			continue
		}
		return body, err
	}
	return "", lastErr
}
