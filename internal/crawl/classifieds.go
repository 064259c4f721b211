package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Classifieds crawls a single-page-per-query source (olx, shafa). No
// regions, no pagination, no resume markers: every cycle re-reads each
// configured search page in full.
type Classifieds struct {
	source   domain.Source
	fetcher  PageFetcher
	parser   PageParser
	detector Processor

	queries       []domain.Query
	concurrency   int
	challengeWait time.Duration
	retryWait     time.Duration
	progress      func()
	log           *slog.Logger
}

// ClassifiedsOption configures the Classifieds crawler.
type ClassifiedsOption func(*Classifieds)

// WithClassifiedsConcurrency bounds the query fan-out.
func WithClassifiedsConcurrency(n int) ClassifiedsOption {
	return func(c *Classifieds) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithClassifiedsChallengeWait sets the pause before the single challenge
// retry.
func WithClassifiedsChallengeWait(d time.Duration) ClassifiedsOption {
	return func(c *Classifieds) {
		c.challengeWait = d
	}
}

// WithClassifiedsRetryWait sets the linear-backoff unit for transport-error
// retries.
func WithClassifiedsRetryWait(d time.Duration) ClassifiedsOption {
	return func(c *Classifieds) {
		c.retryWait = d
	}
}

// WithClassifiedsProgress installs the stall-detector callback.
func WithClassifiedsProgress(fn func()) ClassifiedsOption {
	return func(c *Classifieds) {
		c.progress = fn
	}
}

// WithClassifiedsLogger sets a custom logger.
func WithClassifiedsLogger(l *slog.Logger) ClassifiedsOption {
	return func(c *Classifieds) {
		c.log = l
	}
}

// NewClassifieds creates a crawler for one classifieds source.
func NewClassifieds(source domain.Source, fetcher PageFetcher, parser PageParser,
	detector Processor, queries []domain.Query, opts ...ClassifiedsOption,
) *Classifieds {
	c := &Classifieds{
		source:        source,
		fetcher:       fetcher,
		parser:        parser,
		detector:      detector,
		queries:       queries,
		concurrency:   2,
		challengeWait: defaultChallengeWait,
		retryWait:     defaultRetryWait,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunCycle fetches every query page once and feeds the result to the change
// detector. A query failure never aborts its siblings; any failure downgrades
// the pass to partial so the deactivation sweep is skipped.
func (c *Classifieds) RunCycle(ctx context.Context) error {
	var (
		mu       sync.Mutex
		all      []domain.Listing
		taskErrs []error
	)

	sem := make(chan struct{}, c.concurrency)
	var wg sync.WaitGroup
	for _, q := range c.queries {
		wg.Add(1)
		go func(q domain.Query) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			listings, err := c.crawlQuery(ctx, q)
			mu.Lock()
			all = append(all, listings...)
			if err != nil {
				taskErrs = append(taskErrs, domain.TaskError{Task: q.Label, Err: err})
			}
			mu.Unlock()
		}(q)
	}
	wg.Wait()

	c.log.Info("cycle gathered", "source", c.source,
		"listings", len(all), "task_errors", len(taskErrs))

	failed := len(taskErrs) > 0 || ctx.Err() != nil
	dctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}

	if failed {
		if _, err := c.detector.ProcessPartial(dctx, all); err != nil {
			taskErrs = append(taskErrs, fmt.Errorf("processing listings: %w", err))
		}
		return errors.Join(taskErrs...)
	}
	if _, err := c.detector.Process(dctx, all); err != nil {
		return fmt.Errorf("processing listings: %w", err)
	}
	return nil
}

// crawlQuery fetches one search page under the crawler retry contract:
// transport errors backed off linearly, a challenge retried exactly once.
func (c *Classifieds) crawlQuery(ctx context.Context, q domain.Query) ([]domain.Listing, error) {
	log := c.log.With("query", q.Label)
	body, err := fetchWithRetry(ctx, c.fetcher, q.URL, "", c.challengeWait, c.retryWait, log)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", q.URL, err)
	}

	listings, err := c.parser.Parse(body, "")
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", q.URL, err)
	}

	if c.progress != nil {
		c.progress()
	}
	return filterMinSale(listings, q.MinSale), nil
}
