// Package crawl runs the per-source cycles: page loops with resume markers
// for lyst, single-page sweeps for the classifieds sources. Crawlers gather
// listings and hand them to the change detector; they never talk to the
// chat platform themselves.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/avasylenko/pricewatch/internal/detect"
	"github.com/avasylenko/pricewatch/internal/fetch"
	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// PageFetcher produces HTML for one URL under a region identity.
type PageFetcher interface {
	Fetch(ctx context.Context, url string, region domain.Region) (string, error)
}

// PageParser extracts listings from one page.
type PageParser interface {
	Parse(html string, region domain.Region) ([]domain.Listing, error)
}

// Resolver collapses cross-region duplicates.
type Resolver interface {
	Resolve(listings []domain.Listing) []domain.Listing
}

// Processor is the change-detection stage.
type Processor interface {
	Process(ctx context.Context, listings []domain.Listing) (detect.Stats, error)
	ProcessPartial(ctx context.Context, listings []domain.Listing) (detect.Stats, error)
}

const (
	defaultPageDelay     = time.Second
	defaultChallengeWait = 3 * time.Second
	defaultQueryTimeout  = 10 * time.Minute
)

// Lyst crawls the fashion aggregator: every query fans out across regions,
// pages advance until the site runs dry, and progress survives restarts in
// the resume file.
type Lyst struct {
	fetcher  PageFetcher
	parser   PageParser
	resolver Resolver
	detector Processor
	state    *store.State

	queries []domain.Query
	regions []domain.Region

	queryConc     int
	regionConc    int
	queryTimeout  time.Duration
	pageDelay     time.Duration
	challengeWait time.Duration
	retryWait     time.Duration
	dumpDir       string

	progress func()
	log      *slog.Logger

	// stateMu guards the shared resume record during the fan-out.
	stateMu sync.Mutex
}

// LystOption configures the Lyst crawler.
type LystOption func(*Lyst)

// WithConcurrency bounds the query and region fan-outs.
func WithConcurrency(query, region int) LystOption {
	return func(c *Lyst) {
		if query > 0 {
			c.queryConc = query
		}
		if region > 0 {
			c.regionConc = region
		}
	}
}

// WithQueryTimeout bounds each per-query fan-out.
func WithQueryTimeout(d time.Duration) LystOption {
	return func(c *Lyst) {
		c.queryTimeout = d
	}
}

// WithPageDelay sets the sleep between consecutive pages of one query.
func WithPageDelay(d time.Duration) LystOption {
	return func(c *Lyst) {
		c.pageDelay = d
	}
}

// WithChallengeWait sets the pause before the single challenge retry.
func WithChallengeWait(d time.Duration) LystOption {
	return func(c *Lyst) {
		c.challengeWait = d
	}
}

// WithRetryWait sets the linear-backoff unit for transport-error retries.
func WithRetryWait(d time.Duration) LystOption {
	return func(c *Lyst) {
		c.retryWait = d
	}
}

// WithDumpDir enables diagnostic HTML dumps for early parse droughts.
func WithDumpDir(dir string) LystOption {
	return func(c *Lyst) {
		c.dumpDir = dir
	}
}

// WithProgress installs a callback invoked after every fetched page; the
// supervisor's stall detector feeds on it.
func WithProgress(fn func()) LystOption {
	return func(c *Lyst) {
		c.progress = fn
	}
}

// WithLystLogger sets a custom logger.
func WithLystLogger(l *slog.Logger) LystOption {
	return func(c *Lyst) {
		c.log = l
	}
}

// NewLyst creates the lyst crawler.
func NewLyst(fetcher PageFetcher, parser PageParser, resolver Resolver, detector Processor,
	state *store.State, queries []domain.Query, regions []domain.Region, opts ...LystOption,
) *Lyst {
	c := &Lyst{
		fetcher:       fetcher,
		parser:        parser,
		resolver:      resolver,
		detector:      detector,
		state:         state,
		queries:       queries,
		regions:       regions,
		queryConc:     2,
		regionConc:    2,
		queryTimeout:  defaultQueryTimeout,
		pageDelay:     defaultPageDelay,
		challengeWait: defaultChallengeWait,
		retryWait:     defaultRetryWait,
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunCycle executes one full pass over queries × regions. Gathered listings
// always reach the detector; the deactivation sweep runs only after a clean
// cycle. The returned error aggregates every failed (query, region) task.
func (c *Lyst) RunCycle(ctx context.Context) error {
	resume, err := c.state.LoadResume()
	if err != nil {
		return fmt.Errorf("loading resume state: %w", err)
	}

	var (
		mu       sync.Mutex
		all      []domain.Listing
		taskErrs []error
		skipped  int
	)

	qsem := make(chan struct{}, c.queryConc)
	var wg sync.WaitGroup
	for _, q := range c.queries {
		wg.Add(1)
		go func(q domain.Query) {
			defer wg.Done()

			select {
			case qsem <- struct{}{}:
				defer func() { <-qsem }()
			case <-ctx.Done():
				return
			}

			qctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
			defer cancel()

			rsem := make(chan struct{}, c.regionConc)
			var rwg sync.WaitGroup
			for _, region := range c.regions {
				rwg.Add(1)
				go func(region domain.Region) {
					defer rwg.Done()

					// In a retry of a failed cycle, tasks that already
					// completed keep their marker and are not re-crawled.
					if c.completedInRetry(resume, domain.ResumeKey(q.Label, region)) {
						c.log.Debug("task completed in the interrupted cycle, skipping",
							"query", q.Label, "region", region)
						mu.Lock()
						skipped++
						mu.Unlock()
						return
					}

					select {
					case rsem <- struct{}{}:
						defer func() { <-rsem }()
					case <-qctx.Done():
						return
					}

					listings, err := c.crawlQueryRegion(qctx, q, region, resume)
					mu.Lock()
					all = append(all, listings...)
					if err != nil {
						taskErrs = append(taskErrs, domain.TaskError{
							Task: q.Label + "/" + string(region),
							Err:  err,
						})
					}
					mu.Unlock()
				}(region)
			}
			rwg.Wait()
		}(q)
	}
	wg.Wait()

	failed := len(taskErrs) > 0 || ctx.Err() != nil
	c.reconcile(resume, failed)

	resolved := c.resolver.Resolve(all)
	c.log.Info("cycle gathered", "listings", len(all), "resolved", len(resolved),
		"task_errors", len(taskErrs), "skipped", skipped)

	dctx := ctx
	if ctx.Err() != nil {
		// Still flush what we have after a stall cancellation.
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
	}
	if failed || skipped > 0 {
		// An incomplete listing set must not drive the deactivation sweep.
		if _, err := c.detector.ProcessPartial(dctx, resolved); err != nil {
			taskErrs = append(taskErrs, fmt.Errorf("processing listings: %w", err))
		}
		return errors.Join(taskErrs...)
	}
	if _, err := c.detector.Process(dctx, resolved); err != nil {
		return fmt.Errorf("processing listings: %w", err)
	}
	return nil
}

// crawlQueryRegion walks pages for one (query, region). The resume entry is
// persisted after every page so a kill between pages P and P+1 restarts at
// P+1.
func (c *Lyst) crawlQueryRegion(ctx context.Context, q domain.Query, region domain.Region, resume *domain.ResumeState) ([]domain.Listing, error) {
	key := domain.ResumeKey(q.Label, region)
	start := c.startPage(resume, key)
	log := c.log.With("query", q.Label, "region", region)

	var (
		collected []domain.Listing
		paginate  = true
		flipped   bool
	)

	for page := start; ; page++ {
		if err := ctx.Err(); err != nil {
			c.recordFailure(resume, key, region, q.Label, page-1, "cancelled")
			return collected, err
		}

		body, err := c.fetchPage(ctx, q, region, page, paginate)
		if err != nil {
			reason := "transport"
			if errors.Is(err, fetch.ErrChallenge) {
				reason = "challenge"
			}
			c.recordFailure(resume, key, region, q.Label, page-1, reason)
			return collected, err
		}

		listings, err := c.parser.Parse(body, region)
		if err != nil {
			c.recordFailure(resume, key, region, q.Label, page-1, "parse")
			return collected, err
		}

		if c.progress != nil {
			c.progress()
		}

		if len(listings) == 0 {
			if page <= 2 && paginate && !flipped {
				log.Warn("no cards on an early page, flipping pagination mode", "page", page)
				c.dumpHTML(q.Label, region, page, body)
				paginate = false
				flipped = true
				collected = collected[:0]
				page = 0 // loop increment restarts at page 1
				continue
			}
			log.Debug("query exhausted", "page", page)
			break
		}

		collected = append(collected, filterMinSale(listings, q.MinSale)...)
		c.recordProgress(resume, key, region, q.Label, page)

		if !paginate {
			// Single-page mode delivers everything at once.
			break
		}

		select {
		case <-time.After(c.pageDelay):
		case <-ctx.Done():
			c.recordFailure(resume, key, region, q.Label, page, "cancelled")
			return collected, ctx.Err()
		}
	}

	c.recordComplete(resume, key, region, q.Label)
	return collected, nil
}

// fetchPage fetches one page under the crawler retry contract: transport
// errors backed off linearly, a challenge retried exactly once.
func (c *Lyst) fetchPage(ctx context.Context, q domain.Query, region domain.Region, page int, paginate bool) (string, error) {
	u := pageURL(q.URL, page, paginate)
	log := c.log.With("query", q.Label, "region", region, "page", page)
	return fetchWithRetry(ctx, c.fetcher, u, region, c.challengeWait, c.retryWait, log)
}

// pageURL stamps the page parameter onto the query URL; in single-page mode
// the URL passes through untouched.
func pageURL(base string, page int, paginate bool) string {
	if !paginate || page <= 1 {
		return base
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	vals := u.Query()
	vals.Set("page", strconv.Itoa(page))
	u.RawQuery = vals.Encode()
	return u.String()
}

func filterMinSale(listings []domain.Listing, minSale int) []domain.Listing {
	if minSale <= 0 {
		return listings
	}
	out := listings[:0:0]
	for _, l := range listings {
		if l.Discount() >= minSale {
			out = append(out, l)
		}
	}
	return out
}

// completedInRetry reports whether the task finished during the failed cycle
// this one resumes; such tasks keep their listings in the store and need no
// re-crawl until the resume record is cleared.
func (c *Lyst) completedInRetry(resume *domain.ResumeState, key string) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !resume.Active {
		return false
	}
	e, ok := resume.Entries[key]
	return ok && e.Completed
}

func (c *Lyst) startPage(resume *domain.ResumeState, key string) int {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if !resume.Active {
		return 1
	}
	e, ok := resume.Entries[key]
	if !ok || e.Completed || e.NextPage <= 1 {
		return 1
	}
	return e.NextPage
}

func (c *Lyst) recordProgress(resume *domain.ResumeState, key string, region domain.Region, label string, page int) {
	c.updateEntry(resume, key, domain.ResumeEntry{
		Label:           label,
		Region:          region,
		LastScrapedPage: page,
		NextPage:        page + 1,
	})
}

func (c *Lyst) recordFailure(resume *domain.ResumeState, key string, region domain.Region, label string, lastPage int, reason string) {
	if lastPage < 0 {
		lastPage = 0
	}
	c.updateEntry(resume, key, domain.ResumeEntry{
		Label:           label,
		Region:          region,
		LastScrapedPage: lastPage,
		NextPage:        lastPage + 1,
		FailureReason:   reason,
	})
}

func (c *Lyst) recordComplete(resume *domain.ResumeState, key string, region domain.Region, label string) {
	c.updateEntry(resume, key, domain.ResumeEntry{
		Label:     label,
		Region:    region,
		NextPage:  1,
		Completed: true,
	})
}

func (c *Lyst) updateEntry(resume *domain.ResumeState, key string, e domain.ResumeEntry) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	resume.Entries[key] = e
	if err := c.state.SaveResume(resume); err != nil {
		c.log.Error("persisting resume state failed", "error", err)
	}
}

// reconcile finalises the resume record after a cycle: a clean cycle clears
// everything back to page 1; a failed cycle keeps the record active so the
// next cycle honours the markers.
func (c *Lyst) reconcile(resume *domain.ResumeState, failed bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	resume.Active = failed
	if !failed {
		for key, e := range resume.Entries {
			e.Completed = true
			e.NextPage = 1
			e.FailureReason = ""
			resume.Entries[key] = e
		}
	}
	if err := c.state.SaveResume(resume); err != nil {
		c.log.Error("persisting resume state failed", "error", err)
	}
}

// dumpHTML writes the suspicious page for offline inspection.
func (c *Lyst) dumpHTML(label string, region domain.Region, page int, body string) {
	if c.dumpDir == "" {
		return
	}
	if err := os.MkdirAll(c.dumpDir, 0o755); err != nil {
		c.log.Warn("cannot create dump dir", "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s_p%d_%d.html", label, region, page, time.Now().Unix())
	path := filepath.Join(c.dumpDir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		c.log.Warn("cannot write diagnostic dump", "path", path, "error", err)
		return
	}
	c.log.Info("diagnostic dump written", "path", path)
}
