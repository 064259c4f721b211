// Package fetch produces HTML for a URL under a region identity. Two
// backends exist: a plain HTTP client and the pooled headless browser. The
// policy wrapper Fetch decides which backend serves a request and when to
// fall back.
//
// Outcomes are tagged, not thrown: a nil error with a body, ErrChallenge for
// bot-protection interceptions, or a *TransportError for everything at the
// network level.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"golang.org/x/net/html/charset"

	"github.com/avasylenko/pricewatch/internal/browser"
	"github.com/avasylenko/pricewatch/internal/metrics"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// ErrChallenge marks a bot-protection page instead of the expected content.
var ErrChallenge = errors.New("bot-protection challenge")

// challengeMarkers are matched case-insensitively against the body.
var challengeMarkers = []string{
	"just a moment",
	"checking your browser",
	"cf-challenge",
	"cf-turnstile",
}

// TransportError wraps a network-level failure, keeping the HTTP status when
// one was received.
type TransportError struct {
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("transport error (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Renderer is the browser backend contract; satisfied by *browser.Pool.
type Renderer interface {
	Render(ctx context.Context, req browser.Request) (string, error)
	UserAgent() string
}

const (
	httpRetries     = 2
	httpRetryWait   = 2 * time.Second
	defaultLanguage = "en-US,en;q=0.9"
)

// Fetcher fetches pages for one source.
type Fetcher struct {
	source   domain.Source
	client   *http.Client
	renderer Renderer
	httpOnly bool
	log      *slog.Logger

	// Region cookie identity for the source, empty when regions do not
	// apply.
	cookieName   string
	cookieDomain string

	cardSelector  string
	readySelector string

	userAgent string
	retryWait time.Duration
}

// Option configures the Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

// WithRenderer attaches the browser backend.
func WithRenderer(r Renderer) Option {
	return func(f *Fetcher) {
		f.renderer = r
	}
}

// WithHTTPOnly makes Fetch try the HTTP backend first, falling back to the
// renderer only on a challenge or an empty body.
func WithHTTPOnly(httpOnly bool) Option {
	return func(f *Fetcher) {
		f.httpOnly = httpOnly
	}
}

// WithRegionCookie sets the cookie identity that selects the pricing locale.
func WithRegionCookie(name, domain string) Option {
	return func(f *Fetcher) {
		f.cookieName = name
		f.cookieDomain = domain
	}
}

// WithSelectors sets the card and ready selectors passed to the renderer.
func WithSelectors(card, ready string) Option {
	return func(f *Fetcher) {
		f.cardSelector = card
		f.readySelector = ready
	}
}

// WithUserAgent overrides the user agent for the HTTP backend.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) {
		f.userAgent = ua
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		f.log = l
	}
}

// WithRetryWait overrides the fixed backoff between HTTP retries.
func WithRetryWait(d time.Duration) Option {
	return func(f *Fetcher) {
		f.retryWait = d
	}
}

// New creates a Fetcher for one source.
func New(source domain.Source, opts ...Option) *Fetcher {
	f := &Fetcher{
		source:    source,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       slog.Default(),
		retryWait: httpRetryWait,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.userAgent == "" && f.renderer != nil {
		f.userAgent = f.renderer.UserAgent()
	}
	return f
}

// Fetch is the policy wrapper. In HTTP-only mode the HTTP backend goes
// first and the renderer covers challenges and empty bodies; otherwise the
// renderer serves directly.
func (f *Fetcher) Fetch(ctx context.Context, url string, region domain.Region) (string, error) {
	if !f.httpOnly {
		if f.renderer == nil {
			return f.FetchHTTP(ctx, url, region)
		}
		return f.FetchRendered(ctx, url, region)
	}

	body, err := f.FetchHTTP(ctx, url, region)
	switch {
	case errors.Is(err, ErrChallenge), err == nil && strings.TrimSpace(body) == "":
		if f.renderer == nil {
			if err != nil {
				return "", err
			}
			return "", &TransportError{Err: errors.New("empty body")}
		}
		f.log.Debug("falling back to rendered fetch", "url", url, "reason", fallbackReason(err))
		return f.FetchRendered(ctx, url, region)
	default:
		return body, err
	}
}

func fallbackReason(err error) string {
	if err != nil {
		return "challenge"
	}
	return "empty body"
}

// FetchHTTP fetches via plain HTTP with the configured identity headers.
// Transport errors and retryable statuses (408, 429, 5xx) get two retries
// with a fixed backoff; a challenge body is returned immediately.
func (f *Fetcher) FetchHTTP(ctx context.Context, url string, region domain.Region) (string, error) {
	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(string(f.source), "http").Observe(time.Since(start).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt <= httpRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(f.retryWait):
			case <-ctx.Done():
				return "", &TransportError{Err: ctx.Err()}
			}
		}

		body, retryable, err := f.doHTTP(ctx, url, region)
		if err == nil {
			metrics.PagesFetchedTotal.WithLabelValues(string(f.source), "http").Inc()
			return body, nil
		}
		if errors.Is(err, ErrChallenge) {
			metrics.ChallengesTotal.WithLabelValues(string(f.source)).Inc()
			return "", err
		}
		if !retryable {
			metrics.FetchFailuresTotal.WithLabelValues(string(f.source)).Inc()
			return "", err
		}
		lastErr = err
	}

	metrics.FetchFailuresTotal.WithLabelValues(string(f.source)).Inc()
	return "", lastErr
}

func (f *Fetcher) doHTTP(ctx context.Context, url string, region domain.Region) (body string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", false, &TransportError{Err: fmt.Errorf("creating request: %w", err)}
	}

	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}
	req.Header.Set("Accept-Language", defaultLanguage)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	if f.cookieName != "" && region != "" {
		req.AddCookie(&http.Cookie{Name: f.cookieName, Value: string(region)})
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return "", true, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	// Classifieds pages occasionally declare a legacy cyrillic charset.
	reader, err := charset.NewReader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		reader = resp.Body
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", true, &TransportError{Err: fmt.Errorf("reading body: %w", err)}
	}

	if IsChallenge(string(data)) {
		return "", false, ErrChallenge
	}

	if resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500 {
		return "", true, &TransportError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("retryable status"),
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, &TransportError{
			Status: resp.StatusCode,
			Err:    fmt.Errorf("unexpected status"),
		}
	}

	return string(data), false, nil
}

// FetchRendered fetches via the pooled headless browser.
func (f *Fetcher) FetchRendered(ctx context.Context, url string, region domain.Region) (string, error) {
	if f.renderer == nil {
		return "", &TransportError{Err: errors.New("no renderer configured")}
	}

	start := time.Now()
	defer func() {
		metrics.FetchDuration.WithLabelValues(string(f.source), "rendered").Observe(time.Since(start).Seconds())
	}()

	req := browser.Request{
		URL:           url,
		Region:        region,
		CardSelector:  f.cardSelector,
		ReadySelector: f.readySelector,
	}
	if f.cookieName != "" && region != "" {
		req.Cookie = &proto.NetworkCookieParam{
			Name:   f.cookieName,
			Value:  string(region),
			Domain: f.cookieDomain,
		}
	}

	body, err := f.renderer.Render(ctx, req)
	if err != nil {
		metrics.FetchFailuresTotal.WithLabelValues(string(f.source)).Inc()
		return "", &TransportError{Err: err}
	}

	if IsChallenge(body) {
		metrics.ChallengesTotal.WithLabelValues(string(f.source)).Inc()
		return "", ErrChallenge
	}

	metrics.PagesFetchedTotal.WithLabelValues(string(f.source), "rendered").Inc()
	return body, nil
}

// IsChallenge reports whether the body looks like a bot-protection page.
func IsChallenge(body string) bool {
	lower := strings.ToLower(body)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
