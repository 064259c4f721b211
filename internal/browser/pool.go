// Package browser manages a pooled headless Chrome for rendered fetches:
// one shared browser instance, one reusable context per region, bounded by a
// global and a per-region semaphore. Contexts are created lazily, cached for
// the life of the process, and evicted on terminal errors.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/avasylenko/pricewatch/internal/metrics"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// uaProfiles is the fixed set the process-lifetime user agent is drawn from.
var uaProfiles = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/125.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
}

// initScript neutralises the common automation signals beyond what stealth
// already covers.
const initScript = `() => {
	Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
	Object.defineProperty(navigator, 'languages', {get: () => ['en-US', 'en']});
	if (navigator.plugins.length === 0) {
		Object.defineProperty(navigator, 'plugins', {get: () => [1, 2, 3]});
	}
}`

// Config configures the pool.
type Config struct {
	// MaxBrowsers bounds simultaneously open pages across all regions.
	MaxBrowsers int
	// RegionConcurrency bounds simultaneously open pages per region.
	RegionConcurrency int
	// PageTimeout bounds one full render (navigate + scroll + capture).
	PageTimeout time.Duration
	// BlockResources aborts requests for media, fonts and stylesheets.
	BlockResources bool
	// ControlURL connects to an external Chrome instead of launching one.
	ControlURL string
	// UserAgent overrides the rotated profile (tests only).
	UserAgent string

	Scroll ScrollOptions
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.MaxBrowsers <= 0 {
		c.MaxBrowsers = 3
	}
	if c.RegionConcurrency <= 0 {
		c.RegionConcurrency = 2
	}
	if c.PageTimeout <= 0 {
		c.PageTimeout = 90 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = uaProfiles[rand.Intn(len(uaProfiles))]
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	c.Scroll.defaults()
}

// Request describes one rendered fetch.
type Request struct {
	URL    string
	Region domain.Region
	// Cookie selects the pricing locale; nil for sources without regions.
	Cookie *proto.NetworkCookieParam
	// CardSelector identifies product cards for the image-ready ratio.
	CardSelector string
	// ReadySelector is waited for (bounded, non-fatal) before capture.
	ReadySelector string
}

type regionContext struct {
	browser *rod.Browser // incognito context sharing the main connection
}

// Pool is the browser-context pool.
type Pool struct {
	cfg Config

	mu       sync.Mutex
	browser  *rod.Browser
	lnch     *launcher.Launcher
	contexts map[domain.Region]*regionContext
	closed   bool

	globalSem chan struct{}

	semMu      sync.Mutex
	regionSems map[domain.Region]chan struct{}
}

// NewPool creates a pool. Chrome is launched lazily on the first render.
func NewPool(cfg Config) *Pool {
	cfg.defaults()
	return &Pool{
		cfg:        cfg,
		contexts:   make(map[domain.Region]*regionContext),
		globalSem:  make(chan struct{}, cfg.MaxBrowsers),
		regionSems: make(map[domain.Region]chan struct{}),
	}
}

// UserAgent returns the profile chosen for this process.
func (p *Pool) UserAgent() string {
	return p.cfg.UserAgent
}

// Render opens a page in the region's context, scrolls until settled,
// promotes lazy image attributes and returns the captured HTML.
func (p *Pool) Render(ctx context.Context, req Request) (string, error) {
	release, err := p.acquire(ctx, req.Region)
	if err != nil {
		return "", err
	}
	defer release()

	rc, err := p.context(req.Region)
	if err != nil {
		return "", err
	}

	html, err := p.renderOn(ctx, rc, req)
	if err != nil && isTerminal(err) {
		p.Evict(req.Region)
	}
	return html, err
}

// Evict drops the region's cached context; the next request recreates it.
func (p *Pool) Evict(region domain.Region) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rc, ok := p.contexts[region]
	if !ok {
		return
	}
	delete(p.contexts, region)
	metrics.BrowserContextsActive.Dec()
	metrics.BrowserEvictionsTotal.Inc()
	p.cfg.Logger.Info("browser context evicted", "region", region)

	// Dispose the underlying incognito context; errors here only mean it
	// is already gone.
	_ = proto.TargetDisposeBrowserContext{
		BrowserContextID: rc.browser.BrowserContextID,
	}.Call(rc.browser)
}

// Close shuts the shared browser down.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.contexts = make(map[domain.Region]*regionContext)

	if p.browser != nil {
		p.browser.Close()
		p.browser = nil
	}
	if p.lnch != nil {
		p.lnch.Cleanup()
		p.lnch = nil
	}
	return nil
}

// acquire takes the global permit, then the region permit. Both are released
// together by the returned function.
func (p *Pool) acquire(ctx context.Context, region domain.Region) (func(), error) {
	select {
	case p.globalSem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	sem := p.regionSem(region)
	select {
	case sem <- struct{}{}:
	case <-ctx.Done():
		<-p.globalSem
		return nil, ctx.Err()
	}

	return func() {
		<-sem
		<-p.globalSem
	}, nil
}

// regionSem returns the per-region semaphore, surviving context evictions so
// the concurrency bound is stable.
func (p *Pool) regionSem(region domain.Region) chan struct{} {
	p.semMu.Lock()
	defer p.semMu.Unlock()

	sem, ok := p.regionSems[region]
	if !ok {
		sem = make(chan struct{}, p.cfg.RegionConcurrency)
		p.regionSems[region] = sem
	}
	return sem
}

func (p *Pool) context(region domain.Region) (*regionContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("browser pool is closed")
	}

	if rc, ok := p.contexts[region]; ok {
		return rc, nil
	}

	if err := p.connectLocked(); err != nil {
		return nil, err
	}

	inc, err := p.browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("creating context for region %s: %w", region, err)
	}

	rc := &regionContext{browser: inc}
	p.contexts[region] = rc
	metrics.BrowserContextsActive.Inc()
	p.cfg.Logger.Info("browser context created", "region", region)
	return rc, nil
}

func (p *Pool) connectLocked() error {
	if p.browser != nil {
		return nil
	}

	wsURL := p.cfg.ControlURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled").
			Set("no-sandbox").
			Set("disable-dev-shm-usage")

		u, err := l.Launch()
		if err != nil {
			return fmt.Errorf("launching chrome: %w", err)
		}
		wsURL = u
		p.lnch = l
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connecting to chrome: %w", err)
	}

	p.browser = b
	p.cfg.Logger.Info("browser launched", "user_agent", p.cfg.UserAgent)
	return nil
}

func (p *Pool) renderOn(ctx context.Context, rc *regionContext, req Request) (string, error) {
	page, err := stealth.Page(rc.browser)
	if err != nil {
		return "", fmt.Errorf("creating page: %w", err)
	}
	defer page.Close()

	pageCtx, cancel := context.WithTimeout(ctx, p.cfg.PageTimeout)
	defer cancel()
	page = page.Context(pageCtx)

	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent: p.cfg.UserAgent,
	}); err != nil {
		return "", fmt.Errorf("setting user agent: %w", err)
	}

	if _, err := page.EvalOnNewDocument(initScript); err != nil {
		return "", fmt.Errorf("installing init script: %w", err)
	}

	if p.cfg.BlockResources {
		if err := applyResourceBlocking(page); err != nil {
			p.cfg.Logger.Warn("resource blocking failed", "error", err)
		}
	}

	if req.Cookie != nil {
		if err := page.SetCookies([]*proto.NetworkCookieParam{req.Cookie}); err != nil {
			return "", fmt.Errorf("setting region cookie: %w", err)
		}
	}

	if err := page.Navigate(req.URL); err != nil {
		return "", fmt.Errorf("navigating to %s: %w", req.URL, err)
	}

	// DOMContentLoaded is the gate; full load frequently never fires on
	// pages with long-polling beacons.
	if err := page.WaitDOMStable(500*time.Millisecond, 0.1); err != nil {
		p.cfg.Logger.Debug("DOM did not settle, continuing", "url", req.URL, "error", err)
	}

	if err := p.scroll(page, req.CardSelector); err != nil {
		p.cfg.Logger.Debug("scroll loop error", "url", req.URL, "error", err)
	}

	if req.ReadySelector != "" {
		waitReady(page, req.ReadySelector, 10*time.Second)
	}

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("capturing page content: %w", err)
	}
	return html, nil
}

// waitReady waits for the source-specific ready selector; absence is not an
// error, the page is captured as-is.
func waitReady(page *rod.Page, selector string, timeout time.Duration) {
	_, _ = page.Timeout(timeout).Element(selector)
}

// isTerminal reports whether the error means the page, context or browser is
// gone and the region context must be recreated.
func isTerminal(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	if strings.Contains(msg, "context deadline") {
		return false
	}
	return strings.Contains(msg, "closed") ||
		strings.Contains(msg, "session not found") ||
		strings.Contains(msg, "connection")
}
