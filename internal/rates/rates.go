// Package rates fetches daily currency rates and exposes a synchronous
// lookup with a stale-but-usable fallback: once any snapshot exists (fresh or
// from the cache file), conversions never fail just because today's refresh
// did.
package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoRates is returned when no snapshot has ever been loaded.
var ErrNoRates = errors.New("no currency rates available")

// Converter is the lookup contract used by the resolver and change detector.
type Converter interface {
	// ToReference converts an amount in the given currency into the
	// reference currency.
	ToReference(amount float64, currency string) (float64, error)
}

// Snapshot is one day of rates: units of each currency per one unit of the
// reference currency.
type Snapshot struct {
	Base      string             `json:"base"`
	Date      string             `json:"date"`
	Rates     map[string]float64 `json:"rates"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// Feed implements Converter backed by a daily HTTP fetch and a JSON cache
// file written atomically (temp + rename).
type Feed struct {
	url       string
	apiKey    string
	reference string
	cacheFile string
	client    *http.Client
	log       *slog.Logger

	mu   sync.RWMutex
	snap *Snapshot
}

// Option configures the Feed.
type Option func(*Feed)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Feed) {
		f.client = c
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Feed) {
		f.log = l
	}
}

// NewFeed creates a rates feed. Call Load to pick up a cached snapshot and
// Refresh to fetch a fresh one.
func NewFeed(apiURL, apiKey, reference, cacheFile string, opts ...Option) *Feed {
	f := &Feed{
		url:       apiURL,
		apiKey:    apiKey,
		reference: strings.ToUpper(reference),
		cacheFile: cacheFile,
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Load reads the cache file, if present. Missing cache is not an error.
func (f *Feed) Load() error {
	data, err := os.ReadFile(f.cacheFile)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading rates cache: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing rates cache: %w", err)
	}

	f.mu.Lock()
	f.snap = &snap
	f.mu.Unlock()
	return nil
}

// Refresh fetches today's rates and rewrites the cache file. On failure the
// previous snapshot stays in place.
func (f *Feed) Refresh(ctx context.Context) error {
	u, err := url.Parse(f.url)
	if err != nil {
		return fmt.Errorf("parsing rates URL: %w", err)
	}
	q := u.Query()
	q.Set("access_key", f.apiKey)
	q.Set("base", f.reference)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return fmt.Errorf("creating rates request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetching rates: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading rates response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rates API error (status %d): %s", resp.StatusCode, body)
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return fmt.Errorf("parsing rates response: %w", err)
	}
	if len(snap.Rates) == 0 {
		return fmt.Errorf("rates response contains no rates")
	}
	snap.FetchedAt = time.Now().UTC()

	if err := f.saveCache(&snap); err != nil {
		// A failed cache write is not fatal: the in-memory snapshot
		// still serves lookups until the next restart.
		f.log.Warn("saving rates cache failed", "error", err)
	}

	f.mu.Lock()
	f.snap = &snap
	f.mu.Unlock()

	f.log.Info("currency rates refreshed", "date", snap.Date, "currencies", len(snap.Rates))
	return nil
}

// ToReference implements Converter. Stale snapshots are served with a debug
// log rather than an error.
func (f *Feed) ToReference(amount float64, currency string) (float64, error) {
	currency = strings.ToUpper(currency)
	if currency == f.reference {
		return amount, nil
	}

	f.mu.RLock()
	snap := f.snap
	f.mu.RUnlock()

	if snap == nil {
		return 0, ErrNoRates
	}

	rate, ok := snap.Rates[currency]
	if !ok || rate <= 0 {
		return 0, fmt.Errorf("no rate for currency %q", currency)
	}

	if time.Since(snap.FetchedAt) > 48*time.Hour {
		f.log.Debug("serving stale currency rates", "fetched_at", snap.FetchedAt)
	}

	return amount / rate, nil
}

func (f *Feed) saveCache(snap *Snapshot) error {
	if err := os.MkdirAll(filepath.Dir(f.cacheFile), 0o755); err != nil {
		return fmt.Errorf("creating cache dir: %w", err)
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling rates: %w", err)
	}

	tmp := f.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing rates cache: %w", err)
	}
	if err := os.Rename(tmp, f.cacheFile); err != nil {
		return fmt.Errorf("renaming rates cache: %w", err)
	}
	return nil
}
