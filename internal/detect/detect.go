// Package detect classifies incoming listings against the store: NEW,
// PRICE-CHANGED or UNCHANGED. It owns the lowest-price invariant and the
// end-of-cycle deactivation sweep.
package detect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/avasylenko/pricewatch/internal/metrics"
	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Notifier receives the detector's outbound events. The publisher satisfies
// it; tests swap in a recorder.
type Notifier interface {
	NotifyNew(l domain.Listing)
	NotifyPriceChange(l domain.Listing, previous float64)
}

// Converter mirrors the listing's lowest price into the reference currency.
type Converter interface {
	ToReference(amount float64, currency string) (float64, error)
}

// Stats summarises one detection pass.
type Stats struct {
	New         int
	Changed     int
	Unchanged   int
	Skipped     int
	Deactivated int
}

const (
	defaultBatchSize  = 10
	defaultBatchPause = 200 * time.Millisecond
)

// Detector compares listings for one source against its store.
type Detector struct {
	source   domain.Source
	store    store.Store
	notifier Notifier
	conv     Converter

	// Sale-price deltas below both thresholds are treated as noise.
	// Zero thresholds mean any change counts.
	deltaAbs float64
	deltaRel float64

	batchSize  int
	batchPause time.Duration
	log        *slog.Logger
	now        func() time.Time
}

// Option configures the Detector.
type Option func(*Detector)

// WithThresholds sets the absolute and relative sale-price deltas that a
// change must exceed to count.
func WithThresholds(abs, rel float64) Option {
	return func(d *Detector) {
		d.deltaAbs = abs
		d.deltaRel = rel
	}
}

// WithConverter enables reference-currency mirroring of lowest prices.
func WithConverter(c Converter) Option {
	return func(d *Detector) {
		d.conv = c
	}
}

// WithBatch sets the bounded-parallel batch size and the pause between
// batches.
func WithBatch(size int, pause time.Duration) Option {
	return func(d *Detector) {
		if size > 0 {
			d.batchSize = size
		}
		d.batchPause = pause
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.log = l
	}
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// New creates a Detector for one source.
func New(source domain.Source, st store.Store, n Notifier, opts ...Option) *Detector {
	d := &Detector{
		source:     source,
		store:      st,
		notifier:   n,
		batchSize:  defaultBatchSize,
		batchPause: defaultBatchPause,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Process runs one detection pass over the cycle's listings, then flips
// active=false on every stored listing absent from the batch. Deactivation
// is silent.
func (d *Detector) Process(ctx context.Context, listings []domain.Listing) (Stats, error) {
	return d.run(ctx, listings, true)
}

// ProcessPartial handles listings gathered by an incomplete cycle. The
// deactivation sweep is skipped: absence from a partial batch proves
// nothing.
func (d *Detector) ProcessPartial(ctx context.Context, listings []domain.Listing) (Stats, error) {
	return d.run(ctx, listings, false)
}

func (d *Detector) run(ctx context.Context, listings []domain.Listing, sweep bool) (Stats, error) {
	var (
		mu    sync.Mutex
		stats Stats
	)

	seen := make([]string, 0, len(listings))
	for _, l := range listings {
		seen = append(seen, l.ID)
	}

	for start := 0; start < len(listings); start += d.batchSize {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		end := min(start+d.batchSize, len(listings))

		var wg sync.WaitGroup
		for _, l := range listings[start:end] {
			wg.Add(1)
			go func(l domain.Listing) {
				defer wg.Done()
				outcome := d.processOne(ctx, l)
				mu.Lock()
				switch outcome {
				case outcomeNew:
					stats.New++
				case outcomeChanged:
					stats.Changed++
				case outcomeUnchanged:
					stats.Unchanged++
				default:
					stats.Skipped++
				}
				mu.Unlock()
			}(l)
		}
		wg.Wait()

		if end < len(listings) && d.batchPause > 0 {
			select {
			case <-time.After(d.batchPause):
			case <-ctx.Done():
				return stats, ctx.Err()
			}
		}
	}

	if sweep {
		n, err := d.store.DeactivateExcept(ctx, seen)
		if err != nil {
			return stats, fmt.Errorf("deactivation sweep: %w", err)
		}
		stats.Deactivated = n
		metrics.DeactivatedTotal.WithLabelValues(string(d.source)).Add(float64(n))
	}

	return stats, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeNew
	outcomeChanged
	outcomeUnchanged
)

func (d *Detector) processOne(ctx context.Context, l domain.Listing) outcome {
	now := d.now()

	prev, err := d.store.Get(ctx, l.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return d.admit(ctx, l, now)
	case err != nil:
		d.log.Error("store lookup failed", "id", l.ID, "error", err)
		return outcomeSkipped
	}

	if !d.changed(prev.Sale, l.Sale) {
		if err := d.store.Touch(ctx, l.ID, now); err != nil {
			d.log.Error("touch failed", "id", l.ID, "error", err)
			return outcomeSkipped
		}
		return outcomeUnchanged
	}

	lowest := math.Min(prev.LowestPrice, l.Sale)
	lowestRef := prev.LowestRef
	if lowest < prev.LowestPrice {
		lowestRef = d.toReference(lowest, l.Currency, lowest)
	}

	if err := d.store.UpdatePrice(ctx, l.ID, l.Sale, lowest, lowestRef, now); err != nil {
		d.log.Error("price update failed", "id", l.ID, "error", err)
		return outcomeSkipped
	}

	metrics.PriceChangesTotal.WithLabelValues(string(d.source)).Inc()
	d.log.Info("price changed",
		"name", l.Name, "id", l.ID,
		"previous", prev.Sale, "current", l.Sale, "currency", l.Currency)
	d.notifier.NotifyPriceChange(l, prev.Sale)
	return outcomeChanged
}

func (d *Detector) admit(ctx context.Context, l domain.Listing, now time.Time) outcome {
	rec := &store.Listing{
		ID:          l.ID,
		Name:        l.Name,
		Region:      l.Region,
		Store:       l.Store,
		Original:    l.Original,
		Sale:        l.Sale,
		Currency:    l.Currency,
		ImageURL:    l.ImageURL,
		Link:        l.Link,
		LowestPrice: l.Sale,
		LowestRef:   d.toReference(l.Sale, l.Currency, l.Sale),
		Active:      true,
		FirstSeen:   now,
		LastSeen:    now,
	}
	if err := d.store.Upsert(ctx, rec); err != nil {
		d.log.Error("insert failed", "id", l.ID, "error", err)
		return outcomeSkipped
	}

	metrics.NewListingsTotal.WithLabelValues(string(d.source)).Inc()
	d.log.Info("new listing",
		"name", l.Name, "id", l.ID, "sale", l.Sale, "currency", l.Currency)
	d.notifier.NotifyNew(l)
	return outcomeNew
}

// changed applies the per-source sensitivity: with thresholds configured the
// delta must clear both the absolute and relative bars.
func (d *Detector) changed(prev, cur float64) bool {
	if prev == cur {
		return false
	}
	if d.deltaAbs == 0 && d.deltaRel == 0 {
		return true
	}
	delta := math.Abs(cur - prev)
	if delta < d.deltaAbs {
		return false
	}
	if prev != 0 && delta/prev < d.deltaRel {
		return false
	}
	return true
}

func (d *Detector) toReference(amount float64, currency string, fallback float64) float64 {
	if d.conv == nil {
		return fallback
	}
	ref, err := d.conv.ToReference(amount, currency)
	if err != nil {
		d.log.Debug("reference conversion unavailable", "currency", currency, "error", err)
		return fallback
	}
	return ref
}
