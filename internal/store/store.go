// Package store defines the datastore abstraction for pricewatch. The change
// detector and crawlers depend on the Store interface, never on the SQLite
// implementation, so they can be tested against in-memory databases.
package store

import (
	"context"
	"errors"
	"time"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// ErrNotFound is returned when a listing key has never been observed.
var ErrNotFound = errors.New("listing not found")

// Listing is the persisted form of an observed item: descriptive fields plus
// the monotone lowest price and the activity flag.
type Listing struct {
	ID       string
	Name     string
	Region   domain.Region
	Store    string
	Original float64
	Sale     float64
	Currency string
	ImageURL string
	Link     string

	// LowestPrice only ever decreases. LowestRef mirrors it in the
	// reference currency for cross-region comparisons.
	LowestPrice float64
	LowestRef   float64

	Active    bool
	FirstSeen time.Time
	LastSeen  time.Time
}

// Store defines all row-storage operations for one source database.
type Store interface {
	Get(ctx context.Context, id string) (*Listing, error)
	Upsert(ctx context.Context, l *Listing) error
	UpdatePrice(ctx context.Context, id string, sale, lowest, lowestRef float64, seen time.Time) error
	Touch(ctx context.Context, id string, seen time.Time) error

	// DeactivateExcept flips active=false on every active listing whose id
	// is not in seen, returning how many rows changed.
	DeactivateExcept(ctx context.Context, seen []string) (int, error)

	// DeleteOlderThan removes rows not seen since cutoff (retention).
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}
