// Package resolve collapses duplicate listings observed across regions into
// a single representative per (name, stable ID) group. Region priority picks
// the base candidate; a lower-priority region wins only when its converted
// price undercuts the base by a configured margin.
package resolve

import (
	"log/slog"
	"strings"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// Converter turns a price into the reference currency.
type Converter interface {
	ToReference(amount float64, currency string) (float64, error)
}

// DefaultPriority orders regions from most to least preferred.
var DefaultPriority = []domain.Region{"UA", "PL", "GB", "US"}

// Resolver picks one listing per duplicate group.
type Resolver struct {
	conv     Converter
	priority []domain.Region
	deltaMin float64
	log      *slog.Logger
}

// Option configures the Resolver.
type Option func(*Resolver)

// WithPriority overrides the region preference order.
func WithPriority(regions []domain.Region) Option {
	return func(r *Resolver) {
		r.priority = regions
	}
}

// WithDeltaMin sets the reference-currency gap a lower-priority region must
// undercut the base by to replace it.
func WithDeltaMin(delta float64) Option {
	return func(r *Resolver) {
		r.deltaMin = delta
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.log = l
	}
}

// New creates a Resolver backed by the given currency converter.
func New(conv Converter, opts ...Option) *Resolver {
	r := &Resolver{
		conv:     conv,
		priority: DefaultPriority,
		deltaMin: 10,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve reduces the cycle's listings to one per (name, stable ID) group,
// preserving first-appearance order of groups.
func (r *Resolver) Resolve(listings []domain.Listing) []domain.Listing {
	groups := make(map[string][]domain.Listing)
	var order []string
	for _, l := range listings {
		k := groupKey(l)
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], l)
	}

	out := make([]domain.Listing, 0, len(order))
	for _, k := range order {
		out = append(out, r.pick(groups[k]))
	}
	return out
}

func groupKey(l domain.Listing) string {
	return strings.ToLower(l.Name) + "\x00" + l.ID
}

func (r *Resolver) pick(group []domain.Listing) domain.Listing {
	perRegion := r.dedupeRegions(group)

	ordered := make([]domain.Listing, 0, len(perRegion))
	for _, region := range r.priority {
		if l, ok := perRegion[region]; ok {
			ordered = append(ordered, l)
		}
	}
	// Regions outside the priority list trail in observation order.
	for _, l := range group {
		if _, known := perRegion[l.Region]; known && !regionListed(r.priority, l.Region) {
			ordered = append(ordered, perRegion[l.Region])
			delete(perRegion, l.Region)
		}
	}
	if len(ordered) == 0 {
		return group[0]
	}

	base := ordered[0]
	baseRef, err := r.conv.ToReference(base.Sale, base.Currency)
	if err != nil {
		r.log.Warn("cannot convert base price, keeping priority pick",
			"name", base.Name, "currency", base.Currency, "error", err)
		return base
	}

	for _, cand := range ordered[1:] {
		candRef, err := r.conv.ToReference(cand.Sale, cand.Currency)
		if err != nil {
			r.log.Warn("cannot convert candidate price, skipping",
				"name", cand.Name, "region", cand.Region, "error", err)
			continue
		}
		if baseRef-candRef >= r.deltaMin {
			r.log.Debug("cheaper cross-region offer wins",
				"name", base.Name,
				"base_region", base.Region, "base_ref", baseRef,
				"picked_region", cand.Region, "picked_ref", candRef)
			return cand
		}
	}
	return base
}

// dedupeRegions keeps one listing per region, preferring the one with a
// usable image URL.
func (r *Resolver) dedupeRegions(group []domain.Listing) map[domain.Region]domain.Listing {
	perRegion := make(map[domain.Region]domain.Listing)
	for _, l := range group {
		cur, ok := perRegion[l.Region]
		if !ok {
			perRegion[l.Region] = l
			continue
		}
		if cur.ImageURL == "" && l.ImageURL != "" {
			perRegion[l.Region] = l
		}
	}
	return perRegion
}

func regionListed(list []domain.Region, r domain.Region) bool {
	for _, v := range list {
		if v == r {
			return true
		}
	}
	return false
}
