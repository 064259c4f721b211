// Package domain defines the core business types for pricewatch.
package domain

import (
	"fmt"
	"math"
	"time"
)

// Source identifies one of the monitored marketplaces.
type Source string

// Source constants.
const (
	SourceLyst  Source = "lyst"
	SourceOLX   Source = "olx"
	SourceShafa Source = "shafa"
)

// Sources lists every monitored marketplace in supervisor launch order.
var Sources = []Source{SourceLyst, SourceOLX, SourceShafa}

// Region is a country code used as a cookie on lyst to select the
// pricing locale (e.g. "UA", "PL", "US").
type Region string

// Query is one configured search URL on a source. Queries are loaded from
// config at startup and never mutated afterwards.
type Query struct {
	Source  Source `yaml:"source"`
	URL     string `yaml:"url"`
	Label   string `yaml:"label"`
	MinSale int    `yaml:"min_sale,omitempty"` // minimum discount percent, 0 = no floor
	ChatID  int64  `yaml:"chat_id,omitempty"`  // 0 = default chat
}

// Listing is one observed item in one region at one point in time.
type Listing struct {
	Source   Source  `json:"source"`
	ID       string  `json:"id"` // stable across cycles
	Name     string  `json:"name"`
	Region   Region  `json:"region,omitempty"`
	Store    string  `json:"store"`
	Original float64 `json:"price_original"`
	Sale     float64 `json:"price_sale"`
	Currency string  `json:"currency"`
	ImageURL string  `json:"image_url"`
	Link     string  `json:"link"`

	FirstSeen time.Time `json:"first_seen,omitzero"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
}

// Key returns the stable identity of a listing: (source, stable_id).
func (l *Listing) Key() string {
	return string(l.Source) + "/" + l.ID
}

// Discount returns the derived discount percent, rounded to the nearest
// integer. Never persisted.
func (l *Listing) Discount() int {
	if l.Original <= 0 || l.Sale >= l.Original {
		return 0
	}
	return int(math.Round((1 - l.Sale/l.Original) * 100))
}

// Money is an amount tagged with its currency. The resolver threshold is a
// Money value so the gap currency is explicit rather than a bare number.
type Money struct {
	Amount   float64 `yaml:"amount"`
	Currency string  `yaml:"currency"`
}

func (m Money) String() string {
	return fmt.Sprintf("%.2f %s", m.Amount, m.Currency)
}

// ResumeEntry is the progress marker for one (query, region) pair inside a
// lyst cycle. Entries survive process restarts in the resume file and are
// honoured only while the state is marked active.
type ResumeEntry struct {
	Label           string `json:"label"`
	Region          Region `json:"region"`
	NextPage        int    `json:"next_page"`
	LastScrapedPage int    `json:"last_scraped_page"`
	Completed       bool   `json:"completed"`
	FailureReason   string `json:"failure_reason,omitempty"`
}

// ResumeKey builds the map key for a (query label, region) pair.
func ResumeKey(label string, region Region) string {
	return label + "|" + string(region)
}

// ResumeState is the versioned on-disk resume record for the lyst source.
type ResumeState struct {
	Version int                    `json:"version"`
	Active  bool                   `json:"active"`
	Entries map[string]ResumeEntry `json:"entries"`
}

// ResumeStateVersion is the current resume file schema version.
const ResumeStateVersion = 1

// NewResumeState returns an empty, inactive resume state.
func NewResumeState() *ResumeState {
	return &ResumeState{Version: ResumeStateVersion, Entries: make(map[string]ResumeEntry)}
}

// CycleState is the lifecycle state of one source cycle.
type CycleState string

// Cycle state constants. A stalled cycle is equivalent to failed for retry
// purposes.
const (
	CycleIdle    CycleState = "idle"
	CycleRunning CycleState = "running"
	CycleOK      CycleState = "ok"
	CycleFailed  CycleState = "failed"
	CycleStalled CycleState = "stalled"
)

// Failed reports whether the state counts as a failure for resume accounting.
func (s CycleState) Failed() bool {
	return s == CycleFailed || s == CycleStalled
}

// CycleStatus is the per-cycle run metadata written by the supervisor and
// read by the heartbeat.
type CycleStatus struct {
	Source    Source     `json:"source"`
	State     CycleState `json:"state"`
	StartedAt time.Time  `json:"started_at,omitzero"`
	EndedAt   time.Time  `json:"ended_at,omitzero"`
	Notes     []string   `json:"notes,omitempty"`
}

// TaskError captures one failed task out of a parallel fan-out, so aggregate
// cycle errors surface as a list instead of a single collapsed error.
type TaskError struct {
	Task string
	Err  error
}

func (e TaskError) Error() string {
	return e.Task + ": " + e.Err.Error()
}

func (e TaskError) Unwrap() error { return e.Err }
