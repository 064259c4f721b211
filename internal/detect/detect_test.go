package detect

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avasylenko/pricewatch/internal/store"
	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// memStore is an in-memory store.Store for detector tests.
type memStore struct {
	mu   sync.Mutex
	rows map[string]*store.Listing
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*store.Listing)}
}

func (m *memStore) Get(_ context.Context, id string) (*store.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) Upsert(_ context.Context, l *store.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.rows[l.ID] = &cp
	return nil
}

func (m *memStore) UpdatePrice(_ context.Context, id string, sale, lowest, lowestRef float64, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	l.Sale = sale
	l.LowestPrice = lowest
	l.LowestRef = lowestRef
	l.LastSeen = seen
	return nil
}

func (m *memStore) Touch(_ context.Context, id string, seen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	l.LastSeen = seen
	return nil
}

func (m *memStore) DeactivateExcept(_ context.Context, seen []string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keep := make(map[string]bool, len(seen))
	for _, id := range seen {
		keep[id] = true
	}
	var n int
	for id, l := range m.rows {
		if l.Active && !keep[id] {
			l.Active = false
			n++
		}
	}
	return n, nil
}

func (m *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for id, l := range m.rows {
		if l.LastSeen.Before(cutoff) {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) Close() error { return nil }

// recorder captures notifier calls.
type recorder struct {
	mu      sync.Mutex
	news    []domain.Listing
	changes []struct {
		l    domain.Listing
		prev float64
	}
}

func (r *recorder) NotifyNew(l domain.Listing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.news = append(r.news, l)
}

func (r *recorder) NotifyPriceChange(l domain.Listing, prev float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, struct {
		l    domain.Listing
		prev float64
	}{l, prev})
}

func listing(id string, sale float64) domain.Listing {
	return domain.Listing{
		Source:   domain.SourceOLX,
		ID:       id,
		Name:     "Кросівки Salomon XT-6",
		Region:   "UA",
		Store:    "Київ",
		Original: sale,
		Sale:     sale,
		Currency: "UAH",
		ImageURL: "https://img/a.jpg",
		Link:     "https://example.com/a",
	}
}

func TestProcessNewListing(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	rec := &recorder{}
	d := New(domain.SourceOLX, st, rec, WithBatch(5, 0))

	stats, err := d.Process(context.Background(), []domain.Listing{listing("a", 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.New)

	require.Len(t, rec.news, 1)
	assert.Equal(t, 100.0, rec.news[0].Sale)

	row, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, row.Active)
	assert.Equal(t, 100.0, row.LowestPrice)
}

func TestProcessIdempotentNotify(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	rec := &recorder{}
	d := New(domain.SourceOLX, st, rec, WithBatch(5, 0))

	batch := []domain.Listing{listing("a", 100)}
	_, err := d.Process(context.Background(), batch)
	require.NoError(t, err)

	stats, err := d.Process(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Unchanged)
	assert.Len(t, rec.news, 1, "replaying identical input must not re-notify")
	assert.Empty(t, rec.changes)
}

func TestProcessPriceDrop(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	rec := &recorder{}
	d := New(domain.SourceOLX, st, rec, WithBatch(5, 0))

	_, err := d.Process(context.Background(), []domain.Listing{listing("a", 80)})
	require.NoError(t, err)

	stats, err := d.Process(context.Background(), []domain.Listing{listing("a", 60)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Changed)

	require.Len(t, rec.changes, 1)
	assert.Equal(t, 80.0, rec.changes[0].prev)
	assert.Equal(t, 60.0, rec.changes[0].l.Sale)

	row, err := st.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 60.0, row.LowestPrice)
}

func TestProcessMonotoneLowest(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	rec := &recorder{}
	d := New(domain.SourceOLX, st, rec, WithBatch(5, 0))

	ctx := context.Background()
	for _, sale := range []float64{100, 60, 90} {
		_, err := d.Process(ctx, []domain.Listing{listing("a", sale)})
		require.NoError(t, err)
	}

	row, err := st.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 90.0, row.Sale)
	assert.Equal(t, 60.0, row.LowestPrice, "lowest never rises")
}

func TestProcessThresholds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		prev, cur   float64
		abs, rel    float64
		wantChanged bool
	}{
		{"below absolute bar", 1000, 995, 50, 0.01, false},
		{"below relative bar", 10000, 9930, 50, 0.05, false},
		{"clears both bars", 1000, 900, 50, 0.05, true},
		{"no thresholds any change counts", 100, 99, 0, 0, true},
		{"equal never changes", 100, 100, 50, 0.05, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			st := newMemStore()
			rec := &recorder{}
			d := New(domain.SourceOLX, st, rec,
				WithBatch(5, 0), WithThresholds(tt.abs, tt.rel))

			ctx := context.Background()
			_, err := d.Process(ctx, []domain.Listing{listing("a", tt.prev)})
			require.NoError(t, err)

			stats, err := d.Process(ctx, []domain.Listing{listing("a", tt.cur)})
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, stats.Changed == 1)
		})
	}
}

func TestProcessDeactivationSweepIsSilent(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	rec := &recorder{}
	d := New(domain.SourceOLX, st, rec, WithBatch(5, 0))

	ctx := context.Background()
	_, err := d.Process(ctx, []domain.Listing{listing("a", 100), listing("b", 50)})
	require.NoError(t, err)

	stats, err := d.Process(ctx, []domain.Listing{listing("a", 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Deactivated)

	row, err := st.Get(ctx, "b")
	require.NoError(t, err)
	assert.False(t, row.Active)
	assert.Len(t, rec.news, 2, "deactivation emits no message")
}

func TestProcessPartialSkipsSweep(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	d := New(domain.SourceOLX, st, &recorder{}, WithBatch(5, 0))

	ctx := context.Background()
	_, err := d.Process(ctx, []domain.Listing{listing("a", 100), listing("b", 50)})
	require.NoError(t, err)

	stats, err := d.ProcessPartial(ctx, []domain.Listing{listing("a", 100)})
	require.NoError(t, err)
	assert.Zero(t, stats.Deactivated)

	row, err := st.Get(ctx, "b")
	require.NoError(t, err)
	assert.True(t, row.Active, "absence from a partial batch must not deactivate")
}

func TestProcessCancelledContext(t *testing.T) {
	t.Parallel()

	st := newMemStore()
	d := New(domain.SourceOLX, st, &recorder{}, WithBatch(1, time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Process(ctx, []domain.Listing{listing("a", 100), listing("b", 50)})
	assert.ErrorIs(t, err, context.Canceled)
}
