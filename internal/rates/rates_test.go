package rates_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avasylenko/pricewatch/internal/rates"
)

const ratesJSON = `{"base":"EUR","date":"2026-08-29","rates":{"USD":1.10,"UAH":48.0,"PLN":4.30,"GBP":0.85}}`

func newTestFeed(t *testing.T, handler http.HandlerFunc) *rates.Feed {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cache := filepath.Join(t.TempDir(), "rates.json")
	return rates.NewFeed(srv.URL, "test-key", "EUR", cache)
}

func TestFeed_RefreshAndConvert(t *testing.T) {
	t.Parallel()

	feed := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.URL.Query().Get("access_key"))
		assert.Equal(t, "EUR", r.URL.Query().Get("base"))
		w.Write([]byte(ratesJSON))
	})

	require.NoError(t, feed.Refresh(context.Background()))

	eur, err := feed.ToReference(48, "UAH")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, eur, 1e-9)

	eur, err = feed.ToReference(11, "USD")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, eur, 1e-9)

	// Reference currency passes through untouched, even without a snapshot.
	eur, err = feed.ToReference(7, "eur")
	require.NoError(t, err)
	assert.Equal(t, 7.0, eur)
}

func TestFeed_NoSnapshot(t *testing.T) {
	t.Parallel()

	feed := rates.NewFeed("http://unused.invalid", "k", "EUR", filepath.Join(t.TempDir(), "r.json"))

	_, err := feed.ToReference(10, "USD")
	assert.ErrorIs(t, err, rates.ErrNoRates)
}

func TestFeed_StaleFallback(t *testing.T) {
	t.Parallel()

	calls := 0
	feed := newTestFeed(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.Write([]byte(ratesJSON))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	})

	ctx := context.Background()
	require.NoError(t, feed.Refresh(ctx))
	require.Error(t, feed.Refresh(ctx), "second refresh must fail")

	// Stale snapshot still serves conversions.
	eur, err := feed.ToReference(4.3, "PLN")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, eur, 1e-9)
}

func TestFeed_CacheRoundTrip(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(ratesJSON))
	}))
	t.Cleanup(srv.Close)

	cache := filepath.Join(t.TempDir(), "rates.json")

	first := rates.NewFeed(srv.URL, "k", "EUR", cache)
	require.NoError(t, first.Refresh(context.Background()))

	// A fresh feed picks the snapshot up from disk without any network call.
	second := rates.NewFeed("http://unused.invalid", "k", "EUR", cache)
	require.NoError(t, second.Load())

	eur, err := second.ToReference(0.85, "GBP")
	require.NoError(t, err)
	assert.InDelta(t, 1.0, eur, 1e-9)
}

func TestFeed_UnknownCurrency(t *testing.T) {
	t.Parallel()

	feed := newTestFeed(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(ratesJSON))
	})
	require.NoError(t, feed.Refresh(context.Background()))

	_, err := feed.ToReference(10, "JPY")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JPY")
}
