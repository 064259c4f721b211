package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsRegistered(t *testing.T) {
	t.Parallel()

	// Verify all metrics are non-nil (registered via promauto on package init).
	assert.NotNil(t, PagesFetchedTotal)
	assert.NotNil(t, FetchFailuresTotal)
	assert.NotNil(t, ChallengesTotal)
	assert.NotNil(t, FetchDuration)
	assert.NotNil(t, ListingsParsedTotal)
	assert.NotNil(t, CardsSkippedTotal)
	assert.NotNil(t, CyclesTotal)
	assert.NotNil(t, CycleDuration)
	assert.NotNil(t, StallsTotal)
	assert.NotNil(t, NewListingsTotal)
	assert.NotNil(t, PriceChangesTotal)
	assert.NotNil(t, DeactivatedTotal)
	assert.NotNil(t, MessagesSentTotal)
	assert.NotNil(t, MessagesDroppedTotal)
	assert.NotNil(t, PublishQueueDepth)
	assert.NotNil(t, RateLimitSleepsTotal)
	assert.NotNil(t, StoreBusyRetriesTotal)
	assert.NotNil(t, BrowserContextsActive)
	assert.NotNil(t, BrowserEvictionsTotal)
}
