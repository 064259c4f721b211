package resolve

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

// refConverter converts every currency 1:1 for test purposes.
type refConverter struct{}

func (refConverter) ToReference(amount float64, _ string) (float64, error) {
	return amount, nil
}

type failingConverter struct{}

func (failingConverter) ToReference(float64, string) (float64, error) {
	return 0, fmt.Errorf("no rates loaded")
}

func listing(region domain.Region, sale float64, image string) domain.Listing {
	return domain.Listing{
		Source:   domain.SourceLyst,
		ID:       "id-1",
		Name:     "Nike Air Max 97",
		Region:   region,
		Sale:     sale,
		Original: sale,
		Currency: "EUR",
		ImageURL: image,
		Link:     "https://example.com/p",
	}
}

func TestResolvePriorityRule(t *testing.T) {
	t.Parallel()

	const deltaMin = 10.0

	tests := []struct {
		name       string
		lowerPrice float64
		wantRegion domain.Region
	}{
		{"gap below threshold keeps base", 95, "UA"},
		{"gap just under threshold keeps base", 90.01, "UA"},
		{"gap at threshold switches", 90, "PL"},
		{"gap above threshold switches", 50, "PL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := New(refConverter{}, WithDeltaMin(deltaMin),
				WithPriority([]domain.Region{"UA", "PL"}))

			out := r.Resolve([]domain.Listing{
				listing("UA", 100, "https://img/a.jpg"),
				listing("PL", tt.lowerPrice, "https://img/b.jpg"),
			})
			require.Len(t, out, 1)
			assert.Equal(t, tt.wantRegion, out[0].Region)
		})
	}
}

func TestResolveFirstReplacementWins(t *testing.T) {
	t.Parallel()

	r := New(refConverter{}, WithDeltaMin(10),
		WithPriority([]domain.Region{"UA", "PL", "GB"}))

	// Both PL and GB undercut; PL is higher priority so it wins even
	// though GB is cheaper.
	out := r.Resolve([]domain.Listing{
		listing("UA", 100, "https://img/a.jpg"),
		listing("PL", 85, "https://img/b.jpg"),
		listing("GB", 60, "https://img/c.jpg"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, domain.Region("PL"), out[0].Region)
}

func TestResolveSameRegionPrefersImage(t *testing.T) {
	t.Parallel()

	r := New(refConverter{})

	noImage := listing("UA", 100, "")
	withImage := listing("UA", 100, "https://img/a.jpg")

	out := r.Resolve([]domain.Listing{noImage, withImage})
	require.Len(t, out, 1)
	assert.Equal(t, "https://img/a.jpg", out[0].ImageURL)
}

func TestResolveDistinctGroupsSurvive(t *testing.T) {
	t.Parallel()

	r := New(refConverter{})

	a := listing("UA", 100, "https://img/a.jpg")
	b := listing("UA", 80, "https://img/b.jpg")
	b.ID = "id-2"
	b.Name = "Asics Gel-Kayano 14"

	out := r.Resolve([]domain.Listing{a, b})
	require.Len(t, out, 2)
	assert.Equal(t, "Nike Air Max 97", out[0].Name)
	assert.Equal(t, "Asics Gel-Kayano 14", out[1].Name)
}

func TestResolveConversionFailureKeepsBase(t *testing.T) {
	t.Parallel()

	r := New(failingConverter{}, WithPriority([]domain.Region{"UA", "PL"}))

	out := r.Resolve([]domain.Listing{
		listing("UA", 100, "https://img/a.jpg"),
		listing("PL", 10, "https://img/b.jpg"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, domain.Region("UA"), out[0].Region, "no rates means priority pick stands")
}

func TestResolveUnlistedRegionTrails(t *testing.T) {
	t.Parallel()

	r := New(refConverter{}, WithDeltaMin(10), WithPriority([]domain.Region{"UA"}))

	out := r.Resolve([]domain.Listing{
		listing("DE", 50, "https://img/de.jpg"),
		listing("UA", 100, "https://img/ua.jpg"),
	})
	require.Len(t, out, 1)
	assert.Equal(t, domain.Region("DE"), out[0].Region, "unlisted region can still undercut")
}

func TestResolveEmptyInput(t *testing.T) {
	t.Parallel()

	r := New(refConverter{})
	assert.Empty(t, r.Resolve(nil))
}
