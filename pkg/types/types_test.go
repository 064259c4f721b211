package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	domain "github.com/avasylenko/pricewatch/pkg/types"
)

func TestListing_Discount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		original float64
		sale     float64
		want     int
	}{
		{name: "twenty percent off", original: 100, sale: 80, want: 20},
		{name: "rounds to nearest", original: 300, sale: 200, want: 33},
		{name: "no discount", original: 80, sale: 80, want: 0},
		{name: "sale above original", original: 80, sale: 100, want: 0},
		{name: "zero original", original: 0, sale: 50, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			l := domain.Listing{Original: tt.original, Sale: tt.sale}
			assert.Equal(t, tt.want, l.Discount())
		})
	}
}

func TestListing_Key(t *testing.T) {
	t.Parallel()

	l := domain.Listing{Source: domain.SourceLyst, ID: "abc-123"}
	assert.Equal(t, "lyst/abc-123", l.Key())
}

func TestCycleState_Failed(t *testing.T) {
	t.Parallel()

	assert.True(t, domain.CycleFailed.Failed())
	assert.True(t, domain.CycleStalled.Failed())
	assert.False(t, domain.CycleOK.Failed())
	assert.False(t, domain.CycleRunning.Failed())
}

func TestResumeKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "court sneakers|PL", domain.ResumeKey("court sneakers", "PL"))
}
