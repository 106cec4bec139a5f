package replay

import (
	"context"
	"testing"
	"time"

	"lotBroker/internal/adapters/logger"
	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCombinations(t *testing.T) {
	combos := generateCombinations([]ParameterRange{
		{Name: "baseline", Min: 0.02, Max: 0.06, Step: 0.02},
		{Name: "trend_weight", Min: 0, Max: 1, Step: 1},
	})
	require.Len(t, combos, 6)
	for _, c := range combos {
		assert.Len(t, c, 2)
	}
	assert.InDelta(t, 0.02, combos[0]["baseline"], 1e-9)
	assert.InDelta(t, 0.06, combos[5]["baseline"], 1e-9)
}

func TestSweep_RanksByProfit(t *testing.T) {
	cfg := testConfig()
	lot, err := domain.NewPurchaseLot(d("100"), d("1"), day0.Add(-time.Hour))
	require.NoError(t, err)
	cfg.InitialLots = []domain.PurchaseLot{lot}

	results, err := Sweep(context.Background(), dailySamples(100, 104, 106, 108), cfg,
		[]ParameterRange{{Name: "baseline", Min: 0.03, Max: 0.07, Step: 0.02}},
		nil, 2, logger.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 3)

	// A higher baseline waits for a higher price and keeps more profit.
	assert.InDelta(t, 0.07, results[0].Parameters["baseline"], 1e-9)
	assert.True(t, results[0].Result.RealizedProfit.Equal(d("8")))
	assert.InDelta(t, 0.05, results[1].Parameters["baseline"], 1e-9)
	assert.True(t, results[1].Result.RealizedProfit.Equal(d("6")))
	assert.InDelta(t, 0.03, results[2].Parameters["baseline"], 1e-9)
	assert.True(t, results[2].Result.RealizedProfit.Equal(d("4")))
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	// Each run gets its own engine; the shared initial lot is never consumed twice.
	for _, r := range results {
		assert.Equal(t, 1, r.Result.LotsSold)
	}
}

func TestSweep_InvalidRanges(t *testing.T) {
	tests := []struct {
		name   string
		ranges []ParameterRange
	}{
		{name: "unknown parameter", ranges: []ParameterRange{{Name: "leverage", Min: 1, Max: 2, Step: 1}}},
		{name: "zero step", ranges: []ParameterRange{{Name: "baseline", Min: 0.01, Max: 0.02, Step: 0}}},
		{name: "inverted", ranges: []ParameterRange{{Name: "baseline", Min: 0.05, Max: 0.01, Step: 0.01}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Sweep(context.Background(), dailySamples(100), testConfig(), tt.ranges, nil, 1, logger.NewNop())
			assert.ErrorIs(t, err, ports.ErrInvalidRequest)
		})
	}
}

func TestSweep_SkipsInvalidPolicies(t *testing.T) {
	// A zero trend band fails policy validation and is dropped.
	results, err := Sweep(context.Background(), dailySamples(100, 101), testConfig(),
		[]ParameterRange{{Name: "trend_band", Min: 0, Max: 0.25, Step: 0.25}},
		nil, 1, logger.NewNop())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0.25, results[0].Parameters["trend_band"], 1e-9)
}
