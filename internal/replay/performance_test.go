package replay

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyzePerformance_Empty(t *testing.T) {
	perf := AnalyzePerformance(nil, nil)
	assert.Equal(t, 0, perf.Sales)
	assert.Zero(t, perf.MaxDrawdown)
	assert.Empty(t, perf.Drawdowns)
}

func TestAnalyzePerformance_Sales(t *testing.T) {
	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC)
	sales := []Sale{
		{Time: feb, Profit: decimal.NewFromInt(10), CostBasis: decimal.NewFromInt(100), HeldFor: 48 * time.Hour},
		{Time: jan, Profit: decimal.NewFromInt(6), CostBasis: decimal.NewFromInt(200), HeldFor: 24 * time.Hour},
		{Time: feb, Profit: decimal.NewFromInt(2), CostBasis: decimal.NewFromInt(50), HeldFor: 72 * time.Hour},
	}

	perf := AnalyzePerformance(sales, nil)
	assert.Equal(t, 3, perf.Sales)
	assert.InDelta(t, 18, perf.TotalProfit, 1e-9)
	assert.InDelta(t, 6, perf.AverageProfit, 1e-9)
	assert.InDelta(t, (0.1+0.03+0.04)/3, perf.AverageReturn, 1e-9)
	assert.Equal(t, 48*time.Hour, perf.AverageHolding)

	monthly := perf.GetMonthlyProfits()
	require.Len(t, monthly, 2)
	assert.Equal(t, time.January, monthly[0].Month.Month())
	assert.InDelta(t, 6, monthly[0].Profit, 1e-9)
	assert.InDelta(t, 12, monthly[1].Profit, 1e-9)
}

func TestAnalyzePerformance_Drawdowns(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	values := []float64{0, 10, 4, 12, 6}
	curve := make([]EquityPoint, len(values))
	for i, v := range values {
		curve[i] = EquityPoint{Time: start.Add(time.Duration(i) * time.Hour), Value: v}
	}

	perf := AnalyzePerformance(nil, curve)
	assert.InDelta(t, 6, perf.MaxDrawdown, 1e-9)
	require.Len(t, perf.Drawdowns, 2)

	first := perf.Drawdowns[0]
	assert.Equal(t, start.Add(2*time.Hour), first.StartTime)
	assert.Equal(t, start.Add(3*time.Hour), first.EndTime)
	assert.InDelta(t, 10, first.StartValue, 1e-9)
	assert.InDelta(t, 6, first.Depth, 1e-9)
	assert.Equal(t, time.Hour, first.Duration)

	open := perf.Drawdowns[1]
	assert.InDelta(t, 12, open.StartValue, 1e-9)
	assert.Equal(t, start.Add(4*time.Hour), open.EndTime)

	assert.Zero(t, curve[1].Drawdown)
	assert.InDelta(t, 6, curve[2].Drawdown, 1e-9)
	assert.InDelta(t, 6, curve[4].Drawdown, 1e-9)
}
