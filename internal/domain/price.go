package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSample is a single observed price. Immutable once recorded.
type PriceSample struct {
	ObservedAt time.Time
	Price      decimal.Decimal
}

// Quote is a price reading returned by a price feed.
type Quote struct {
	Pair       string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Sample converts the quote into a history sample.
func (q Quote) Sample() PriceSample {
	return PriceSample{ObservedAt: q.ObservedAt, Price: q.Price}
}

// TrendState is derived from the price history on every cycle and never
// stored.
type TrendState struct {
	CurrentPrice    decimal.Decimal
	HistoricalMin   decimal.Decimal // Lowest level sustained for at least the minimum streak
	NearMinDuration time.Duration   // Trailing time spent within the band around HistoricalMin
	PositionRatio   float64         // CurrentPrice / HistoricalMin, 1.0 when neutral
	Samples         int             // Samples inside the lookback window
	Sustained       bool            // False on cold start
}

// NeutralTrend is reported while there is not enough history.
func NeutralTrend(current decimal.Decimal, samples int) TrendState {
	return TrendState{
		CurrentPrice:  current,
		HistoricalMin: current,
		PositionRatio: 1.0,
		Samples:       samples,
	}
}

// DaysAtOrNearMin returns NearMinDuration in (fractional) days.
func (t TrendState) DaysAtOrNearMin() float64 {
	return t.NearMinDuration.Hours() / 24
}
