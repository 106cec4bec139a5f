package replay

import (
	"sort"
	"time"
)

// Performance summarizes the sales and the equity curve of a replay.
type Performance struct {
	Sales          int
	TotalProfit    float64
	AverageProfit  float64
	AverageReturn  float64 // Mean profit / cost basis per sale
	AverageHolding time.Duration
	MaxDrawdown    float64 // Largest peak-to-trough fall of the equity curve, in quote currency
	MonthlyProfits map[string]float64
	Drawdowns      []Drawdown
}

// Drawdown represents a drawdown period
type Drawdown struct {
	StartTime  time.Time
	EndTime    time.Time
	StartValue float64
	Depth      float64 // Quote currency below StartValue at the trough
	Duration   time.Duration
}

// EquityPoint is the mark-to-market profit at one point in time: proceeds
// plus the net value of open lots, minus everything spent.
type EquityPoint struct {
	Time     time.Time
	Value    float64
	Drawdown float64
}

// AnalyzePerformance derives sale statistics and drawdowns. Drawdown values
// are filled in on curve.
func AnalyzePerformance(sales []Sale, curve []EquityPoint) *Performance {
	perf := &Performance{
		MonthlyProfits: make(map[string]float64),
		Drawdowns:      make([]Drawdown, 0),
	}

	var totalReturn float64
	var totalHolding time.Duration
	for _, s := range sales {
		profit, _ := s.Profit.Float64()
		perf.Sales++
		perf.TotalProfit += profit
		perf.MonthlyProfits[s.Time.Format("2006-01")] += profit
		if cost, _ := s.CostBasis.Float64(); cost > 0 {
			totalReturn += profit / cost
		}
		totalHolding += s.HeldFor
	}
	if perf.Sales > 0 {
		perf.AverageProfit = perf.TotalProfit / float64(perf.Sales)
		perf.AverageReturn = totalReturn / float64(perf.Sales)
		perf.AverageHolding = totalHolding / time.Duration(perf.Sales)
	}

	if len(curve) == 0 {
		return perf
	}
	peak := curve[0].Value
	var current *Drawdown
	for i := range curve {
		p := &curve[i]
		if p.Value >= peak {
			peak = p.Value
			if current != nil {
				current.EndTime = p.Time
				current.Duration = current.EndTime.Sub(current.StartTime)
				perf.Drawdowns = append(perf.Drawdowns, *current)
				current = nil
			}
			continue
		}
		p.Drawdown = peak - p.Value
		if current == nil {
			current = &Drawdown{StartTime: p.Time, StartValue: peak}
		}
		if p.Drawdown > current.Depth {
			current.Depth = p.Drawdown
		}
		if p.Drawdown > perf.MaxDrawdown {
			perf.MaxDrawdown = p.Drawdown
		}
	}
	// Close any open drawdown
	if current != nil {
		current.EndTime = curve[len(curve)-1].Time
		current.Duration = current.EndTime.Sub(current.StartTime)
		perf.Drawdowns = append(perf.Drawdowns, *current)
	}
	return perf
}

// MonthlyProfit is the realized profit of one calendar month.
type MonthlyProfit struct {
	Month  time.Time
	Profit float64
}

// GetMonthlyProfits returns the monthly profits sorted by month.
func (p *Performance) GetMonthlyProfits() []MonthlyProfit {
	out := make([]MonthlyProfit, 0, len(p.MonthlyProfits))
	for month, profit := range p.MonthlyProfits {
		date, _ := time.Parse("2006-01", month)
		out = append(out, MonthlyProfit{Month: date, Profit: profit})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Month.Before(out[j].Month)
	})
	return out
}
