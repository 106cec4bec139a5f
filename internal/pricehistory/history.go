package pricehistory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/shopspring/decimal"
)

// Config holds the window and trend parameters of a History.
type Config struct {
	Lookback    time.Duration // Samples older than this (relative to the newest) are pruned
	MinSamples  int           // Below this count Trend reports a neutral state
	MinStreak   time.Duration // How long a level must hold before it counts as the minimum, measured between sample timestamps
	NearMinBand float64       // Fractional band above the minimum that counts as "at the minimum"
}

// DefaultConfig returns a three month lookback with a three day minimum streak.
func DefaultConfig() Config {
	return Config{
		Lookback:    90 * 24 * time.Hour,
		MinSamples:  12,
		MinStreak:   72 * time.Hour,
		NearMinBand: 0.02,
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.Lookback <= 0 {
		return fmt.Errorf("lookback must be positive, got %s", c.Lookback)
	}
	if c.MinSamples < 1 {
		return fmt.Errorf("min samples must be at least 1, got %d", c.MinSamples)
	}
	if c.MinStreak < 0 || c.MinStreak > c.Lookback {
		return fmt.Errorf("min streak %s must be within [0, lookback]", c.MinStreak)
	}
	if c.NearMinBand < 0 {
		return fmt.Errorf("near-min band cannot be negative, got %f", c.NearMinBand)
	}
	return nil
}

// History is a rolling window of price samples.
type History struct {
	cfg     Config
	mu      sync.RWMutex
	samples []domain.PriceSample // Ascending by ObservedAt
}

// New creates an empty History.
func New(cfg Config) (*History, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid price history config: %w", err)
	}
	return &History{cfg: cfg}, nil
}

// Record appends a sample and prunes everything that fell out of the lookback
// window. Non-positive prices and samples older than the last one are
// rejected with ports.ErrInvalidSample.
func (h *History) Record(sample domain.PriceSample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.recordLocked(sample)
}

func (h *History) recordLocked(sample domain.PriceSample) error {
	if !sample.Price.IsPositive() {
		return fmt.Errorf("price %s must be positive: %w", sample.Price, ports.ErrInvalidSample)
	}
	if n := len(h.samples); n > 0 && sample.ObservedAt.Before(h.samples[n-1].ObservedAt) {
		return fmt.Errorf("sample at %s is older than the last recorded sample at %s: %w",
			sample.ObservedAt.Format(time.RFC3339), h.samples[n-1].ObservedAt.Format(time.RFC3339), ports.ErrInvalidSample)
	}
	h.samples = append(h.samples, sample)
	h.pruneLocked(sample.ObservedAt)
	return nil
}

func (h *History) pruneLocked(newest time.Time) {
	cutoff := newest.Add(-h.cfg.Lookback)
	idx := sort.Search(len(h.samples), func(i int) bool {
		return !h.samples[i].ObservedAt.Before(cutoff)
	})
	if idx == 0 {
		return
	}
	// Copy so the evicted prefix can be collected.
	kept := make([]domain.PriceSample, len(h.samples)-idx)
	copy(kept, h.samples[idx:])
	h.samples = kept
}

// Restore replaces the history with persisted samples, replaying them through
// Record so the same validation and pruning rules apply.
func (h *History) Restore(samples []domain.PriceSample) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.samples = nil
	for i, s := range samples {
		if err := h.recordLocked(s); err != nil {
			h.samples = nil
			return fmt.Errorf("restore sample %d: %w", i, err)
		}
	}
	return nil
}

// Samples returns a copy of the retained samples.
func (h *History) Samples() []domain.PriceSample {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.PriceSample, len(h.samples))
	copy(out, h.samples)
	return out
}

// Len returns the number of retained samples.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.samples)
}

// Trend computes the trend state over the retained samples.
func (h *History) Trend() domain.TrendState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return computeTrend(h.samples, h.cfg)
}

func computeTrend(samples []domain.PriceSample, cfg Config) domain.TrendState {
	n := len(samples)
	if n == 0 {
		return domain.NeutralTrend(decimal.Zero, 0)
	}
	current := samples[n-1].Price
	if n < cfg.MinSamples {
		return domain.NeutralTrend(current, n)
	}

	historicalMin, ok := sustainedMinimum(samples, cfg.MinStreak)
	if !ok {
		return domain.NeutralTrend(current, n)
	}

	ratio, _ := current.Div(historicalMin).Float64()
	return domain.TrendState{
		CurrentPrice:    current,
		HistoricalMin:   historicalMin,
		NearMinDuration: nearMinDuration(samples, historicalMin, cfg.NearMinBand),
		PositionRatio:   ratio,
		Samples:         n,
		Sustained:       true,
	}
}

// sustainedMinimum returns the lowest price level L such that, for at least
// streak, no sample exceeded L. Equivalently the minimum over all time
// windows of length >= streak of the maximum price inside the window.
// A window spans from its first to its last sample, so with daily closes a
// 72h streak needs four closes: nothing is assumed about the price after
// the last sample of a run.
func sustainedMinimum(samples []domain.PriceSample, streak time.Duration) (decimal.Decimal, bool) {
	n := len(samples)
	var (
		best  decimal.Decimal
		found bool
		deque []int // Indices with strictly decreasing prices; front is the window max
		next  int   // Next index to enter the window
	)
	for i := 0; i < n; i++ {
		for len(deque) > 0 && deque[0] < i {
			deque = deque[1:]
		}
		for next < n && (next <= i || samples[next-1].ObservedAt.Sub(samples[i].ObservedAt) < streak) {
			for len(deque) > 0 && samples[deque[len(deque)-1]].Price.LessThanOrEqual(samples[next].Price) {
				deque = deque[:len(deque)-1]
			}
			deque = append(deque, next)
			next++
		}
		if samples[next-1].ObservedAt.Sub(samples[i].ObservedAt) < streak {
			// Later windows only get shorter.
			break
		}
		level := samples[deque[0]].Price
		if !found || level.LessThan(best) {
			best = level
			found = true
		}
	}
	return best, found
}

// nearMinDuration measures the trailing contiguous run of samples priced
// within band above min.
func nearMinDuration(samples []domain.PriceSample, min decimal.Decimal, band float64) time.Duration {
	threshold := min.Mul(decimal.NewFromFloat(1 + band))
	last := len(samples) - 1
	first := -1
	for i := last; i >= 0; i-- {
		if samples[i].Price.GreaterThan(threshold) {
			break
		}
		first = i
	}
	if first < 0 {
		return 0
	}
	return samples[last].ObservedAt.Sub(samples[first].ObservedAt)
}
