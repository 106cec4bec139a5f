package replay

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"
)

// ParameterRange defines a range for a parameter to sweep.
type ParameterRange struct {
	Name string // One of the keys of sweepParams
	Min  float64
	Max  float64
	Step float64
}

// SweepResult holds one replay of a parameter sweep.
type SweepResult struct {
	Parameters map[string]float64
	Result     *Result
	Score      float64
}

// ScoreFunc ranks a replay result; higher is better.
type ScoreFunc func(*Result) float64

var sweepParams = map[string]func(*Config, float64){
	"baseline":             func(c *Config, v float64) { c.Policy.Baseline = v },
	"floor":                func(c *Config, v float64) { c.Policy.Floor = v },
	"ceiling":              func(c *Config, v float64) { c.Policy.Ceiling = v },
	"trend_weight":         func(c *Config, v float64) { c.Policy.TrendWeight = v },
	"trend_band":           func(c *Config, v float64) { c.Policy.TrendBand = v },
	"inventory_weight":     func(c *Config, v float64) { c.Policy.InventoryWeight = v },
	"inventory_min_factor": func(c *Config, v float64) { c.Policy.InventoryMinFactor = v },
	"inventory_target":     func(c *Config, v float64) { c.InventoryTarget = v },
	"near_min_band":        func(c *Config, v float64) { c.History.NearMinBand = v },
}

// Sweep replays samples once per parameter combination, running up to
// workers replays at a time, and returns the results best score first.
// Combinations with an invalid configuration are logged and skipped.
func Sweep(ctx context.Context, samples []domain.PriceSample, base Config, ranges []ParameterRange, score ScoreFunc, workers int, logger ports.Logger) ([]SweepResult, error) {
	for _, r := range ranges {
		if _, ok := sweepParams[r.Name]; !ok {
			return nil, fmt.Errorf("unknown sweep parameter %q: %w", r.Name, ports.ErrInvalidRequest)
		}
		if r.Step <= 0 || r.Max < r.Min {
			return nil, fmt.Errorf("invalid range for %q: %w", r.Name, ports.ErrInvalidRequest)
		}
	}
	if score == nil {
		score = DefaultScoreFunction
	}
	if workers <= 0 {
		workers = 1
	}

	combinations := generateCombinations(ranges)
	resultChan := make(chan SweepResult, len(combinations))
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for _, params := range combinations {
		wg.Add(1)
		go func(params map[string]float64) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			cfg := base
			cfg.InitialLots = append([]domain.PurchaseLot(nil), base.InitialLots...)
			for name, v := range params {
				sweepParams[name](&cfg, v)
			}

			result, err := Run(ctx, samples, cfg, logger)
			if err != nil {
				logger.Warn(ctx, "Skipping sweep combination", map[string]interface{}{"params": params, "error": err.Error()})
				return
			}
			resultChan <- SweepResult{Parameters: params, Result: result, Score: score(result)}
		}(params)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]SweepResult, 0, len(combinations))
	for r := range resultChan {
		results = append(results, r)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results, nil
}

// generateCombinations returns the cartesian product of the ranges.
func generateCombinations(ranges []ParameterRange) []map[string]float64 {
	var combinations []map[string]float64
	current := make(map[string]float64)

	var generate func(int)
	generate = func(idx int) {
		if idx == len(ranges) {
			combination := make(map[string]float64, len(current))
			for k, v := range current {
				combination[k] = v
			}
			combinations = append(combinations, combination)
			return
		}
		r := ranges[idx]
		steps := int(math.Floor((r.Max-r.Min)/r.Step + 1e-9))
		for i := 0; i <= steps; i++ {
			current[r.Name] = r.Min + float64(i)*r.Step
			generate(idx + 1)
		}
	}
	generate(0)
	return combinations
}

// DefaultScoreFunction ranks by realized profit, penalized by the deepest
// drawdown of the equity curve.
func DefaultScoreFunction(r *Result) float64 {
	profit, _ := r.RealizedProfit.Float64()
	if r.Performance == nil {
		return profit
	}
	return profit - 0.5*r.Performance.MaxDrawdown
}
