package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"lotBroker/config"
	"lotBroker/internal/adapters/logger"
	"lotBroker/internal/replay"
	"lotBroker/internal/utils"
)

var (
	csvPath   = flag.String("csv", "", "price samples CSV written by backfill_prices (required)")
	buyEvery  = flag.Duration("buy-every", 7*24*time.Hour, "simulated purchase interval, 0 disables buying")
	buyAmount = flag.String("buy-amount", "100", "quote currency spent per simulated purchase")
	buyFee    = flag.String("buy-fee", "0.001", "fraction of each purchase taken as fee")
	sweep     = flag.String("sweep", "", "parameter ranges to compare, e.g. baseline=0.02:0.10:0.02,trend_weight=0:2:0.5")
	top       = flag.Int("top", 5, "number of sweep results to report")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	appLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	ctx := context.Background()

	// 2. Load price samples
	if *csvPath == "" {
		log.Fatalf("-csv is required")
	}
	samples, err := utils.ReadPriceSamplesFromCSV(*csvPath)
	if err != nil {
		appLogger.Error(ctx, err, "Error loading price samples", map[string]interface{}{"file": *csvPath})
		log.Fatalf("Error loading price samples: %v", err)
	}
	appLogger.Info(ctx, "Loaded price samples", map[string]interface{}{"file": *csvPath, "count": len(samples)})

	amount, err := decimal.NewFromString(*buyAmount)
	if err != nil {
		log.Fatalf("Invalid -buy-amount: %v", err)
	}
	fee, err := decimal.NewFromString(*buyFee)
	if err != nil {
		log.Fatalf("Invalid -buy-fee: %v", err)
	}

	base := replay.Config{
		Pair:            cfg.Symbol,
		History:         cfg.HistoryConfig(),
		Policy:          cfg.PolicyConfig(),
		SellFee:         cfg.SellFee,
		InventoryTarget: cfg.InventoryTarget,
		BuyEvery:        *buyEvery,
		BuyAmount:       amount,
		BuyFee:          fee,
	}

	// 3. Single replay with the configured policy
	if *sweep == "" {
		result, err := replay.Run(ctx, samples, base, appLogger)
		if err != nil {
			appLogger.Error(ctx, err, "Replay error")
			log.Fatalf("Replay error: %v", err)
		}
		report(ctx, appLogger, nil, result)
		return
	}

	// 4. Parameter sweep
	ranges, err := parseRanges(*sweep)
	if err != nil {
		log.Fatalf("Invalid -sweep: %v", err)
	}
	results, err := replay.Sweep(ctx, samples, base, ranges, replay.DefaultScoreFunction, runtime.NumCPU(), appLogger)
	if err != nil {
		appLogger.Error(ctx, err, "Sweep error")
		log.Fatalf("Sweep error: %v", err)
	}
	appLogger.Info(ctx, "Sweep finished", map[string]interface{}{"combinations": len(results)})
	for i, r := range results {
		if i >= *top {
			break
		}
		report(ctx, appLogger, r.Parameters, r.Result)
	}
}

func report(ctx context.Context, l *logger.ZapLogger, params map[string]float64, result *replay.Result) {
	fields := map[string]interface{}{
		"cycles":         result.Cycles,
		"purchases":      result.Purchases,
		"sales":          len(result.Sales),
		"lotsSold":       result.LotsSold,
		"spent":          result.Spent.StringFixed(2),
		"proceeds":       result.Proceeds.StringFixed(2),
		"realizedProfit": result.RealizedProfit.StringFixed(2),
		"openLots":       result.OpenLots,
		"openValue":      result.OpenValue.StringFixed(2),
		"returnOnSpent":  result.ReturnOnSpent * 100,
	}
	if p := result.Performance; p != nil {
		fields["maxDrawdown"] = p.MaxDrawdown
		fields["averageReturn"] = p.AverageReturn * 100
		fields["averageHolding"] = p.AverageHolding.String()
	}
	for name, v := range params {
		fields[name] = v
	}
	l.Info(ctx, "Replay result", fields)
}

// parseRanges parses name=min:max:step entries separated by commas.
func parseRanges(s string) ([]replay.ParameterRange, error) {
	var ranges []replay.ParameterRange
	for _, entry := range strings.Split(s, ",") {
		name, bounds, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			return nil, fmt.Errorf("%q: expected name=min:max:step", entry)
		}
		parts := strings.Split(bounds, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("%q: expected min:max:step", entry)
		}
		var vals [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, fmt.Errorf("%q: %w", entry, err)
			}
			vals[i] = v
		}
		ranges = append(ranges, replay.ParameterRange{Name: name, Min: vals[0], Max: vals[1], Step: vals[2]})
	}
	return ranges, nil
}
