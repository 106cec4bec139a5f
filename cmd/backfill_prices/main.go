package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"lotBroker/config"
	"lotBroker/internal/adapters/binanceclient"
	"lotBroker/internal/adapters/logger"
	"lotBroker/internal/utils"
)

var (
	symbol = flag.String("symbol", "", "trading pair, defaults to SYMBOL")
	days   = flag.Int("days", 0, "days of daily closes to fetch, defaults to the history lookback")
	out    = flag.String("out", "", "output CSV file, defaults to data/<symbol>_1d_<from>_to_<to>.csv")
)

func main() {
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger, err := logger.New(cfg.LogLevel)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize logger: %v", err)
	}
	defer func() { _ = appLogger.Sync() }()
	ctx := context.Background()

	// 3. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	pair := cfg.Symbol
	if *symbol != "" {
		pair = *symbol
	}
	end := time.Now().UTC()
	start := end.Add(-cfg.Lookback)
	if *days > 0 {
		start = end.AddDate(0, 0, -*days)
	}

	appLogger.Info(ctx, "Fetching daily closes", map[string]interface{}{"symbol": pair, "from": start, "to": end})
	samples, err := binanceClient.DailyCloses(ctx, pair, start)
	if err != nil {
		appLogger.Error(ctx, err, "Error fetching daily closes")
		log.Fatalf("Error fetching daily closes: %v", err)
	}
	appLogger.Info(ctx, "Fetched daily closes", map[string]interface{}{"count": len(samples)})

	filename := *out
	if filename == "" {
		filename = fmt.Sprintf("data/%s_1d_%s_to_%s.csv", pair, start.Format("20060102"), end.Format("20060102"))
	}
	if err := utils.WritePriceSamplesToCSV(samples, filename); err != nil {
		appLogger.Error(ctx, err, "Error writing CSV")
		log.Fatalf("Error writing CSV: %v", err)
	}
	appLogger.Info(ctx, "Saved to", map[string]interface{}{"filename": filename})
}
