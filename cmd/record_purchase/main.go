// Command record_purchase queues a bought lot for the running sell service.
// The lot is written to the purchase inbox and picked up on the next cycle,
// so the service's own state is never written by two processes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"lotBroker/config"
	"lotBroker/internal/adapters/logger"
	"lotBroker/internal/adapters/sqlite"
	"lotBroker/internal/domain"
)

var (
	symbol   = flag.String("symbol", "", "trading pair, defaults to SYMBOL")
	spent    = flag.String("spent", "", "quote currency paid, buy fees included")
	quantity = flag.String("qty", "", "base asset quantity bought")
	rate     = flag.String("rate", "", "price per unit, used with -qty when -spent is not given")
	at       = flag.String("at", "", "purchase time (RFC 3339), defaults to now")
)

func main() {
	flag.Parse()

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

	lot, err := lotFromFlags(time.Now().UTC())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid purchase: %v\n", err)
		flag.Usage()
		os.Exit(2)
	}

	pair := cfg.Symbol
	if *symbol != "" {
		pair = *symbol
	}

	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()

	if err := repo.EnqueuePurchase(ctx, pair, lot); err != nil {
		appLogger.Error(ctx, err, "Failed to queue purchase")
		log.Fatalf("Failed to queue purchase: %v", err)
	}
	appLogger.Info(ctx, "Purchase queued", map[string]interface{}{
		"pair":     pair,
		"lotID":    lot.ID,
		"spent":    lot.SpentAmount.String(),
		"quantity": lot.Quantity.String(),
		"unitCost": lot.UnitCost().String(),
	})
	fmt.Println(lot.ID)
}

func lotFromFlags(now time.Time) (domain.PurchaseLot, error) {
	if *quantity == "" {
		return domain.PurchaseLot{}, fmt.Errorf("-qty is required")
	}
	qty, err := decimal.NewFromString(*quantity)
	if err != nil {
		return domain.PurchaseLot{}, fmt.Errorf("-qty: %w", err)
	}
	purchasedAt := now
	if *at != "" {
		if purchasedAt, err = time.Parse(time.RFC3339, *at); err != nil {
			return domain.PurchaseLot{}, fmt.Errorf("-at: %w", err)
		}
	}

	switch {
	case *spent != "":
		amount, err := decimal.NewFromString(*spent)
		if err != nil {
			return domain.PurchaseLot{}, fmt.Errorf("-spent: %w", err)
		}
		return domain.NewPurchaseLot(amount, qty, purchasedAt)
	case *rate != "":
		r, err := decimal.NewFromString(*rate)
		if err != nil {
			return domain.PurchaseLot{}, fmt.Errorf("-rate: %w", err)
		}
		return domain.NewPurchaseLotAtRate(qty, r, purchasedAt)
	default:
		return domain.PurchaseLot{}, fmt.Errorf("one of -spent or -rate is required")
	}
}
