package main

import (
	"context"
	"errors"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lotBroker/config"
	"lotBroker/internal/adapters/binanceclient"
	"lotBroker/internal/adapters/logger"
	"lotBroker/internal/adapters/paper"
	"lotBroker/internal/adapters/sqlite"
	"lotBroker/internal/app"
	"lotBroker/internal/metrics"
	"lotBroker/internal/ports"
)

const maxConnectAttempts = 5

func main() {
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
	appLogger.Info(ctx, "Logger initialized", map[string]interface{}{"level": cfg.LogLevel.String()})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(ctx, err, "Error closing database repository")
		}
	}()
	appLogger.Info(ctx, "Database repository initialized", map[string]interface{}{"path": cfg.DBPath})

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	if err := connect(ctx, binanceClient, cfg.ReconnectDelay, appLogger); err != nil {
		log.Fatalf("FATAL: Binance is unreachable: %v", err)
	}
	appLogger.Info(ctx, "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Pick the execution venue
	var execution ports.ExecutionClient = binanceClient
	if cfg.PaperTrading {
		execution = paper.NewExchange()
		appLogger.Warn(ctx, "Paper trading enabled, sell orders are simulated locally")
	}

	// 6. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)
	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr, registry, appLogger)
	}

	// 7. Initialize Application Service
	sellService, err := app.NewSellService(cfg, app.Dependencies{
		Logger:    appLogger,
		Feed:      binanceClient,
		Execution: execution,
		Store:     repo,
		History:   binanceClient,
		Inbox:     repo,
		Metrics:   m,
	})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize sell service: %v", err)
	}
	appLogger.Info(ctx, "Sell service initialized", map[string]interface{}{"symbol": cfg.Symbol})

	// 8. Start the Service
	if err := sellService.Start(ctx); err != nil {
		appLogger.Error(ctx, err, "Sell service exited with error")
		log.Fatalf("FATAL: Sell service exited with error: %v", err)
	}

	appLogger.Info(ctx, "Application finished gracefully.")
}

// connect pings the exchange and syncs the clock, retrying with a fixed delay.
func connect(ctx context.Context, c *binanceclient.Client, delay time.Duration, l ports.Logger) error {
	var err error
	for attempt := 1; attempt <= maxConnectAttempts; attempt++ {
		if err = c.Ping(ctx); err == nil {
			if err = c.SetServerTime(ctx); err == nil {
				return nil
			}
		}
		l.Warn(ctx, "Binance connection attempt failed", map[string]interface{}{
			"attempt": attempt,
			"error":   err.Error(),
			"retryIn": delay.String(),
		})
		if attempt < maxConnectAttempts {
			time.Sleep(delay)
		}
	}
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, l ports.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	l.Info(ctx, "Serving metrics", map[string]interface{}{"addr": addr})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.Error(ctx, err, "Metrics server stopped")
	}
}
