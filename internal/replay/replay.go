// Package replay runs the sell engine over a recorded price series. Orders
// go to the paper exchange and state is kept in memory, so a replay never
// touches the exchange or the database.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lotBroker/internal/adapters/paper"
	"lotBroker/internal/app"
	"lotBroker/internal/domain"
	"lotBroker/internal/margin"
	"lotBroker/internal/ports"
	"lotBroker/internal/pricehistory"

	"github.com/shopspring/decimal"
)

// Config holds configuration for a replay.
type Config struct {
	Pair    string
	History pricehistory.Config
	Policy  margin.Config
	SellFee decimal.Decimal
	// InventoryTarget is the reference holding for the inventory ratio.
	InventoryTarget float64

	// Simulated buyer: spends BuyAmount of quote currency every BuyEvery.
	// A zero BuyEvery disables buying.
	BuyEvery  time.Duration
	BuyAmount decimal.Decimal
	BuyFee    decimal.Decimal

	// InitialLots are held before the first sample.
	InitialLots []domain.PurchaseLot
}

// Sale is one settled merged order.
type Sale struct {
	Time      time.Time
	OrderID   string
	Lots      int
	Quantity  decimal.Decimal
	Price     decimal.Decimal
	CostBasis decimal.Decimal
	Proceeds  decimal.Decimal // Net of the sell fee
	Profit    decimal.Decimal
	Margin    float64       // Required margin when the order was placed
	HeldFor   time.Duration // Mean time the sold lots were held
}

// Result holds the results of a replay.
type Result struct {
	Samples        int
	SkippedSamples int // Out of order or invalid
	Cycles         int
	Outcomes       map[domain.CycleOutcome]int
	Purchases      int
	LotsSold       int
	Spent          decimal.Decimal // Quote currency spent by the buyer, initial lots included
	Proceeds       decimal.Decimal
	RealizedProfit decimal.Decimal
	OpenLots       int
	OpenQuantity   decimal.Decimal
	OpenCostBasis  decimal.Decimal
	OpenValue      decimal.Decimal // Open quantity at the last price, net of fee
	ReturnOnSpent  float64         // (Proceeds + OpenValue - Spent) / Spent
	Sales          []Sale
	EquityCurve    []EquityPoint // Mark-to-market profit after every cycle
	Performance    *Performance
}

// Run replays samples, oldest first, through a fresh engine.
func Run(ctx context.Context, samples []domain.PriceSample, cfg Config, logger ports.Logger) (*Result, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("no price samples to replay: %w", ports.ErrInvalidRequest)
	}
	if cfg.BuyEvery > 0 && !cfg.BuyAmount.IsPositive() {
		return nil, fmt.Errorf("buy amount must be positive when buying: %w", ports.ErrInvalidRequest)
	}

	engine, err := app.NewEngine(cfg.Pair, cfg.History)
	if err != nil {
		return nil, err
	}
	policy, err := margin.NewPolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}

	var current time.Time
	clock := func() time.Time { return current }
	exchange := paper.NewExchange().WithClock(clock)

	cycle, err := app.NewCycle(app.CycleConfig{
		SellFee:          cfg.SellFee,
		InventoryTarget:  cfg.InventoryTarget,
		FillPollInterval: time.Millisecond,
		MaxFillWait:      time.Second,
	}, engine, policy, exchange, exchange, newMemStore(), nil, logger)
	if err != nil {
		return nil, err
	}
	cycle.WithClock(clock)

	result := &Result{
		Outcomes:       make(map[domain.CycleOutcome]int),
		Spent:          decimal.Zero,
		Proceeds:       decimal.Zero,
		RealizedProfit: decimal.Zero,
		Sales:          make([]Sale, 0),
		EquityCurve:    make([]EquityPoint, 0, len(samples)),
	}
	for _, lot := range cfg.InitialLots {
		if err := engine.RecordPurchase(lot); err != nil {
			return nil, err
		}
		result.Spent = result.Spent.Add(lot.SpentAmount)
	}

	one := decimal.NewFromInt(1)
	var lastBuy time.Time
	var lastPrice decimal.Decimal

	for _, s := range samples {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Samples++
		if !s.Price.IsPositive() {
			result.SkippedSamples++
			continue
		}
		current = s.ObservedAt
		exchange.SetQuote(domain.Quote{Pair: cfg.Pair, Price: s.Price, ObservedAt: s.ObservedAt})

		if cfg.BuyEvery > 0 && (lastBuy.IsZero() || current.Sub(lastBuy) >= cfg.BuyEvery) {
			qty := cfg.BuyAmount.Mul(one.Sub(cfg.BuyFee)).Div(s.Price)
			lot, err := domain.NewPurchaseLot(cfg.BuyAmount, qty, current)
			if err == nil {
				err = engine.RecordPurchase(lot)
			}
			if err != nil {
				return nil, fmt.Errorf("simulated purchase at %s: %w", current, err)
			}
			result.Purchases++
			result.Spent = result.Spent.Add(cfg.BuyAmount)
			lastBuy = current
		}

		purchasedAt := make(map[string]time.Time)
		for _, lot := range engine.AvailableLots() {
			purchasedAt[lot.ID] = lot.PurchasedAt
		}

		res, err := cycle.Run(ctx)
		if err != nil {
			if ports.IsFatal(err) {
				return nil, err
			}
			if errors.Is(err, ports.ErrInvalidSample) {
				result.SkippedSamples++
				continue
			}
			logger.Warn(ctx, "Replay cycle failed", map[string]interface{}{"at": current, "error": err.Error()})
		}
		lastPrice = s.Price
		result.Cycles++
		result.Outcomes[res.Outcome]++

		if res.Settled && res.Order != nil {
			proceeds := res.Order.ExpectedProceeds().Mul(one.Sub(cfg.SellFee))
			sale := Sale{
				Time:      current,
				OrderID:   res.Order.ID,
				Lots:      len(res.Order.LotIDs),
				Quantity:  res.Order.TotalQuantity,
				Price:     res.Order.PriceAtSubmission,
				CostBasis: res.Order.CostBasis,
				Proceeds:  proceeds,
				Profit:    proceeds.Sub(res.Order.CostBasis),
				Margin:    res.RequiredMargin,
				HeldFor:   meanHolding(res.Order.LotIDs, purchasedAt, current),
			}
			result.Sales = append(result.Sales, sale)
			result.LotsSold += sale.Lots
			result.Proceeds = result.Proceeds.Add(sale.Proceeds)
			result.RealizedProfit = result.RealizedProfit.Add(sale.Profit)
		}

		holdings := engine.HeldQuantity().Mul(s.Price).Mul(one.Sub(cfg.SellFee))
		equity, _ := result.Proceeds.Add(holdings).Sub(result.Spent).Float64()
		result.EquityCurve = append(result.EquityCurve, EquityPoint{Time: current, Value: equity})
	}

	open := engine.Lots()
	result.OpenLots = len(open)
	result.OpenQuantity = decimal.Zero
	result.OpenCostBasis = decimal.Zero
	for _, lot := range open {
		result.OpenQuantity = result.OpenQuantity.Add(lot.Quantity)
		result.OpenCostBasis = result.OpenCostBasis.Add(lot.SpentAmount)
	}
	result.OpenValue = result.OpenQuantity.Mul(lastPrice).Mul(one.Sub(cfg.SellFee))
	if result.Spent.IsPositive() {
		ret := result.Proceeds.Add(result.OpenValue).Sub(result.Spent).Div(result.Spent)
		result.ReturnOnSpent, _ = ret.Float64()
	}
	result.Performance = AnalyzePerformance(result.Sales, result.EquityCurve)

	logger.Info(ctx, "Replay finished", map[string]interface{}{
		"pair":           cfg.Pair,
		"samples":        result.Samples,
		"sales":          len(result.Sales),
		"lotsSold":       result.LotsSold,
		"realizedProfit": result.RealizedProfit.String(),
		"openLots":       result.OpenLots,
	})
	return result, nil
}

func meanHolding(lotIDs []string, purchasedAt map[string]time.Time, soldAt time.Time) time.Duration {
	var total time.Duration
	n := 0
	for _, id := range lotIDs {
		if at, ok := purchasedAt[id]; ok {
			total += soldAt.Sub(at)
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// memStore keeps the latest snapshot per pair in memory.
type memStore struct {
	mu    sync.Mutex
	snaps map[string]*domain.EngineSnapshot
}

func newMemStore() *memStore {
	return &memStore{snaps: make(map[string]*domain.EngineSnapshot)}
}

func (m *memStore) Load(ctx context.Context, pair string) (*domain.EngineSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.snaps[pair]; ok {
		cp := *s
		return &cp, nil
	}
	return &domain.EngineSnapshot{Pair: pair}, nil
}

func (m *memStore) Save(ctx context.Context, snap *domain.EngineSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snaps[snap.Pair] = &cp
	return nil
}
