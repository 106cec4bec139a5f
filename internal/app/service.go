package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"lotBroker/config"
	"lotBroker/internal/domain"
	"lotBroker/internal/margin"
	"lotBroker/internal/metrics"
	"lotBroker/internal/ports"

	"github.com/jpillora/backoff"
)

// Dependencies groups the adapters the service runs on. History and Inbox
// are optional.
type Dependencies struct {
	Logger    ports.Logger
	Feed      ports.PriceFeed
	Execution ports.ExecutionClient
	Store     ports.StateStore
	History   ports.PriceHistoryProvider
	Inbox     ports.PurchaseInbox
	Metrics   *metrics.Metrics
}

// SellService runs the decision cycle of one pair on a fixed interval.
type SellService struct {
	cfg     *config.Config
	deps    Dependencies
	logger  ports.Logger
	engine  *Engine
	cycle   *Cycle
	backoff *backoff.Backoff
}

// NewSellService creates a new application service instance.
func NewSellService(cfg *config.Config, deps Dependencies) (*SellService, error) {
	if cfg == nil || deps.Logger == nil || deps.Feed == nil || deps.Execution == nil || deps.Store == nil {
		return nil, fmt.Errorf("missing required dependencies for SellService")
	}
	if cfg.CycleInterval <= 0 {
		return nil, fmt.Errorf("configuration CycleInterval must be positive")
	}

	engine, err := NewEngine(cfg.Symbol, cfg.HistoryConfig())
	if err != nil {
		return nil, err
	}
	policy, err := margin.NewPolicy(cfg.PolicyConfig())
	if err != nil {
		return nil, err
	}
	cycle, err := NewCycle(CycleConfig{
		SellFee:          cfg.SellFee,
		InventoryTarget:  cfg.InventoryTarget,
		MaxQuoteAge:      cfg.MaxQuoteAge,
		FillPollInterval: cfg.FillPollInterval,
		MaxFillWait:      cfg.MaxFillWait,
	}, engine, policy, deps.Feed, deps.Execution, deps.Store, deps.Metrics, deps.Logger)
	if err != nil {
		return nil, err
	}

	return &SellService{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		engine: engine,
		cycle:  cycle,
		backoff: &backoff.Backoff{
			Min:    cfg.FeedBackoffMin,
			Max:    cfg.FeedBackoffMax,
			Factor: 2,
			Jitter: true,
		},
	}, nil
}

// Engine exposes the pair state, mainly for tools and tests.
func (s *SellService) Engine() *Engine { return s.engine }

// Cycle exposes the decision cycle.
func (s *SellService) Cycle() *Cycle { return s.cycle }

// Init restores the persisted state, warms up the price history and settles
// orders left pending by a previous run.
func (s *SellService) Init(ctx context.Context) error {
	pair := s.engine.Pair()
	snap, err := s.deps.Store.Load(ctx, pair)
	if err != nil {
		return fmt.Errorf("failed to load state for %s: %w", pair, err)
	}
	if err := s.engine.Restore(snap); err != nil {
		if ports.IsFatal(err) {
			s.logger.Error(ctx, err, "Persisted ledger is inconsistent, refusing to start", map[string]interface{}{"pair": pair})
			return err
		}
		s.logger.Warn(ctx, "Persisted price history unusable, starting from an empty history", map[string]interface{}{"pair": pair, "error": err.Error()})
	}
	s.logger.Info(ctx, "State restored", map[string]interface{}{
		"pair":    pair,
		"lots":    len(snap.Lots),
		"samples": s.engine.History().Len(),
		"pending": len(snap.Pending),
	})

	s.warmUpHistory(ctx)

	if err := s.ingestPurchases(ctx); err != nil {
		return err
	}
	if err := s.cycle.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile pending orders: %w", err)
	}
	if err := s.engine.Persist(ctx, s.deps.Store); err != nil {
		return fmt.Errorf("failed to persist restored state: %w", err)
	}
	return nil
}

// warmUpHistory backfills daily closes when the history is too short to
// trust. Failures only delay the trend adjustment.
func (s *SellService) warmUpHistory(ctx context.Context) {
	hist := s.engine.History()
	if s.deps.History == nil || hist.Len() >= s.cfg.MinSamples {
		return
	}
	since := time.Now().UTC().Add(-s.cfg.Lookback)
	if samples := hist.Samples(); len(samples) > 0 {
		// Backfilled closes must precede what is already recorded.
		s.logger.Debug(ctx, "Skipping history warm-up, samples already recorded", map[string]interface{}{"samples": len(samples)})
		return
	}
	closes, err := s.deps.History.DailyCloses(ctx, s.engine.Pair(), since)
	if err != nil {
		s.logger.Warn(ctx, "History warm-up failed, starting cold", map[string]interface{}{"error": err.Error()})
		return
	}
	recorded := 0
	for _, c := range closes {
		if err := hist.Record(c); err != nil {
			s.logger.Warn(ctx, "Skipping backfilled sample", map[string]interface{}{"observedAt": c.ObservedAt, "error": err.Error()})
			continue
		}
		recorded++
	}
	s.logger.Info(ctx, "Price history warmed up", map[string]interface{}{"pair": s.engine.Pair(), "samples": recorded})
}

// RecordPurchase adds a lot bought by the buyer and persists it. It may be
// called while a cycle awaits its fill.
func (s *SellService) RecordPurchase(ctx context.Context, lot domain.PurchaseLot) error {
	if err := s.checkQuantity(ctx, lot); err != nil {
		return err
	}
	if err := s.engine.RecordPurchase(lot); err != nil {
		return err
	}
	s.logger.Info(ctx, "Purchase recorded", map[string]interface{}{
		"pair":     s.engine.Pair(),
		"lotID":    lot.ID,
		"quantity": lot.Quantity.String(),
		"spent":    lot.SpentAmount.String(),
	})
	return s.engine.Persist(ctx, s.deps.Store)
}

// checkQuantity refuses a lot the exchange could never sell, when the
// execution client knows the exchange's size rules. Failing to look the
// rules up does not block the purchase.
func (s *SellService) checkQuantity(ctx context.Context, lot domain.PurchaseLot) error {
	checker, ok := s.deps.Execution.(ports.QuantityChecker)
	if !ok {
		return nil
	}
	err := checker.CheckQuantity(ctx, s.engine.Pair(), lot.Quantity)
	if err == nil || errors.Is(err, ports.ErrInvalidRequest) {
		return err
	}
	s.logger.Warn(ctx, "Could not check purchase quantity against exchange rules", map[string]interface{}{
		"pair":  s.engine.Pair(),
		"lotID": lot.ID,
		"error": err.Error(),
	})
	return nil
}

// ingestPurchases moves queued purchases into the ledger. Lots already
// ingested are only acknowledged.
func (s *SellService) ingestPurchases(ctx context.Context) error {
	if s.deps.Inbox == nil {
		return nil
	}
	pair := s.engine.Pair()
	queued, err := s.deps.Inbox.QueuedPurchases(ctx, pair)
	if err != nil {
		s.logger.Warn(ctx, "Could not read purchase inbox", map[string]interface{}{"pair": pair, "error": err.Error()})
		return nil
	}
	if len(queued) == 0 {
		return nil
	}

	ids := make([]string, 0, len(queued))
	for _, lot := range queued {
		if err := s.checkQuantity(ctx, lot); err != nil {
			s.logger.Error(ctx, err, "Queued purchase cannot be sold on the exchange, dropping it", map[string]interface{}{"pair": pair, "lotID": lot.ID})
			ids = append(ids, lot.ID)
			continue
		}
		added, err := s.engine.IngestPurchase(lot)
		switch {
		case err != nil:
			s.logger.Error(ctx, err, "Queued purchase is invalid, dropping it", map[string]interface{}{"pair": pair, "lotID": lot.ID})
		case added:
			s.logger.Info(ctx, "Purchase recorded", map[string]interface{}{"pair": pair, "lotID": lot.ID, "quantity": lot.Quantity.String()})
		default:
			s.logger.Debug(ctx, "Queued purchase already ingested", map[string]interface{}{"pair": pair, "lotID": lot.ID})
		}
		ids = append(ids, lot.ID)
	}
	if err := s.engine.Persist(ctx, s.deps.Store); err != nil {
		return fmt.Errorf("failed to persist queued purchases: %w", err)
	}
	if err := s.deps.Inbox.AckPurchases(ctx, pair, ids); err != nil {
		s.logger.Warn(ctx, "Could not acknowledge queued purchases", map[string]interface{}{"pair": pair, "error": err.Error()})
	}
	return nil
}

// RunOnce ingests queued purchases and runs a single decision cycle.
func (s *SellService) RunOnce(ctx context.Context) (*CycleResult, error) {
	if err := s.ingestPurchases(ctx); err != nil {
		s.logger.Error(ctx, err, "Purchase ingestion failed")
	}
	res, err := s.cycle.Run(ctx)
	if res != nil && res.Outcome != "" {
		s.logger.Info(ctx, "Cycle finished", map[string]interface{}{
			"pair":           s.engine.Pair(),
			"outcome":        string(res.Outcome),
			"state":          string(res.State),
			"requiredMargin": res.RequiredMargin,
			"sold":           len(res.Selection.ToSell),
		})
	}
	return res, err
}

// Start restores state and runs cycles until ctx is cancelled, a shutdown
// signal arrives or a fatal ledger error occurs.
func (s *SellService) Start(ctx context.Context) error {
	s.logger.Info(ctx, "Starting Sell Service...", map[string]interface{}{"pair": s.engine.Pair(), "interval": s.cfg.CycleInterval.String()})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Handle graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			s.logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := s.Init(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info(context.Background(), "Sell Service stopped.")
			return nil
		case <-timer.C:
		}

		_, err := s.RunOnce(ctx)
		timer.Reset(s.nextDelay(ctx, err))
		if err != nil && ports.IsFatal(err) {
			s.logger.Error(ctx, err, "Fatal ledger error, halting")
			return err
		}
	}
}

// nextDelay picks the wait before the next cycle: the regular interval, or
// a growing backoff while the price feed keeps failing.
func (s *SellService) nextDelay(ctx context.Context, err error) time.Duration {
	switch {
	case err == nil:
		s.backoff.Reset()
		return s.cfg.CycleInterval
	case errors.Is(err, ports.ErrFeedUnavailable), errors.Is(err, ports.ErrStaleQuote):
		d := s.backoff.Duration()
		if d > s.cfg.CycleInterval {
			d = s.cfg.CycleInterval
		}
		s.logger.Debug(ctx, "Retrying price feed", map[string]interface{}{"delay": d.String()})
		return d
	case errors.Is(err, ports.ErrCycleInProgress):
		return s.cfg.CycleInterval
	default:
		switch {
		case ports.IsRetryable(err):
			s.logger.Warn(ctx, "Cycle ended with transient error", map[string]interface{}{"error": err.Error()})
		case !ports.IsFatal(err):
			s.logger.Error(ctx, err, "Cycle ended with error, operator attention needed")
		}
		s.backoff.Reset()
		return s.cfg.CycleInterval
	}
}
