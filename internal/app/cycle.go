package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/margin"
	"lotBroker/internal/merger"
	"lotBroker/internal/metrics"
	"lotBroker/internal/ports"
	"lotBroker/internal/selector"

	"github.com/shopspring/decimal"
)

// CycleConfig holds the parameters of a decision cycle.
type CycleConfig struct {
	SellFee          decimal.Decimal // Fraction of proceeds taken by the exchange
	InventoryTarget  float64         // Reference holding for the inventory ratio, 0 disables it
	MaxQuoteAge      time.Duration   // 0 accepts quotes of any age
	FillPollInterval time.Duration
	MaxFillWait      time.Duration
}

// Validate checks the cycle parameters.
func (c CycleConfig) Validate() error {
	if c.SellFee.IsNegative() || c.SellFee.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("sell fee %s must be in [0, 1): %w", c.SellFee, ports.ErrConfigurationError)
	}
	if c.InventoryTarget < 0 {
		return fmt.Errorf("inventory target must not be negative: %w", ports.ErrConfigurationError)
	}
	if c.MaxQuoteAge < 0 {
		return fmt.Errorf("max quote age must not be negative: %w", ports.ErrConfigurationError)
	}
	if c.FillPollInterval <= 0 || c.MaxFillWait <= 0 {
		return fmt.Errorf("fill poll interval and max fill wait must be positive: %w", ports.ErrConfigurationError)
	}
	return nil
}

// CycleResult describes what one run of the cycle did.
type CycleResult struct {
	State          domain.CycleState // Last state reached
	Outcome        domain.CycleOutcome
	Quote          domain.Quote
	Trend          domain.TrendState
	RequiredMargin float64
	Selection      selector.Selection
	Order          *domain.MergedSellOrder // Nil when nothing was sold
	Settled        bool                    // True when the ledger was mutated by this run
}

// Cycle runs the fetch, evaluate, submit and settle sequence for one pair.
// At most one run is active at a time; purchases may be recorded while a run
// awaits its fill.
type Cycle struct {
	engine  *Engine
	policy  *margin.Policy
	feed    ports.PriceFeed
	exec    ports.ExecutionClient
	store   ports.StateStore
	metrics *metrics.Metrics
	logger  ports.Logger
	cfg     CycleConfig
	now     func() time.Time

	running sync.Mutex
}

// NewCycle wires a cycle. metrics may be nil.
func NewCycle(
	cfg CycleConfig,
	engine *Engine,
	policy *margin.Policy,
	feed ports.PriceFeed,
	exec ports.ExecutionClient,
	store ports.StateStore,
	m *metrics.Metrics,
	logger ports.Logger,
) (*Cycle, error) {
	if engine == nil || policy == nil || feed == nil || exec == nil || store == nil || logger == nil {
		return nil, fmt.Errorf("missing required dependencies for Cycle")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Cycle{
		engine:  engine,
		policy:  policy,
		feed:    feed,
		exec:    exec,
		store:   store,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock replaces the clock used for quote freshness and order stamps.
func (c *Cycle) WithClock(now func() time.Time) *Cycle {
	c.now = now
	return c
}

// Run executes one decision cycle. It fails with ports.ErrCycleInProgress
// when another run is active. A returned error matching ports.IsFatal means
// the ledger can no longer be trusted and the engine must stop.
func (c *Cycle) Run(ctx context.Context) (*CycleResult, error) {
	if !c.running.TryLock() {
		return nil, ports.ErrCycleInProgress
	}
	defer c.running.Unlock()

	res := &CycleResult{State: domain.StateIdle}
	err := c.run(ctx, res)
	if res.Outcome != "" {
		c.metrics.ObserveCycle(c.engine.Pair(), res.Outcome)
	}
	return res, err
}

func (c *Cycle) run(ctx context.Context, res *CycleResult) error {
	pair := c.engine.Pair()

	// Orders left over by an earlier run settle before anything new is sold.
	if err := c.reconcileLocked(ctx); err != nil && ports.IsFatal(err) {
		res.Outcome = domain.OutcomeFailed
		return err
	}

	// --- Fetching ---
	res.State = domain.StateFetching
	quote, err := c.fetchQuote(ctx, pair)
	if err != nil {
		res.Outcome = domain.OutcomeAborted
		res.State = domain.StateIdle
		return err
	}
	res.Quote = quote
	if err := c.engine.History().Record(quote.Sample()); err != nil {
		c.logger.Warn(ctx, "Discarding price sample", map[string]interface{}{"pair": pair, "price": quote.Price.String(), "error": err.Error()})
		res.Outcome = domain.OutcomeAborted
		res.State = domain.StateIdle
		return err
	}

	// --- Evaluating ---
	res.State = domain.StateEvaluating
	res.Trend = c.engine.History().Trend()
	held, _ := c.engine.HeldQuantity().Float64()
	inventory := margin.InventoryRatio(held, c.cfg.InventoryTarget)
	res.RequiredMargin = c.policy.RequiredMargin(res.Trend, inventory)

	lots := c.engine.AvailableLots()
	res.Selection = selector.Select(lots, quote.Price, res.RequiredMargin, c.cfg.SellFee)

	c.metrics.ObserveEvaluation(pair, res.Trend, res.RequiredMargin)
	c.metrics.ObserveInventory(pair, held, len(c.engine.Lots()))
	c.logger.Debug(ctx, "Cycle evaluated", map[string]interface{}{
		"pair":           pair,
		"price":          quote.Price.String(),
		"historicalMin":  res.Trend.HistoricalMin.String(),
		"positionRatio":  res.Trend.PositionRatio,
		"daysNearMin":    res.Trend.DaysAtOrNearMin(),
		"sustained":      res.Trend.Sustained,
		"inventoryRatio": inventory,
		"requiredMargin": res.RequiredMargin,
		"sellable":       len(res.Selection.ToSell),
		"held":           len(res.Selection.ToHold),
	})

	order, err := merger.Merge(pair, res.Selection.ToSell, lots, quote.Price, c.now())
	if err != nil {
		res.Outcome = domain.OutcomeAborted
		res.State = domain.StateIdle
		return err
	}
	if order == nil {
		res.Outcome = domain.OutcomeNothingToSell
		res.State = domain.StateIdle
		c.persist(ctx)
		return nil
	}
	res.Order = order

	// --- Submitting ---
	res.State = domain.StateSubmitting
	if err := c.engine.Propose(order); err != nil {
		res.Outcome = domain.OutcomeAborted
		res.State = domain.StateIdle
		return err
	}
	// The order must be durable before the exchange can act on it.
	if err := c.engine.Persist(ctx, c.store); err != nil {
		c.engine.Reject(order.ID)
		res.Outcome = domain.OutcomeAborted
		res.State = domain.StateIdle
		return fmt.Errorf("persist order %s before submission: %w", order.ID, err)
	}

	c.logger.Info(ctx, "Submitting merged sell order", map[string]interface{}{
		"pair":      pair,
		"orderID":   order.ID,
		"lots":      len(order.LotIDs),
		"quantity":  order.TotalQuantity.String(),
		"price":     order.PriceAtSubmission.String(),
		"costBasis": order.CostBasis.String(),
		"proceeds":  order.ExpectedProceeds().String(),
		"margin":    res.RequiredMargin,
	})
	exchangeID, err := c.exec.SubmitSellOrder(ctx, ports.SellRequest{
		ClientOrderID: order.ID,
		Pair:          pair,
		Quantity:      order.TotalQuantity,
	})
	if err != nil {
		if refused(err) {
			c.engine.Reject(order.ID)
			c.persist(ctx)
			c.logger.Warn(ctx, "Sell order refused, lots stay in the ledger", map[string]interface{}{"pair": pair, "orderID": order.ID, "error": err.Error()})
			res.Outcome = domain.OutcomeRejected
			res.State = domain.StateRejected
			if errors.Is(err, ports.ErrExecutionRejected) {
				return nil
			}
			return err
		}
		// Outcome unknown: the order may have reached the exchange.
		c.logger.Warn(ctx, "Sell order submission unconfirmed, polling for its status", map[string]interface{}{"pair": pair, "orderID": order.ID, "error": err.Error()})
	} else {
		c.engine.SetExchangeOrderID(order.ID, exchangeID)
		order.ExchangeOrderID = exchangeID
		c.persist(ctx)
	}

	// --- Awaiting fill ---
	res.State = domain.StateAwaitingFill
	return c.awaitFill(ctx, order, res)
}

// fetchQuote reads the current price and rejects unusable quotes.
func (c *Cycle) fetchQuote(ctx context.Context, pair string) (domain.Quote, error) {
	quote, err := c.feed.CurrentPrice(ctx, pair)
	if err != nil {
		c.metrics.FeedFailure(pair)
		if !errors.Is(err, ports.ErrFeedUnavailable) {
			err = fmt.Errorf("%w: %w", ports.ErrFeedUnavailable, err)
		}
		c.logger.Warn(ctx, "Price feed unavailable, skipping cycle", map[string]interface{}{"pair": pair, "error": err.Error()})
		return domain.Quote{}, err
	}
	if !quote.Price.IsPositive() {
		return domain.Quote{}, fmt.Errorf("quote price %s: %w", quote.Price, ports.ErrInvalidSample)
	}
	if c.cfg.MaxQuoteAge > 0 {
		if age := c.now().Sub(quote.ObservedAt); age > c.cfg.MaxQuoteAge {
			c.logger.Warn(ctx, "Discarding stale quote", map[string]interface{}{"pair": pair, "age": age.String(), "maxAge": c.cfg.MaxQuoteAge.String()})
			return domain.Quote{}, fmt.Errorf("quote is %s old: %w", age, ports.ErrStaleQuote)
		}
	}
	return quote, nil
}

// awaitFill polls the order until it settles or the maximum wait elapses.
// No ledger lock is held while waiting.
func (c *Cycle) awaitFill(ctx context.Context, order *domain.MergedSellOrder, res *CycleResult) error {
	pair := c.engine.Pair()
	deadline := time.NewTimer(c.cfg.MaxFillWait)
	defer deadline.Stop()
	ticker := time.NewTicker(c.cfg.FillPollInterval)
	defer ticker.Stop()

	for {
		status, err := c.exec.PollFillStatus(ctx, pair, order.ID)
		if err != nil {
			c.logger.Warn(ctx, "Fill status poll failed", map[string]interface{}{"pair": pair, "orderID": order.ID, "error": err.Error()})
		} else {
			done, err := c.applyStatus(ctx, order, status, res)
			if done || err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			res.Outcome = domain.OutcomeFailed
			return fmt.Errorf("awaiting fill of order %s: %w: %v", order.ID, ports.ErrContextCanceled, ctx.Err())
		case <-deadline.C:
			c.logger.Warn(ctx, "Sell order not settled in time, keeping it pending", map[string]interface{}{
				"pair":    pair,
				"orderID": order.ID,
				"maxWait": c.cfg.MaxFillWait.String(),
			})
			res.Outcome = domain.OutcomeFailed
			return fmt.Errorf("order %s not settled within %s: %w", order.ID, c.cfg.MaxFillWait, ports.ErrExecutionTimeout)
		case <-ticker.C:
		}
	}
}

// applyStatus acts on a fill status. It reports whether the order reached a
// final state.
func (c *Cycle) applyStatus(ctx context.Context, order *domain.MergedSellOrder, status domain.FillStatus, res *CycleResult) (bool, error) {
	pair := c.engine.Pair()
	switch status.State {
	case domain.FillFilled:
		applied, err := c.engine.Confirm(order.ID, status.FilledQuantity)
		if err != nil {
			if ports.IsFatal(err) {
				c.logger.Error(ctx, err, "Ledger no longer matches the filled order", map[string]interface{}{"pair": pair, "orderID": order.ID})
			} else {
				c.logger.Error(ctx, err, "Sell order filled partially, lots kept; operator review needed", map[string]interface{}{
					"pair":      pair,
					"orderID":   order.ID,
					"requested": order.TotalQuantity.String(),
					"filled":    status.FilledQuantity.String(),
				})
			}
			c.persist(ctx)
			res.Outcome = domain.OutcomeFailed
			return true, err
		}
		if applied {
			res.Settled = true
			c.metrics.LotsSold(pair, len(order.LotIDs))
			c.logger.Info(ctx, "Sell order settled", map[string]interface{}{
				"pair":     pair,
				"orderID":  order.ID,
				"lots":     len(order.LotIDs),
				"quantity": status.FilledQuantity.String(),
			})
		}
		c.persist(ctx)
		res.Outcome = domain.OutcomeSettled
		res.State = domain.StateSettled
		return true, nil
	case domain.FillRejected:
		c.engine.Reject(order.ID)
		c.persist(ctx)
		c.logger.Warn(ctx, "Sell order rejected, lots stay in the ledger", map[string]interface{}{"pair": pair, "orderID": order.ID, "reason": status.Reason})
		res.Outcome = domain.OutcomeRejected
		res.State = domain.StateRejected
		return true, nil
	default:
		return false, nil
	}
}

// Reconcile polls every pending order once and settles those the exchange
// has finished with. Safe to call at startup and between runs.
func (c *Cycle) Reconcile(ctx context.Context) error {
	if !c.running.TryLock() {
		return ports.ErrCycleInProgress
	}
	defer c.running.Unlock()
	return c.reconcileLocked(ctx)
}

func (c *Cycle) reconcileLocked(ctx context.Context) error {
	pair := c.engine.Pair()
	for _, o := range c.engine.Pending() {
		order := o
		status, err := c.exec.PollFillStatus(ctx, pair, order.ID)
		if err != nil {
			if errors.Is(err, ports.ErrOrderNotFound) && c.now().Sub(order.CreatedAt) > c.cfg.MaxFillWait {
				// Never reached the exchange.
				c.engine.Reject(order.ID)
				c.persist(ctx)
				c.logger.Warn(ctx, "Pending order unknown to the exchange, releasing its lots", map[string]interface{}{"pair": pair, "orderID": order.ID})
				continue
			}
			c.logger.Warn(ctx, "Could not reconcile pending order", map[string]interface{}{"pair": pair, "orderID": order.ID, "error": err.Error()})
			continue
		}
		var res CycleResult
		if _, err := c.applyStatus(ctx, &order, status, &res); err != nil && ports.IsFatal(err) {
			return err
		}
	}
	return nil
}

// persist saves the engine state, logging failures. The next successful
// save catches up.
func (c *Cycle) persist(ctx context.Context) {
	if err := c.engine.Persist(ctx, c.store); err != nil {
		c.logger.Error(ctx, err, "Failed to persist engine state", map[string]interface{}{"pair": c.engine.Pair()})
	}
}

// refused reports whether a submission error means the exchange definitely
// did not accept the order.
func refused(err error) bool {
	return errors.Is(err, ports.ErrExecutionRejected) ||
		errors.Is(err, ports.ErrInvalidRequest) ||
		errors.Is(err, ports.ErrAuthenticationFailed) ||
		errors.Is(err, ports.ErrInsufficientFunds) ||
		errors.Is(err, ports.ErrRateLimited)
}
