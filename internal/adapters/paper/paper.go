// Package paper provides an in-memory exchange used for dry runs and replays.
// Orders never leave the process: a submitted sell fills at the price last set
// on the exchange unless a rejection or a delay has been scripted.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lotBroker/internal/domain"
	"lotBroker/internal/ports"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Compile-time checks
var (
	_ ports.PriceFeed       = (*Exchange)(nil)
	_ ports.ExecutionClient = (*Exchange)(nil)
)

type order struct {
	exchangeID string
	req        ports.SellRequest
	status     domain.FillStatus
	pollsLeft  int // Polls answered with PENDING before the order fills
}

// Exchange keeps a mutable price per pair and the orders submitted to it.
type Exchange struct {
	mu     sync.Mutex
	prices map[string]domain.Quote
	orders map[string]*order // Keyed by client order id
	now    func() time.Time

	rejectNext int    // Number of upcoming submissions to reject
	rejectMsg  string // Reason attached to scripted rejections
	fillDelay  int    // Polls before new orders fill
	fillRatio  decimal.Decimal
}

// NewExchange returns an empty paper exchange using the wall clock.
func NewExchange() *Exchange {
	return &Exchange{
		prices:    make(map[string]domain.Quote),
		orders:    make(map[string]*order),
		now:       func() time.Time { return time.Now().UTC() },
		fillRatio: decimal.NewFromInt(1),
	}
}

// WithClock replaces the clock used to stamp quotes.
func (e *Exchange) WithClock(now func() time.Time) *Exchange {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = now
	return e
}

// SetPrice sets the current price of pair, stamped with the exchange clock.
func (e *Exchange) SetPrice(pair string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[pair] = domain.Quote{Pair: pair, Price: price, ObservedAt: e.now()}
}

// SetQuote stores a quote as-is, including its timestamp.
func (e *Exchange) SetQuote(q domain.Quote) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prices[q.Pair] = q
}

// RejectNext makes the next n submissions fail with ErrExecutionRejected.
func (e *Exchange) RejectNext(n int, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectNext = n
	e.rejectMsg = reason
}

// SetFillDelay makes new orders report PENDING for the given number of polls.
func (e *Exchange) SetFillDelay(polls int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillDelay = polls
}

// SetFillRatio sets the fraction of the requested quantity that fills.
// Values below one simulate partial fills.
func (e *Exchange) SetFillRatio(ratio decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fillRatio = ratio
}

// CurrentPrice implements ports.PriceFeed.
func (e *Exchange) CurrentPrice(ctx context.Context, pair string) (domain.Quote, error) {
	if err := ctx.Err(); err != nil {
		return domain.Quote{}, fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.prices[pair]
	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: no paper price for %s", ports.ErrFeedUnavailable, pair)
	}
	return q, nil
}

// SubmitSellOrder implements ports.ExecutionClient. Resubmitting a known
// client order id returns the existing exchange id.
func (e *Exchange) SubmitSellOrder(ctx context.Context, req ports.SellRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ports.ErrExecutionTimeout, err)
	}
	if req.ClientOrderID == "" || !req.Quantity.IsPositive() {
		return "", fmt.Errorf("%w: client order id and positive quantity required", ports.ErrInvalidRequest)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.orders[req.ClientOrderID]; ok {
		return o.exchangeID, nil
	}
	if e.rejectNext > 0 {
		e.rejectNext--
		return "", fmt.Errorf("%w: %s", ports.ErrExecutionRejected, e.rejectMsg)
	}

	o := &order{
		exchangeID: uuid.New().String(),
		req:        req,
		pollsLeft:  e.fillDelay,
	}
	o.status = domain.FillStatus{State: domain.FillPending}
	if o.pollsLeft == 0 {
		o.status = e.fill(req)
	}
	e.orders[req.ClientOrderID] = o
	return o.exchangeID, nil
}

// PollFillStatus implements ports.ExecutionClient.
func (e *Exchange) PollFillStatus(ctx context.Context, pair, clientOrderID string) (domain.FillStatus, error) {
	if err := ctx.Err(); err != nil {
		return domain.FillStatus{}, fmt.Errorf("%w: %v", ports.ErrContextCanceled, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[clientOrderID]
	if !ok || o.req.Pair != pair {
		return domain.FillStatus{}, fmt.Errorf("%w: %s", ports.ErrOrderNotFound, clientOrderID)
	}
	if o.status.State == domain.FillPending {
		if o.pollsLeft > 0 {
			o.pollsLeft--
		}
		if o.pollsLeft == 0 {
			o.status = e.fill(o.req)
		}
	}
	return o.status, nil
}

// Orders returns the number of orders accepted so far.
func (e *Exchange) Orders() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.orders)
}

func (e *Exchange) fill(req ports.SellRequest) domain.FillStatus {
	return domain.FillStatus{
		State:          domain.FillFilled,
		FilledQuantity: req.Quantity.Mul(e.fillRatio),
	}
}
