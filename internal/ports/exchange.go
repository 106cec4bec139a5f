package ports

import (
	"context"
	"time"

	"lotBroker/internal/domain"

	"github.com/shopspring/decimal"
)

// PriceFeed supplies the current market price of a trading pair.
type PriceFeed interface {
	// CurrentPrice returns the latest price for pair.
	// Fails with ErrFeedUnavailable when no price can be obtained.
	CurrentPrice(ctx context.Context, pair string) (domain.Quote, error)
}

// SellRequest is what the engine asks an execution client to sell.
type SellRequest struct {
	ClientOrderID string          // Idempotency key, equal to the merged order id
	Pair          string          // Trading symbol (e.g., "BTCUSDT")
	Quantity      decimal.Decimal // Total quantity of the merged lots
	LimitPrice    decimal.Decimal // Zero for a market order
}

// ExecutionClient places sell orders and reports their fill status.
// Submission is not cancellable once sent; callers poll for the outcome.
type ExecutionClient interface {
	// SubmitSellOrder sends the order and returns the exchange order id.
	// Fails with ErrExecutionRejected or ErrExecutionTimeout.
	SubmitSellOrder(ctx context.Context, req SellRequest) (string, error)

	// PollFillStatus returns the current status of the order identified by
	// its client order id.
	PollFillStatus(ctx context.Context, pair, clientOrderID string) (domain.FillStatus, error)
}

// QuantityChecker is implemented by execution clients that know the
// exchange's order size rules. CheckQuantity fails with ErrInvalidRequest
// when quantity can never be sold as one order.
type QuantityChecker interface {
	CheckQuantity(ctx context.Context, pair string, quantity decimal.Decimal) error
}

// PriceHistoryProvider returns historical closing prices, used to warm up the
// price history before the first cycle.
type PriceHistoryProvider interface {
	DailyCloses(ctx context.Context, pair string, since time.Time) ([]domain.PriceSample, error)
}
