package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MergedSellOrder is the single sell order built from every sellable lot of a
// cycle. It is discarded on rejection and consumed on a confirmed fill.
type MergedSellOrder struct {
	ID                string // Client order id, also the idempotency key for fill application
	Pair              string
	LotIDs            []string
	TotalQuantity     decimal.Decimal
	PriceAtSubmission decimal.Decimal
	CostBasis         decimal.Decimal // Sum of the merged lots' spent amounts
	CreatedAt         time.Time
	ExchangeOrderID   string // Set once the exchange acknowledged the order
}

// ExpectedProceeds is the gross quote amount the order should bring in.
func (o *MergedSellOrder) ExpectedProceeds() decimal.Decimal {
	return o.TotalQuantity.Mul(o.PriceAtSubmission)
}

// FillState is the exchange-side state of a submitted order.
type FillState string

const (
	FillPending  FillState = "PENDING"
	FillFilled   FillState = "FILLED"
	FillRejected FillState = "REJECTED"
)

// FillStatus is the answer of an execution client when polled for an order.
type FillStatus struct {
	State          FillState
	FilledQuantity decimal.Decimal // Meaningful when State is FillFilled
	Reason         string          // Meaningful when State is FillRejected
}

// EngineSnapshot is the persisted state of one trading pair's engine.
type EngineSnapshot struct {
	Pair            string
	Lots            []PurchaseLot
	Samples         []PriceSample
	Pending         []MergedSellOrder
	AppliedOrderIDs []string
	IngestedLotIDs  []string // Inbox lots already moved into the ledger, oldest first
}
