package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PurchaseLot is one discrete buy that the engine is trying to sell for a
// better price. A lot is atomic: it is sold entirely or not at all.
type PurchaseLot struct {
	ID          string          // Unique lot id (uuid)
	SpentAmount decimal.Decimal // Quote currency paid, buy fees included
	Quantity    decimal.Decimal // Base asset bought
	PurchasedAt time.Time
}

// NewPurchaseLot creates a lot from the amount spent and the quantity received.
func NewPurchaseLot(spent, quantity decimal.Decimal, purchasedAt time.Time) (PurchaseLot, error) {
	lot := PurchaseLot{
		ID:          uuid.NewString(),
		SpentAmount: spent,
		Quantity:    quantity,
		PurchasedAt: purchasedAt.UTC(),
	}
	if err := lot.Validate(); err != nil {
		return PurchaseLot{}, err
	}
	return lot, nil
}

// NewPurchaseLotAtRate creates a lot from the quantity bought and the
// effective rate paid per unit (fees already folded into the rate).
func NewPurchaseLotAtRate(quantity, rate decimal.Decimal, purchasedAt time.Time) (PurchaseLot, error) {
	return NewPurchaseLot(quantity.Mul(rate), quantity, purchasedAt)
}

// UnitCost is the effective price paid per unit of the lot.
func (l PurchaseLot) UnitCost() decimal.Decimal {
	if l.Quantity.IsZero() {
		return decimal.Zero
	}
	return l.SpentAmount.Div(l.Quantity)
}

// Validate checks the invariants of a live lot.
func (l PurchaseLot) Validate() error {
	if l.ID == "" {
		return fmt.Errorf("lot has empty id")
	}
	if !l.SpentAmount.IsPositive() {
		return fmt.Errorf("lot %s: spent amount %s must be positive", l.ID, l.SpentAmount)
	}
	if !l.Quantity.IsPositive() {
		return fmt.Errorf("lot %s: quantity %s must be positive", l.ID, l.Quantity)
	}
	return nil
}
