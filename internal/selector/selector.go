package selector

import (
	"lotBroker/internal/domain"

	"github.com/shopspring/decimal"
)

// Selection partitions lots into those to sell now and those to keep.
// Every evaluated lot id appears in exactly one of the two slices, in the
// order the lots were given.
type Selection struct {
	ToSell []string
	ToHold []string
}

// Len returns the number of evaluated lots.
func (s Selection) Len() int {
	return len(s.ToSell) + len(s.ToHold)
}

// Contains reports whether id was selected for sale.
func (s Selection) Contains(id string) bool {
	for _, sell := range s.ToSell {
		if sell == id {
			return true
		}
	}
	return false
}

// Select evaluates each lot on its own: a lot is sellable iff
//
//	price * (1 - sellFee) / unitCost >= 1 + requiredMargin
//
// sellFee is the fractional fee the exchange takes from the proceeds (0 for
// none). The comparison is done multiplied out, in decimals.
func Select(lots []domain.PurchaseLot, price decimal.Decimal, requiredMargin float64, sellFee decimal.Decimal) Selection {
	sel := Selection{
		ToSell: make([]string, 0),
		ToHold: make([]string, 0),
	}
	net := price.Mul(decimal.NewFromInt(1).Sub(sellFee))
	hurdle := decimal.NewFromInt(1).Add(decimal.NewFromFloat(requiredMargin))

	for _, lot := range lots {
		if Sellable(lot, net, hurdle) {
			sel.ToSell = append(sel.ToSell, lot.ID)
		} else {
			sel.ToHold = append(sel.ToHold, lot.ID)
		}
	}
	return sel
}

// Sellable reports whether netPrice / unitCost >= hurdle for lot.
func Sellable(lot domain.PurchaseLot, netPrice, hurdle decimal.Decimal) bool {
	if !lot.Quantity.IsPositive() {
		return false
	}
	// netPrice / (spent / qty) >= hurdle  <=>  netPrice * qty >= hurdle * spent
	return netPrice.Mul(lot.Quantity).GreaterThanOrEqual(hurdle.Mul(lot.SpentAmount))
}
